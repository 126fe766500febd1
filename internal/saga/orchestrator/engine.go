// Package orchestrator implements the centralized saga execution engine. It
// drives one instance at a time from CREATED to a terminal status, invoking
// participant services step by step and compensating completed steps in
// reverse order when a forward step fails or the instance is cancelled.
//
// Every state transition is persisted atomically: the instance row update
// (compare-and-swap on its version) and the corresponding event append share
// one database transaction. Crash recovery replays from that persisted state;
// the engine never holds progress only in memory.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/txnflow/sagaengine/internal/database"
	apperrors "github.com/txnflow/sagaengine/internal/errors"
	eventDomain "github.com/txnflow/sagaengine/internal/event/domain"
	"github.com/txnflow/sagaengine/internal/saga/invoker"

	sagaDomain "github.com/txnflow/sagaengine/internal/saga/domain"
)

// InstanceRepository is the persistence surface the engine needs for
// instances. Writes go through UpdateWithVersion so concurrent executors
// (a second engine, or a cancel request from the API) surface as
// ErrConcurrencyConflict instead of lost updates.
type InstanceRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error)
	UpdateWithVersion(ctx context.Context, instance *sagaDomain.SagaInstance, expectedVersion int64) error
}

// EventAppender is the event store surface the engine needs.
type EventAppender interface {
	Append(ctx context.Context, streamID string, expectedVersion int64, events []*eventDomain.Event) (int64, error)
	StreamVersion(ctx context.Context, streamID string) (int64, error)
}

// StatusCache receives the instance projection after every successful persist.
// Implementations must never fail the caller; the cache is read-through only.
type StatusCache interface {
	Set(ctx context.Context, instance *sagaDomain.SagaInstance)
}

// DefinitionSource resolves saga definitions by type.
type DefinitionSource interface {
	Get(sagaType string) (*sagaDomain.SagaDefinition, error)
}

// Engine executes orchestrated sagas.
type Engine struct {
	instances   InstanceRepository
	events      EventAppender
	cache       StatusCache
	definitions DefinitionSource
	invoker     invoker.Invoker
	txManager   database.TxManager
	// compensation bounds retries of each compensation action independently
	// of the step's forward retry policy.
	compensation sagaDomain.RetryPolicy
	logger       *slog.Logger
}

// NewEngine creates a new Engine.
func NewEngine(
	instances InstanceRepository,
	events EventAppender,
	cache StatusCache,
	definitions DefinitionSource,
	inv invoker.Invoker,
	txManager database.TxManager,
	compensation sagaDomain.RetryPolicy,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		instances:    instances,
		events:       events,
		cache:        cache,
		definitions:  definitions,
		invoker:      inv,
		txManager:    txManager,
		compensation: compensation,
		logger:       logger,
	}
}

// execution is the in-flight state of one engine run: the instance being
// driven, its definition, and the event stream head the engine appends after.
type execution struct {
	instance      *sagaDomain.SagaInstance
	def           *sagaDomain.SagaDefinition
	streamVersion int64
}

// Run drives the instance until it reaches a terminal status or ownership is
// lost to another executor. It is safe to call on a freshly created instance
// and on one interrupted mid-flight by a crash: execution resumes from the
// persisted step states.
func (e *Engine) Run(ctx context.Context, id uuid.UUID) error {
	exec, err := e.load(ctx, id)
	if err != nil {
		return err
	}

	e.logger.Info("saga execution starting",
		slog.String("saga_id", id.String()),
		slog.String("saga_type", exec.instance.SagaType),
		slog.String("status", string(exec.instance.Status)),
	)

	switch exec.instance.Status {
	case sagaDomain.InstanceCreated:
		if err := e.start(ctx, exec); err != nil {
			return e.handleConflict(ctx, exec, err)
		}
	case sagaDomain.InstanceRunning:
		// resuming after interruption
	case sagaDomain.InstanceCompensating:
		return e.compensate(ctx, exec)
	case sagaDomain.InstanceCancelled:
		return e.compensate(ctx, exec)
	default:
		// already terminal, nothing to drive
		return nil
	}

	return e.runForward(ctx, exec)
}

// ForceAdvance executes exactly one step of a RUNNING instance and returns.
// Operators use it to nudge an instance whose async execution was lost, one
// step at a time, without handing the whole run back to the engine loop.
func (e *Engine) ForceAdvance(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error) {
	exec, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if exec.instance.Status == sagaDomain.InstanceCreated {
		if err := e.start(ctx, exec); err != nil {
			return nil, err
		}
	}
	if exec.instance.Status != sagaDomain.InstanceRunning {
		return nil, fmt.Errorf("%w: instance is not running", apperrors.ErrInvalidTransition)
	}

	index := runningStep(exec.instance)
	if index < 0 {
		index = exec.instance.NextPendingStep()
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: no step left to advance", apperrors.ErrInvalidTransition)
	}

	if err := e.executeStep(ctx, exec, index); err != nil {
		return nil, err
	}
	return exec.instance, nil
}

// Compensate re-drives compensation of an instance stuck in
// COMPENSATION_FAILED. Steps already compensated stay compensated; only the
// remaining completed steps are retried.
func (e *Engine) Compensate(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error) {
	exec, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if exec.instance.Status != sagaDomain.InstanceCompensationFailed {
		return nil, fmt.Errorf(
			"%w: instance is not in a compensation failed state",
			apperrors.ErrInvalidTransition,
		)
	}

	if err := exec.instance.Transition(sagaDomain.InstanceCompensating); err != nil {
		return nil, err
	}
	clearCompensationErrors(exec.instance)
	event := e.newEvent(exec, eventDomain.EventTypeSagaCompensating, lifecyclePayload(exec.instance, ""))
	if err := e.persist(ctx, exec, event); err != nil {
		return nil, err
	}

	if err := e.compensate(ctx, exec); err != nil {
		return nil, err
	}
	return exec.instance, nil
}

// load fetches the instance, its definition and the event stream head.
func (e *Engine) load(ctx context.Context, id uuid.UUID) (*execution, error) {
	instance, err := e.instances.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	def, err := e.definitions.Get(instance.SagaType)
	if err != nil {
		return nil, err
	}

	streamVersion, err := e.events.StreamVersion(ctx, instance.ID.String())
	if err != nil {
		return nil, err
	}

	return &execution{instance: instance, def: def, streamVersion: streamVersion}, nil
}

// start moves a CREATED instance to RUNNING and records saga.started.
func (e *Engine) start(ctx context.Context, exec *execution) error {
	if err := exec.instance.Transition(sagaDomain.InstanceRunning); err != nil {
		return err
	}
	event := e.newEvent(exec, eventDomain.EventTypeSagaStarted, lifecyclePayload(exec.instance, ""))
	return e.persist(ctx, exec, event)
}

// runForward executes steps sequentially until the instance completes, a step
// fails (switching to compensation), or a cancel is observed.
func (e *Engine) runForward(ctx context.Context, exec *execution) error {
	for exec.instance.Status == sagaDomain.InstanceRunning {
		index := runningStep(exec.instance)
		if index < 0 {
			index = exec.instance.NextPendingStep()
		}
		if index < 0 {
			break
		}

		if err := e.executeStep(ctx, exec, index); err != nil {
			if apperrors.Is(err, apperrors.ErrConcurrencyConflict) {
				return e.handleConflict(ctx, exec, err)
			}
			return err
		}
	}

	switch exec.instance.Status {
	case sagaDomain.InstanceCompensating:
		return e.compensate(ctx, exec)
	case sagaDomain.InstanceCompleted:
		e.logger.Info("saga completed",
			slog.String("saga_id", exec.instance.ID.String()),
			slog.String("saga_type", exec.instance.SagaType),
		)
	}
	return nil
}

// executeStep drives one step through RUNNING and then COMPLETED or FAILED.
// A step found already RUNNING (crash recovery) is re-invoked without the
// RUNNING transition; participants deduplicate on correlation id + step name.
func (e *Engine) executeStep(ctx context.Context, exec *execution, index int) error {
	instance := exec.instance
	spec := &exec.def.Steps[index]
	step := &instance.Steps[index]

	if step.Status == sagaDomain.StepPending {
		payload, err := forwardPayload(instance)
		if err != nil {
			return apperrors.Wrap(err, "failed to build step payload")
		}
		if err := instance.TransitionStep(index, sagaDomain.StepRunning); err != nil {
			return err
		}
		step.RequestPayload = payload
		step.AttemptCount++
		event := e.newEvent(exec, eventDomain.EventTypeStepRunning, stepPayload(instance, step, ""))
		if err := e.persist(ctx, exec, event); err != nil {
			return err
		}
	} else {
		step.AttemptCount++
	}

	response, invokeErr := e.invoker.InvokeStep(ctx, spec, instance.CorrelationID, step.RequestPayload)
	if invokeErr == nil {
		return e.completeStep(ctx, exec, index, response)
	}
	if ctx.Err() != nil {
		// interrupted, not failed; the resume path picks the step back up
		return ctx.Err()
	}
	return e.failStep(ctx, exec, index, invokeErr)
}

// completeStep records a successful step and, when it was the last one, the
// completion of the whole instance in the same persist.
func (e *Engine) completeStep(ctx context.Context, exec *execution, index int, response json.RawMessage) error {
	instance := exec.instance
	if err := instance.TransitionStep(index, sagaDomain.StepCompleted); err != nil {
		return err
	}
	step := &instance.Steps[index]
	step.ResponsePayload = response

	events := []*eventDomain.Event{
		e.newEvent(exec, eventDomain.EventTypeStepCompleted, stepPayload(instance, step, "")),
	}

	if instance.DeriveStatus() == sagaDomain.InstanceCompleted {
		if err := instance.Transition(sagaDomain.InstanceCompleted); err != nil {
			return err
		}
		events = append(events, e.newEvent(exec, eventDomain.EventTypeSagaCompleted, lifecyclePayload(instance, "")))
	}

	return e.persist(ctx, exec, events...)
}

// failStep records a failed step and flips the instance to COMPENSATING.
func (e *Engine) failStep(ctx context.Context, exec *execution, index int, cause error) error {
	instance := exec.instance
	if err := instance.TransitionStep(index, sagaDomain.StepFailed); err != nil {
		return err
	}
	step := &instance.Steps[index]
	step.Error = cause.Error()

	e.logger.Warn("saga step failed",
		slog.String("saga_id", instance.ID.String()),
		slog.String("step", step.Name),
		slog.Any("error", cause),
	)

	if err := instance.Transition(sagaDomain.InstanceCompensating); err != nil {
		return err
	}

	events := []*eventDomain.Event{
		e.newEvent(exec, eventDomain.EventTypeStepFailed, stepPayload(instance, step, step.Error)),
		e.newEvent(exec, eventDomain.EventTypeSagaCompensating, lifecyclePayload(instance, step.Error)),
	}
	return e.persist(ctx, exec, events...)
}

// compensate undoes completed steps in reverse completion order. Entered from
// COMPENSATING (step failure or re-drive) or CANCELLED (cooperative cancel).
// A failing compensation is recorded but does not stop the remaining ones;
// the instance ends COMPENSATION_FAILED when any compensation was exhausted.
func (e *Engine) compensate(ctx context.Context, exec *execution) error {
	instance := exec.instance

	if instance.Status == sagaDomain.InstanceCancelled {
		if len(instance.CompletedSteps()) > 0 {
			if err := instance.Transition(sagaDomain.InstanceCompensating); err != nil {
				return err
			}
			event := e.newEvent(exec, eventDomain.EventTypeSagaCompensating, lifecyclePayload(instance, ""))
			if err := e.persist(ctx, exec, event); err != nil {
				return err
			}
		} else {
			// nothing ran, nothing to undo
			if err := instance.Transition(sagaDomain.InstanceCompensated); err != nil {
				return err
			}
			event := e.newEvent(exec, eventDomain.EventTypeSagaCompensated, lifecyclePayload(instance, ""))
			return e.persist(ctx, exec, event)
		}
	}

	completed := instance.CompletedSteps()
	anyFailed := false

	for i := len(completed) - 1; i >= 0; i-- {
		index := completed[i]
		spec := &exec.def.Steps[index]
		step := &instance.Steps[index]

		if !spec.Compensable {
			if err := instance.TransitionStep(index, sagaDomain.StepCompensated); err != nil {
				return err
			}
			event := e.newEvent(exec, eventDomain.EventTypeCompensationSkipped, stepPayload(instance, step, ""))
			if err := e.persist(ctx, exec, event); err != nil {
				return err
			}
			continue
		}

		payload, err := compensationPayload(instance, step)
		if err != nil {
			return apperrors.Wrap(err, "failed to build compensation payload")
		}

		invokeErr := e.invoker.InvokeCompensation(ctx, spec, instance.CorrelationID, payload, e.compensation)
		if invokeErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			anyFailed = true
			step.CompensationInvoked = false
			step.Error = invokeErr.Error()
			e.logger.Error("saga compensation failed",
				slog.String("saga_id", instance.ID.String()),
				slog.String("step", step.Name),
				slog.Any("error", invokeErr),
			)
			event := e.newEvent(exec, eventDomain.EventTypeCompensationFailed, stepPayload(instance, step, step.Error))
			if err := e.persist(ctx, exec, event); err != nil {
				return err
			}
			continue
		}

		step.CompensationInvoked = true
		if err := instance.TransitionStep(index, sagaDomain.StepCompensated); err != nil {
			return err
		}
		event := e.newEvent(exec, eventDomain.EventTypeCompensationCompleted, stepPayload(instance, step, ""))
		if err := e.persist(ctx, exec, event); err != nil {
			return err
		}
	}

	if anyFailed {
		if err := instance.Transition(sagaDomain.InstanceCompensationFailed); err != nil {
			return err
		}
		event := e.newEvent(exec, eventDomain.EventTypeSagaCompFailed, lifecyclePayload(instance, ""))
		if err := e.persist(ctx, exec, event); err != nil {
			return err
		}
		return apperrors.ErrCompensationFailed
	}

	if err := instance.Transition(sagaDomain.InstanceCompensated); err != nil {
		return err
	}
	event := e.newEvent(exec, eventDomain.EventTypeSagaCompensated, lifecyclePayload(instance, ""))
	if err := e.persist(ctx, exec, event); err != nil {
		return err
	}

	e.logger.Info("saga compensated",
		slog.String("saga_id", instance.ID.String()),
		slog.String("saga_type", instance.SagaType),
	)
	return nil
}

// persist writes the instance update and its events in one transaction, then
// refreshes the status cache. The instance version CAS and the event stream
// version check both run inside the transaction, so a conflict on either
// rolls back the whole transition.
func (e *Engine) persist(ctx context.Context, exec *execution, events ...*eventDomain.Event) error {
	instance := exec.instance
	expectedVersion := instance.Version

	var newStreamVersion int64
	err := e.txManager.WithTx(ctx, func(txCtx context.Context) error {
		if err := e.instances.UpdateWithVersion(txCtx, instance, expectedVersion); err != nil {
			return err
		}
		v, err := e.events.Append(txCtx, instance.ID.String(), exec.streamVersion, events)
		if err != nil {
			return err
		}
		newStreamVersion = v
		return nil
	})
	if err != nil {
		instance.Version = expectedVersion
		return err
	}

	exec.streamVersion = newStreamVersion
	e.cache.Set(ctx, instance)
	return nil
}

// handleConflict resolves a lost CAS: the row moved under us. When the fresh
// row shows a cooperative cancel, this executor adopts it, merges the step
// progress it holds in memory and runs compensation. Any other cause means
// another executor owns the instance and this one backs off.
func (e *Engine) handleConflict(ctx context.Context, exec *execution, cause error) error {
	if !apperrors.Is(cause, apperrors.ErrConcurrencyConflict) {
		return cause
	}

	fresh, err := e.instances.Get(ctx, exec.instance.ID)
	if err != nil {
		return err
	}

	if fresh.Status != sagaDomain.InstanceCancelled {
		e.logger.Info("saga execution superseded by another writer",
			slog.String("saga_id", exec.instance.ID.String()),
			slog.String("status", string(fresh.Status)),
		)
		return nil
	}

	// The API cancelled the instance while a step was in flight. Our
	// in-memory copy carries step results the cancel writer never saw;
	// merge them so compensation undoes everything that actually ran.
	before := make([]sagaDomain.StepStatus, len(fresh.Steps))
	for i := range fresh.Steps {
		before[i] = fresh.Steps[i].Status
	}
	mergeStepProgress(fresh, exec.instance)
	streamVersion, err := e.events.StreamVersion(ctx, fresh.ID.String())
	if err != nil {
		return err
	}
	exec.instance = fresh
	exec.streamVersion = streamVersion

	// The step transitions just merged were rolled back with the lost
	// transaction. Re-append them so the stream still records every
	// transition the instance went through.
	var recovered []*eventDomain.Event
	for i := range fresh.Steps {
		step := &fresh.Steps[i]
		if step.Status == before[i] {
			continue
		}
		if eventType := stepEventType(step.Status); eventType != "" {
			recovered = append(recovered, e.newEvent(exec, eventType, stepPayload(fresh, step, step.Error)))
		}
	}
	if len(recovered) > 0 {
		if err := e.persist(ctx, exec, recovered...); err != nil {
			return err
		}
	}

	e.logger.Info("saga cancel observed, compensating",
		slog.String("saga_id", fresh.ID.String()),
	)
	return e.compensate(ctx, exec)
}

// stepEventType maps a step status to the event recorded for reaching it.
func stepEventType(s sagaDomain.StepStatus) string {
	switch s {
	case sagaDomain.StepRunning:
		return eventDomain.EventTypeStepRunning
	case sagaDomain.StepCompleted:
		return eventDomain.EventTypeStepCompleted
	case sagaDomain.StepFailed:
		return eventDomain.EventTypeStepFailed
	}
	return ""
}

// runningStep returns the index of the step currently RUNNING, or -1.
func runningStep(instance *sagaDomain.SagaInstance) int {
	for i := range instance.Steps {
		if instance.Steps[i].Status == sagaDomain.StepRunning {
			return i
		}
	}
	return -1
}

// mergeStepProgress copies step results from a local copy onto a freshly read
// instance, keeping whichever record is further along per step.
func mergeStepProgress(fresh, local *sagaDomain.SagaInstance) {
	for i := range fresh.Steps {
		if i >= len(local.Steps) {
			return
		}
		localStep := local.Steps[i]
		freshStep := &fresh.Steps[i]
		if stepRank(localStep.Status) > stepRank(freshStep.Status) {
			*freshStep = localStep
		}
		if localStep.AttemptCount > freshStep.AttemptCount {
			freshStep.AttemptCount = localStep.AttemptCount
		}
	}
}

func stepRank(s sagaDomain.StepStatus) int {
	switch s {
	case sagaDomain.StepPending:
		return 0
	case sagaDomain.StepRunning:
		return 1
	case sagaDomain.StepCompleted, sagaDomain.StepFailed:
		return 2
	case sagaDomain.StepCompensated:
		return 3
	}
	return 0
}

// clearCompensationErrors resets the failure records of steps whose
// compensation is about to be retried.
func clearCompensationErrors(instance *sagaDomain.SagaInstance) {
	for i := range instance.Steps {
		step := &instance.Steps[i]
		if step.Status == sagaDomain.StepCompleted && !step.CompensationInvoked {
			step.Error = ""
		}
	}
}

// newEvent builds an event for the instance stream. The store assigns the
// final version on append; 0 here is a placeholder.
func (e *Engine) newEvent(exec *execution, eventType string, payload json.RawMessage) *eventDomain.Event {
	return eventDomain.NewEvent(
		exec.instance.ID.String(),
		eventType,
		exec.instance.CorrelationID,
		payload,
		0,
	)
}

// forwardPayload builds the request body for a forward step call: the saga
// input plus every completed step's response, keyed by step name.
func forwardPayload(instance *sagaDomain.SagaInstance) (json.RawMessage, error) {
	steps := make(map[string]json.RawMessage, len(instance.Steps))
	for i := range instance.Steps {
		step := &instance.Steps[i]
		if step.Status == sagaDomain.StepCompleted && step.ResponsePayload != nil {
			steps[step.Name] = step.ResponsePayload
		}
	}
	body := struct {
		SagaID string                     `json:"saga_id"`
		Input  json.RawMessage            `json:"input"`
		Steps  map[string]json.RawMessage `json:"steps"`
	}{
		SagaID: instance.ID.String(),
		Input:  instance.InputData,
		Steps:  steps,
	}
	return json.Marshal(body)
}

// compensationPayload builds the request body for a compensation call: the
// original forward request and the response it produced, so participants can
// undo exactly what was done.
func compensationPayload(instance *sagaDomain.SagaInstance, step *sagaDomain.SagaStep) (json.RawMessage, error) {
	body := struct {
		SagaID   string          `json:"saga_id"`
		Input    json.RawMessage `json:"input"`
		Request  json.RawMessage `json:"request,omitempty"`
		Response json.RawMessage `json:"response,omitempty"`
	}{
		SagaID:   instance.ID.String(),
		Input:    instance.InputData,
		Request:  step.RequestPayload,
		Response: step.ResponsePayload,
	}
	return json.Marshal(body)
}

// lifecyclePayload is the event body for instance level transitions.
func lifecyclePayload(instance *sagaDomain.SagaInstance, errMsg string) json.RawMessage {
	body := struct {
		SagaID   string `json:"saga_id"`
		SagaType string `json:"saga_type"`
		Status   string `json:"status"`
		Error    string `json:"error,omitempty"`
	}{
		SagaID:   instance.ID.String(),
		SagaType: instance.SagaType,
		Status:   string(instance.Status),
		Error:    errMsg,
	}
	data, _ := json.Marshal(body) //nolint:errcheck
	return data
}

// stepPayload is the event body for step level transitions.
func stepPayload(instance *sagaDomain.SagaInstance, step *sagaDomain.SagaStep, errMsg string) json.RawMessage {
	body := struct {
		SagaID   string `json:"saga_id"`
		SagaType string `json:"saga_type"`
		Step     string `json:"step"`
		Status   string `json:"status"`
		Attempt  int    `json:"attempt"`
		Error    string `json:"error,omitempty"`
	}{
		SagaID:   instance.ID.String(),
		SagaType: instance.SagaType,
		Step:     step.Name,
		Status:   string(step.Status),
		Attempt:  step.AttemptCount,
		Error:    errMsg,
	}
	data, _ := json.Marshal(body) //nolint:errcheck
	return data
}
