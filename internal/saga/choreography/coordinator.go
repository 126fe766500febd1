// Package choreography implements the decentralized saga coordinator. Unlike
// the orchestrator it never calls participant services directly: it publishes
// request events on the bus and advances instance state only when the matching
// completion or failure event arrives from a participant.
//
// The coordinator is a reducer over bus deliveries. Each incoming event is
// applied against the persisted instance state; events that do not advance the
// state machine (duplicates, redeliveries after a crash) are acknowledged and
// dropped, which makes processing idempotent per correlation id, step name and
// event type.
package choreography

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	apperrors "github.com/txnflow/sagaengine/internal/errors"
	eventDomain "github.com/txnflow/sagaengine/internal/event/domain"
	"github.com/txnflow/sagaengine/internal/eventbus"
	sagaDomain "github.com/txnflow/sagaengine/internal/saga/domain"
)

// ConsumerGroup is the durable consumer group name of the coordinator.
const ConsumerGroup = "saga_coordinator"

// InstanceRepository is the persistence surface the coordinator needs.
type InstanceRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error)
	UpdateWithVersion(ctx context.Context, instance *sagaDomain.SagaInstance, expectedVersion int64) error
}

// EventBus publishes request events and delivers participant events.
type EventBus interface {
	Publish(ctx context.Context, event *eventDomain.Event) error
	Subscribe(consumerGroup string, eventTypes ...string) (<-chan eventbus.Delivery, error)
}

// StatusCache receives the instance projection after every successful update.
type StatusCache interface {
	Set(ctx context.Context, instance *sagaDomain.SagaInstance)
}

// DefinitionSource resolves saga definitions by type.
type DefinitionSource interface {
	Get(sagaType string) (*sagaDomain.SagaDefinition, error)
}

// Coordinator drives choreographed sagas.
type Coordinator struct {
	instances   InstanceRepository
	bus         EventBus
	cache       StatusCache
	definitions DefinitionSource
	logger      *slog.Logger

	deliveries <-chan eventbus.Delivery
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator(
	instances InstanceRepository,
	bus EventBus,
	cache StatusCache,
	definitions DefinitionSource,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		instances:   instances,
		bus:         bus,
		cache:       cache,
		definitions: definitions,
		logger:      logger,
	}
}

// Subscribe registers the coordinator's consumer group on the bus. Must be
// called before the bus starts.
func (c *Coordinator) Subscribe() error {
	ch, err := c.bus.Subscribe(
		ConsumerGroup,
		eventDomain.EventTypeStepCompleted,
		eventDomain.EventTypeStepFailed,
		eventDomain.EventTypeCompensationCompleted,
		eventDomain.EventTypeCompensationFailed,
	)
	if err != nil {
		return err
	}
	c.deliveries = ch
	return nil
}

// Run consumes participant events until the context is cancelled. Deliveries
// are acknowledged only after the resulting state change is persisted, so a
// crash between the two replays the event.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.deliveries == nil {
		return apperrors.New("coordinator is not subscribed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-c.deliveries:
			if !ok {
				return nil
			}
			if err := c.apply(ctx, delivery.Event); err != nil {
				// leave un-acked; the bus redelivers after restart
				c.logger.Error("failed to apply participant event",
					slog.String("event_type", delivery.Event.EventType),
					slog.String("stream_id", delivery.Event.StreamID),
					slog.Any("error", err),
				)
				continue
			}
			if err := delivery.Ack(ctx); err != nil {
				c.logger.Error("failed to ack participant event",
					slog.String("event_type", delivery.Event.EventType),
					slog.Any("error", err),
				)
			}
		}
	}
}

// StartSaga begins a choreographed instance: it moves CREATED to RUNNING and
// publishes the request event for the first step. The instance then advances
// purely on participant events.
func (c *Coordinator) StartSaga(ctx context.Context, id uuid.UUID) error {
	instance, err := c.instances.Get(ctx, id)
	if err != nil {
		return err
	}
	def, err := c.definitions.Get(instance.SagaType)
	if err != nil {
		return err
	}

	if instance.Status != sagaDomain.InstanceCreated {
		// already started, redelivered trigger
		return nil
	}

	if err := instance.Transition(sagaDomain.InstanceRunning); err != nil {
		return err
	}
	if err := c.update(ctx, instance); err != nil {
		return err
	}
	if err := c.publishLifecycle(ctx, instance, eventDomain.EventTypeSagaStarted, ""); err != nil {
		return err
	}
	return c.requestStep(ctx, instance, def, 0)
}

// participantEvent is the payload shape participants publish for step and
// compensation outcomes.
type participantEvent struct {
	SagaID string          `json:"saga_id"`
	Step   string          `json:"step"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// apply reduces one participant event onto the persisted instance state.
func (c *Coordinator) apply(ctx context.Context, event *eventDomain.Event) error {
	var payload participantEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		c.logger.Warn("discarding malformed participant event",
			slog.String("event_type", event.EventType),
			slog.String("stream_id", event.StreamID),
		)
		return nil
	}
	if payload.SagaID == "" {
		payload.SagaID = event.StreamID
	}

	id, err := uuid.Parse(payload.SagaID)
	if err != nil {
		c.logger.Warn("discarding participant event with invalid saga id",
			slog.String("saga_id", payload.SagaID),
		)
		return nil
	}

	instance, err := c.instances.Get(ctx, id)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// event for a stream this engine does not own
			return nil
		}
		return err
	}

	def, err := c.definitions.Get(instance.SagaType)
	if err != nil {
		return err
	}
	if def.Coordination != sagaDomain.CoordinationChoreographed {
		return nil
	}

	index := stepIndex(instance, payload.Step)
	if index < 0 {
		c.logger.Warn("participant event names unknown step",
			slog.String("saga_id", instance.ID.String()),
			slog.String("step", payload.Step),
		)
		return nil
	}

	switch event.EventType {
	case eventDomain.EventTypeStepCompleted:
		return c.onStepCompleted(ctx, instance, def, index, payload.Result)
	case eventDomain.EventTypeStepFailed:
		return c.onStepFailed(ctx, instance, def, index, payload.Error)
	case eventDomain.EventTypeCompensationCompleted:
		return c.onCompensationCompleted(ctx, instance, def, index)
	case eventDomain.EventTypeCompensationFailed:
		return c.onCompensationFailed(ctx, instance, def, index, payload.Error)
	}
	return nil
}

func (c *Coordinator) onStepCompleted(
	ctx context.Context,
	instance *sagaDomain.SagaInstance,
	def *sagaDomain.SagaDefinition,
	index int,
	result json.RawMessage,
) error {
	step := &instance.Steps[index]
	if step.Status != sagaDomain.StepRunning {
		// duplicate or late delivery, state already advanced
		return nil
	}

	if err := instance.TransitionStep(index, sagaDomain.StepCompleted); err != nil {
		return err
	}
	step.ResponsePayload = result

	if instance.DeriveStatus() == sagaDomain.InstanceCompleted {
		if err := instance.Transition(sagaDomain.InstanceCompleted); err != nil {
			return err
		}
		if err := c.update(ctx, instance); err != nil {
			return err
		}
		return c.publishLifecycle(ctx, instance, eventDomain.EventTypeSagaCompleted, "")
	}

	if err := c.update(ctx, instance); err != nil {
		return err
	}
	next := instance.NextPendingStep()
	if next < 0 {
		return nil
	}
	return c.requestStep(ctx, instance, def, next)
}

func (c *Coordinator) onStepFailed(
	ctx context.Context,
	instance *sagaDomain.SagaInstance,
	def *sagaDomain.SagaDefinition,
	index int,
	errMsg string,
) error {
	step := &instance.Steps[index]
	if step.Status != sagaDomain.StepRunning {
		return nil
	}

	if err := instance.TransitionStep(index, sagaDomain.StepFailed); err != nil {
		return err
	}
	step.Error = errMsg

	if err := instance.Transition(sagaDomain.InstanceCompensating); err != nil {
		return err
	}
	if err := c.update(ctx, instance); err != nil {
		return err
	}
	if err := c.publishLifecycle(ctx, instance, eventDomain.EventTypeSagaCompensating, errMsg); err != nil {
		return err
	}
	return c.requestNextCompensation(ctx, instance, def)
}

func (c *Coordinator) onCompensationCompleted(
	ctx context.Context,
	instance *sagaDomain.SagaInstance,
	def *sagaDomain.SagaDefinition,
	index int,
) error {
	step := &instance.Steps[index]
	if step.Status != sagaDomain.StepCompleted || !step.CompensationInvoked {
		// duplicate, already compensated, or never requested
		return nil
	}

	if err := instance.TransitionStep(index, sagaDomain.StepCompensated); err != nil {
		return err
	}
	if err := c.update(ctx, instance); err != nil {
		return err
	}
	return c.requestNextCompensation(ctx, instance, def)
}

func (c *Coordinator) onCompensationFailed(
	ctx context.Context,
	instance *sagaDomain.SagaInstance,
	def *sagaDomain.SagaDefinition,
	index int,
	errMsg string,
) error {
	step := &instance.Steps[index]
	if step.Status != sagaDomain.StepCompleted || !step.CompensationInvoked {
		return nil
	}

	step.CompensationInvoked = false
	step.Error = errMsg
	c.logger.Error("choreographed compensation failed",
		slog.String("saga_id", instance.ID.String()),
		slog.String("step", step.Name),
		slog.String("error", errMsg),
	)
	if err := c.update(ctx, instance); err != nil {
		return err
	}
	// keep compensating the remaining steps; the failure is settled when the
	// reverse walk runs out of candidates
	return c.requestNextCompensation(ctx, instance, def)
}

// requestStep publishes the request event that asks a participant to run a
// step, and records the step as RUNNING.
func (c *Coordinator) requestStep(
	ctx context.Context,
	instance *sagaDomain.SagaInstance,
	def *sagaDomain.SagaDefinition,
	index int,
) error {
	if err := instance.TransitionStep(index, sagaDomain.StepRunning); err != nil {
		return err
	}
	step := &instance.Steps[index]
	step.AttemptCount++

	payload, err := requestPayload(instance, &def.Steps[index])
	if err != nil {
		return apperrors.Wrap(err, "failed to build step request payload")
	}
	step.RequestPayload = payload

	if err := c.update(ctx, instance); err != nil {
		return err
	}

	event := eventDomain.NewEvent(
		instance.ID.String(),
		eventDomain.EventTypeStepRequested,
		instance.CorrelationID,
		payload,
		0,
	)
	return c.bus.Publish(ctx, event)
}

// requestNextCompensation walks completed steps in reverse and publishes the
// compensation request for the next one still to undo. When none remain the
// instance settles into its terminal compensation status.
func (c *Coordinator) requestNextCompensation(
	ctx context.Context,
	instance *sagaDomain.SagaInstance,
	def *sagaDomain.SagaDefinition,
) error {
	completed := instance.CompletedSteps()
	for i := len(completed) - 1; i >= 0; i-- {
		index := completed[i]
		step := &instance.Steps[index]
		spec := &def.Steps[index]

		if !spec.Compensable {
			if err := instance.TransitionStep(index, sagaDomain.StepCompensated); err != nil {
				return err
			}
			continue
		}
		if step.CompensationInvoked {
			// requested already, waiting on the participant
			return c.update(ctx, instance)
		}
		if step.Error != "" {
			// compensation already failed for this step, skip it
			continue
		}

		step.CompensationInvoked = true
		if err := c.update(ctx, instance); err != nil {
			return err
		}

		payload, err := compensationRequestPayload(instance, step, spec)
		if err != nil {
			return apperrors.Wrap(err, "failed to build compensation request payload")
		}
		event := eventDomain.NewEvent(
			instance.ID.String(),
			eventDomain.EventTypeCompensationRequested,
			instance.CorrelationID,
			payload,
			0,
		)
		return c.bus.Publish(ctx, event)
	}

	return c.settleCompensation(ctx, instance)
}

// settleCompensation moves a fully walked instance to its terminal status.
func (c *Coordinator) settleCompensation(ctx context.Context, instance *sagaDomain.SagaInstance) error {
	anyFailed := false
	for i := range instance.Steps {
		step := &instance.Steps[i]
		if step.Status == sagaDomain.StepCompleted && step.Error != "" {
			anyFailed = true
		}
	}

	target := sagaDomain.InstanceCompensated
	eventType := eventDomain.EventTypeSagaCompensated
	if anyFailed {
		target = sagaDomain.InstanceCompensationFailed
		eventType = eventDomain.EventTypeSagaCompFailed
	}

	if err := instance.Transition(target); err != nil {
		return err
	}
	if err := c.update(ctx, instance); err != nil {
		return err
	}
	return c.publishLifecycle(ctx, instance, eventType, "")
}

// update persists the instance with CAS and refreshes the cache. A conflict
// is surfaced to the caller; the bus redelivers the event and the next
// attempt folds it against the fresh row.
func (c *Coordinator) update(ctx context.Context, instance *sagaDomain.SagaInstance) error {
	err := c.instances.UpdateWithVersion(ctx, instance, instance.Version)
	if err != nil {
		return err
	}
	c.cache.Set(ctx, instance)
	return nil
}

func (c *Coordinator) publishLifecycle(
	ctx context.Context,
	instance *sagaDomain.SagaInstance,
	eventType string,
	errMsg string,
) error {
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
	payload, _ := json.Marshal(body) //nolint:errcheck
	event := eventDomain.NewEvent(instance.ID.String(), eventType, instance.CorrelationID, payload, 0)
	return c.bus.Publish(ctx, event)
}

func stepIndex(instance *sagaDomain.SagaInstance, name string) int {
	for i := range instance.Steps {
		if instance.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// requestPayload builds the body of a step request event: the saga input,
// prior step results and the routing fields participants use to pick it up.
func requestPayload(instance *sagaDomain.SagaInstance, spec *sagaDomain.StepSpec) (json.RawMessage, error) {
	steps := make(map[string]json.RawMessage, len(instance.Steps))
	for i := range instance.Steps {
		step := &instance.Steps[i]
		if step.Status == sagaDomain.StepCompleted && step.ResponsePayload != nil {
			steps[step.Name] = step.ResponsePayload
		}
	}
	body := struct {
		SagaID  string                     `json:"saga_id"`
		Step    string                     `json:"step"`
		Service string                     `json:"service"`
		Action  string                     `json:"action"`
		Input   json.RawMessage            `json:"input"`
		Steps   map[string]json.RawMessage `json:"steps"`
	}{
		SagaID:  instance.ID.String(),
		Step:    spec.Name,
		Service: spec.TargetService,
		Action:  spec.Action,
		Input:   instance.InputData,
		Steps:   steps,
	}
	return json.Marshal(body)
}

func compensationRequestPayload(
	instance *sagaDomain.SagaInstance,
	step *sagaDomain.SagaStep,
	spec *sagaDomain.StepSpec,
) (json.RawMessage, error) {
	body := struct {
		SagaID   string          `json:"saga_id"`
		Step     string          `json:"step"`
		Service  string          `json:"service"`
		Action   string          `json:"action"`
		Input    json.RawMessage `json:"input"`
		Request  json.RawMessage `json:"request,omitempty"`
		Response json.RawMessage `json:"response,omitempty"`
	}{
		SagaID:   instance.ID.String(),
		Step:     step.Name,
		Service:  spec.TargetService,
		Action:   spec.Compensation,
		Input:    instance.InputData,
		Request:  step.RequestPayload,
		Response: step.ResponsePayload,
	}
	return json.Marshal(body)
}
