package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/txnflow/sagaengine/internal/database"
	apperrors "github.com/txnflow/sagaengine/internal/errors"
	eventDomain "github.com/txnflow/sagaengine/internal/event/domain"
	sagaDomain "github.com/txnflow/sagaengine/internal/saga/domain"
	sagaRepository "github.com/txnflow/sagaengine/internal/saga/repository"
)

// cancelRetries bounds CAS retries of the cancellation write. The only
// competing writer is the executor advancing the same instance, so a couple
// of re-reads is enough.
const cancelRetries = 3

// sagaUseCase implements the UseCase interface for saga transactions.
type sagaUseCase struct {
	txManager   database.TxManager
	sagaRepo    SagaRepository
	events      EventStore
	cache       StatusCache
	definitions DefinitionSource
	engine      Executor
	coordinator ChoreographyStarter
	logger      *slog.Logger
}

// NewSagaUseCase creates a new saga transaction use case.
func NewSagaUseCase(
	txManager database.TxManager,
	sagaRepo SagaRepository,
	events EventStore,
	cache StatusCache,
	definitions DefinitionSource,
	engine Executor,
	coordinator ChoreographyStarter,
	logger *slog.Logger,
) UseCase {
	return &sagaUseCase{
		txManager:   txManager,
		sagaRepo:    sagaRepo,
		events:      events,
		cache:       cache,
		definitions: definitions,
		engine:      engine,
		coordinator: coordinator,
		logger:      logger,
	}
}

// Start creates the instance synchronously and hands execution to the mode
// the definition selects. The caller gets the CREATED instance back; progress
// is observed through Get or the event stream.
func (s *sagaUseCase) Start(
	ctx context.Context,
	sagaType string,
	input json.RawMessage,
	correlationID string,
) (*sagaDomain.SagaInstance, error) {
	def, err := s.definitions.Get(sagaType)
	if err != nil {
		return nil, err
	}

	instance := sagaDomain.NewInstance(def, input, correlationID)
	if err := s.sagaRepo.Create(ctx, instance); err != nil {
		return nil, err
	}
	s.cache.Set(ctx, instance)

	s.logger.Info("saga transaction created",
		slog.String("saga_id", instance.ID.String()),
		slog.String("saga_type", sagaType),
		slog.String("coordination", string(def.Coordination)),
	)

	// Execution outlives the HTTP request that triggered it.
	execCtx := context.WithoutCancel(ctx)
	switch def.Coordination {
	case sagaDomain.CoordinationChoreographed:
		go s.runChoreographed(execCtx, instance.ID)
	default:
		go s.runOrchestrated(execCtx, instance.ID)
	}

	return instance, nil
}

func (s *sagaUseCase) runOrchestrated(ctx context.Context, id uuid.UUID) {
	if err := s.engine.Run(ctx, id); err != nil {
		s.logger.Error("saga execution ended with error",
			slog.String("saga_id", id.String()),
			slog.Any("error", err),
		)
	}
}

func (s *sagaUseCase) runChoreographed(ctx context.Context, id uuid.UUID) {
	if err := s.coordinator.StartSaga(ctx, id); err != nil {
		s.logger.Error("failed to start choreographed saga",
			slog.String("saga_id", id.String()),
			slog.Any("error", err),
		)
	}
}

// Get returns the authoritative instance and refreshes the cache projection.
func (s *sagaUseCase) Get(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error) {
	instance, err := s.sagaRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, instance)
	return instance, nil
}

// GetStatus serves the status projection from the cache, falling back to the
// repository on a miss.
func (s *sagaUseCase) GetStatus(ctx context.Context, id uuid.UUID) (*sagaRepository.StatusProjection, error) {
	if projection := s.cache.Get(ctx, id); projection != nil {
		return projection, nil
	}

	instance, err := s.sagaRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, instance)

	return &sagaRepository.StatusProjection{
		ID:        instance.ID.String(),
		SagaType:  instance.SagaType,
		Status:    instance.Status,
		Version:   instance.Version,
		UpdatedAt: instance.UpdatedAt,
	}, nil
}

// List returns instances matching the filter plus the total count.
func (s *sagaUseCase) List(
	ctx context.Context,
	filter sagaRepository.InstanceFilter,
	offset, limit int,
) ([]*sagaDomain.SagaInstance, int, error) {
	return s.sagaRepo.List(ctx, filter, offset, limit)
}

// Cancel flips the instance to CANCELLED with a CAS write and records the
// cancellation event in the same transaction. The executor observes the lost
// race on its next persist and compensates; when nothing is executing (the
// instance never left CREATED) a settle run is started here.
func (s *sagaUseCase) Cancel(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error) {
	var lastErr error
	for attempt := 0; attempt < cancelRetries; attempt++ {
		instance, err := s.sagaRepo.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if instance.Status == sagaDomain.InstanceCancelled {
			return instance, nil
		}
		if instance.Status.Terminal() {
			return nil, fmt.Errorf(
				"%w: instance is already %s",
				apperrors.ErrInvalidTransition, instance.Status,
			)
		}

		wasCreated := instance.Status == sagaDomain.InstanceCreated
		if err := instance.Transition(sagaDomain.InstanceCancelled); err != nil {
			return nil, err
		}

		err = s.txManager.WithTx(ctx, func(txCtx context.Context) error {
			if err := s.sagaRepo.UpdateWithVersion(txCtx, instance, instance.Version); err != nil {
				return err
			}
			streamVersion, err := s.events.StreamVersion(txCtx, instance.ID.String())
			if err != nil {
				return err
			}
			event := eventDomain.NewEvent(
				instance.ID.String(),
				eventDomain.EventTypeSagaCancelled,
				instance.CorrelationID,
				cancelPayload(instance),
				0,
			)
			_, err = s.events.Append(txCtx, instance.ID.String(), streamVersion, []*eventDomain.Event{event})
			return err
		})
		if err != nil {
			if apperrors.Is(err, apperrors.ErrConcurrencyConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}

		s.cache.Set(ctx, instance)
		s.logger.Info("saga transaction cancelled",
			slog.String("saga_id", instance.ID.String()),
			slog.String("saga_type", instance.SagaType),
		)

		if wasCreated {
			// no executor to observe the cancel, settle it directly
			go s.runOrchestrated(context.WithoutCancel(ctx), instance.ID)
		}
		return instance, nil
	}
	return nil, lastErr
}

// Compensate re-drives compensation of a COMPENSATION_FAILED instance.
func (s *sagaUseCase) Compensate(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error) {
	return s.engine.Compensate(ctx, id)
}

// AdvanceStep force-executes the next step of a running instance.
func (s *sagaUseCase) AdvanceStep(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error) {
	return s.engine.ForceAdvance(ctx, id)
}

// Types lists the registered saga definitions.
func (s *sagaUseCase) Types() []*sagaDomain.SagaDefinition {
	return s.definitions.Types()
}

// ResumeInterrupted picks up instances a previous process left mid-flight.
// Orchestrated instances are re-run; their step cursors are first checked
// against the event stream so progress recorded only as events (a crash
// between event append and row update cannot happen, but choreographed peers
// share the stream) is not repeated. Choreographed instances are left alone:
// the bus redelivers un-acked participant events.
func (s *sagaUseCase) ResumeInterrupted(ctx context.Context) (int, error) {
	instances, err := s.sagaRepo.ListByStatus(
		ctx,
		sagaDomain.InstanceRunning,
		sagaDomain.InstanceCompensating,
		sagaDomain.InstanceCancelled,
	)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, instance := range instances {
		def, err := s.definitions.Get(instance.SagaType)
		if err != nil {
			s.logger.Error("cannot resume instance of unknown saga type",
				slog.String("saga_id", instance.ID.String()),
				slog.String("saga_type", instance.SagaType),
			)
			continue
		}
		if def.Coordination == sagaDomain.CoordinationChoreographed {
			continue
		}

		if err := s.verifyStreamCursor(ctx, instance); err != nil {
			s.logger.Warn("stream cursor verification failed",
				slog.String("saga_id", instance.ID.String()),
				slog.Any("error", err),
			)
		}

		s.logger.Info("resuming interrupted saga",
			slog.String("saga_id", instance.ID.String()),
			slog.String("status", string(instance.Status)),
		)
		go s.runOrchestrated(context.WithoutCancel(ctx), instance.ID)
		resumed++
	}
	return resumed, nil
}

// verifyStreamCursor replays the instance's event stream and logs any step
// whose persisted status lags the events. The row and the stream are written
// in one transaction by the engine, so divergence indicates outside writes.
func (s *sagaUseCase) verifyStreamCursor(ctx context.Context, instance *sagaDomain.SagaInstance) error {
	events, err := s.events.ReadStream(ctx, instance.ID.String(), 0)
	if err != nil {
		return err
	}

	completedInStream := make(map[string]bool)
	for _, event := range events {
		if event.EventType != eventDomain.EventTypeStepCompleted {
			continue
		}
		var payload struct {
			Step string `json:"step"`
		}
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			continue
		}
		completedInStream[payload.Step] = true
	}

	for i := range instance.Steps {
		step := &instance.Steps[i]
		if completedInStream[step.Name] &&
			step.Status != sagaDomain.StepCompleted &&
			step.Status != sagaDomain.StepCompensated {
			s.logger.Warn("instance row lags its event stream",
				slog.String("saga_id", instance.ID.String()),
				slog.String("step", step.Name),
				slog.String("row_status", string(step.Status)),
			)
		}
	}
	return nil
}

func cancelPayload(instance *sagaDomain.SagaInstance) json.RawMessage {
	body := struct {
		SagaID      string    `json:"saga_id"`
		SagaType    string    `json:"saga_type"`
		Status      string    `json:"status"`
		RequestedAt time.Time `json:"requested_at"`
	}{
		SagaID:      instance.ID.String(),
		SagaType:    instance.SagaType,
		Status:      string(instance.Status),
		RequestedAt: time.Now().UTC(),
	}
	data, _ := json.Marshal(body) //nolint:errcheck
	return data
}
