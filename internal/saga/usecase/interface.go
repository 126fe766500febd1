// Package usecase implements the business logic around saga transactions. It
// coordinates the registry, the instance repository, the event store and the
// two execution modes (orchestration and choreography) behind a single
// interface consumed by the HTTP handlers and the startup resume worker.
package usecase

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	eventDomain "github.com/txnflow/sagaengine/internal/event/domain"
	sagaDomain "github.com/txnflow/sagaengine/internal/saga/domain"
	sagaRepository "github.com/txnflow/sagaengine/internal/saga/repository"
)

// SagaRepository defines saga instance persistence operations.
type SagaRepository interface {
	Create(ctx context.Context, instance *sagaDomain.SagaInstance) error
	Get(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error)
	UpdateWithVersion(ctx context.Context, instance *sagaDomain.SagaInstance, expectedVersion int64) error
	List(
		ctx context.Context,
		filter sagaRepository.InstanceFilter,
		offset, limit int,
	) ([]*sagaDomain.SagaInstance, int, error)
	ListByStatus(ctx context.Context, statuses ...sagaDomain.InstanceStatus) ([]*sagaDomain.SagaInstance, error)
}

// EventStore defines the event stream operations the use case needs: append
// for lifecycle records written outside the engine (cancellation), and read
// for rebuilding step cursors on resume.
type EventStore interface {
	Append(
		ctx context.Context,
		streamID string,
		expectedVersion int64,
		events []*eventDomain.Event,
	) (int64, error)
	ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]*eventDomain.Event, error)
	StreamVersion(ctx context.Context, streamID string) (int64, error)
}

// StatusCache is the fast status projection over the authoritative repository.
type StatusCache interface {
	Set(ctx context.Context, instance *sagaDomain.SagaInstance)
	Get(ctx context.Context, id uuid.UUID) *sagaRepository.StatusProjection
	Invalidate(ctx context.Context, id uuid.UUID)
}

// DefinitionSource resolves saga definitions by type.
type DefinitionSource interface {
	Get(sagaType string) (*sagaDomain.SagaDefinition, error)
	Types() []*sagaDomain.SagaDefinition
}

// Executor is the orchestration engine surface used by the use case.
type Executor interface {
	Run(ctx context.Context, id uuid.UUID) error
	ForceAdvance(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error)
	Compensate(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error)
}

// ChoreographyStarter begins choreographed instances.
type ChoreographyStarter interface {
	StartSaga(ctx context.Context, id uuid.UUID) error
}

// UseCase defines the saga transaction operations exposed to handlers.
type UseCase interface {
	// Start creates an instance of the given saga type and begins executing it
	// asynchronously. The instance is durably CREATED before Start returns.
	Start(
		ctx context.Context,
		sagaType string,
		input json.RawMessage,
		correlationID string,
	) (*sagaDomain.SagaInstance, error)

	// Get returns the authoritative instance state including steps.
	Get(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error)

	// GetStatus returns the lightweight status projection, served from the
	// cache when possible.
	GetStatus(ctx context.Context, id uuid.UUID) (*sagaRepository.StatusProjection, error)

	// List returns instances matching the filter plus the total count.
	List(
		ctx context.Context,
		filter sagaRepository.InstanceFilter,
		offset, limit int,
	) ([]*sagaDomain.SagaInstance, int, error)

	// Cancel requests cooperative cancellation. The in-flight step, if any,
	// finishes first; completed steps are then compensated.
	Cancel(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error)

	// Compensate re-drives compensation of a COMPENSATION_FAILED instance.
	Compensate(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error)

	// AdvanceStep force-executes exactly one step of a running instance.
	AdvanceStep(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error)

	// Types lists the registered saga definitions.
	Types() []*sagaDomain.SagaDefinition

	// ResumeInterrupted re-queues instances left RUNNING or COMPENSATING by a
	// previous process, rebuilding their step cursors from the event stream.
	ResumeInterrupted(ctx context.Context) (int, error)
}
