package usecase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/txnflow/sagaengine/internal/metrics"
	sagaDomain "github.com/txnflow/sagaengine/internal/saga/domain"
	sagaRepository "github.com/txnflow/sagaengine/internal/saga/repository"
)

// sagaUseCaseWithMetrics decorates UseCase with metrics instrumentation.
type sagaUseCaseWithMetrics struct {
	next    UseCase
	metrics metrics.BusinessMetrics
}

// NewSagaUseCaseWithMetrics wraps a UseCase with metrics recording.
func NewSagaUseCaseWithMetrics(useCase UseCase, m metrics.BusinessMetrics) UseCase {
	return &sagaUseCaseWithMetrics{
		next:    useCase,
		metrics: m,
	}
}

func (s *sagaUseCaseWithMetrics) record(ctx context.Context, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordOperation(ctx, "saga", operation, status)
	s.metrics.RecordDuration(ctx, "saga", operation, time.Since(start), status)
}

// Start records metrics for transaction creation.
func (s *sagaUseCaseWithMetrics) Start(
	ctx context.Context,
	sagaType string,
	input json.RawMessage,
	correlationID string,
) (*sagaDomain.SagaInstance, error) {
	start := time.Now()
	instance, err := s.next.Start(ctx, sagaType, input, correlationID)
	s.record(ctx, "saga_start", start, err)
	return instance, err
}

// Get records metrics for instance retrieval.
func (s *sagaUseCaseWithMetrics) Get(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error) {
	start := time.Now()
	instance, err := s.next.Get(ctx, id)
	s.record(ctx, "saga_get", start, err)
	return instance, err
}

// GetStatus records metrics for status projection reads.
func (s *sagaUseCaseWithMetrics) GetStatus(
	ctx context.Context,
	id uuid.UUID,
) (*sagaRepository.StatusProjection, error) {
	start := time.Now()
	projection, err := s.next.GetStatus(ctx, id)
	s.record(ctx, "saga_get_status", start, err)
	return projection, err
}

// List records metrics for transaction listing.
func (s *sagaUseCaseWithMetrics) List(
	ctx context.Context,
	filter sagaRepository.InstanceFilter,
	offset, limit int,
) ([]*sagaDomain.SagaInstance, int, error) {
	start := time.Now()
	instances, total, err := s.next.List(ctx, filter, offset, limit)
	s.record(ctx, "saga_list", start, err)
	return instances, total, err
}

// Cancel records metrics for cancellation requests.
func (s *sagaUseCaseWithMetrics) Cancel(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error) {
	start := time.Now()
	instance, err := s.next.Cancel(ctx, id)
	s.record(ctx, "saga_cancel", start, err)
	return instance, err
}

// Compensate records metrics for forced compensation runs.
func (s *sagaUseCaseWithMetrics) Compensate(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error) {
	start := time.Now()
	instance, err := s.next.Compensate(ctx, id)
	s.record(ctx, "saga_compensate", start, err)
	return instance, err
}

// AdvanceStep records metrics for forced step advances.
func (s *sagaUseCaseWithMetrics) AdvanceStep(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error) {
	start := time.Now()
	instance, err := s.next.AdvanceStep(ctx, id)
	s.record(ctx, "saga_advance_step", start, err)
	return instance, err
}

// Types passes through without instrumentation; it reads process memory only.
func (s *sagaUseCaseWithMetrics) Types() []*sagaDomain.SagaDefinition {
	return s.next.Types()
}

// ResumeInterrupted records metrics for startup resume sweeps.
func (s *sagaUseCaseWithMetrics) ResumeInterrupted(ctx context.Context) (int, error) {
	start := time.Now()
	resumed, err := s.next.ResumeInterrupted(ctx)
	s.record(ctx, "saga_resume", start, err)
	return resumed, err
}
