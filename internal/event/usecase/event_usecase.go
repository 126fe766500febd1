// Package usecase implements the event store business logic.
package usecase

import (
	"context"

	apperrors "github.com/txnflow/sagaengine/internal/errors"
	eventDomain "github.com/txnflow/sagaengine/internal/event/domain"
)

// publishRetries bounds how often Publish re-reads the stream head after
// losing an append race. Operators publishing by hand rarely contend; the
// engine always appends with an explicit expected version instead.
const publishRetries = 3

// EventUseCase implements UseCase on top of an EventRepository.
type EventUseCase struct {
	eventRepo EventRepository
}

// NewEventUseCase creates a new EventUseCase.
func NewEventUseCase(eventRepo EventRepository) *EventUseCase {
	return &EventUseCase{eventRepo: eventRepo}
}

// Publish appends a single event to its stream. The expected version is read
// from the store and the append is retried after a conflict with a fresh read.
func (uc *EventUseCase) Publish(ctx context.Context, event *eventDomain.Event) error {
	var lastErr error
	for attempt := 0; attempt < publishRetries; attempt++ {
		version, err := uc.eventRepo.StreamVersion(ctx, event.StreamID)
		if err != nil {
			return err
		}

		_, err = uc.eventRepo.Append(ctx, event.StreamID, version, []*eventDomain.Event{event})
		if err == nil {
			return nil
		}
		if !apperrors.Is(err, apperrors.ErrConcurrencyConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// Append appends a batch of events at an explicit expected version.
func (uc *EventUseCase) Append(
	ctx context.Context,
	streamID string,
	expectedVersion int64,
	events []*eventDomain.Event,
) (int64, error) {
	return uc.eventRepo.Append(ctx, streamID, expectedVersion, events)
}

// ReadStream returns a stream's events after fromVersion.
func (uc *EventUseCase) ReadStream(
	ctx context.Context,
	streamID string,
	fromVersion int64,
) ([]*eventDomain.Event, error) {
	return uc.eventRepo.ReadStream(ctx, streamID, fromVersion)
}

// ReadAll returns events across streams after afterPosition.
func (uc *EventUseCase) ReadAll(
	ctx context.Context,
	afterPosition int64,
	limit int,
) ([]*eventDomain.Event, error) {
	return uc.eventRepo.ReadAll(ctx, afterPosition, limit)
}
