package usecase

import (
	"context"

	eventDomain "github.com/txnflow/sagaengine/internal/event/domain"
)

// EventRepository defines event store persistence operations.
type EventRepository interface {
	// Append atomically appends events after expectedVersion and returns the
	// new stream version. Returns apperrors.ErrConcurrencyConflict when a
	// concurrent writer advanced the stream first.
	Append(ctx context.Context, streamID string, expectedVersion int64, events []*eventDomain.Event) (int64, error)

	// ReadStream returns a stream's events after fromVersion, ordered by version.
	ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]*eventDomain.Event, error)

	// ReadAll returns events across streams after afterPosition, ordered by
	// global position.
	ReadAll(ctx context.Context, afterPosition int64, limit int) ([]*eventDomain.Event, error)

	// StreamVersion returns the current head version of a stream (0 when empty).
	StreamVersion(ctx context.Context, streamID string) (int64, error)
}

// UseCase defines event store operations exposed to handlers and workers.
type UseCase interface {
	// Publish appends a single event to its stream, resolving the expected
	// version internally and retrying once on a concurrency conflict.
	Publish(ctx context.Context, event *eventDomain.Event) error

	// Append appends a batch at an explicit expected version.
	Append(ctx context.Context, streamID string, expectedVersion int64, events []*eventDomain.Event) (int64, error)

	// ReadStream returns a stream's full history after fromVersion.
	ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]*eventDomain.Event, error)

	// ReadAll returns events across streams after afterPosition.
	ReadAll(ctx context.Context, afterPosition int64, limit int) ([]*eventDomain.Event, error)
}
