// Package eventbus distributes stored events to consumer groups with
// at-least-once delivery. The bus is store-backed: publishing appends to the
// event store, and a relay goroutine per consumer group tails the global event
// sequence from the group's durable offset. A consumer that crashes after
// processing but before acknowledging sees the event again after restart, so
// all consumers must be idempotent with respect to event type plus correlation id.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	eventDomain "github.com/txnflow/sagaengine/internal/event/domain"
)

// Delivery carries an event and its acknowledgement handle. Calling Ack commits
// the consumer group's offset past this event; without it the event is
// redelivered after a restart.
type Delivery struct {
	Event *eventDomain.Event
	Ack   func(ctx context.Context) error
}

// Publisher appends events to the durable store.
type Publisher interface {
	Publish(ctx context.Context, event *eventDomain.Event) error
}

// EventReader tails the store's global event sequence.
type EventReader interface {
	ReadAll(ctx context.Context, afterPosition int64, limit int) ([]*eventDomain.Event, error)
}

// OffsetRepository persists per consumer group positions.
type OffsetRepository interface {
	Get(ctx context.Context, consumerGroup string) (int64, error)
	Commit(ctx context.Context, consumerGroup string, position int64) error
}

// Config holds event bus tuning parameters.
type Config struct {
	// BufferSize is the bounded per-group delivery channel depth.
	BufferSize int
	// PollInterval is how often relays poll the store when idle.
	PollInterval time.Duration
	// BatchSize caps how many events a relay reads per poll.
	BatchSize int
	// BlockOnFull makes relays wait for buffer space; when false a full buffer
	// ends the current batch and the events are retried on the next poll.
	BlockOnFull bool
}

type subscription struct {
	group      string
	eventTypes map[string]struct{}
	deliveries chan Delivery
}

// Bus relays stored events to consumer groups.
type Bus struct {
	publisher Publisher
	reader    EventReader
	offsets   OffsetRepository
	config    Config
	logger    *slog.Logger

	mu      sync.Mutex
	subs    map[string]*subscription
	started bool
	notify  chan struct{}
}

// New creates a new Bus. Subscribe all consumer groups before calling Start.
func New(
	publisher Publisher,
	reader EventReader,
	offsets OffsetRepository,
	config Config,
	logger *slog.Logger,
) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Bus{
		publisher: publisher,
		reader:    reader,
		offsets:   offsets,
		config:    config,
		logger:    logger,
		subs:      make(map[string]*subscription),
		notify:    make(chan struct{}, 1),
	}
}

// Publish appends the event to the store and nudges the relays. Durability
// comes from the store itself: an event is deliverable as soon as it is appended.
func (b *Bus) Publish(ctx context.Context, event *eventDomain.Event) error {
	if err := b.publisher.Publish(ctx, event); err != nil {
		return err
	}

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe registers a consumer group for the given event types (no types
// subscribes to everything) and returns its delivery channel. Must be called
// before Start; a group can only be registered once per process.
func (b *Bus) Subscribe(consumerGroup string, eventTypes ...string) (<-chan Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil, fmt.Errorf("subscribe after bus start: %s", consumerGroup)
	}
	if _, exists := b.subs[consumerGroup]; exists {
		return nil, fmt.Errorf("consumer group already subscribed: %s", consumerGroup)
	}

	sub := &subscription{
		group:      consumerGroup,
		deliveries: make(chan Delivery, b.config.BufferSize),
	}
	if len(eventTypes) > 0 {
		sub.eventTypes = make(map[string]struct{}, len(eventTypes))
		for _, eventType := range eventTypes {
			sub.eventTypes[eventType] = struct{}{}
		}
	}

	b.subs[consumerGroup] = sub
	return sub.deliveries, nil
}

// Running reports whether Start has been called.
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// Start runs one relay loop per subscribed consumer group until ctx is done.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	b.started = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	group, ctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		group.Go(func() error {
			return b.relay(ctx, sub)
		})
	}
	return group.Wait()
}

// relay tails the global sequence for one consumer group. The in-memory cursor
// prevents duplicate delivery within a run; the durable offset only advances on
// ack, which is what makes delivery at-least-once across restarts.
func (b *Bus) relay(ctx context.Context, sub *subscription) error {
	cursor, err := b.offsets.Get(ctx, sub.group)
	if err != nil {
		return fmt.Errorf("load offset for %s: %w", sub.group, err)
	}

	b.logger.Info("event bus relay started",
		slog.String("consumer_group", sub.group),
		slog.Int64("position", cursor),
	)

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(sub.deliveries)
			return ctx.Err()
		case <-ticker.C:
		case <-b.notify:
		}

		for {
			events, err := b.reader.ReadAll(ctx, cursor, b.config.BatchSize)
			if err != nil {
				b.logger.Error("event bus poll failed",
					slog.String("consumer_group", sub.group),
					slog.Any("error", err),
				)
				break
			}
			if len(events) == 0 {
				break
			}

			delivered, err := b.deliverBatch(ctx, sub, events, &cursor)
			if err != nil {
				close(sub.deliveries)
				return err
			}
			if !delivered {
				// Buffer full in fail-fast mode; retry the batch next poll.
				break
			}
			if len(events) < b.config.BatchSize {
				break
			}
		}
	}
}

// deliverBatch pushes matching events into the group's channel in global
// position order. Returns false when the buffer is full and BlockOnFull is off.
func (b *Bus) deliverBatch(
	ctx context.Context,
	sub *subscription,
	events []*eventDomain.Event,
	cursor *int64,
) (bool, error) {
	for _, event := range events {
		if !sub.matches(event.EventType) {
			*cursor = event.GlobalPosition
			continue
		}

		delivery := Delivery{
			Event: event,
			Ack:   b.ackFunc(sub.group, event.GlobalPosition),
		}

		if b.config.BlockOnFull {
			select {
			case sub.deliveries <- delivery:
			case <-ctx.Done():
				return false, ctx.Err()
			}
		} else {
			select {
			case sub.deliveries <- delivery:
			default:
				return false, nil
			}
		}
		*cursor = event.GlobalPosition
	}
	return true, nil
}

func (b *Bus) ackFunc(consumerGroup string, position int64) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return b.offsets.Commit(ctx, consumerGroup, position)
	}
}

func (s *subscription) matches(eventType string) bool {
	if s.eventTypes == nil {
		return true
	}
	_, ok := s.eventTypes[eventType]
	return ok
}
