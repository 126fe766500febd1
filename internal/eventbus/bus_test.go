package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	eventDomain "github.com/txnflow/sagaengine/internal/event/domain"
)

// memoryStore is an in-memory stand-in for the durable event store and the
// consumer offset table.
type memoryStore struct {
	mu      sync.Mutex
	events  []*eventDomain.Event
	offsets map[string]int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{offsets: make(map[string]int64)}
}

func (s *memoryStore) Publish(_ context.Context, event *eventDomain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.GlobalPosition = int64(len(s.events) + 1)
	s.events = append(s.events, event)
	return nil
}

func (s *memoryStore) ReadAll(_ context.Context, afterPosition int64, limit int) ([]*eventDomain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*eventDomain.Event
	for _, event := range s.events {
		if event.GlobalPosition > afterPosition {
			out = append(out, event)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memoryStore) Get(_ context.Context, consumerGroup string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[consumerGroup], nil
}

func (s *memoryStore) Commit(_ context.Context, consumerGroup string, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if position > s.offsets[consumerGroup] {
		s.offsets[consumerGroup] = position
	}
	return nil
}

func (s *memoryStore) offset(consumerGroup string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[consumerGroup]
}

func testBus(store *memoryStore) *Bus {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, store, store, Config{
		BufferSize:   16,
		PollInterval: 5 * time.Millisecond,
		BatchSize:    10,
	}, logger)
}

// startBus runs the bus in the background and returns a stop function that
// cancels it and waits for the relays to exit. Tests must defer the stop so it
// runs before goleak verifies the goroutine count.
func startBus(t *testing.T, bus *Bus) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = bus.Start(ctx)
		close(done)
	}()
	require.Eventually(t, bus.Running, 2*time.Second, time.Millisecond,
		"bus did not report running after Start")
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func receiveDelivery(t *testing.T, deliveries <-chan Delivery) Delivery {
	t.Helper()

	select {
	case delivery, ok := <-deliveries:
		require.True(t, ok, "delivery channel closed")
		return delivery
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func TestBus_PublishAndDeliver(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemoryStore()
	bus := testBus(store)

	deliveries, err := bus.Subscribe("saga_coordinator")
	require.NoError(t, err)

	stop := startBus(t, bus)
	defer stop()
	assert.True(t, bus.Running())

	event := eventDomain.NewEvent("stream-1", eventDomain.EventTypeStepCompleted, "corr-1", nil, 1)
	require.NoError(t, bus.Publish(context.Background(), event))

	delivery := receiveDelivery(t, deliveries)
	assert.Equal(t, event.ID, delivery.Event.ID)
	assert.Equal(t, int64(1), delivery.Event.GlobalPosition)

	require.NoError(t, delivery.Ack(context.Background()))
	assert.Equal(t, int64(1), store.offset("saga_coordinator"))
}

func TestBus_EventTypeFiltering(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemoryStore()
	bus := testBus(store)

	deliveries, err := bus.Subscribe("saga_coordinator", eventDomain.EventTypeStepCompleted)
	require.NoError(t, err)

	stop := startBus(t, bus)
	defer stop()

	skipped := eventDomain.NewEvent("stream-1", eventDomain.EventTypeSagaStarted, "corr-1", nil, 1)
	wanted := eventDomain.NewEvent("stream-1", eventDomain.EventTypeStepCompleted, "corr-1", nil, 2)
	require.NoError(t, bus.Publish(context.Background(), skipped))
	require.NoError(t, bus.Publish(context.Background(), wanted))

	delivery := receiveDelivery(t, deliveries)
	assert.Equal(t, wanted.ID, delivery.Event.ID)
}

func TestBus_RedeliveryWithoutAck(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemoryStore()
	event := eventDomain.NewEvent("stream-1", eventDomain.EventTypeStepCompleted, "corr-1", nil, 1)
	require.NoError(t, store.Publish(context.Background(), event))

	// First run consumes the event but never acks it.
	first := testBus(store)
	deliveries, err := first.Subscribe("saga_coordinator")
	require.NoError(t, err)
	stopFirst := startBus(t, first)

	delivery := receiveDelivery(t, deliveries)
	assert.Equal(t, event.ID, delivery.Event.ID)
	stopFirst()

	// The durable offset never moved, so a fresh run sees the event again.
	assert.Equal(t, int64(0), store.offset("saga_coordinator"))

	second := testBus(store)
	redeliveries, err := second.Subscribe("saga_coordinator")
	require.NoError(t, err)
	stopSecond := startBus(t, second)
	defer stopSecond()

	redelivery := receiveDelivery(t, redeliveries)
	assert.Equal(t, event.ID, redelivery.Event.ID)
	require.NoError(t, redelivery.Ack(context.Background()))
	assert.Equal(t, int64(1), store.offset("saga_coordinator"))
}

func TestBus_ResumesFromDurableOffset(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemoryStore()
	first := eventDomain.NewEvent("stream-1", eventDomain.EventTypeStepCompleted, "corr-1", nil, 1)
	second := eventDomain.NewEvent("stream-1", eventDomain.EventTypeStepCompleted, "corr-1", nil, 2)
	require.NoError(t, store.Publish(context.Background(), first))
	require.NoError(t, store.Publish(context.Background(), second))
	require.NoError(t, store.Commit(context.Background(), "saga_coordinator", 1))

	bus := testBus(store)
	deliveries, err := bus.Subscribe("saga_coordinator")
	require.NoError(t, err)
	stop := startBus(t, bus)
	defer stop()

	delivery := receiveDelivery(t, deliveries)
	assert.Equal(t, second.ID, delivery.Event.ID)
}

func TestBus_Subscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemoryStore()
	bus := testBus(store)

	_, err := bus.Subscribe("group-a")
	require.NoError(t, err)

	t.Run("DuplicateGroup", func(t *testing.T) {
		_, err := bus.Subscribe("group-a")
		assert.ErrorContains(t, err, "already subscribed")
	})

	stop := startBus(t, bus)
	defer stop()

	t.Run("AfterStart", func(t *testing.T) {
		_, err := bus.Subscribe("group-b")
		assert.ErrorContains(t, err, "subscribe after bus start")
	})
}
