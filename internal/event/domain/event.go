// Package domain defines the core event store entities and types. Events are
// the durability backbone of the engine: every saga state transition is an
// immutable, per-stream versioned record that can be replayed to reconstruct
// instance state.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable domain event appended to a stream.
type Event struct {
	// ID is the unique identifier of the event.
	ID uuid.UUID
	// GlobalPosition is the store-wide monotonic sequence, assigned on append.
	GlobalPosition int64
	// StreamID groups events of a single aggregate; for saga instances it is
	// the instance id.
	StreamID string
	// AggregateType names the kind of aggregate the event belongs to.
	AggregateType string
	// AggregateID is the aggregate's identifier within its type.
	AggregateID string
	// EventType names what happened (e.g., "saga.step.completed").
	EventType string
	// Payload is the event body as raw JSON.
	Payload json.RawMessage
	// Version is the monotonically increasing sequence within StreamID,
	// starting at 1.
	Version int64
	// CorrelationID ties the event to the saga execution that produced it.
	CorrelationID string
	// CreatedAt is the UTC timestamp when the event was appended.
	CreatedAt time.Time
}

// Aggregate type used for saga instance streams.
const AggregateTypeSaga = "saga_instance"

// Event types emitted by the engine per saga lifecycle transition.
const (
	EventTypeSagaStarted      = "saga.started"
	EventTypeSagaCompleted    = "saga.completed"
	EventTypeSagaCancelled    = "saga.cancelled"
	EventTypeSagaCompensating = "saga.compensating"
	EventTypeSagaCompensated  = "saga.compensated"
	EventTypeSagaCompFailed   = "saga.compensation_failed"

	EventTypeStepRequested = "saga.step.requested"
	EventTypeStepRunning   = "saga.step.running"
	EventTypeStepCompleted = "saga.step.completed"
	EventTypeStepFailed    = "saga.step.failed"

	EventTypeCompensationRequested = "saga.compensation.requested"
	EventTypeCompensationCompleted = "saga.compensation.completed"
	EventTypeCompensationSkipped   = "saga.compensation.skipped"
	EventTypeCompensationFailed    = "saga.compensation.failed"
)

// NewEvent builds an event for a saga instance stream. Version must be set by
// the caller to currentMaxVersion+1; the store enforces the invariant.
func NewEvent(streamID, eventType, correlationID string, payload json.RawMessage, version int64) *Event {
	return &Event{
		ID:            uuid.Must(uuid.NewV7()),
		StreamID:      streamID,
		AggregateType: AggregateTypeSaga,
		AggregateID:   streamID,
		EventType:     eventType,
		Payload:       payload,
		Version:       version,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	}
}
