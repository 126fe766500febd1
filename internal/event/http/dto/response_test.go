package dto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	eventDomain "github.com/txnflow/sagaengine/internal/event/domain"
)

func TestMapEventToResponse(t *testing.T) {
	event := eventDomain.NewEvent(
		"stream-1",
		eventDomain.EventTypeStepCompleted,
		"corr-1",
		json.RawMessage(`{"step":"create_profile"}`),
		3,
	)
	event.GlobalPosition = 42

	response := MapEventToResponse(event)

	assert.Equal(t, event.ID.String(), response.ID)
	assert.Equal(t, int64(42), response.GlobalPosition)
	assert.Equal(t, "stream-1", response.StreamID)
	assert.Equal(t, eventDomain.AggregateTypeSaga, response.AggregateType)
	assert.Equal(t, "stream-1", response.AggregateID)
	assert.Equal(t, eventDomain.EventTypeStepCompleted, response.EventType)
	assert.Equal(t, json.RawMessage(`{"step":"create_profile"}`), response.Payload)
	assert.Equal(t, int64(3), response.Version)
	assert.Equal(t, "corr-1", response.CorrelationID)
	assert.Equal(t, event.CreatedAt, response.CreatedAt)
}

func TestMapEventsToListResponse(t *testing.T) {
	t.Run("Success_MultipleEvents", func(t *testing.T) {
		events := []*eventDomain.Event{
			eventDomain.NewEvent("s-1", eventDomain.EventTypeSagaStarted, "c-1", json.RawMessage(`{}`), 1),
			eventDomain.NewEvent("s-1", eventDomain.EventTypeSagaCompleted, "c-1", json.RawMessage(`{}`), 2),
		}

		response := MapEventsToListResponse(events)

		assert.Len(t, response.Events, 2)
		assert.Equal(t, eventDomain.EventTypeSagaStarted, response.Events[0].EventType)
		assert.Equal(t, eventDomain.EventTypeSagaCompleted, response.Events[1].EventType)
	})

	t.Run("Success_EmptySlice", func(t *testing.T) {
		response := MapEventsToListResponse(nil)

		assert.NotNil(t, response.Events)
		assert.Empty(t, response.Events)
	})
}
