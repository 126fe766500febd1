package dto

import (
	"encoding/json"
	"time"

	eventDomain "github.com/txnflow/sagaengine/internal/event/domain"
)

// EventResponse represents an event in API responses.
type EventResponse struct {
	ID             string          `json:"id"`
	GlobalPosition int64           `json:"global_position"`
	StreamID       string          `json:"stream_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Version        int64           `json:"version"`
	CorrelationID  string          `json:"correlation_id"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ListEventsResponse wraps a page of events.
type ListEventsResponse struct {
	Events []EventResponse `json:"events"`
}

// MapEventToResponse converts a domain event to an API response.
func MapEventToResponse(event *eventDomain.Event) EventResponse {
	return EventResponse{
		ID:             event.ID.String(),
		GlobalPosition: event.GlobalPosition,
		StreamID:       event.StreamID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Payload:        event.Payload,
		Version:        event.Version,
		CorrelationID:  event.CorrelationID,
		CreatedAt:      event.CreatedAt,
	}
}

// MapEventsToListResponse converts a slice of domain events to an API response.
func MapEventsToListResponse(events []*eventDomain.Event) ListEventsResponse {
	response := ListEventsResponse{Events: make([]EventResponse, 0, len(events))}
	for _, event := range events {
		response.Events = append(response.Events, MapEventToResponse(event))
	}
	return response
}
