// Package dto provides data transfer objects for HTTP request and response handling.
package dto

import (
	"encoding/json"

	validation "github.com/jellydator/validation"
)

// PublishEventRequest contains the parameters for publishing a raw event.
// Intended for operators and replay tooling; the engine appends its own events
// internally with explicit expected versions.
type PublishEventRequest struct {
	StreamID      string          `json:"stream_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
}

// Validate checks if the publish event request is valid.
func (r *PublishEventRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.StreamID, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.EventType, validation.Required, validation.Length(1, 255)),
	)
}
