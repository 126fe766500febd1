// Package dto provides data transfer objects for HTTP request and response handling.
package dto

import (
	"encoding/json"

	validation "github.com/jellydator/validation"
)

// StartTransactionRequest contains the parameters for starting a saga transaction.
type StartTransactionRequest struct {
	SagaType      string          `json:"transaction_type"`
	InputData     json.RawMessage `json:"input_data"`
	CorrelationID string          `json:"correlation_id"`
}

// Validate checks if the start transaction request is valid.
func (r *StartTransactionRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.SagaType, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.CorrelationID, validation.Length(0, 255)),
	)
}

// UpdateTransactionRequest contains the parameters for mutating a transaction.
// Cancellation is the only supported action.
type UpdateTransactionRequest struct {
	Action string `json:"action"`
}

// Validate checks if the update transaction request is valid.
func (r *UpdateTransactionRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Action, validation.Required, validation.In("cancel")),
	)
}
