package dto

import (
	"encoding/json"
	"time"

	sagaDomain "github.com/txnflow/sagaengine/internal/saga/domain"
	sagaRepository "github.com/txnflow/sagaengine/internal/saga/repository"
)

// StepResponse represents one step of a transaction in API responses.
type StepResponse struct {
	Index               int             `json:"index"`
	Name                string          `json:"name"`
	Status              string          `json:"status"`
	ResponsePayload     json.RawMessage `json:"response_payload,omitempty"`
	CompensationInvoked bool            `json:"compensation_invoked"`
	AttemptCount        int             `json:"attempt_count"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	Error               string          `json:"error,omitempty"`
}

// TransactionResponse represents a saga transaction in API responses.
type TransactionResponse struct {
	ID            string          `json:"id"`
	SagaType      string          `json:"saga_type"`
	Status        string          `json:"status"`
	Steps         []StepResponse  `json:"steps"`
	InputData     json.RawMessage `json:"input_data,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MapInstanceToResponse converts a domain instance to an API response.
func MapInstanceToResponse(instance *sagaDomain.SagaInstance) TransactionResponse {
	steps := make([]StepResponse, 0, len(instance.Steps))
	for i := range instance.Steps {
		step := &instance.Steps[i]
		steps = append(steps, StepResponse{
			Index:               step.Index,
			Name:                step.Name,
			Status:              string(step.Status),
			ResponsePayload:     step.ResponsePayload,
			CompensationInvoked: step.CompensationInvoked,
			AttemptCount:        step.AttemptCount,
			StartedAt:           step.StartedAt,
			CompletedAt:         step.CompletedAt,
			Error:               step.Error,
		})
	}

	return TransactionResponse{
		ID:            instance.ID.String(),
		SagaType:      instance.SagaType,
		Status:        string(instance.Status),
		Steps:         steps,
		InputData:     instance.InputData,
		CorrelationID: instance.CorrelationID,
		Version:       instance.Version,
		CreatedAt:     instance.CreatedAt,
		UpdatedAt:     instance.UpdatedAt,
	}
}

// TransactionStatusResponse is the lightweight status projection.
type TransactionStatusResponse struct {
	ID        string    `json:"id"`
	SagaType  string    `json:"saga_type"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MapProjectionToResponse converts a status projection to an API response.
func MapProjectionToResponse(projection *sagaRepository.StatusProjection) TransactionStatusResponse {
	return TransactionStatusResponse{
		ID:        projection.ID,
		SagaType:  projection.SagaType,
		Status:    string(projection.Status),
		Version:   projection.Version,
		UpdatedAt: projection.UpdatedAt,
	}
}

// ListTransactionsResponse represents a paginated list of transactions.
type ListTransactionsResponse struct {
	Data  []TransactionResponse `json:"data"`
	Total int                   `json:"total"`
}

// MapInstancesToListResponse converts domain instances to a list response.
// Step details and input payloads are omitted from list rows.
func MapInstancesToListResponse(instances []*sagaDomain.SagaInstance, total int) ListTransactionsResponse {
	data := make([]TransactionResponse, 0, len(instances))
	for _, instance := range instances {
		response := MapInstanceToResponse(instance)
		response.Steps = nil
		response.InputData = nil
		data = append(data, response)
	}

	return ListTransactionsResponse{
		Data:  data,
		Total: total,
	}
}

// StepSpecResponse represents one step of a definition in API responses.
type StepSpecResponse struct {
	Name          string `json:"name"`
	TargetService string `json:"target_service"`
	Action        string `json:"action"`
	Compensation  string `json:"compensation,omitempty"`
	TimeoutMs     int64  `json:"timeout_ms"`
	MaxAttempts   int    `json:"max_attempts"`
	Compensable   bool   `json:"compensable"`
}

// DefinitionResponse represents a registered saga definition.
type DefinitionResponse struct {
	SagaType     string             `json:"saga_type"`
	Coordination string             `json:"coordination"`
	Steps        []StepSpecResponse `json:"steps"`
}

// ListDefinitionsResponse represents the registry dump.
type ListDefinitionsResponse struct {
	Data []DefinitionResponse `json:"data"`
}

// MapDefinitionsToListResponse converts definitions to a registry dump response.
func MapDefinitionsToListResponse(definitions []*sagaDomain.SagaDefinition) ListDefinitionsResponse {
	data := make([]DefinitionResponse, 0, len(definitions))
	for _, def := range definitions {
		steps := make([]StepSpecResponse, 0, len(def.Steps))
		for i := range def.Steps {
			spec := &def.Steps[i]
			steps = append(steps, StepSpecResponse{
				Name:          spec.Name,
				TargetService: spec.TargetService,
				Action:        spec.Action,
				Compensation:  spec.Compensation,
				TimeoutMs:     spec.Timeout.Milliseconds(),
				MaxAttempts:   spec.Retry.MaxAttempts,
				Compensable:   spec.Compensable,
			})
		}
		data = append(data, DefinitionResponse{
			SagaType:     def.SagaType,
			Coordination: string(def.Coordination),
			Steps:        steps,
		})
	}

	return ListDefinitionsResponse{Data: data}
}
