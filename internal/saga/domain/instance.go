package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/txnflow/sagaengine/internal/errors"
)

// InstanceStatus is the lifecycle state of a saga instance.
type InstanceStatus string

const (
	InstanceCreated            InstanceStatus = "CREATED"
	InstanceRunning            InstanceStatus = "RUNNING"
	InstanceCompleted          InstanceStatus = "COMPLETED"
	InstanceCancelled          InstanceStatus = "CANCELLED"
	InstanceCompensating       InstanceStatus = "COMPENSATING"
	InstanceCompensated        InstanceStatus = "COMPENSATED"
	InstanceCompensationFailed InstanceStatus = "COMPENSATION_FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceCompensated, InstanceCompensationFailed:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single step within an instance.
type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepRunning     StepStatus = "RUNNING"
	StepCompleted   StepStatus = "COMPLETED"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

// SagaStep is the per-instance execution record of one StepSpec.
type SagaStep struct {
	Index               int             `json:"index"`
	Name                string          `json:"name"`
	Status              StepStatus      `json:"status"`
	RequestPayload      json.RawMessage `json:"request_payload,omitempty"`
	ResponsePayload     json.RawMessage `json:"response_payload,omitempty"`
	CompensationInvoked bool            `json:"compensation_invoked"`
	AttemptCount        int             `json:"attempt_count"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	Error               string          `json:"error,omitempty"`
}

// SagaInstance is one execution of a saga definition. Instances are owned by
// exactly one executor at a time, enforced through the Version field: every
// repository write is a compare-and-swap against it. Instances are never
// deleted; terminal ones are retained for audit and replay.
type SagaInstance struct {
	ID            uuid.UUID
	SagaType      string
	Status        InstanceStatus
	Steps         []SagaStep
	InputData     json.RawMessage
	CorrelationID string
	RetryCount    int
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewInstance creates a CREATED instance for a definition, with every step PENDING.
func NewInstance(def *SagaDefinition, input json.RawMessage, correlationID string) *SagaInstance {
	id := uuid.Must(uuid.NewV7())
	if correlationID == "" {
		correlationID = id.String()
	}

	steps := make([]SagaStep, len(def.Steps))
	for i, spec := range def.Steps {
		steps[i] = SagaStep{
			Index:  i,
			Name:   spec.Name,
			Status: StepPending,
		}
	}

	now := time.Now().UTC()
	return &SagaInstance{
		ID:            id,
		SagaType:      def.SagaType,
		Status:        InstanceCreated,
		Steps:         steps,
		InputData:     input,
		CorrelationID: correlationID,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// instanceTransitions enumerates the legal status machine edges.
var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceCreated:      {InstanceRunning, InstanceCancelled},
	InstanceRunning:      {InstanceCompleted, InstanceCompensating, InstanceCancelled},
	InstanceCancelled:    {InstanceCompensating, InstanceCompensated},
	InstanceCompensating: {InstanceCompensated, InstanceCompensationFailed},
	// Operators may re-drive compensation of an instance that previously
	// failed to compensate.
	InstanceCompensationFailed: {InstanceCompensating},
}

// Transition moves the instance to a new status, rejecting illegal edges.
func (s *SagaInstance) Transition(to InstanceStatus) error {
	for _, allowed := range instanceTransitions[s.Status] {
		if allowed == to {
			s.Status = to
			s.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, s.Status, to)
}

// stepTransitions enumerates the legal step status edges. A COMPLETED step may
// become COMPENSATED during reversal but never reverts to PENDING or RUNNING.
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:   {StepRunning},
	StepRunning:   {StepCompleted, StepFailed},
	StepCompleted: {StepCompensated},
}

// TransitionStep moves one step to a new status, rejecting illegal edges and
// refusing a second RUNNING step while another is in flight.
func (s *SagaInstance) TransitionStep(index int, to StepStatus) error {
	if index < 0 || index >= len(s.Steps) {
		return fmt.Errorf("%w: step index %d", apperrors.ErrInvalidInput, index)
	}

	if to == StepRunning {
		for i := range s.Steps {
			if i != index && s.Steps[i].Status == StepRunning {
				return fmt.Errorf(
					"%w: step %q already running",
					apperrors.ErrInvalidTransition, s.Steps[i].Name,
				)
			}
		}
	}

	step := &s.Steps[index]
	for _, allowed := range stepTransitions[step.Status] {
		if allowed == to {
			step.Status = to
			now := time.Now().UTC()
			switch to {
			case StepRunning:
				step.StartedAt = &now
			case StepCompleted, StepFailed:
				step.CompletedAt = &now
			}
			s.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf(
		"%w: step %q: %s -> %s",
		apperrors.ErrInvalidTransition, step.Name, step.Status, to,
	)
}

// CompletedSteps returns indexes of COMPLETED steps in completion order.
func (s *SagaInstance) CompletedSteps() []int {
	var indexes []int
	for i := range s.Steps {
		if s.Steps[i].Status == StepCompleted {
			indexes = append(indexes, i)
		}
	}
	return indexes
}

// NextPendingStep returns the index of the first PENDING step, or -1.
func (s *SagaInstance) NextPendingStep() int {
	for i := range s.Steps {
		switch s.Steps[i].Status {
		case StepPending:
			return i
		case StepRunning:
			return -1
		}
	}
	return -1
}

// DeriveStatus recomputes the instance status from its steps. Status is a pure
// function of step state for the forward path; compensation outcomes are
// applied through Transition by the engine that drove them.
func (s *SagaInstance) DeriveStatus() InstanceStatus {
	if len(s.Steps) == 0 {
		return s.Status
	}

	allCompleted := true
	for i := range s.Steps {
		switch s.Steps[i].Status {
		case StepFailed:
			return InstanceCompensating
		case StepCompleted:
		default:
			allCompleted = false
		}
	}
	if allCompleted {
		return InstanceCompleted
	}
	return s.Status
}
