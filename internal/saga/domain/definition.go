// Package domain defines the core saga entities: definitions, instances and
// steps, together with the status machines that govern them.
package domain

import (
	"time"
)

// CoordinationMode selects how a saga type is driven.
type CoordinationMode string

const (
	// CoordinationOrchestrated drives steps centrally via direct HTTP calls.
	CoordinationOrchestrated CoordinationMode = "orchestrated"
	// CoordinationChoreographed advances on participant events instead of calls.
	CoordinationChoreographed CoordinationMode = "choreographed"
)

// RetryPolicy bounds retries for step and compensation invocations.
type RetryPolicy struct {
	// MaxAttempts caps invocation attempts (including the first).
	MaxAttempts int
	// Backoff is the initial delay between attempts; it doubles per attempt.
	Backoff time.Duration
}

// StepSpec describes one step of a saga definition.
type StepSpec struct {
	// Name is unique within the definition.
	Name string
	// TargetService is the registered name of the participant service.
	TargetService string
	// Action is the HTTP path invoked on the target service for the forward call.
	Action string
	// Compensation is the HTTP path that semantically undoes Action.
	Compensation string
	// Timeout bounds a single invocation attempt.
	Timeout time.Duration
	// Retry bounds attempts of the forward invocation.
	Retry RetryPolicy
	// Compensable marks whether the step has a compensation action.
	Compensable bool
}

// SagaDefinition is the immutable description of a saga type. Definitions are
// loaded once at process start; the registry never mutates them afterwards.
type SagaDefinition struct {
	// SagaType identifies the definition (e.g., "user_onboarding").
	SagaType string
	// Coordination selects orchestration or choreography for this type.
	Coordination CoordinationMode
	// Steps execute sequentially in order.
	Steps []StepSpec
}

// StepByName returns the step spec with the given name, or nil.
func (d *SagaDefinition) StepByName(name string) *StepSpec {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}
