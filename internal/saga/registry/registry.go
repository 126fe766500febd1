// Package registry loads the declarative saga catalog from a YAML file into an
// immutable lookup structure. The whole definition set is validated at load
// time; an invalid set keeps the process from starting.
package registry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/txnflow/sagaengine/internal/errors"
	sagaDomain "github.com/txnflow/sagaengine/internal/saga/domain"
)

// Defaults applied when a step omits tuning values.
const (
	DefaultStepTimeout = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultBackoff     = 500 * time.Millisecond
)

// file is the YAML document shape.
type file struct {
	Services map[string]string `yaml:"services"`
	Sagas    []sagaYAML        `yaml:"sagas"`
}

type sagaYAML struct {
	SagaType     string     `yaml:"saga_type"`
	Coordination string     `yaml:"coordination"`
	Steps        []stepYAML `yaml:"steps"`
}

type stepYAML struct {
	Name         string `yaml:"name"`
	Service      string `yaml:"service"`
	Action       string `yaml:"action"`
	Compensation string `yaml:"compensation"`
	// Timeout and Backoff are Go duration strings ("10s", "500ms").
	Timeout     string `yaml:"timeout"`
	MaxAttempts int    `yaml:"max_attempts"`
	Backoff     string `yaml:"backoff"`
	Compensable *bool  `yaml:"compensable"`
}

// Registry is the immutable saga definition catalog.
type Registry struct {
	definitions map[string]*sagaDomain.SagaDefinition
	services    map[string]string
}

// LoadFile reads and validates a definition file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read saga definitions: %w", err)
	}
	return Load(data)
}

// Load parses and validates a definition document.
func Load(data []byte) (*Registry, error) {
	var doc file
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse saga definitions: %w", err)
	}

	if len(doc.Sagas) == 0 {
		return nil, fmt.Errorf("saga definitions: no sagas declared")
	}

	registry := &Registry{
		definitions: make(map[string]*sagaDomain.SagaDefinition, len(doc.Sagas)),
		services:    doc.Services,
	}

	for _, saga := range doc.Sagas {
		definition, err := buildDefinition(saga, doc.Services)
		if err != nil {
			return nil, err
		}
		if _, exists := registry.definitions[definition.SagaType]; exists {
			return nil, fmt.Errorf("saga definitions: duplicate saga_type %q", definition.SagaType)
		}
		registry.definitions[definition.SagaType] = definition
	}

	return registry, nil
}

// Get returns the definition for a saga type.
func (r *Registry) Get(sagaType string) (*sagaDomain.SagaDefinition, error) {
	definition, ok := r.definitions[sagaType]
	if !ok {
		return nil, apperrors.ErrDefinitionNotFound
	}
	return definition, nil
}

// ServiceURL returns the base URL of a registered target service.
func (r *Registry) ServiceURL(service string) (string, error) {
	url, ok := r.services[service]
	if !ok {
		return "", fmt.Errorf("%w: service %q", apperrors.ErrNotFound, service)
	}
	return url, nil
}

// Types returns the registered saga types with their definitions, for the
// registry dump endpoint.
func (r *Registry) Types() []*sagaDomain.SagaDefinition {
	definitions := make([]*sagaDomain.SagaDefinition, 0, len(r.definitions))
	for _, definition := range r.definitions {
		definitions = append(definitions, definition)
	}
	return definitions
}

func buildDefinition(saga sagaYAML, services map[string]string) (*sagaDomain.SagaDefinition, error) {
	if saga.SagaType == "" {
		return nil, fmt.Errorf("saga definitions: saga_type is required")
	}
	if len(saga.Steps) == 0 {
		return nil, fmt.Errorf("saga %q: at least one step is required", saga.SagaType)
	}

	coordination := sagaDomain.CoordinationOrchestrated
	switch saga.Coordination {
	case "", "orchestrated":
	case "choreographed":
		coordination = sagaDomain.CoordinationChoreographed
	default:
		return nil, fmt.Errorf("saga %q: unknown coordination %q", saga.SagaType, saga.Coordination)
	}

	definition := &sagaDomain.SagaDefinition{
		SagaType:     saga.SagaType,
		Coordination: coordination,
		Steps:        make([]sagaDomain.StepSpec, 0, len(saga.Steps)),
	}

	seen := make(map[string]struct{}, len(saga.Steps))
	for _, step := range saga.Steps {
		spec, err := buildStep(saga.SagaType, step, services)
		if err != nil {
			return nil, err
		}
		if _, duplicate := seen[spec.Name]; duplicate {
			return nil, fmt.Errorf("saga %q: duplicate step %q", saga.SagaType, spec.Name)
		}
		seen[spec.Name] = struct{}{}
		definition.Steps = append(definition.Steps, spec)
	}

	return definition, nil
}

func buildStep(sagaType string, step stepYAML, services map[string]string) (sagaDomain.StepSpec, error) {
	var spec sagaDomain.StepSpec

	if step.Name == "" {
		return spec, fmt.Errorf("saga %q: step name is required", sagaType)
	}
	if step.Service == "" {
		return spec, fmt.Errorf("saga %q: step %q: service is required", sagaType, step.Name)
	}
	if _, ok := services[step.Service]; !ok {
		return spec, fmt.Errorf("saga %q: step %q: unknown service %q", sagaType, step.Name, step.Service)
	}
	if step.Action == "" {
		return spec, fmt.Errorf("saga %q: step %q: action is required", sagaType, step.Name)
	}

	compensable := true
	if step.Compensable != nil {
		compensable = *step.Compensable
	}
	if compensable && step.Compensation == "" {
		return spec, fmt.Errorf(
			"saga %q: step %q: compensable step requires a compensation action",
			sagaType, step.Name,
		)
	}

	timeout, err := parseDuration(sagaType, step.Name, "timeout", step.Timeout, DefaultStepTimeout)
	if err != nil {
		return spec, err
	}
	maxAttempts := step.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoff, err := parseDuration(sagaType, step.Name, "backoff", step.Backoff, DefaultBackoff)
	if err != nil {
		return spec, err
	}

	spec = sagaDomain.StepSpec{
		Name:          step.Name,
		TargetService: step.Service,
		Action:        step.Action,
		Compensation:  step.Compensation,
		Timeout:       timeout,
		Retry: sagaDomain.RetryPolicy{
			MaxAttempts: maxAttempts,
			Backoff:     backoff,
		},
		Compensable: compensable,
	}
	return spec, nil
}

func parseDuration(sagaType, stepName, field, raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("saga %q: step %q: invalid %s %q: %w", sagaType, stepName, field, raw, err)
	}
	if d <= 0 {
		return fallback, nil
	}
	return d, nil
}
