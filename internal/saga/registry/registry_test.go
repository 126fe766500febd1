package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/txnflow/sagaengine/internal/errors"
	sagaDomain "github.com/txnflow/sagaengine/internal/saga/domain"
)

const validDocument = `
services:
  profile-service: http://profile:8080
  workspace-service: http://workspace:8080
  notification-service: http://notification:8080

sagas:
  - saga_type: user_onboarding
    coordination: orchestrated
    steps:
      - name: create_profile
        service: profile-service
        action: /v1/profiles
        compensation: /v1/profiles/delete
        timeout: 10s
        max_attempts: 5
        backoff: 250ms
      - name: setup_workspace
        service: workspace-service
        action: /v1/workspaces
        compensation: /v1/workspaces/teardown
      - name: send_welcome_email
        service: notification-service
        action: /v1/notifications/welcome
        compensable: false

  - saga_type: subscription_upgrade
    coordination: choreographed
    steps:
      - name: charge_payment
        service: profile-service
        action: /v1/charges
        compensation: /v1/charges/refund
`

func TestLoad(t *testing.T) {
	registry, err := Load([]byte(validDocument))
	require.NoError(t, err)

	def, err := registry.Get("user_onboarding")
	require.NoError(t, err)
	assert.Equal(t, sagaDomain.CoordinationOrchestrated, def.Coordination)
	require.Len(t, def.Steps, 3)

	first := def.Steps[0]
	assert.Equal(t, "create_profile", first.Name)
	assert.Equal(t, "profile-service", first.TargetService)
	assert.Equal(t, "/v1/profiles", first.Action)
	assert.Equal(t, "/v1/profiles/delete", first.Compensation)
	assert.Equal(t, 10*time.Second, first.Timeout)
	assert.Equal(t, 5, first.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, first.Retry.Backoff)
	assert.True(t, first.Compensable)

	// Omitted tuning values fall back to defaults.
	second := def.Steps[1]
	assert.Equal(t, DefaultStepTimeout, second.Timeout)
	assert.Equal(t, DefaultMaxAttempts, second.Retry.MaxAttempts)
	assert.Equal(t, DefaultBackoff, second.Retry.Backoff)

	third := def.Steps[2]
	assert.False(t, third.Compensable)
	assert.Equal(t, "", third.Compensation)

	choreographed, err := registry.Get("subscription_upgrade")
	require.NoError(t, err)
	assert.Equal(t, sagaDomain.CoordinationChoreographed, choreographed.Coordination)
}

func TestLoad_DefaultCoordination(t *testing.T) {
	document := `
services:
  profile-service: http://profile:8080
sagas:
  - saga_type: simple
    steps:
      - name: only_step
        service: profile-service
        action: /v1/do
        compensation: /v1/undo
`
	registry, err := Load([]byte(document))
	require.NoError(t, err)

	def, err := registry.Get("simple")
	require.NoError(t, err)
	assert.Equal(t, sagaDomain.CoordinationOrchestrated, def.Coordination)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name     string
		document string
		wantErr  string
	}{
		{
			name:     "InvalidYAML",
			document: "services: [",
			wantErr:  "parse saga definitions",
		},
		{
			name:     "NoSagas",
			document: "services:\n  a: http://a\n",
			wantErr:  "no sagas declared",
		},
		{
			name: "MissingSagaType",
			document: `
sagas:
  - steps:
      - name: s
        service: a
        action: /x
        compensable: false
`,
			wantErr: "saga_type is required",
		},
		{
			name: "NoSteps",
			document: `
sagas:
  - saga_type: empty
`,
			wantErr: "at least one step is required",
		},
		{
			name: "UnknownCoordination",
			document: `
services:
  a: http://a
sagas:
  - saga_type: bad
    coordination: leaderless
    steps:
      - name: s
        service: a
        action: /x
        compensable: false
`,
			wantErr: `unknown coordination "leaderless"`,
		},
		{
			name: "DuplicateSagaType",
			document: `
services:
  a: http://a
sagas:
  - saga_type: dup
    steps:
      - name: s
        service: a
        action: /x
        compensable: false
  - saga_type: dup
    steps:
      - name: s
        service: a
        action: /x
        compensable: false
`,
			wantErr: `duplicate saga_type "dup"`,
		},
		{
			name: "DuplicateStepName",
			document: `
services:
  a: http://a
sagas:
  - saga_type: dup_steps
    steps:
      - name: s
        service: a
        action: /x
        compensable: false
      - name: s
        service: a
        action: /y
        compensable: false
`,
			wantErr: `duplicate step "s"`,
		},
		{
			name: "MissingStepName",
			document: `
services:
  a: http://a
sagas:
  - saga_type: bad
    steps:
      - service: a
        action: /x
`,
			wantErr: "step name is required",
		},
		{
			name: "UnknownService",
			document: `
services:
  a: http://a
sagas:
  - saga_type: bad
    steps:
      - name: s
        service: missing
        action: /x
        compensable: false
`,
			wantErr: `unknown service "missing"`,
		},
		{
			name: "MissingAction",
			document: `
services:
  a: http://a
sagas:
  - saga_type: bad
    steps:
      - name: s
        service: a
        compensable: false
`,
			wantErr: "action is required",
		},
		{
			name: "CompensableWithoutCompensation",
			document: `
services:
  a: http://a
sagas:
  - saga_type: bad
    steps:
      - name: s
        service: a
        action: /x
`,
			wantErr: "compensable step requires a compensation action",
		},
		{
			name: "InvalidTimeout",
			document: `
services:
  a: http://a
sagas:
  - saga_type: bad
    steps:
      - name: s
        service: a
        action: /x
        compensation: /y
        timeout: soon
`,
			wantErr: `invalid timeout "soon"`,
		},
		{
			name: "InvalidBackoff",
			document: `
services:
  a: http://a
sagas:
  - saga_type: bad
    steps:
      - name: s
        service: a
        action: /x
        compensation: /y
        backoff: never
`,
			wantErr: `invalid backoff "never"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.document))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistry_Get_UnknownType(t *testing.T) {
	registry, err := Load([]byte(validDocument))
	require.NoError(t, err)

	_, err = registry.Get("missing_saga")
	assert.ErrorIs(t, err, apperrors.ErrDefinitionNotFound)
}

func TestRegistry_ServiceURL(t *testing.T) {
	registry, err := Load([]byte(validDocument))
	require.NoError(t, err)

	url, err := registry.ServiceURL("profile-service")
	require.NoError(t, err)
	assert.Equal(t, "http://profile:8080", url)

	_, err = registry.ServiceURL("unknown-service")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRegistry_Types(t *testing.T) {
	registry, err := Load([]byte(validDocument))
	require.NoError(t, err)

	types := registry.Types()
	require.Len(t, types, 2)

	names := map[string]bool{}
	for _, def := range types {
		names[def.SagaType] = true
	}
	assert.True(t, names["user_onboarding"])
	assert.True(t, names["subscription_upgrade"])
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sagas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validDocument), 0o600))

	registry, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, registry.Types(), 2)
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read saga definitions")
}
