package invoker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/txnflow/sagaengine/internal/errors"
	sagaDomain "github.com/txnflow/sagaengine/internal/saga/domain"
)

type staticResolver map[string]string

func (r staticResolver) ServiceURL(service string) (string, error) {
	url, ok := r[service]
	if !ok {
		return "", apperrors.ErrNotFound
	}
	return url, nil
}

func testInvoker(resolver ServiceResolver) *HTTPInvoker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHTTPInvoker(resolver, 1000, 1000, logger)
}

func testSpec(timeout time.Duration, maxAttempts int) *sagaDomain.StepSpec {
	return &sagaDomain.StepSpec{
		Name:          "create_profile",
		TargetService: "profile-service",
		Action:        "/v1/profiles",
		Compensation:  "/v1/profiles/delete",
		Timeout:       timeout,
		Retry: sagaDomain.RetryPolicy{
			MaxAttempts: maxAttempts,
			Backoff:     time.Millisecond,
		},
		Compensable: true,
	}
}

func TestHTTPInvoker_InvokeStep(t *testing.T) {
	t.Run("Success_ReturnsResponsePayload", func(t *testing.T) {
		var gotPath, gotCorrelation, gotStep string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotCorrelation = r.Header.Get(HeaderCorrelationID)
			gotStep = r.Header.Get(HeaderStepName)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"profile_id":"p-1"}`))
		}))
		defer server.Close()

		inv := testInvoker(staticResolver{"profile-service": server.URL})
		spec := testSpec(time.Second, 3)

		response, err := inv.InvokeStep(
			context.Background(), spec, "corr-1", json.RawMessage(`{"user_id":"u-1"}`),
		)

		require.NoError(t, err)
		assert.JSONEq(t, `{"profile_id":"p-1"}`, string(response))
		assert.Equal(t, "/v1/profiles", gotPath)
		assert.Equal(t, "corr-1", gotCorrelation)
		assert.Equal(t, "create_profile", gotStep)
	})

	t.Run("EmptyResponseBody_EmptyObject", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		inv := testInvoker(staticResolver{"profile-service": server.URL})

		response, err := inv.InvokeStep(context.Background(), testSpec(time.Second, 1), "corr-1", nil)

		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(`{}`), response)
	})

	t.Run("RetriesUntilSuccess", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		inv := testInvoker(staticResolver{"profile-service": server.URL})

		_, err := inv.InvokeStep(context.Background(), testSpec(time.Second, 3), "corr-1", nil)

		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("ExhaustedRetries_StepInvocationError", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		inv := testInvoker(staticResolver{"profile-service": server.URL})

		_, err := inv.InvokeStep(context.Background(), testSpec(time.Second, 2), "corr-1", nil)

		assert.ErrorIs(t, err, apperrors.ErrStepInvocation)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("Timeout_StepTimeoutError", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			<-release
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()
		defer close(release)

		inv := testInvoker(staticResolver{"profile-service": server.URL})

		_, err := inv.InvokeStep(
			context.Background(), testSpec(20*time.Millisecond, 1), "corr-1", nil,
		)

		assert.ErrorIs(t, err, apperrors.ErrStepTimeout)
	})

	t.Run("UnknownService", func(t *testing.T) {
		inv := testInvoker(staticResolver{})

		_, err := inv.InvokeStep(context.Background(), testSpec(time.Second, 1), "corr-1", nil)

		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("CancelledContext_StopsRetrying", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		inv := testInvoker(staticResolver{"profile-service": server.URL})

		spec := testSpec(time.Second, 5)
		spec.Retry.Backoff = 200 * time.Millisecond

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		_, err := inv.InvokeStep(ctx, spec, "corr-1", nil)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, calls.Load(), int32(5))
	})
}

func TestHTTPInvoker_InvokeCompensation(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var gotPath string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		inv := testInvoker(staticResolver{"profile-service": server.URL})
		spec := testSpec(time.Second, 3)

		err := inv.InvokeCompensation(
			context.Background(), spec, "corr-1", nil,
			sagaDomain.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond},
		)

		require.NoError(t, err)
		assert.Equal(t, "/v1/profiles/delete", gotPath)
	})

	t.Run("ExhaustedRetries_CompensationFailed", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		inv := testInvoker(staticResolver{"profile-service": server.URL})

		err := inv.InvokeCompensation(
			context.Background(), testSpec(time.Second, 3), "corr-1", nil,
			sagaDomain.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond},
		)

		assert.ErrorIs(t, err, apperrors.ErrCompensationFailed)
		assert.Equal(t, int32(2), calls.Load())
	})
}
