// Package invoker performs the outbound HTTP calls to saga participant
// services. Every call carries the correlation id and step name so callees can
// deduplicate retried invocations on that pair.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/txnflow/sagaengine/internal/errors"
	sagaDomain "github.com/txnflow/sagaengine/internal/saga/domain"
)

// Headers attached to every participant call for caller-side idempotency.
const (
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderStepName      = "X-Step-Name"
)

// maxResponseBytes caps how much of a participant response is retained.
const maxResponseBytes = 1 << 20

// ServiceResolver maps registered service names to base URLs.
type ServiceResolver interface {
	ServiceURL(service string) (string, error)
}

// Invoker executes forward and compensation actions of saga steps.
type Invoker interface {
	// InvokeStep calls the step's forward action and returns the response payload.
	InvokeStep(
		ctx context.Context,
		spec *sagaDomain.StepSpec,
		correlationID string,
		payload json.RawMessage,
	) (json.RawMessage, error)

	// InvokeCompensation calls the step's compensation action, bounded by policy.
	InvokeCompensation(
		ctx context.Context,
		spec *sagaDomain.StepSpec,
		correlationID string,
		payload json.RawMessage,
		policy sagaDomain.RetryPolicy,
	) error
}

// HTTPInvoker implements Invoker over plain JSON-over-HTTP with bounded
// exponential backoff and a client-side rate limiter shared across steps.
type HTTPInvoker struct {
	client   *http.Client
	resolver ServiceResolver
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewHTTPInvoker creates a new HTTPInvoker. The http.Client carries no global
// timeout; per-attempt timeouts come from each step's spec.
func NewHTTPInvoker(
	resolver ServiceResolver,
	requestsPerSec float64,
	burst int,
	logger *slog.Logger,
) *HTTPInvoker {
	if requestsPerSec <= 0 {
		requestsPerSec = 50
	}
	if burst <= 0 {
		burst = int(requestsPerSec)
	}
	return &HTTPInvoker{
		client:   &http.Client{},
		resolver: resolver,
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSec), burst),
		logger:   logger,
	}
}

// InvokeStep calls the forward action with the step's own retry policy.
func (i *HTTPInvoker) InvokeStep(
	ctx context.Context,
	spec *sagaDomain.StepSpec,
	correlationID string,
	payload json.RawMessage,
) (json.RawMessage, error) {
	return i.call(ctx, spec, spec.Action, correlationID, payload, spec.Retry)
}

// InvokeCompensation calls the compensation action bounded by the given policy.
func (i *HTTPInvoker) InvokeCompensation(
	ctx context.Context,
	spec *sagaDomain.StepSpec,
	correlationID string,
	payload json.RawMessage,
	policy sagaDomain.RetryPolicy,
) error {
	_, err := i.call(ctx, spec, spec.Compensation, correlationID, payload, policy)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrCompensationFailed, err)
	}
	return nil
}

// call runs the attempt loop: rate limit, per-attempt timeout, exponential
// backoff between attempts. A timeout is a failure like any other; the call is
// never left pending past its deadline.
func (i *HTTPInvoker) call(
	ctx context.Context,
	spec *sagaDomain.StepSpec,
	action string,
	correlationID string,
	payload json.RawMessage,
	policy sagaDomain.RetryPolicy,
) (json.RawMessage, error) {
	baseURL, err := i.resolver.ServiceURL(spec.TargetService)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(action, "/")

	var lastErr error
	backoff := policy.Backoff

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := i.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		response, err := i.attempt(ctx, url, spec, correlationID, payload)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		i.logger.Warn("step invocation attempt failed",
			slog.String("step", spec.Name),
			slog.String("service", spec.TargetService),
			slog.String("correlation_id", correlationID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)

		if attempt < policy.MaxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStepTimeout, lastErr)
	}
	return nil, fmt.Errorf("%w: %v", apperrors.ErrStepInvocation, lastErr)
}

// attempt performs a single bounded invocation.
func (i *HTTPInvoker) attempt(
	ctx context.Context,
	url string,
	spec *sagaDomain.StepSpec,
	correlationID string,
	payload json.RawMessage,
) (json.RawMessage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderCorrelationID, correlationID)
	req.Header.Set(HeaderStepName, spec.Name)

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("service returned status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	if len(body) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(body), nil
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
