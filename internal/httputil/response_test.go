package httputil

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/txnflow/sagaengine/internal/errors"
)

func newTestContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	return c, w
}

func TestHandleErrorGin(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name         string
		err          error
		expectedCode int
		expectedBody string
	}{
		{
			name:         "not found",
			err:          apperrors.ErrNotFound,
			expectedCode: http.StatusNotFound,
			expectedBody: "not_found",
		},
		{
			name:         "wrapped not found",
			err:          fmt.Errorf("%w: service %q", apperrors.ErrNotFound, "billing"),
			expectedCode: http.StatusNotFound,
			expectedBody: "not_found",
		},
		{
			name:         "unknown saga type",
			err:          apperrors.ErrDefinitionNotFound,
			expectedCode: http.StatusUnprocessableEntity,
			expectedBody: "unknown_transaction_type",
		},
		{
			name:         "concurrency conflict",
			err:          apperrors.ErrConcurrencyConflict,
			expectedCode: http.StatusConflict,
			expectedBody: "concurrency_conflict",
		},
		{
			name:         "invalid transition",
			err:          fmt.Errorf("%w: instance is already COMPLETED", apperrors.ErrInvalidTransition),
			expectedCode: http.StatusConflict,
			expectedBody: "invalid_transition",
		},
		{
			name:         "conflict",
			err:          apperrors.ErrConflict,
			expectedCode: http.StatusConflict,
			expectedBody: "conflict",
		},
		{
			name:         "invalid input",
			err:          apperrors.ErrInvalidInput,
			expectedCode: http.StatusUnprocessableEntity,
			expectedBody: "invalid_input",
		},
		{
			name:         "unknown error hides details",
			err:          errors.New("pq: connection refused"),
			expectedCode: http.StatusInternalServerError,
			expectedBody: "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w := newTestContext()

			HandleErrorGin(c, tt.err, logger)

			assert.Equal(t, tt.expectedCode, w.Code)
			assert.Contains(t, w.Body.String(), tt.expectedBody)
		})
	}

	t.Run("internal error does not leak message", func(t *testing.T) {
		c, w := newTestContext()

		HandleErrorGin(c, errors.New("pq: connection refused"), logger)

		assert.NotContains(t, w.Body.String(), "connection refused")
	})

	t.Run("nil error writes nothing", func(t *testing.T) {
		c, w := newTestContext()

		HandleErrorGin(c, nil, logger)

		assert.Empty(t, w.Body.String())
	})
}

func TestHandleBadRequestGin(t *testing.T) {
	c, w := newTestContext()

	HandleBadRequestGin(c, errors.New("invalid character 'n'"), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "bad_request")
}

func TestHandleValidationErrorGin(t *testing.T) {
	c, w := newTestContext()

	HandleValidationErrorGin(c, errors.New("saga_type: cannot be blank"), nil)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
	assert.Contains(t, w.Body.String(), "saga_type")
}
