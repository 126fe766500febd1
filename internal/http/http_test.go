package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain sets Gin to test mode for all tests in this package.
func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func TestHealthHandler(t *testing.T) {
	t.Run("AllComponentsHealthy", func(t *testing.T) {
		checks := map[string]HealthCheck{
			"postgres": func(ctx context.Context) error { return nil },
			"redis":    func(ctx context.Context) error { return nil },
		}

		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)

		healthHandler(checks)(c)

		assert.Equal(t, http.StatusOK, w.Code)

		var response struct {
			Status     string            `json:"status"`
			Components map[string]string `json:"components"`
		}
		err := json.Unmarshal(w.Body.Bytes(), &response)
		require.NoError(t, err)
		assert.Equal(t, "healthy", response.Status)
		assert.Equal(t, "healthy", response.Components["postgres"])
		assert.Equal(t, "healthy", response.Components["redis"])
	})

	t.Run("FailingComponentTurns503", func(t *testing.T) {
		checks := map[string]HealthCheck{
			"postgres": func(ctx context.Context) error { return nil },
			"redis":    func(ctx context.Context) error { return errors.New("connection refused") },
		}

		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)

		healthHandler(checks)(c)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		var response struct {
			Status     string            `json:"status"`
			Components map[string]string `json:"components"`
		}
		err := json.Unmarshal(w.Body.Bytes(), &response)
		require.NoError(t, err)
		assert.Equal(t, "unhealthy", response.Status)
		assert.Equal(t, "healthy", response.Components["postgres"])
		assert.Contains(t, response.Components["redis"], "unhealthy")
	})

	t.Run("NoChecksIsHealthy", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)

		healthHandler(nil)(c)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestReadyHandler(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/ready", nil)

	readyHandler()(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "ready", response["status"])
}

func TestCustomLoggerMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(requestid.New())
	router.Use(CustomLoggerMiddleware(testLogger()))
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pong": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}
