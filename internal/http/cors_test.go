package http

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateCORSMiddleware_DisabledReturnsNil(t *testing.T) {
	middleware := createCORSMiddleware(false, "https://dashboard.example.com", testLogger())
	assert.Nil(t, middleware)
}

func TestCreateCORSMiddleware_EnabledWithoutOriginsReturnsNil(t *testing.T) {
	middleware := createCORSMiddleware(true, "", testLogger())
	assert.Nil(t, middleware)
}

func TestCreateCORSMiddleware_ParsesCommaSeparatedOrigins(t *testing.T) {
	middleware := createCORSMiddleware(true, "https://dashboard.example.com,https://ops.example.com", testLogger())
	assert.NotNil(t, middleware)
}

func TestParseOrigins(t *testing.T) {
	t.Run("CommaSeparated", func(t *testing.T) {
		origins := parseOrigins("https://dashboard.example.com,https://ops.example.com")
		assert.Equal(t, []string{"https://dashboard.example.com", "https://ops.example.com"}, origins)
	})

	t.Run("TrimsWhitespace", func(t *testing.T) {
		origins := parseOrigins(" https://dashboard.example.com , https://ops.example.com ")
		assert.Equal(t, []string{"https://dashboard.example.com", "https://ops.example.com"}, origins)
	})

	t.Run("EmptyString", func(t *testing.T) {
		assert.Nil(t, parseOrigins(""))
	})

	t.Run("OnlyCommas", func(t *testing.T) {
		assert.Empty(t, parseOrigins(",,"))
	})
}

func TestCORSIntegration_HeadersAddedWhenEnabled(t *testing.T) {
	gin.SetMode(gin.TestMode)

	middleware := createCORSMiddleware(true, "https://dashboard.example.com", testLogger())

	router := gin.New()
	if middleware != nil {
		router.Use(middleware)
	}
	router.GET("/v1/saga/transactions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": []string{}})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/saga/transactions", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://dashboard.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSIntegration_NoHeadersWhenDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)

	middleware := createCORSMiddleware(false, "https://dashboard.example.com", testLogger())

	router := gin.New()
	if middleware != nil {
		router.Use(middleware)
	}
	router.GET("/v1/saga/transactions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": []string{}})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/saga/transactions", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSIntegration_PreflightRequestHandled(t *testing.T) {
	gin.SetMode(gin.TestMode)

	middleware := createCORSMiddleware(true, "https://dashboard.example.com", testLogger())

	router := gin.New()
	if middleware != nil {
		router.Use(middleware)
	}
	router.POST("/v1/saga/transaction", func(c *gin.Context) {
		c.JSON(http.StatusCreated, gin.H{"status": "CREATED"})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/v1/saga/transaction", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://dashboard.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}
