package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"

	eventHTTP "github.com/txnflow/sagaengine/internal/event/http"
	"github.com/txnflow/sagaengine/internal/metrics"
	sagaHTTP "github.com/txnflow/sagaengine/internal/saga/http"
)

// HealthCheck probes one dependency; a nil error means healthy.
type HealthCheck func(ctx context.Context) error

// healthCheckTimeout bounds each dependency probe on /health.
const healthCheckTimeout = 2 * time.Second

// RouterConfig carries everything needed to assemble the API router.
type RouterConfig struct {
	Logger             *slog.Logger
	TransactionHandler *sagaHTTP.TransactionHandler
	EventHandler       *eventHTTP.EventHandler
	// HealthChecks maps component name to probe (postgres, redis, eventbus).
	HealthChecks map[string]HealthCheck

	CORSEnabled      bool
	CORSAllowOrigins string

	MeterProvider    metric.MeterProvider
	MetricsNamespace string
}

// NewRouter assembles the gin router with middleware and all v1 routes.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestid.New())
	router.Use(CustomLoggerMiddleware(cfg.Logger))

	if cors := createCORSMiddleware(cfg.CORSEnabled, cfg.CORSAllowOrigins, cfg.Logger); cors != nil {
		router.Use(cors)
	}
	if cfg.MeterProvider != nil {
		router.Use(metrics.HTTPMetricsMiddleware(cfg.MeterProvider, cfg.MetricsNamespace))
	}

	router.GET("/health", healthHandler(cfg.HealthChecks))
	router.GET("/ready", readyHandler())

	v1 := router.Group("/v1")
	{
		saga := v1.Group("/saga")
		{
			saga.POST("/transaction", cfg.TransactionHandler.StartHandler)
			saga.GET("/transaction/types/available", cfg.TransactionHandler.TypesHandler)
			saga.GET("/transaction/:id", cfg.TransactionHandler.GetHandler)
			saga.GET("/transaction/:id/status", cfg.TransactionHandler.StatusHandler)
			saga.PUT("/transaction/:id", cfg.TransactionHandler.UpdateHandler)
			saga.POST("/transaction/:id/compensate", cfg.TransactionHandler.CompensateHandler)
			saga.POST("/transaction/:id/step", cfg.TransactionHandler.AdvanceStepHandler)
			saga.GET("/transactions", cfg.TransactionHandler.ListHandler)
		}

		events := v1.Group("/events")
		{
			events.POST("/publish", cfg.EventHandler.PublishHandler)
			events.GET("/stream/:id", cfg.EventHandler.StreamHandler)
			events.GET("/all", cfg.EventHandler.AllHandler)
		}
	}

	return router
}

// healthHandler probes every registered dependency and reports per-component
// status. Any failing component turns the overall answer into 503.
func healthHandler(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		components := make(map[string]string, len(checks))
		healthy := true

		for name, check := range checks {
			ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
			if err := check(ctx); err != nil {
				components[name] = fmt.Sprintf("unhealthy: %v", err)
				healthy = false
			} else {
				components[name] = "healthy"
			}
			cancel()
		}

		status := http.StatusOK
		overall := "healthy"
		if !healthy {
			status = http.StatusServiceUnavailable
			overall = "unhealthy"
		}
		c.JSON(status, gin.H{"status": overall, "components": components})
	}
}

func readyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// Server is the API HTTP server.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a new API server around an assembled router.
func NewServer(host string, port int, router *gin.Engine, logger *slog.Logger) *Server {
	return &Server{
		logger: logger,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// GetHandler returns the http.Handler for testing purposes.
func (s *Server) GetHandler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting http server", slog.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}
