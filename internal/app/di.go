// Package app provides the dependency injection container assembling the
// engine's components. It follows lazy initialization: components are created
// on first access and failures are remembered so later calls see the same error.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/txnflow/sagaengine/internal/config"
	"github.com/txnflow/sagaengine/internal/database"
	"github.com/txnflow/sagaengine/internal/eventbus"
	"github.com/txnflow/sagaengine/internal/http"
	"github.com/txnflow/sagaengine/internal/metrics"
	"github.com/txnflow/sagaengine/internal/saga/registry"
)

// Container holds all application dependencies and provides methods to access them.
type Container struct {
	// Configuration
	config *config.Config

	// Infrastructure
	logger   *slog.Logger
	db       *sql.DB
	registry *registry.Registry

	// Managers
	txManager database.TxManager

	// Metrics
	metricsProvider *metrics.Provider
	businessMetrics metrics.BusinessMetrics

	// Event bus
	bus *eventbus.Bus

	// Domain components (initialized in di_event.go and di_saga.go)
	components components

	// Servers
	httpServer    *http.Server
	metricsServer *http.MetricsServer

	// Initialization flags and mutex for thread-safety
	mu                  sync.Mutex
	loggerInit          sync.Once
	dbInit              sync.Once
	registryInit        sync.Once
	txManagerInit       sync.Once
	metricsProviderInit sync.Once
	businessMetricsInit sync.Once
	busInit             sync.Once
	httpServerInit      sync.Once
	metricsServerInit   sync.Once
	initErrors          map[string]error
}

// NewContainer creates a new dependency injection container with the provided configuration.
func NewContainer(cfg *config.Config) *Container {
	return &Container{
		config:     cfg,
		initErrors: make(map[string]error),
	}
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the configured logger instance.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

// DB returns the database connection.
func (c *Container) DB() (*sql.DB, error) {
	c.dbInit.Do(func() {
		db, err := database.Connect(database.Config{
			ConnectionString:   c.config.DBConnectionString,
			MaxOpenConnections: c.config.DBMaxOpenConnections,
			MaxIdleConnections: c.config.DBMaxIdleConnections,
			ConnMaxLifetime:    c.config.DBConnMaxLifetime,
		})
		if err != nil {
			c.initErrors["db"] = err
			return
		}
		c.db = db
	})
	if storedErr, exists := c.initErrors["db"]; exists {
		return nil, storedErr
	}
	return c.db, nil
}

// TxManager returns the transaction manager.
func (c *Container) TxManager() (database.TxManager, error) {
	c.txManagerInit.Do(func() {
		db, err := c.DB()
		if err != nil {
			c.initErrors["txManager"] = err
			return
		}
		c.txManager = database.NewTxManager(db)
	})
	if storedErr, exists := c.initErrors["txManager"]; exists {
		return nil, storedErr
	}
	return c.txManager, nil
}

// Registry returns the saga definition registry loaded from the configured
// YAML file. An invalid definition set fails here, before anything serves.
func (c *Container) Registry() (*registry.Registry, error) {
	c.registryInit.Do(func() {
		reg, err := registry.LoadFile(c.config.SagaDefinitionsPath)
		if err != nil {
			c.initErrors["registry"] = err
			return
		}
		c.registry = reg
	})
	if storedErr, exists := c.initErrors["registry"]; exists {
		return nil, storedErr
	}
	return c.registry, nil
}

// MetricsProvider returns the Prometheus-backed metrics provider, or nil when
// metrics are disabled.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	c.metricsProviderInit.Do(func() {
		if !c.config.MetricsEnabled {
			return
		}
		provider, err := metrics.NewProvider(c.config.MetricsNamespace)
		if err != nil {
			c.initErrors["metricsProvider"] = err
			return
		}
		c.metricsProvider = provider
	})
	if storedErr, exists := c.initErrors["metricsProvider"]; exists {
		return nil, storedErr
	}
	return c.metricsProvider, nil
}

// BusinessMetrics returns the business metrics recorder. A no-op recorder is
// used when metrics are disabled.
func (c *Container) BusinessMetrics() (metrics.BusinessMetrics, error) {
	c.businessMetricsInit.Do(func() {
		provider, err := c.MetricsProvider()
		if err != nil {
			c.initErrors["businessMetrics"] = err
			return
		}
		if provider == nil {
			c.businessMetrics = metrics.NewNoOpBusinessMetrics()
			return
		}
		bm, err := metrics.NewBusinessMetrics(provider.MeterProvider(), c.config.MetricsNamespace)
		if err != nil {
			c.initErrors["businessMetrics"] = err
			return
		}
		c.businessMetrics = bm
	})
	if storedErr, exists := c.initErrors["businessMetrics"]; exists {
		return nil, storedErr
	}
	return c.businessMetrics, nil
}

// EventBus returns the store-backed event bus.
func (c *Container) EventBus() (*eventbus.Bus, error) {
	c.busInit.Do(func() {
		eventUseCase, err := c.EventUseCase()
		if err != nil {
			c.initErrors["eventBus"] = err
			return
		}
		eventRepo, err := c.EventRepository()
		if err != nil {
			c.initErrors["eventBus"] = err
			return
		}
		offsetRepo, err := c.OffsetRepository()
		if err != nil {
			c.initErrors["eventBus"] = err
			return
		}
		c.bus = eventbus.New(
			eventUseCase,
			eventRepo,
			offsetRepo,
			eventbus.Config{
				BufferSize:   c.config.BusBufferSize,
				PollInterval: c.config.BusPollInterval,
				BlockOnFull:  c.config.BusBlockOnFull,
			},
			c.Logger(),
		)
	})
	if storedErr, exists := c.initErrors["eventBus"]; exists {
		return nil, storedErr
	}
	return c.bus, nil
}

// HTTPServer returns the API server with the full router assembled.
func (c *Container) HTTPServer() (*http.Server, error) {
	c.httpServerInit.Do(func() {
		server, err := c.initHTTPServer()
		if err != nil {
			c.initErrors["httpServer"] = err
			return
		}
		c.httpServer = server
	})
	if storedErr, exists := c.initErrors["httpServer"]; exists {
		return nil, storedErr
	}
	return c.httpServer, nil
}

// MetricsServer returns the Prometheus metrics server, or nil when metrics
// are disabled.
func (c *Container) MetricsServer() (*http.MetricsServer, error) {
	c.metricsServerInit.Do(func() {
		provider, err := c.MetricsProvider()
		if err != nil {
			c.initErrors["metricsServer"] = err
			return
		}
		if provider == nil {
			return
		}
		c.metricsServer = http.NewMetricsServer(
			c.config.ServerHost,
			c.config.MetricsPort,
			c.Logger(),
			provider,
		)
	})
	if storedErr, exists := c.initErrors["metricsServer"]; exists {
		return nil, storedErr
	}
	return c.metricsServer, nil
}

func (c *Container) initHTTPServer() (*http.Server, error) {
	transactionHandler, err := c.TransactionHandler()
	if err != nil {
		return nil, err
	}
	eventHandler, err := c.EventHandler()
	if err != nil {
		return nil, err
	}
	db, err := c.DB()
	if err != nil {
		return nil, err
	}
	cache, err := c.StatusCache()
	if err != nil {
		return nil, err
	}
	bus, err := c.EventBus()
	if err != nil {
		return nil, err
	}

	routerConfig := http.RouterConfig{
		Logger:             c.Logger(),
		TransactionHandler: transactionHandler,
		EventHandler:       eventHandler,
		HealthChecks: map[string]http.HealthCheck{
			"postgres": func(ctx context.Context) error { return db.PingContext(ctx) },
			"redis":    cache.Ping,
			"eventbus": func(ctx context.Context) error {
				if !bus.Running() {
					return fmt.Errorf("bus is not running")
				}
				return nil
			},
		},
		CORSEnabled:      c.config.CORSEnabled,
		CORSAllowOrigins: c.config.CORSAllowOrigins,
		MetricsNamespace: c.config.MetricsNamespace,
	}

	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, err
	}
	if provider != nil {
		routerConfig.MeterProvider = provider.MeterProvider()
	}

	router := http.NewRouter(routerConfig)
	return http.NewServer(c.config.ServerHost, c.config.ServerPort, router, c.Logger()), nil
}

// Shutdown performs cleanup of all initialized resources.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var shutdownErrors []error

	if c.httpServer != nil {
		if err := c.httpServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("http server shutdown: %w", err))
		}
	}

	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics provider shutdown: %w", err))
		}
	}

	if c.components.redisClient != nil {
		if err := c.components.redisClient.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("redis close: %w", err))
		}
	}

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("database close: %w", err))
		}
	}

	if len(shutdownErrors) > 0 {
		return fmt.Errorf("shutdown errors: %v", shutdownErrors)
	}
	return nil
}

// initLogger creates and configures a structured logger based on the log level.
func (c *Container) initLogger() *slog.Logger {
	var logLevel slog.Level
	switch c.config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler)
}
