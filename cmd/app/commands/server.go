package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/txnflow/sagaengine/internal/app"
	"github.com/txnflow/sagaengine/internal/config"
)

// RunServer starts the API server, the metrics server, the event bus relays
// and the choreography coordinator, then resumes interrupted instances.
// Blocks until SIGINT/SIGTERM or a fatal component error.
func RunServer(ctx context.Context, version string) error {
	cfg := config.Load()

	gin.SetMode(cfg.GetGinMode())

	container := app.NewContainer(cfg)

	logger := container.Logger()
	logger.Info("starting server", slog.String("version", version))

	defer closeContainer(container, logger)

	// The coordinator must subscribe before the bus starts its relays.
	coordinator, err := container.Coordinator()
	if err != nil {
		return fmt.Errorf("failed to initialize coordinator: %w", err)
	}
	if err := coordinator.Subscribe(); err != nil {
		return fmt.Errorf("failed to subscribe coordinator: %w", err)
	}

	bus, err := container.EventBus()
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}

	server, err := container.HTTPServer()
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	metricsServer, err := container.MetricsServer()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics server: %w", err)
	}

	sagaUseCase, err := container.SagaUseCase()
	if err != nil {
		return fmt.Errorf("failed to initialize saga use case: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Background workers stop when the signal context is cancelled.
	serverErr := make(chan error, 4)

	go func() {
		if err := bus.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			serverErr <- fmt.Errorf("event bus error: %w", err)
		}
	}()

	go func() {
		if err := coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			serverErr <- fmt.Errorf("coordinator error: %w", err)
		}
	}()

	go func() {
		if err := server.Start(ctx); err != nil {
			serverErr <- fmt.Errorf("api server error: %w", err)
		}
	}()

	if metricsServer != nil {
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				serverErr <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	// Pick up instances a previous process left mid-flight.
	resumed, err := sagaUseCase.ResumeInterrupted(ctx)
	if err != nil {
		logger.Error("failed to resume interrupted sagas", slog.Any("error", err))
	} else if resumed > 0 {
		logger.Info("resumed interrupted sagas", slog.Int("count", resumed))
	}

	// Wait for shutdown signal or component error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return shutdownServers(container, cfg, nil)
	case err := <-serverErr:
		logger.Error("component error, initiating shutdown", slog.Any("error", err))
		return shutdownServers(container, cfg, err)
	}
}

// shutdownServers gracefully stops both HTTP servers, joining any errors with
// the cause that triggered the shutdown.
func shutdownServers(container *app.Container, cfg *config.Config, cause error) error {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DBConnMaxLifetime)
	defer shutdownCancel()

	var shutdownErrors []error
	if cause != nil {
		shutdownErrors = append(shutdownErrors, cause)
	}

	if server, err := container.HTTPServer(); err == nil && server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("api server shutdown: %w", err))
		}
	}

	if metricsServer, err := container.MetricsServer(); err == nil && metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	if len(shutdownErrors) > 0 {
		return errors.Join(shutdownErrors...)
	}
	return nil
}
