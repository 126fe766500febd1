// Package commands contains CLI command implementations for the application.
package commands

import (
	"context"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"

	"github.com/txnflow/sagaengine/internal/app"
	"github.com/txnflow/sagaengine/internal/config"
	"github.com/txnflow/sagaengine/internal/saga/registry"
)

// closeContainer closes all resources in the container and logs any errors.
func closeContainer(container *app.Container, logger *slog.Logger) {
	if err := container.Shutdown(context.Background()); err != nil {
		logger.Error("failed to shutdown container", slog.Any("error", err))
	}
}

// closeMigrate closes the migration instance and logs any errors.
func closeMigrate(migrate *migrate.Migrate, logger *slog.Logger) {
	sourceError, databaseError := migrate.Close()
	if sourceError != nil || databaseError != nil {
		logger.Error(
			"failed to close the migrate",
			slog.Any("source_error", sourceError),
			slog.Any("database_error", databaseError),
		)
	}
}

// RunValidateDefinitions loads the configured saga definitions file and
// reports whether it passes validation. Useful in CI before a deploy.
func RunValidateDefinitions() error {
	cfg := config.Load()

	container := app.NewContainer(cfg)
	logger := container.Logger()

	reg, err := registry.LoadFile(cfg.SagaDefinitionsPath)
	if err != nil {
		return err
	}

	logger.Info("saga definitions are valid",
		slog.String("path", cfg.SagaDefinitionsPath),
		slog.Int("saga_types", len(reg.Types())),
	)
	return nil
}
