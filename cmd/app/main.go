// Package main provides the entry point for the saga engine with CLI commands.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/txnflow/sagaengine/cmd/app/commands"
)

var version = "1.0.0"

func main() {
	cmd := &cli.Command{
		Name:    "sagaengine",
		Usage:   "Distributed transaction orchestrator",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "Start the API server, metrics server and event bus",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunServer(ctx, version)
				},
			},
			{
				Name:  "migrate",
				Usage: "Run database migrations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunMigrations()
				},
			},
			{
				Name:  "validate-definitions",
				Usage: "Validate the saga definitions file and exit",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunValidateDefinitions()
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.Any("error", err))
		os.Exit(1)
	}
}
