package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runlens/runlens/internal/app"
	"github.com/runlens/runlens/internal/config"
	"github.com/runlens/runlens/internal/logging"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the API server and event pipeline",
		Long: `Starts the HTTP API, the event bus with its sinks, and (when enabled)
the built-in demo engine and the Pub/Sub event source. Runs until
interrupted, then shuts down within the configured grace period.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("service failed", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
