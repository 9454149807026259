package main

import (
	"context"
	"fmt"

	"github.com/deevus/portalkit/internal/app"
	"github.com/deevus/portalkit/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const cliName = "portalctl"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           cliName,
		Short:         cliName + " talks to the admin portal backend through the resilient client",
		Long:          cliName + " talks to the admin portal backend through the resilient client. Configuration is read from PORTAL_* environment variables.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.AddCommand(
		newCallCmd(),
		newWatchCmd(),
		newQueueCmd(),
		newVersionCmd(),
	)
	return root
}

// openApp loads configuration from the environment and builds the runtime.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := app.NewLogger(cfg.Level())
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		a.Logger.Warn("shutdown incomplete", zap.Error(err))
	}
	_ = a.Logger.Sync()
}
