package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcpsquared-go/internal/instances"
)

// runServe is the default mode: one standalone broker speaking MCP over
// stdio, with its own upstream connections and index.
func runServe(_ *cobra.Command, _ []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.preflight(ctx); err != nil {
		return err
	}
	a.start(ctx)
	a.startMonitor(ctx, nil)
	a.startMetrics(ctx)

	deregister := a.registerInstance(instances.RoleServer, "")
	defer deregister()

	a.logger.Info("Serving MCP over stdio")
	if err := a.session.ServeStdio(); err != nil && ctx.Err() == nil {
		a.logger.Error("Stdio session ended with error", zap.Error(err))
		return err
	}
	return nil
}
