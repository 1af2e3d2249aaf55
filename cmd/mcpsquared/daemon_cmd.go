package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mcpsquared-go/internal/daemon"
	"mcpsquared-go/internal/instances"
)

func newDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the shared daemon serving many proxy clients over a local socket",
		RunE:  runDaemon,
	}
}

func runDaemon(_ *cobra.Command, _ []string) error {
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

	d := daemon.New(daemon.Options{
		Endpoint:            a.daemonEndpoint(),
		Secret:              a.cfg.Operations.Daemon.Secret,
		Heartbeat:           a.cfg.Operations.Daemon.HeartbeatInterval(),
		MaxInFlightExecutes: int64(a.cfg.Operations.Daemon.MaxConcurrentExecutes),
	}, a.session, a.logger)

	a.startMonitor(ctx, d.Clients)
	a.startMetrics(ctx)

	deregister := a.registerInstance(instances.RoleDaemon, d.Endpoint())
	defer deregister()

	return d.Serve(ctx)
}
