package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mcpsquared-go/internal/instances"
	"mcpsquared-go/internal/logs"
	"mcpsquared-go/internal/proxy"
	"mcpsquared-go/internal/socket"
)

func newProxyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "proxy",
		Short: "Bridge a stdio MCP client to the shared daemon, spawning one if needed",
		RunE:  runProxy,
	}
}

func runProxy(_ *cobra.Command, _ []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logs.Setup(&cfg.Operations.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	dataDir, err := resolveDataDir(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	registry, err := instances.NewRegistry(dataDir, logger)
	if err != nil {
		return err
	}

	endpoint := cfg.Operations.Daemon.Endpoint
	if endpoint == "" {
		endpoint = socket.DefaultDaemonEndpoint(dataDir)
	}

	p := proxy.New(proxy.Options{
		Endpoint:  endpoint,
		Secret:    cfg.Operations.Daemon.Secret,
		AutoSpawn: !flagNoDaemonSpawn,
		SpawnArgs: daemonSpawnArgs(),
	}, registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec, err := registry.Register(instances.Record{
		Role:       instances.RoleProxy,
		Version:    version,
		ConfigPath: cfgPath,
	})
	if err == nil {
		defer registry.Deregister(rec.ID)
	}

	return p.Run(ctx, os.Stdin, os.Stdout)
}

// daemonSpawnArgs carries the relevant CLI flags through to a daemon the
// proxy has to spawn, so both ends agree on config and endpoints.
func daemonSpawnArgs() []string {
	var args []string
	if flagProject != "" {
		args = append(args, "--project", flagProject)
	}
	if flagInstance != "" {
		args = append(args, "--instance", flagInstance)
	}
	if flagDaemonSocket != "" {
		args = append(args, "--daemon-socket", flagDaemonSocket)
	}
	if flagDaemonSecret != "" {
		args = append(args, "--daemon-secret", flagDaemonSecret)
	}
	if flagNoInteractive {
		args = append(args, "--no-interactive")
	}
	if flagSecurity != "" {
		args = append(args, "--security", flagSecurity)
	}
	return args
}
