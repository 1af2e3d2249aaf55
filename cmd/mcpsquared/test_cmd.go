package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"mcpsquared-go/internal/config"
	"mcpsquared-go/internal/logs"
	"mcpsquared-go/internal/oauth"
	"mcpsquared-go/internal/secret"
	"mcpsquared-go/internal/upstream"
	"mcpsquared-go/internal/upstream/types"
)

const testDialTimeout = 30 * time.Second

func newTestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "test [upstream]",
		Short: "Dial the named upstream (or all) once and report status and tool count",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTest,
	}
}

func runTest(_ *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		key := args[0]
		target, ok := cfg.Upstreams[key]
		if !ok {
			return fmt.Errorf("unknown upstream %q", key)
		}
		cfg.Upstreams = map[string]*config.UpstreamConfig{key: target}
	}
	if len(cfg.Upstreams) == 0 {
		fmt.Println("No upstreams configured.")
		return nil
	}

	logger, err := logs.SetupCommandLogger(false, cfg.Operations.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	dataDir, err := resolveDataDir(cfg)
	if err != nil {
		return err
	}
	tokenStore, err := oauth.NewStore(dataDir, logger)
	if err != nil {
		return err
	}
	provider := oauth.NewProvider(tokenStore, !flagNoInteractive, logger)
	manager := upstream.NewManager(cfg, secret.NewResolver(), provider, logger)
	defer manager.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), testDialTimeout)
	defer cancel()
	manager.ConnectAll(ctx)

	snapshot := manager.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	failures := 0
	for _, key := range keys {
		info := snapshot[key]
		switch info.State {
		case types.StateConnected:
			fmt.Printf("%-20s connected  %d tools (%s %s)\n",
				key, info.ToolCount, info.ServerName, info.ServerVersion)
		default:
			failures++
			fmt.Printf("%-20s %-10s %s\n", key, info.State.String(), info.LastError)
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d upstream(s) failed", failures, len(keys))
	}
	return nil
}
