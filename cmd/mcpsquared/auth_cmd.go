package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mcpsquared-go/internal/logs"
	"mcpsquared-go/internal/oauth"
)

func newAuthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "auth <upstream>",
		Short: "Run the OAuth authorization flow for one streaming-HTTP upstream",
		Args:  cobra.ExactArgs(1),
		RunE:  runAuth,
	}
}

func runAuth(_ *cobra.Command, args []string) error {
	key := args[0]

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	upstream, ok := cfg.Upstreams[key]
	if !ok {
		return fmt.Errorf("unknown upstream %q", key)
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
	store, err := oauth.NewStore(dataDir, logger)
	if err != nil {
		return err
	}
	provider := oauth.NewProvider(store, !flagNoInteractive, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := provider.AuthenticateUpstream(ctx, key, upstream); err != nil {
		var manual *oauth.NeedsManualAuthError
		if errors.As(err, &manual) {
			fmt.Printf("Open this URL to authorize %s:\n%s\n", key, manual.AuthorizationURL)
			return fmt.Errorf("authorization pending for %q", key)
		}
		return err
	}

	fmt.Printf("Upstream %q authorized.\n", key)
	return nil
}
