package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"mcpsquared-go/internal/secret"
)

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with defaults applied and secrets masked",
		Args:  cobra.NoArgs,
		RunE:  runConfig,
	}
}

func runConfig(_ *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	for _, upstream := range cfg.Upstreams {
		if upstream == nil {
			continue
		}
		upstream.Env = secret.MaskMap(upstream.Env)
		upstream.Headers = secret.MaskMap(upstream.Headers)
	}
	if cfg.Operations.Daemon.Secret != "" {
		cfg.Operations.Daemon.Secret = secret.Mask(cfg.Operations.Daemon.Secret)
	}

	if path == "" {
		fmt.Println("# no config file found; showing defaults")
	} else {
		fmt.Printf("# %s\n", path)
	}
	return toml.NewEncoder(os.Stdout).Encode(cfg)
}
