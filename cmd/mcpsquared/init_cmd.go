package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const starterConfig = `# mcp-squared configuration
schemaVersion = 1

# Where the index, tokens, and instance registry live.
# dataDir = "~/.mcp-squared"

# [upstreams.fs]
# command = "npx"
# args = ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]

# [upstreams.api]
# url = "https://example.com/mcp"
# auth = true

# Without a security section every execute requires confirmation.
# [security.tools]
# allow = ["fs:*"]
# block = []
# confirm = ["*:*"]

[operations.findTools]
defaultLimit = 10
maxLimit = 50
defaultMode = "fast"
defaultDetailLevel = "L1"

[operations.index]
refreshIntervalMs = 30000

[operations.selectionCache]
enabled = true
minCooccurrenceThreshold = 2
maxBundleSuggestions = 3

# Serve Prometheus metrics over HTTP in addition to the monitor socket.
# [operations.monitor]
# metricsAddr = "127.0.0.1:9090"
`

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a commented starter config into the project directory",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
}

func runInit(_ *cobra.Command, _ []string) error {
	target := defaultConfigTarget()

	if flagDryRun {
		fmt.Print(starterConfig)
		return nil
	}
	if _, err := os.Stat(target); err == nil && !flagForce {
		return fmt.Errorf("%s already exists; use --force to overwrite", target)
	}
	if err := os.WriteFile(target, []byte(starterConfig), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	fmt.Printf("Wrote %s\n", target)
	return nil
}
