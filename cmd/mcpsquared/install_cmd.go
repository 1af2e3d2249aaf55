package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newInstallCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Emit the client config snippet that routes an MCP client through this broker",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runInstall(output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the snippet to a file instead of stdout")
	return cmd
}

func runInstall(output string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate own binary: %w", err)
	}

	args := []string{"proxy"}
	args = append(args, daemonSpawnArgs()...)

	snippet := map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"mcp-squared": map[string]interface{}{
				"command": executable,
				"args":    args,
			},
		},
	}
	data, err := json.MarshalIndent(snippet, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if output == "" || flagDryRun {
		fmt.Print(string(data))
		return nil
	}
	if _, err := os.Stat(output); err == nil && !flagForce {
		return fmt.Errorf("%s already exists; use --force to overwrite", output)
	}
	if err := os.WriteFile(output, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}
	fmt.Printf("Wrote %s\n", output)
	return nil
}
