package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"mcpsquared-go/internal/config"
)

func newImportCommand() *cobra.Command {
	var fromPath string

	cmd := &cobra.Command{
		Use:   "import --from <file>",
		Short: "Merge server definitions from another MCP client's config file",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runImport(fromPath)
		},
	}
	cmd.Flags().StringVar(&fromPath, "from", "", "Path to a JSON file with an mcpServers map")
	cmd.MarkFlagRequired("from")
	return cmd
}

// externalFile is the de-facto mcpServers JSON layout shared by MCP
// client configs.
type externalFile struct {
	McpServers map[string]struct {
		Command string            `json:"command"`
		Args    []string          `json:"args"`
		Env     map[string]string `json:"env"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"mcpServers"`
}

func runImport(fromPath string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(fromPath)
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}
	var external externalFile
	if err := json.Unmarshal(data, &external); err != nil {
		return fmt.Errorf("failed to parse %s: %w", fromPath, err)
	}
	if len(external.McpServers) == 0 {
		return fmt.Errorf("no servers found in %s (expected an mcpServers map)", fromPath)
	}

	servers := make([]config.ExternalServer, 0, len(external.McpServers))
	for name, entry := range external.McpServers {
		servers = append(servers, config.ExternalServer{
			Name:    name,
			Command: entry.Command,
			Args:    entry.Args,
			Env:     entry.Env,
			URL:     entry.URL,
			Headers: entry.Headers,
		})
	}

	results := config.ClassifyMerge(cfg, servers)
	for _, result := range results {
		fmt.Printf("%-10s %s\n", result.Class, result.Name)
	}

	if flagDryRun {
		fmt.Println("Dry run; nothing written.")
		return nil
	}

	applied := config.ApplyMerge(cfg, results, flagForce)
	if applied == 0 {
		fmt.Println("Nothing to apply.")
		return nil
	}

	if cfgPath == "" {
		cfgPath = defaultConfigTarget()
	}
	if err := config.Save(cfg, cfgPath); err != nil {
		return err
	}
	fmt.Printf("Applied %d change(s) to %s\n", applied, cfgPath)
	return nil
}

// defaultConfigTarget picks where to write a config when none was
// discovered: the project file in the working directory.
func defaultConfigTarget() string {
	dir := flagProject
	if dir == "" {
		dir, _ = os.Getwd()
	}
	return filepath.Join(dir, config.ProjectFileName)
}
