package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mcpsquared-go/internal/monitor"
	"mcpsquared-go/internal/socket"
)

func newMonitorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor [command]",
		Short: "Query a running broker's monitor socket (ping, stats, tools, upstreams, clients)",
		Args:  cobra.ArbitraryArgs,
		RunE:  runMonitor,
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	dataDir, err := resolveDataDir(cfg)
	if err != nil {
		return err
	}

	endpoint := cfg.Operations.Monitor.Endpoint
	if endpoint == "" {
		endpoint = socket.DefaultMonitorEndpoint(dataDir)
	}

	command := monitor.CommandStats
	if len(args) > 0 {
		command = strings.Join(args, " ")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	reply, err := monitor.Query(ctx, endpoint, command)
	if err != nil {
		return err
	}

	pretty, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))

	if reply.Status != "success" {
		return fmt.Errorf("monitor: %s", reply.Error)
	}
	return nil
}
