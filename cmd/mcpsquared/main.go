// mcpsquared is the MCP meta-broker: it connects to a fleet of upstream
// MCP servers and exposes five meta-tools (find_tools, describe_tools,
// execute, list_namespaces, clear_selection_cache) over a single MCP
// session, standalone or through a shared daemon.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagProject         string
	flagInstance        string
	flagVerbose         bool
	flagDryRun          bool
	flagNoInteractive   bool
	flagRefreshInterval time.Duration
	flagNoAutoRefresh   bool
	flagSocket          string
	flagDaemonSocket    string
	flagDaemonSecret    string
	flagNoDaemonSpawn   bool
	flagSecurity        string
	flagForce           bool

	version = "dev" // injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcpsquared",
		Short:   "MCP meta-broker: one session, five meta-tools, a whole fleet of upstreams",
		Version: version,
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringVar(&flagProject, "project", "", "Project directory for config discovery (default: working directory)")
	rootCmd.PersistentFlags().StringVar(&flagInstance, "instance", "", "Named instance; keeps a separate data directory and sockets")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "V", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "Show what would change without writing anything")
	rootCmd.PersistentFlags().BoolVar(&flagNoInteractive, "no-interactive", false, "Never open a browser or prompt; fail instead")
	rootCmd.PersistentFlags().DurationVar(&flagRefreshInterval, "refresh-interval", 0, "Override the tool index refresh interval")
	rootCmd.PersistentFlags().BoolVar(&flagNoAutoRefresh, "no-auto-refresh", false, "Disable the periodic tool index refresher")
	rootCmd.PersistentFlags().StringVar(&flagSocket, "socket", "", "Monitor socket endpoint (unix://path, npipe://name, tcp://host:port)")
	rootCmd.PersistentFlags().StringVar(&flagDaemonSocket, "daemon-socket", "", "Daemon IPC endpoint")
	rootCmd.PersistentFlags().StringVar(&flagDaemonSecret, "daemon-secret", "", "Shared secret for daemon IPC sessions")
	rootCmd.PersistentFlags().BoolVar(&flagNoDaemonSpawn, "no-daemon-spawn", false, "Proxy fails fast instead of spawning a daemon")
	rootCmd.PersistentFlags().StringVar(&flagSecurity, "security", "", "Override the tool policy: hardened or permissive")
	rootCmd.PersistentFlags().BoolVar(&flagForce, "force", false, "Overwrite existing files and conflicting entries")

	// Pre-declaring the version flag gives it the -v shorthand.
	rootCmd.Flags().BoolP("version", "v", false, "Print the version and exit")
	rootCmd.Flags().Bool("stdio", true, "Serve MCP over stdio (the default mode)")

	rootCmd.AddCommand(
		newDaemonCommand(),
		newProxyCommand(),
		newMonitorCommand(),
		newAuthCommand(),
		newTestCommand(),
		newConfigCommand(),
		newImportCommand(),
		newInitCommand(),
		newInstallCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
