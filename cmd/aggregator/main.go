package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/aggregator/internal/cmd/client"
	serverrun "github.com/rzbill/aggregator/internal/cmd/server"
	cfgpkg "github.com/rzbill/aggregator/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var apiURL string

	rootCmd := &cobra.Command{
		Use:           "aggregator",
		Short:         "Deduplicating event aggregator",
		Long:          "aggregator ingests event batches over HTTP, drops duplicates with a durable idempotency store and keeps throughput counters.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "url", clientcmd.BaseURLFromEnv(), "Aggregator HTTP base URL for client commands (env AGG_HTTP)")

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the aggregator server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			httpAddr, _ := cmd.Flags().GetString("http")

			// Run installs the SIGINT/SIGTERM handler itself.
			if err := serverrun.Run(cmd.Context(), serverrun.Options{
				ConfigPath: configPath,
				DataDir:    dataDir,
				HTTPAddr:   httpAddr,
				Version:    version,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("config", os.Getenv(cfgpkg.EnvConfigPath), "YAML or JSON config file (env "+cfgpkg.EnvConfigPath+")")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (overrides config)")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	rootCmd.AddCommand(clientcmd.NewCommands(func() string { return apiURL })...)
	return rootCmd
}
