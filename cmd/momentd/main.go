// Command momentd runs the moment lifecycle and escrow server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lovendo/momentcore/internal/config"
	"github.com/lovendo/momentcore/internal/logging"
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:   "momentd",
	Short: "Moment lifecycle, claims and tiered escrow server",
	Long: `momentd serves the moment lifecycle API and runs its background sweeper.

Configuration comes from the environment, optionally preloaded from .env files.

Examples:
  momentd serve                  # Start the HTTP API and sweeper
  momentd migrate up             # Apply pending SQL migrations
  momentd sweep                  # Run one expiry pass and print the report
  momentd service-token ai-scanner`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Environment files to load before reading the environment (default .env)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(serviceTokenCmd)
}

func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.New("momentd", cfg.Logging.Level, cfg.Logging.Format), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}
