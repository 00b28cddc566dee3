package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/lovendo/momentcore/internal/app/runtime"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry pass and print the report",
	Long: `Expire stale claims, fail lapsed proof windows, expire escrow past its
horizon and report overdue proof reviews, once, then exit. Useful when the
in-process sweeper is disabled and an external scheduler drives timeouts.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	core, closeFn, err := runtime.BuildCore(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()

	report := core.Sweeper.Sweep(cmd.Context())
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
