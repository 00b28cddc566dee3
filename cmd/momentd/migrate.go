package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lovendo/momentcore/internal/config"
	"github.com/lovendo/momentcore/internal/platform/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <up|down [n]|version>",
	Short: "Manage the SQL schema",
	Long: `Apply, revert or inspect the embedded schema migrations for the configured
DATABASE_DRIVER (postgres or sqlite).`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	driver := cfg.Database.Driver
	if driver == config.DriverMemory {
		return fmt.Errorf("DATABASE_DRIVER=memory has no schema to migrate")
	}
	dsn := cfg.Database.DSN

	switch args[0] {
	case "up":
		if err := migrations.Up(driver, dsn); err != nil {
			return err
		}
	case "down":
		n := 1
		if len(args) == 2 {
			if n, err = strconv.Atoi(args[1]); err != nil || n <= 0 {
				return fmt.Errorf("invalid step count %q", args[1])
			}
		}
		if err := migrations.Down(driver, dsn, n); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate action %q", args[0])
	}

	version, dirty, err := migrations.Version(driver, dsn)
	if err != nil {
		return err
	}
	log.WithField("version", version).WithField("dirty", dirty).Info("schema version")
	fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", version, dirty)
	return nil
}
