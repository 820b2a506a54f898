package main

// Manage the run-log schema:
//   go run ./cmd/migrate            (same as "up")
//   go run ./cmd/migrate down
//   go run ./cmd/migrate status

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"deckcheck/internal/shared/config"
	"deckcheck/internal/shared/storage/db"
	"deckcheck/internal/shared/telemetry"
)

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Apply run-log migrations",
	SilenceUsage: true,
	RunE:         withDB(up),
}

func init() {
	rootCmd.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply pending migrations", Args: cobra.NoArgs, RunE: withDB(up)},
		&cobra.Command{Use: "down", Short: "Roll back the latest migration", Args: cobra.NoArgs, RunE: withDB(down)},
		&cobra.Command{Use: "status", Short: "Print the applied schema version", Args: cobra.NoArgs, RunE: withDB(status)},
	)
}

func main() {
	cfg := config.Load()
	telemetry.Configure(cfg.LogLevel)
	defer telemetry.Sync()

	if err := rootCmd.Execute(); err != nil {
		telemetry.Error("migrate.failed", map[string]any{"error": err})
		telemetry.Sync()
		os.Exit(1)
	}
}

func withDB(run func(*cobra.Command, *sql.DB) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		sqlDB, err := db.Connect(cmd.Context(), cfg.DatabaseURL, db.MigrateOptions(cfg))
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer sqlDB.Close()
		return run(cmd, sqlDB)
	}
}

func up(cmd *cobra.Command, sqlDB *sql.DB) error {
	if err := db.RunMigrations(cmd.Context(), sqlDB); err != nil {
		return err
	}
	telemetry.Info("migrate.complete", nil)
	return nil
}

func down(cmd *cobra.Command, sqlDB *sql.DB) error {
	if err := db.RollbackMigration(cmd.Context(), sqlDB); err != nil {
		return err
	}
	telemetry.Info("migrate.rolled_back", nil)
	return nil
}

func status(cmd *cobra.Command, sqlDB *sql.DB) error {
	version, err := db.SchemaVersion(cmd.Context(), sqlDB)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
	return nil
}
