package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-mesh/migrations"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or roll back the node store schema",
		Long: `Migrate works on the configured SQLite database while the gateway is
stopped. "run" applies pending migrations itself; use these subcommands to
see what is applied or to roll back the newest migration.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withStore(cmd.Context(), *configPath, func(db *database.DB) error {
					return printMigrationStatus(cmd.Context(), cmd.OutOrStdout(), db)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recently applied migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withStore(cmd.Context(), *configPath, func(db *database.DB) error {
					if err := db.MigrateDown(cmd.Context(), migrations.FS); err != nil {
						return fmt.Errorf("rolling back: %w", err)
					}
					return printMigrationStatus(cmd.Context(), cmd.OutOrStdout(), db)
				})
			},
		},
	)
	return cmd
}

// withStore opens the database without migrating it and runs fn.
func withStore(ctx context.Context, configPath string, fn func(*database.DB) error) error {
	cfg, err := config.Load(getConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Database.Enabled {
		return errNoDatabase
	}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // Nothing buffered to flush

	return fn(db)
}

func printMigrationStatus(ctx context.Context, w io.Writer, db *database.DB) error {
	applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}

	for _, r := range applied {
		fmt.Fprintf(w, "applied  %s  %s\n", r.Version, r.AppliedAt.Local().Format(time.DateTime)) //nolint:errcheck // CLI output
	}
	for _, m := range pending {
		fmt.Fprintf(w, "pending  %s  %s\n", m.Version, m.Name) //nolint:errcheck // CLI output
	}
	if len(applied) == 0 && len(pending) == 0 {
		_, err := fmt.Fprintln(w, footerStyle.Render("no migrations"))
		return err
	}
	return nil
}
