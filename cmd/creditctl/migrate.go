package main

import (
	"database/sql"
	"errors"

	"github.com/DukeRupert/credits/internal"
	"github.com/DukeRupert/credits/internal/store"
	"github.com/spf13/cobra"
)

var errMigrateSQLite = errors.New("migrations apply to postgres only; sqlite stores create their schema on open")

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	withDB := func(fn func(cmd *cobra.Command, db *sql.DB) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			if a.cfg.DatabaseDriver != internal.DriverPostgres {
				return errMigrateSQLite
			}
			db, err := store.OpenPostgres(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			return fn(cmd, db)
		}
	}

	printVersion := func(cmd *cobra.Command, db *sql.DB) error {
		version, err := internal.MigrationVersion(db)
		if err != nil {
			return err
		}
		printer.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
		return nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, db *sql.DB) error {
				if err := internal.RunMigrations(db); err != nil {
					return err
				}
				return printVersion(cmd, db)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the applied schema version",
			Args:  cobra.NoArgs,
			RunE:  withDB(printVersion),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert the most recent migration",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, db *sql.DB) error {
				if err := internal.RollbackMigration(db); err != nil {
					return err
				}
				return printVersion(cmd, db)
			}),
		},
	)

	return cmd
}
