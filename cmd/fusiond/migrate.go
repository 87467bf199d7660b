package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/roadside.fusion/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or change the database schema version",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath, "sqlite database path")

	withDB := func(fn func(*db.DB) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			d, err := db.OpenDB(dbPath)
			if err != nil {
				return err
			}
			defer d.Close()
			if err := fn(d); err != nil {
				return err
			}
			return printVersion(cmd.OutOrStdout(), d)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE:  withDB(func(d *db.DB) error { return d.MigrateUp() }),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE:  withDB(func(d *db.DB) error { return d.MigrateDown() }),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE:  withDB(func(*db.DB) error { return nil }),
		},
	)

	force := &cobra.Command{
		Use:   "force VERSION",
		Short: "Set the schema version without running migrations (dirty state recovery)",
		Args:  cobra.ExactArgs(1),
	}
	force.RunE = func(cmd *cobra.Command, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return withDB(func(d *db.DB) error { return d.MigrateForce(v) })(cmd, args)
	}
	cmd.AddCommand(force)
	return cmd
}

func printVersion(w io.Writer, d *db.DB) error {
	v, dirty, err := d.MigrateVersion()
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(w, "schema version %d (dirty)\n", v)
		return nil
	}
	fmt.Fprintf(w, "schema version %d\n", v)
	return nil
}
