package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/app"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/migrations"
)

func defaultDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	return os.Getenv("TEST_POSTGRES_DSN")
}

func newDBCmd() *cobra.Command {
	var dsn string
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Postgres backend maintenance",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if dsn == "" {
				dsn = defaultDSN()
			}
			if dsn == "" {
				return errors.New("--dsn, DATABASE_URL or TEST_POSTGRES_DSN is required")
			}
			return nil
		},
	}
	dbCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres connection string (default $DATABASE_URL)")

	var (
		timeout  time.Duration
		interval time.Duration
	)
	waitCmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until Postgres accepts connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if timeout <= 0 {
				return fmt.Errorf("--timeout must be > 0")
			}
			if err := app.WaitForDatabase(commandContext(cmd), dsn, timeout, interval); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "postgres ready")
			return nil
		},
	}
	waitCmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "how long to wait")
	waitCmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "delay between attempts")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := app.OpenDatabase(commandContext(cmd), dsn)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := migrations.Up(db); err != nil {
				return err
			}
			st, err := migrations.CurrentStatus(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", st.Version)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version and the embedded migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := app.OpenDatabase(commandContext(cmd), dsn)
			if err != nil {
				return err
			}
			defer db.Close()
			st, err := migrations.CurrentStatus(db)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version: %d (latest %d)\n", st.Version, st.Latest)
			if st.Dirty {
				fmt.Fprintln(out, "dirty: true")
			}
			files, err := migrations.Files()
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintf(out, "%s  %s\n", f.Checksum[:12], f.Name)
			}
			return nil
		},
	}

	dbCmd.AddCommand(waitCmd, migrateCmd, statusCmd)
	return dbCmd
}
