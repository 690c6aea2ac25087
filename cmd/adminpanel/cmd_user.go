package main

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/app"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/auth"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/config"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/migrations"
)

func newUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage admin panel operators",
	}

	var (
		username      string
		password      string
		passwordStdin bool
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create an operator account in the configured credential store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if passwordStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password from stdin: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if username == "" || password == "" {
				return errors.New("--username and a password are required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			var db *sql.DB
			if cfg.DatabaseURL != "" {
				db, err = app.OpenDatabase(commandContext(cmd), cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer db.Close()
				if err := migrations.Up(db); err != nil {
					return err
				}
			}
			store, err := app.CredentialStore(cfg, db)
			if err != nil {
				return err
			}
			return addUser(cmd, store, cfg, username, password)
		},
	}
	addCmd.Flags().StringVarP(&username, "username", "u", "", "operator username")
	addCmd.Flags().StringVarP(&password, "password", "p", "", "operator password (prefer --password-stdin)")
	addCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")

	userCmd.AddCommand(addCmd)
	return userCmd
}

func addUser(cmd *cobra.Command, store auth.CredentialStore, cfg config.Config, username, password string) error {
	svc, err := auth.NewService(store, auth.ServiceConfig{Secret: cfg.Auth.Secret, SessionTTL: cfg.Auth.SessionTTL})
	if err != nil {
		return err
	}
	if err := svc.Register(commandContext(cmd), username, password); err != nil {
		return fmt.Errorf("add user %q: %w", username, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "user %s created\n", username)
	return nil
}
