package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Karnemorkon/matrix-dendrite-setup/internal/app"
	"github.com/Karnemorkon/matrix-dendrite-setup/internal/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "adminpanel",
		Short: "Control plane for a self-hosted Matrix deployment",
		Long: `adminpanel serves the authenticated admin API for a Dendrite homeserver
stack: service control, backups, health and an append-only audit log.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newUserCmd(), newDBCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
