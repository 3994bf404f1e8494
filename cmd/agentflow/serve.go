package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentflow/api"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sys, cfg, err := root.system(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := sys.Start(ctx); err != nil {
				_ = sys.Shutdown(context.Background())
				return err
			}
			if cfg.Workflow.DefinitionsDir != "" {
				ids, err := sys.LoadDefinitions(ctx, cfg.Workflow.DefinitionsDir)
				if err != nil {
					_ = sys.Shutdown(context.Background())
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %d workflow definitions\n", len(ids))
			}

			srv := api.New(sys, func(o *api.Options) {
				o.Logger = sys.Logger("api")
				o.Addr = cfg.Server.Addr
				o.ShutdownTimeout = cfg.Server.ShutdownTimeout
			})
			serveErr := srv.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := sys.Shutdown(shutdownCtx); err != nil && serveErr == nil {
				return err
			}
			return serveErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}
