package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/awaitflow/internal/httpapi"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				a.cfg.HTTPAddr = addr
			}

			ctx := cmd.Context()
			live, err := a.runner.Engine.Recover(ctx)
			if err != nil {
				return fmt.Errorf("recover: %w", err)
			}
			if a.db == nil {
				a.logger.Warn("no database configured, executions are kept in memory")
			}
			a.logger.Info("host ready", "live_executions", live, "workers", a.cfg.Workers)

			if err := a.runner.StartWorkers(ctx, a.cfg.Workers); err != nil {
				return err
			}

			srv, err := httpapi.NewServer(httpapi.Options{
				Addr:      a.cfg.HTTPAddr,
				Host:      a.runner.Engine,
				Converter: a.runner.Engine.Converter(),
				Registry:  a.registry,
				Logger:    a.logger,
			})
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}

	cmd.Flags().String("addr", "", "Listen address (overrides AWAITFLOW_HTTP_ADDR)")
	return cmd
}
