package main

import (
	"fmt"
	"log/slog"

	"github.com/BranchIntl/queuectl/api"
	"github.com/BranchIntl/queuectl/core"
	"github.com/BranchIntl/queuectl/dlq"
	"github.com/spf13/cobra"
)

func serveCmd(a *app) *cobra.Command {
	var (
		addr    string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin HTTP API, optionally with embedded workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				addr = a.cfg.API.Addr
			}
			if workers < 0 {
				return fmt.Errorf("--workers must not be negative")
			}

			ctx := cmd.Context()
			shutdown := a.cfg.Worker.ShutdownTimeout.Std()

			if workers == 0 {
				return a.withStore(ctx, func(store core.Store) error {
					server := api.NewServer(a.newQueue(store), dlq.NewManager(store), nil)
					return server.ListenAndServe(ctx, addr, shutdown)
				})
			}

			store, err := a.newStore()
			if err != nil {
				return err
			}
			stats, err := a.newStatistics()
			if err != nil {
				return err
			}

			engine := core.NewEngine(store, a.newExecutor(a.cfg.Worker.Shell), stats, a.engineOptions(workers, false)...)
			if err := engine.Start(ctx); err != nil {
				return err
			}

			server := api.NewServer(a.newQueue(store), dlq.NewManager(store), engine)
			serveErr := server.ListenAndServe(ctx, addr, shutdown)
			if err := engine.Stop(); err != nil {
				slog.Error("Engine stop", "error", err)
			}
			return serveErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address (default api.addr)")
	cmd.Flags().IntVarP(&workers, "workers", "n", 0, "workers to run in this process (0 serves the API only)")
	return cmd
}
