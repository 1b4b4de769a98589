package main

import (
	"context"
	"fmt"

	"github.com/BranchIntl/queuectl/core"
	"github.com/BranchIntl/queuectl/migrations"
	"github.com/BranchIntl/queuectl/stores"
	"github.com/BranchIntl/queuectl/stores/sqlite"
	"github.com/spf13/cobra"
)

func reclaimCmd(a *app) *cobra.Command {
	var staleAfter string

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return jobs with stale locks to pending once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold := a.cfg.Reclaimer.StaleAfter.Std()
			if staleAfter != "" {
				if err := a.cfg.Set("reclaimer.stale_after", staleAfter); err != nil {
					return err
				}
				threshold = a.cfg.Reclaimer.StaleAfter.Std()
			}

			return a.withStore(cmd.Context(), func(store core.Store) error {
				reclaimer := core.NewReclaimer(store, threshold, a.cfg.Reclaimer.Interval.Std())
				n, err := reclaimer.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d stale jobs returned to pending\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&staleAfter, "stale-after", "", "lock age that counts as stale (default reclaimer.stale_after)")
	return cmd
}

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the SQL store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			storeType := stores.StoreType(a.cfg.Store.Type)
			if storeType != stores.SQLite && storeType != stores.Postgres {
				fmt.Fprintf(cmd.OutOrStdout(), "Store %s has no schema to migrate\n", storeType)
				return nil
			}

			storeCfg := a.storeConfig()
			storeCfg.Options = map[string]interface{}{"autoMigrate": true}
			store, err := stores.NewStore(storeCfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := store.Connect(ctx); err != nil {
				return err
			}
			defer store.Close()

			return printSchemaVersion(ctx, cmd, store)
		},
	}
}

func printSchemaVersion(ctx context.Context, cmd *cobra.Command, store core.Store) error {
	out := cmd.OutOrStdout()
	s, ok := store.(*sqlite.SQLiteStore)
	if !ok {
		fmt.Fprintf(out, "Store %s schema is up to date\n", store.Type())
		return nil
	}

	version, err := migrations.Version(ctx, s.DB(), migrations.SQLite)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Store %s schema is up to date (version %d)\n", store.Type(), version)
	return nil
}
