package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/BranchIntl/queuectl/config"
	"github.com/BranchIntl/queuectl/core"
	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/job"
	"github.com/spf13/cobra"
)

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts, worker activity and configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(store core.Store) error {
				counts, err := a.newQueue(store).Stats(cmd.Context())
				if err != nil {
					return err
				}

				stats, err := a.newStatistics()
				if err != nil {
					return err
				}
				global, known := globalStats(cmd.Context(), stats)

				printStatus(cmd.OutOrStdout(), counts, global, known, a.cfg)
				return nil
			})
		},
	}
}

// globalStats reads worker counters when a statistics backend is configured.
// known is false for the no-op backend or when the backend is unreachable.
func globalStats(ctx context.Context, stats core.Statistics) (core.GlobalStats, bool) {
	if stats.Type() == "noop" {
		return core.GlobalStats{}, false
	}
	if err := stats.Connect(ctx); err != nil {
		slog.Warn("Statistics backend unavailable", "type", stats.Type(), "error", err)
		return core.GlobalStats{}, false
	}
	defer stats.Close()

	global, err := stats.GetGlobalStats(ctx)
	if err != nil {
		slog.Warn("Failed to read statistics", "type", stats.Type(), "error", err)
		return core.GlobalStats{}, false
	}
	return global, true
}

func printStatus(out io.Writer, counts map[job.State]int64, global core.GlobalStats, known bool, cfg *config.Config) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "STATE\tCOUNT")
	var total int64
	for _, state := range job.States {
		fmt.Fprintf(tw, "%s\t%d\n", state, counts[state])
		total += counts[state]
	}
	fmt.Fprintf(tw, "total\t%d\n", total)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "WORKERS\t")
	if known {
		fmt.Fprintf(tw, "active\t%d\n", global.ActiveWorkers)
		fmt.Fprintf(tw, "processed\t%d\n", global.TotalProcessed)
		fmt.Fprintf(tw, "failed\t%d\n", global.TotalFailed)
		fmt.Fprintf(tw, "dead\t%d\n", global.TotalDead)
	} else {
		fmt.Fprintf(tw, "active\tunknown (statistics type %s)\n", cfg.Statistics.Type)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "SETTING\tVALUE")
	fmt.Fprintf(tw, "store\t%s %s\n", cfg.Store.Type, errors.RedactURI(cfg.Store.URI))
	fmt.Fprintf(tw, "max_retries\t%d\n", cfg.Queue.MaxRetries)
	fmt.Fprintf(tw, "backoff_base\t%g\n", cfg.Queue.BackoffBase)
	fmt.Fprintf(tw, "workers\t%d\n", cfg.Worker.Count)
	fmt.Fprintf(tw, "job_timeout\t%s\n", cfg.Worker.JobTimeout)
	fmt.Fprintf(tw, "shell\t%t\n", cfg.Worker.Shell)
	tw.Flush()

	if known && global.ActiveWorkers == 0 && counts[job.StatePending] > 0 {
		fmt.Fprintf(out, "\nWarning: %d jobs pending but no active workers. Run 'queuectl worker start'.\n",
			counts[job.StatePending])
	}
}
