package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/BranchIntl/queuectl/core"
	"github.com/BranchIntl/queuectl/dlq"
	"github.com/spf13/cobra"
)

func dlqCmd(a *app) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage the dead letter queue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(store core.Store) error {
				jobs, err := dlq.NewManager(store).List(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(jobs) == 0 {
					fmt.Fprintln(out, "Dead letter queue is empty.")
					return nil
				}

				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCOMMAND\tATTEMPTS\tLAST ERROR\tDIED")
				for _, j := range jobs {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						j.ID, j.Command, j.Attempts, orDash(j.LastError), formatTime(j.UpdatedAt))
				}
				return tw.Flush()
			})
		},
	}

	var all bool
	retryCmd := &cobra.Command{
		Use:   "retry [job-id]",
		Short: "Move a dead job back to pending with a fresh attempt budget",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("give either a job id or --all")
			}

			return a.withStore(cmd.Context(), func(store core.Store) error {
				manager := dlq.NewManager(store)
				out := cmd.OutOrStdout()

				if all {
					n, err := manager.RetryAll(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%d dead jobs moved to pending\n", n)
					return nil
				}

				if err := manager.Retry(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(out, "Job %s moved to pending\n", args[0])
				return nil
			})
		},
	}
	retryCmd.Flags().BoolVar(&all, "all", false, "retry every dead job")

	dlqCmd.AddCommand(listCmd, retryCmd)
	return dlqCmd
}
