package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/BranchIntl/queuectl/core"
	"github.com/BranchIntl/queuectl/job"
	"github.com/spf13/cobra"
)

// outputPreview bounds the captured output shown per row.
const outputPreview = 100

func listCmd(a *app) *cobra.Command {
	var (
		state      string
		showOutput bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter job.State
			if state != "" {
				parsed, err := job.ParseState(state)
				if err != nil {
					return err
				}
				filter = parsed
			}

			return a.withStore(cmd.Context(), func(store core.Store) error {
				jobs, err := a.newQueue(store).List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), jobs)
				}
				return printJobs(cmd.OutOrStdout(), jobs, showOutput)
			})
		},
	}

	cmd.Flags().StringVarP(&state, "state", "s", "", "filter by state (pending, processing, completed, failed, dead)")
	cmd.Flags().BoolVar(&showOutput, "output", false, "show captured command output")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print jobs as JSON")
	return cmd
}

func getCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(store core.Store) error {
				j, err := a.newQueue(store).Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), j)
			})
		},
	}
}

func printJobs(out io.Writer, jobs []*job.Job, showOutput bool) error {
	fmt.Fprintf(out, "Total jobs found: %d\n", len(jobs))
	if len(jobs) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := "ID\tCOMMAND\tSTATE\tATTEMPTS\tRUN AT\tCREATED\tLAST ERROR"
	if showOutput {
		header += "\tOUTPUT"
	}
	fmt.Fprintln(tw, header)

	for _, j := range jobs {
		runAt := "-"
		if j.State == job.StatePending {
			runAt = formatTime(j.RunAt)
		}
		row := fmt.Sprintf("%s\t%s\t%s\t%d/%d\t%s\t%s\t%s",
			j.ID, j.Command, j.State, j.Attempts, j.MaxRetries,
			runAt, formatTime(j.CreatedAt), orDash(j.LastError))
		if showOutput {
			row += "\t" + preview(j.Stdout+j.Stderr)
		}
		fmt.Fprintln(tw, row)
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// preview flattens output onto one line and cuts it at outputPreview runes
func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "-"
	}
	if r := []rune(s); len(r) > outputPreview {
		return string(r[:outputPreview]) + "..."
	}
	return s
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
