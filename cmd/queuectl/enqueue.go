package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BranchIntl/queuectl/core"
	"github.com/BranchIntl/queuectl/job"
	"github.com/spf13/cobra"
)

func enqueueCmd(a *app) *cobra.Command {
	var (
		file        string
		dir         string
		pattern     string
		stopOnError bool
		command     string
		id          string
		maxRetries  int
		runAt       string
		delay       time.Duration
		timeout     int
	)

	cmd := &cobra.Command{
		Use:   "enqueue [job-json]",
		Short: "Add a job to the queue",
		Long: `Add a job to the queue from a JSON document, a JSON file, every matching
file in a directory, or flags.

  queuectl enqueue '{"id":"job1","command":"sleep 2","max_retries":3}'
  queuectl enqueue --file job.json
  queuectl enqueue --dir ./jobs --pattern '*.json'
  queuectl enqueue --command "echo hi" --max-retries 5 --delay 10s --timeout 30`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources := 0
			for _, set := range []bool{len(args) == 1, file != "", dir != "", command != ""} {
				if set {
					sources++
				}
			}
			if sources != 1 {
				return fmt.Errorf("give exactly one of a JSON argument, --file, --dir or --command")
			}
			if command == "" {
				for _, name := range []string{"id", "max-retries", "run-at", "delay", "timeout"} {
					if cmd.Flags().Changed(name) {
						return fmt.Errorf("--%s requires --command", name)
					}
				}
			}

			out := cmd.OutOrStdout()
			return a.withStore(cmd.Context(), func(store core.Store) error {
				q := a.newQueue(store)
				ctx := cmd.Context()

				switch {
				case dir != "":
					files, err := filepath.Glob(filepath.Join(dir, pattern))
					if err != nil {
						return fmt.Errorf("bad pattern %q: %w", pattern, err)
					}
					if len(files) == 0 {
						fmt.Fprintf(out, "No files matching %s found in %s\n", pattern, dir)
						return nil
					}
					return enqueueFiles(ctx, q, files, stopOnError, out)

				case file != "":
					req, err := readRequest(file)
					if err != nil {
						return err
					}
					return enqueueOne(ctx, q, req, out)

				case command != "":
					req := job.Request{ID: id, Command: command}
					if cmd.Flags().Changed("max-retries") {
						req.MaxRetries = &maxRetries
					}
					if cmd.Flags().Changed("timeout") {
						req.Timeout = &timeout
					}
					at, err := scheduleAt(runAt, delay, time.Now())
					if err != nil {
						return err
					}
					req.RunAt = at
					return enqueueOne(ctx, q, req, out)

				default:
					req, err := parseRequest([]byte(args[0]))
					if err != nil {
						return err
					}
					return enqueueOne(ctx, q, req, out)
				}
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&file, "file", "f", "", "enqueue the job in a JSON file")
	flags.StringVar(&dir, "dir", "", "enqueue one job per matching JSON file in a directory")
	flags.StringVar(&pattern, "pattern", "*.json", "glob pattern used with --dir")
	flags.BoolVar(&stopOnError, "stop-on-error", false, "stop --dir at the first failing file")
	flags.StringVarP(&command, "command", "c", "", "command to run")
	flags.StringVarP(&id, "id", "i", "", "job id (generated when empty)")
	flags.IntVarP(&maxRetries, "max-retries", "r", 0, "override the configured max retries")
	flags.StringVar(&runAt, "run-at", "", "earliest run time (RFC 3339)")
	flags.DurationVar(&delay, "delay", 0, "delay before the job becomes eligible")
	flags.IntVarP(&timeout, "timeout", "t", 0, "per-job timeout in seconds, capped by worker.job_timeout")
	cmd.MarkFlagsMutuallyExclusive("run-at", "delay")

	return cmd
}

// parseRequest decodes one JSON job document
func parseRequest(data []byte) (job.Request, error) {
	var req job.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return job.Request{}, fmt.Errorf("invalid job JSON: %w", err)
	}
	return req, nil
}

func readRequest(path string) (job.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return job.Request{}, err
	}
	req, err := parseRequest(data)
	if err != nil {
		return job.Request{}, fmt.Errorf("%s: %w", path, err)
	}
	return req, nil
}

// scheduleAt resolves --run-at and --delay into a run time, nil meaning now
func scheduleAt(runAt string, delay time.Duration, now time.Time) (*time.Time, error) {
	switch {
	case runAt != "":
		at, err := time.Parse(time.RFC3339, runAt)
		if err != nil {
			return nil, fmt.Errorf("--run-at: %w", err)
		}
		return &at, nil
	case delay < 0:
		return nil, fmt.Errorf("--delay must not be negative")
	case delay > 0:
		at := now.Add(delay)
		return &at, nil
	default:
		return nil, nil
	}
}

func enqueueOne(ctx context.Context, q *core.Queue, req job.Request, out io.Writer) error {
	j, err := q.Enqueue(ctx, req)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	fmt.Fprintf(out, "Job %s enqueued (max retries %d, run at %s)\n",
		j.ID, j.MaxRetries, j.RunAt.Local().Format(time.RFC3339))
	return nil
}

// enqueueFiles enqueues one job per file and reports each outcome. It
// returns an error when any file failed.
func enqueueFiles(ctx context.Context, q *core.Queue, files []string, stopOnError bool, out io.Writer) error {
	succeeded, failed := 0, 0
	for _, path := range files {
		name := filepath.Base(path)

		req, err := readRequest(path)
		var j *job.Job
		if err == nil {
			j, err = q.Enqueue(ctx, req)
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "[FAIL] %s: %v\n", name, err)
			if stopOnError {
				break
			}
			continue
		}

		succeeded++
		fmt.Fprintf(out, "[OK] %s -> job %s\n", name, j.ID)
	}

	fmt.Fprintf(out, "Done. Success: %d, Failures: %d\n", succeeded, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d job files failed", failed, succeeded+failed)
	}
	return nil
}
