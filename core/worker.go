package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/job"
	"github.com/sethvargo/go-retry"
)

const (
	reportRetryBase = 50 * time.Millisecond
	reportRetryCap  = 5 * time.Second
)

// Worker claims jobs from the store, runs them and reports the outcome
type Worker struct {
	id       string
	hostname string
	pid      int
	store    Store
	executor Executor
	stats    Statistics
	config   *Config

	// Statistics
	processed  int64
	failed     int64
	inProgress int64
	lastJob    atomic.Int64
	startTime  time.Time
}

// NewWorker creates a new worker
func NewWorker(
	id string,
	store Store,
	executor Executor,
	stats Statistics,
	config *Config,
) *Worker {
	hostname, _ := os.Hostname()

	return &Worker{
		id:        id,
		hostname:  hostname,
		pid:       os.Getpid(),
		store:     store,
		executor:  executor,
		stats:     stats,
		config:    config,
		startTime: time.Now(),
	}
}

// GetID returns the worker's unique ID. It is written to locked_by.
func (w *Worker) GetID() string {
	return fmt.Sprintf("%s:%d-%s", w.hostname, w.pid, w.id)
}

func (w *Worker) info() WorkerInfo {
	return WorkerInfo{
		ID:       w.GetID(),
		Hostname: w.hostname,
		Pid:      w.pid,
		Started:  w.startTime,
	}
}

// Work claims and runs jobs until ctx is cancelled, or until the queue has
// nothing eligible when ExitOnEmpty is set. A cancelled ctx never interrupts
// a running job: the current job is finished and reported first.
func (w *Worker) Work(ctx context.Context) error {
	if err := w.stats.RegisterWorker(ctx, w.info()); err != nil {
		slog.Error("Failed to register worker", "error", err)
	}

	defer func() {
		if err := w.stats.UnregisterWorker(context.WithoutCancel(ctx), w.GetID()); err != nil {
			slog.Error("Failed to unregister worker", "error", err)
		}
	}()

	slog.Info("Worker started", "id", w.GetID())

	for {
		if ctx.Err() != nil {
			slog.Info("Worker stopping", "id", w.GetID())
			return nil
		}

		j, err := w.store.Claim(ctx, w.GetID())
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.IsTemporary(err) {
				slog.Warn("Store unavailable, pausing", "id", w.GetID(), "error", err)
			} else {
				slog.Error("Error claiming job", "id", w.GetID(), "error", err)
			}
			w.sleep(ctx, w.config.PollInterval)
			continue
		}

		if j == nil {
			if w.config.ExitOnEmpty {
				slog.Info("Queue drained, worker exiting", "id", w.GetID())
				return nil
			}
			w.sleep(ctx, w.config.PollInterval)
			continue
		}

		w.processJob(ctx, j)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// processJob runs a claimed job and reports its outcome
func (w *Worker) processJob(ctx context.Context, j *job.Job) {
	atomic.AddInt64(&w.inProgress, 1)
	defer atomic.AddInt64(&w.inProgress, -1)
	w.lastJob.Store(time.Now().UnixNano())

	// Shutdown must not cut a job short, and a late report must still land.
	runCtx := context.WithoutCancel(ctx)

	if err := w.stats.RecordJobStarted(runCtx, NewJobInfo(j, w.GetID())); err != nil {
		slog.Error("Failed to record job start", "error", err)
	}

	slog.Debug("Job started", "job", j.ID, "attempt", j.Attempts, "command", j.Command)

	result, err := w.execute(runCtx, j)
	if err == nil && result.Succeeded() {
		w.handleJobSuccess(runCtx, j, result)
		return
	}

	if err != nil {
		result.Error = err.Error()
	} else if result.Error == "" {
		result.Error = exitError(result)
	}
	w.handleJobError(runCtx, j, result)
}

// execute runs the command with panic recovery
func (w *Worker) execute(ctx context.Context, j *job.Job) (result job.Result, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = job.Result{Duration: time.Since(start)}
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return w.executor.Run(ctx, j.Command, w.timeout(j))
}

// timeout is the job's own limit when it is tighter than the worker's.
// The worker's limit always applies so a lock cannot go stale mid-run.
func (w *Worker) timeout(j *job.Job) time.Duration {
	if j.Timeout > 0 && j.Timeout < w.config.JobTimeout {
		return j.Timeout
	}
	return w.config.JobTimeout
}

func exitError(result job.Result) string {
	if result.ExitCode == nil {
		return "command produced no exit status"
	}
	return fmt.Sprintf("exit status %d", *result.ExitCode)
}

// handleJobSuccess reports a successful attempt
func (w *Worker) handleJobSuccess(ctx context.Context, j *job.Job, result job.Result) {
	err := w.report(ctx, "complete", j, func(ctx context.Context) error {
		return w.store.Complete(ctx, j.ID, w.GetID(), result)
	})
	if err != nil {
		w.reportFailed("complete", j, err)
		return
	}

	atomic.AddInt64(&w.processed, 1)

	done := NewJobInfo(j, w.GetID())
	done.State = job.StateCompleted
	if err := w.stats.RecordJobCompleted(ctx, done, result.Duration); err != nil {
		slog.Error("Failed to record job completion", "error", err)
	}

	slog.Info("Job completed", "job", j.ID, "attempt", j.Attempts, "duration", result.Duration)
}

// handleJobError reports a failed attempt
func (w *Worker) handleJobError(ctx context.Context, j *job.Job, result job.Result) {
	var updated *job.Job
	err := w.report(ctx, "fail", j, func(ctx context.Context) error {
		var err error
		updated, err = w.store.Fail(ctx, j.ID, w.GetID(), result)
		return err
	})
	if err != nil {
		w.reportFailed("fail", j, err)
		return
	}

	atomic.AddInt64(&w.failed, 1)

	if err := w.stats.RecordJobFailed(ctx, NewJobInfo(updated, w.GetID()), fmt.Errorf("%s", result.Error), result.Duration); err != nil {
		slog.Error("Failed to record job failure", "error", err)
	}

	if updated.State == job.StateDead {
		slog.Error("Job moved to dead letter queue", "job", j.ID, "attempts", updated.Attempts, "error", result.Error)
		return
	}
	slog.Warn("Job failed, will retry", "job", j.ID, "attempt", updated.Attempts,
		"run_at", updated.RunAt, "error", result.Error)
}

// report calls fn until it succeeds, fails permanently or ReportTimeout
// elapses. Only store unavailability is retried.
func (w *Worker) report(ctx context.Context, op string, j *job.Job, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, w.config.ReportTimeout)
	defer cancel()

	b := retry.WithCappedDuration(reportRetryCap, retry.NewExponential(reportRetryBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && errors.IsTemporary(err) {
			slog.Warn("Store unavailable, retrying report", "op", op, "job", j.ID, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// reportFailed logs an outcome that could not be recorded. The job keeps its
// lock, so the reclaimer will eventually hand it to another worker.
func (w *Worker) reportFailed(op string, j *job.Job, err error) {
	if errors.IsInvalidState(err) {
		slog.Warn("Job no longer owned by worker, dropping outcome", "op", op, "job", j.ID, "worker", w.GetID(), "error", err)
		return
	}
	slog.Error("Failed to report job outcome", "op", op, "job", j.ID, "error", err)
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() WorkerStats {
	stats := WorkerStats{
		ID:         w.GetID(),
		Processed:  atomic.LoadInt64(&w.processed),
		Failed:     atomic.LoadInt64(&w.failed),
		InProgress: atomic.LoadInt64(&w.inProgress),
		StartTime:  w.startTime,
	}
	if last := w.lastJob.Load(); last != 0 {
		stats.LastJob = time.Unix(0, last)
	}
	return stats
}
