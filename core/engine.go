package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BranchIntl/queuectl/errors"
	"golang.org/x/sync/errgroup"
)

// Engine runs the worker pool and the stale lock reclaimer against one store
type Engine struct {
	store    Store
	executor Executor
	stats    Statistics
	config   *Config

	workerPool *WorkerPool
	reclaimer  *Reclaimer

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
}

// NewEngine creates a new engine with dependency injection
func NewEngine(
	store Store,
	executor Executor,
	stats Statistics,
	options ...EngineOption,
) *Engine {
	config := defaultConfig()
	for _, opt := range options {
		opt(config)
	}

	return &Engine{
		store:    store,
		executor: executor,
		stats:    stats,
		config:   config,
	}
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	return *e.config
}

// Start connects the backends and launches the workers and the reclaimer
func (e *Engine) Start(ctx context.Context) error {
	if err := e.config.Validate(); err != nil {
		return err
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.store.Connect(e.ctx); err != nil {
		e.cancel()
		return errors.NewConnectionError(e.store.Type(),
			fmt.Errorf("failed to connect store: %w", err))
	}

	if err := e.stats.Connect(e.ctx); err != nil {
		e.cancel()
		if closeErr := e.store.Close(); closeErr != nil {
			slog.Error("Error closing store", "error", closeErr)
		}
		return errors.NewConnectionError(e.stats.Type(),
			fmt.Errorf("failed to connect statistics: %w", err))
	}

	e.workerPool = NewWorkerPool(e.store, e.executor, e.stats, e.config)
	e.reclaimer = NewReclaimer(e.store, e.config.StaleAfter, e.config.ReclaimInterval)
	e.done = make(chan struct{})

	e.group = &errgroup.Group{}
	e.group.Go(func() error {
		// A drained pool stops the reclaimer too.
		defer e.cancel()
		return e.workerPool.Start(e.ctx)
	})
	if e.config.ReclaimEnabled {
		e.group.Go(func() error {
			return e.reclaimer.Start(e.ctx)
		})
	}
	go func() {
		if err := e.group.Wait(); err != nil {
			slog.Error("Engine component error", "error", err)
		}
		close(e.done)
	}()

	slog.Info("Engine started",
		"store", e.store.Type(),
		"workers", e.config.Concurrency,
		"job_timeout", e.config.JobTimeout,
		"reclaimer", e.config.ReclaimEnabled)
	return nil
}

// Done is closed once every worker and the reclaimer have returned
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Stop asks workers to finish their current job and waits up to
// ShutdownTimeout for them before closing the backends.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}

	var err error
	if e.done != nil {
		select {
		case <-e.done:
			slog.Info("Engine stopped gracefully")
		case <-time.After(e.config.ShutdownTimeout):
			slog.Warn("Engine shutdown timeout exceeded, in-flight jobs will be reclaimed",
				"active_workers", e.workerPool.ActiveWorkers())
			err = fmt.Errorf("shutdown timeout %s exceeded: %w", e.config.ShutdownTimeout, errors.ErrTimeout)
		}
	}

	if cerr := e.store.Close(); cerr != nil {
		slog.Error("Error closing store", "error", cerr)
	}

	if cerr := e.stats.Close(); cerr != nil {
		slog.Error("Error closing statistics", "error", cerr)
	}

	return err
}

// Health returns the current health status
func (e *Engine) Health() HealthStatus {
	ctx := e.ctx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	counts, err := e.store.Stats(ctx)
	if err != nil {
		slog.Debug("Failed to read job counts", "error", err)
	}

	storeHealth := e.store.Health()
	statsHealth := e.stats.Health()

	status := HealthStatus{
		Healthy:     storeHealth == nil && statsHealth == nil,
		StoreHealth: storeHealth,
		StatsHealth: statsHealth,
		JobCounts:   counts,
		LastCheck:   time.Now(),
	}
	if e.workerPool != nil {
		status.ActiveWorkers = e.workerPool.ActiveWorkers()
	}
	if e.reclaimer != nil {
		status.Reclaimed = e.reclaimer.Reclaimed()
	}
	return status
}

// WorkerStats returns per-worker counters
func (e *Engine) WorkerStats() []WorkerStats {
	if e.workerPool == nil {
		return nil
	}
	return e.workerPool.GetWorkerStats()
}

// Run starts the engine and blocks until shutdown signals are received
// This is a convenience method that combines Start() + signal handling + Stop()
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down...")
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
	case <-e.done:
		slog.Info("All workers finished")
	}

	return e.Stop()
}
