package core

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
)

// WorkerPool manages a pool of workers sharing one store
type WorkerPool struct {
	store         Store
	executor      Executor
	stats         Statistics
	config        *Config
	activeWorkers int32

	mu      sync.RWMutex
	workers []*Worker
	wg      sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(
	store Store,
	executor Executor,
	stats Statistics,
	config *Config,
) *WorkerPool {
	return &WorkerPool{
		store:    store,
		executor: executor,
		stats:    stats,
		config:   config,
		workers:  make([]*Worker, 0, config.Concurrency),
	}
}

// Start runs the workers and blocks until every one of them has returned
func (wp *WorkerPool) Start(ctx context.Context) error {
	slog.Info("Starting worker pool", "workers", wp.config.Concurrency)

	wp.mu.Lock()
	for i := 0; i < wp.config.Concurrency; i++ {
		wp.workers = append(wp.workers, NewWorker(
			strconv.Itoa(i),
			wp.store,
			wp.executor,
			wp.stats,
			wp.config,
		))
	}
	workers := append([]*Worker(nil), wp.workers...)
	wp.mu.Unlock()

	for _, worker := range workers {
		wp.wg.Add(1)
		atomic.AddInt32(&wp.activeWorkers, 1)
		go func(w *Worker) {
			defer wp.wg.Done()
			defer atomic.AddInt32(&wp.activeWorkers, -1)

			if err := w.Work(ctx); err != nil {
				slog.Error("Worker error", "id", w.GetID(), "error", err)
			}
		}(worker)
	}

	wp.wg.Wait()
	slog.Info("Worker pool stopped")
	return nil
}

// ActiveWorkers returns the number of active workers
func (wp *WorkerPool) ActiveWorkers() int {
	return int(atomic.LoadInt32(&wp.activeWorkers))
}

// GetWorkerStats returns statistics for all workers
func (wp *WorkerPool) GetWorkerStats() []WorkerStats {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	stats := make([]WorkerStats, 0, len(wp.workers))
	for _, worker := range wp.workers {
		stats = append(stats, worker.GetStats())
	}
	return stats
}
