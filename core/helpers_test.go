package core

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/BranchIntl/queuectl/backoff"
	"github.com/BranchIntl/queuectl/job"
	"github.com/BranchIntl/queuectl/stores/memory"
	"github.com/stretchr/testify/require"
)

// TestSetup provides common test dependencies
type TestSetup struct {
	Memory   *memory.MemoryStore
	Store    *FlakyStore
	Executor *MockExecutor
	Stats    *MockStatistics
	Config   *Config
}

// NewTestSetup creates a standard test setup: a connected memory store
// behind a FlakyStore, a scripted executor and recording statistics.
func NewTestSetup(t *testing.T) *TestSetup {
	// Set up a discard logger for tests to avoid noise
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}))
	slog.SetDefault(logger)

	mem := memory.NewStore(memory.Options{
		// Millisecond backoff keeps retry tests fast.
		Backoff: &backoff.Exponential{Base: 2, Unit: time.Millisecond},
		Now:     time.Now,
	})
	require.NoError(t, mem.Connect(context.Background()))

	config := defaultConfig()
	config.PollInterval = 10 * time.Millisecond
	config.JobTimeout = time.Second
	config.StaleAfter = 2 * time.Second
	config.ReclaimInterval = 50 * time.Millisecond
	config.ShutdownTimeout = 2 * time.Second
	config.ReportTimeout = 2 * time.Second

	return &TestSetup{
		Memory:   mem,
		Store:    NewFlakyStore(mem),
		Executor: NewMockExecutor(),
		Stats:    NewMockStatistics(),
		Config:   config,
	}
}

// ContextWithTimeout creates a context with standard timeout for tests
func ContextWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// Enqueue adds a job through the Queue facade
func (s *TestSetup) Enqueue(t *testing.T, id, command string, maxRetries int) *job.Job {
	t.Helper()
	j, err := NewQueue(s.Store, maxRetries).Enqueue(context.Background(), job.Request{ID: id, Command: command})
	require.NoError(t, err)
	return j
}

// Get reads a job straight from the memory store
func (s *TestSetup) Get(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := s.Memory.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

// WaitForState polls until job id reaches state
func (s *TestSetup) WaitForState(t *testing.T, id string, state job.State) *job.Job {
	t.Helper()
	var last *job.Job
	require.Eventually(t, func() bool {
		last = s.Get(t, id)
		return last.State == state
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, state)
	return last
}

// NewWorker creates a worker bound to the setup
func (s *TestSetup) NewWorker(id string) *Worker {
	return NewWorker(id, s.Store, s.Executor, s.Stats, s.Config)
}

// NewWorkerPool creates a pool bound to the setup
func (s *TestSetup) NewWorkerPool(concurrency int) *WorkerPool {
	s.Config.Concurrency = concurrency
	return NewWorkerPool(s.Store, s.Executor, s.Stats, s.Config)
}

// NewEngine creates an engine bound to the setup. The setup's config is
// applied first so options can override it.
func (s *TestSetup) NewEngine(options ...EngineOption) *Engine {
	base := *s.Config
	opts := append([]EngineOption{func(c *Config) { *c = base }}, options...)
	return NewEngine(s.Store, s.Executor, s.Stats, opts...)
}
