package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/job"
)

// Mock implementations for testing

// ExecFunc scripts the outcome of one command
type ExecFunc func(ctx context.Context, timeout time.Duration) (job.Result, error)

// MockExecutor implements the Executor interface for testing
type MockExecutor struct {
	mu       sync.Mutex
	handlers map[string]ExecFunc
	calls    []string
}

func NewMockExecutor() *MockExecutor {
	return &MockExecutor{handlers: make(map[string]ExecFunc)}
}

func (m *MockExecutor) Run(ctx context.Context, command string, timeout time.Duration) (job.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, command)
	handler, ok := m.handlers[command]
	m.mu.Unlock()

	if !ok {
		return ExitResult(0), nil
	}
	return handler(ctx, timeout)
}

// Handle scripts the outcome for command
func (m *MockExecutor) Handle(command string, fn ExecFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[command] = fn
}

// HandleExit makes command exit with code
func (m *MockExecutor) HandleExit(command string, code int) {
	m.Handle(command, func(context.Context, time.Duration) (job.Result, error) {
		return ExitResult(code), nil
	})
}

func (m *MockExecutor) GetCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// ExitResult builds the result of a command that exited with code
func ExitResult(code int) job.Result {
	return job.Result{ExitCode: &code, Stdout: fmt.Sprintf("exit %d\n", code), Duration: time.Millisecond}
}

// MockJobCall records a statistics call
type MockJobCall struct {
	JobID    string
	State    job.State
	Attempts int
	WorkerID string
}

// MockStatistics implements the Statistics interface for testing
type MockStatistics struct {
	mu            sync.RWMutex
	connected     bool
	connectError  error
	healthError   error
	recordError   error
	workers       map[string]WorkerInfo
	jobsStarted   []MockJobCall
	jobsCompleted []MockJobCall
	jobsFailed    []MockJobCall
}

func NewMockStatistics() *MockStatistics {
	return &MockStatistics{
		workers: make(map[string]WorkerInfo),
	}
}

func (m *MockStatistics) RegisterWorker(ctx context.Context, worker WorkerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.workers[worker.ID] = worker
	return nil
}

func (m *MockStatistics) UnregisterWorker(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.workers, workerID)
	return nil
}

func (m *MockStatistics) record(calls *[]MockJobCall, info JobInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recordError != nil {
		return m.recordError
	}
	*calls = append(*calls, MockJobCall{
		JobID:    info.ID,
		State:    info.State,
		Attempts: info.Attempts,
		WorkerID: info.WorkerID,
	})
	return nil
}

func (m *MockStatistics) RecordJobStarted(ctx context.Context, info JobInfo) error {
	return m.record(&m.jobsStarted, info)
}

func (m *MockStatistics) RecordJobCompleted(ctx context.Context, info JobInfo, duration time.Duration) error {
	return m.record(&m.jobsCompleted, info)
}

func (m *MockStatistics) RecordJobFailed(ctx context.Context, info JobInfo, err error, duration time.Duration) error {
	return m.record(&m.jobsFailed, info)
}

func (m *MockStatistics) GetGlobalStats(ctx context.Context) (GlobalStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return GlobalStats{
		TotalProcessed: int64(len(m.jobsCompleted)),
		TotalFailed:    int64(len(m.jobsFailed)),
		ActiveWorkers:  int64(len(m.workers)),
	}, nil
}

func (m *MockStatistics) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectError != nil {
		return m.connectError
	}

	m.connected = true
	return nil
}

func (m *MockStatistics) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = false
	return nil
}

func (m *MockStatistics) Health() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.healthError != nil {
		return m.healthError
	}

	if !m.connected {
		return errors.ErrNotConnected
	}

	return nil
}

func (m *MockStatistics) Type() string {
	return "mock"
}

// Test helpers
func (m *MockStatistics) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectError = err
}

func (m *MockStatistics) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthError = err
}

func (m *MockStatistics) SetRecordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordError = err
}

func (m *MockStatistics) GetJobsStarted() []MockJobCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockJobCall(nil), m.jobsStarted...)
}

func (m *MockStatistics) GetJobsCompleted() []MockJobCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockJobCall(nil), m.jobsCompleted...)
}

func (m *MockStatistics) GetJobsFailed() []MockJobCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockJobCall(nil), m.jobsFailed...)
}

func (m *MockStatistics) RegisteredWorkers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// FlakyStore wraps a Store and makes chosen operations report the store as
// unavailable a fixed number of times before passing through.
type FlakyStore struct {
	Store

	mu           sync.Mutex
	failures     map[string]int
	calls        map[string]int
	connectError error
}

func NewFlakyStore(store Store) *FlakyStore {
	return &FlakyStore{
		Store:    store,
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

// FailNext makes the next n calls of op fail
func (f *FlakyStore) FailNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = n
}

func (f *FlakyStore) SetConnectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectError = err
}

func (f *FlakyStore) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FlakyStore) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op]++
	if f.failures[op] > 0 {
		f.failures[op]--
		return errors.NewStoreUnavailableError("flaky", op, fmt.Errorf("injected failure"))
	}
	return nil
}

func (f *FlakyStore) Connect(ctx context.Context) error {
	f.mu.Lock()
	err := f.connectError
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.Connect(ctx)
}

func (f *FlakyStore) Claim(ctx context.Context, workerID string) (*job.Job, error) {
	if err := f.check("claim"); err != nil {
		return nil, err
	}
	return f.Store.Claim(ctx, workerID)
}

func (f *FlakyStore) Complete(ctx context.Context, id, workerID string, result job.Result) error {
	if err := f.check("complete"); err != nil {
		return err
	}
	return f.Store.Complete(ctx, id, workerID, result)
}

func (f *FlakyStore) Fail(ctx context.Context, id, workerID string, result job.Result) (*job.Job, error) {
	if err := f.check("fail"); err != nil {
		return nil, err
	}
	return f.Store.Fail(ctx, id, workerID, result)
}

func (f *FlakyStore) ReclaimStale(ctx context.Context, threshold time.Duration) (int, error) {
	if err := f.check("reclaim"); err != nil {
		return 0, err
	}
	return f.Store.ReclaimStale(ctx, threshold)
}
