package core

import (
	"context"
	"time"

	"github.com/BranchIntl/queuectl/job"
)

// Store is the durable job store. It is the only component that changes job
// state, and every change it makes is atomic.
type Store interface {
	// Enqueue persists j as a new pending job. The store fills in State,
	// Attempts, CreatedAt, UpdatedAt and, when zero, RunAt.
	Enqueue(ctx context.Context, j *job.Job) error

	// Claim atomically locks the eligible pending job with the earliest
	// run_at (ties broken by creation order) for workerID and increments its
	// attempts. It returns nil, nil when no job is eligible.
	Claim(ctx context.Context, workerID string) (*job.Job, error)

	// Complete records a successful attempt. It fails with an invalid state
	// error unless the job is processing and locked by workerID.
	Complete(ctx context.Context, id, workerID string, result job.Result) error

	// Fail records a failed attempt and either schedules a retry or moves
	// the job to dead. Ownership is checked as for Complete.
	Fail(ctx context.Context, id, workerID string, result job.Result) (*job.Job, error)

	// ReclaimStale returns processing jobs locked longer than threshold to
	// pending and reports how many were reclaimed.
	ReclaimStale(ctx context.Context, threshold time.Duration) (int, error)

	// RequeueDead moves a dead job back to pending with zero attempts.
	RequeueDead(ctx context.Context, id string) error

	// Queries
	Get(ctx context.Context, id string) (*job.Job, error)
	ListByState(ctx context.Context, state job.State) ([]*job.Job, error)
	List(ctx context.Context) ([]*job.Job, error)
	Stats(ctx context.Context) (map[job.State]int64, error)

	// Connection management
	Connect(ctx context.Context) error
	Close() error
	Health() error
	Type() string
}

// Executor runs a job's command.
//
// A command that runs to completion yields a Result with its exit code and a
// nil error, whatever the code. A command that exceeds timeout yields a
// timeout error; a command that cannot be started yields some other error.
// In both cases the returned Result still carries whatever was captured.
type Executor interface {
	Run(ctx context.Context, command string, timeout time.Duration) (job.Result, error)
}

// Statistics interface defines what core needs from a statistics backend
type Statistics interface {
	// Worker lifecycle
	RegisterWorker(ctx context.Context, worker WorkerInfo) error
	UnregisterWorker(ctx context.Context, workerID string) error

	// Job metrics
	RecordJobStarted(ctx context.Context, job JobInfo) error
	RecordJobCompleted(ctx context.Context, job JobInfo, duration time.Duration) error
	RecordJobFailed(ctx context.Context, job JobInfo, err error, duration time.Duration) error

	// Statistics queries
	GetGlobalStats(ctx context.Context) (GlobalStats, error)

	// Health and connection
	Connect(ctx context.Context) error
	Close() error
	Health() error
	Type() string
}

// Supporting types used by the interfaces

// WorkerInfo describes a worker
type WorkerInfo struct {
	ID       string
	Hostname string
	Pid      int
	Started  time.Time
}

// JobInfo is the slice of a job reported to statistics backends
type JobInfo struct {
	ID       string
	Command  string
	Attempts int
	State    job.State // state after the reported event
	WorkerID string
}

// NewJobInfo builds a JobInfo from a job record
func NewJobInfo(j *job.Job, workerID string) JobInfo {
	return JobInfo{
		ID:       j.ID,
		Command:  j.Command,
		Attempts: j.Attempts,
		State:    j.State,
		WorkerID: workerID,
	}
}

// WorkerStats contains statistics for a worker
type WorkerStats struct {
	ID         string
	Processed  int64
	Failed     int64
	InProgress int64
	StartTime  time.Time
	LastJob    time.Time
}

// GlobalStats contains global statistics
type GlobalStats struct {
	TotalProcessed int64
	TotalFailed    int64
	TotalDead      int64
	ActiveWorkers  int64
}

// HealthStatus represents the health of the engine
type HealthStatus struct {
	Healthy       bool
	StoreHealth   error
	StatsHealth   error
	ActiveWorkers int
	Reclaimed     int64
	JobCounts     map[job.State]int64
	LastCheck     time.Time
}
