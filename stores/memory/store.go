package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BranchIntl/queuectl/backoff"
	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/internal/lifecycle"
	"github.com/BranchIntl/queuectl/job"
)

const storeType = "memory"

// Options for the in-memory store
type Options struct {
	// Backoff decides retry delays and the dead-letter cutoff
	Backoff backoff.Policy

	// Now is the store clock. Every timestamp the store writes comes from it.
	Now func() time.Time
}

// DefaultOptions returns default memory store options
func DefaultOptions() Options {
	return Options{
		Backoff: backoff.Default(),
		Now:     time.Now,
	}
}

// MemoryStore keeps jobs in a map guarded by a single mutex. It is atomic
// within one process only and does not survive a restart.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*job.Job
	seq       map[string]uint64 // insertion order, breaks claim ties
	nextSeq   uint64
	connected bool
	options   Options
}

// NewStore creates a new in-memory store
func NewStore(options Options) *MemoryStore {
	if options.Backoff == nil {
		options.Backoff = backoff.Default()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &MemoryStore{
		jobs:    make(map[string]*job.Job),
		seq:     make(map[string]uint64),
		options: options,
	}
}

// Connect marks the store ready
func (m *MemoryStore) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = true
	return nil
}

// Close marks the store closed. Jobs are kept so a reconnect sees them.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = false
	return nil
}

// Health checks the store health
func (m *MemoryStore) Health() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return errors.ErrNotConnected
	}
	return nil
}

// Type returns the store type
func (m *MemoryStore) Type() string {
	return storeType
}

func (m *MemoryStore) checkConnected(op string) error {
	if !m.connected {
		return errors.NewStoreUnavailableError(storeType, op, errors.ErrNotConnected)
	}
	return nil
}

// Enqueue persists a new pending job
func (m *MemoryStore) Enqueue(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnected("enqueue"); err != nil {
		return err
	}
	if _, exists := m.jobs[j.ID]; exists {
		return errors.ErrJobAlreadyExists
	}

	lifecycle.Init(j, m.options.Now())
	m.nextSeq++
	m.jobs[j.ID] = j.Clone()
	m.seq[j.ID] = m.nextSeq
	return nil
}

// Claim locks the oldest eligible job for workerID
func (m *MemoryStore) Claim(ctx context.Context, workerID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnected("claim"); err != nil {
		return nil, err
	}

	now := m.options.Now()
	var next *job.Job
	for _, j := range m.jobs {
		if !lifecycle.Eligible(j, now) {
			continue
		}
		if next == nil || m.before(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	lifecycle.Claim(next, workerID, now)
	return next.Clone(), nil
}

// Complete records a successful attempt by workerID
func (m *MemoryStore) Complete(ctx context.Context, id, workerID string, result job.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned("complete", id, workerID)
	if err != nil {
		return err
	}
	lifecycle.Complete(j, result, m.options.Now())
	return nil
}

// Fail records a failed attempt by workerID and returns the updated job
func (m *MemoryStore) Fail(ctx context.Context, id, workerID string, result job.Result) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned("fail", id, workerID)
	if err != nil {
		return nil, err
	}
	lifecycle.Fail(j, result, m.options.Backoff, m.options.Now())
	return j.Clone(), nil
}

// before orders claim candidates, falling back to insertion order
func (m *MemoryStore) before(a, b *job.Job) bool {
	if lifecycle.Before(a, b) {
		return true
	}
	if lifecycle.Before(b, a) {
		return false
	}
	return m.seq[a.ID] < m.seq[b.ID]
}

func (m *MemoryStore) owned(op, id, workerID string) (*job.Job, error) {
	if err := m.checkConnected(op); err != nil {
		return nil, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError(id)
	}
	if err := lifecycle.CheckOwner(j, workerID, op); err != nil {
		return nil, err
	}
	return j, nil
}

// ReclaimStale returns jobs locked longer than threshold to pending
func (m *MemoryStore) ReclaimStale(ctx context.Context, threshold time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnected("reclaim"); err != nil {
		return 0, err
	}

	now := m.options.Now()
	count := 0
	for _, j := range m.jobs {
		if lifecycle.Stale(j, threshold, now) {
			lifecycle.Reclaim(j, now)
			count++
		}
	}
	return count, nil
}

// RequeueDead moves a dead job back to pending with zero attempts
func (m *MemoryStore) RequeueDead(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnected("requeue"); err != nil {
		return err
	}
	j, ok := m.jobs[id]
	if !ok {
		return errors.NewNotFoundError(id)
	}
	return lifecycle.Requeue(j, m.options.Now())
}

// Get returns a copy of the job
func (m *MemoryStore) Get(ctx context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnected("get"); err != nil {
		return nil, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError(id)
	}
	return j.Clone(), nil
}

// ListByState returns the jobs in state, oldest first
func (m *MemoryStore) ListByState(ctx context.Context, state job.State) ([]*job.Job, error) {
	return m.list("list", func(j *job.Job) bool { return j.State == state })
}

// List returns every job, oldest first
func (m *MemoryStore) List(ctx context.Context) ([]*job.Job, error) {
	return m.list("list", func(*job.Job) bool { return true })
}

func (m *MemoryStore) list(op string, keep func(*job.Job) bool) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnected(op); err != nil {
		return nil, err
	}

	jobs := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if keep(j) {
			jobs = append(jobs, j.Clone())
		}
	}
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return m.seq[jobs[a].ID] < m.seq[jobs[b].ID]
	})
	return jobs, nil
}

// Stats counts jobs per state
func (m *MemoryStore) Stats(ctx context.Context) (map[job.State]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnected("stats"); err != nil {
		return nil, err
	}

	counts := make(map[job.State]int64, len(job.States))
	for _, st := range job.States {
		counts[st] = 0
	}
	for _, j := range m.jobs {
		counts[j.State]++
	}
	return counts, nil
}
