package core

import (
	"context"
	"fmt"
	"time"

	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/job"
	"github.com/google/uuid"
)

// Queue is the producer and inspection side of the job store
type Queue struct {
	store      Store
	maxRetries int
}

// NewQueue creates a queue that defaults jobs to maxRetries retries
func NewQueue(store Store, maxRetries int) *Queue {
	return &Queue{store: store, maxRetries: maxRetries}
}

// Store returns the underlying store
func (q *Queue) Store() Store {
	return q.store
}

// Enqueue validates req, applies defaults and persists a new pending job.
// A run_at in the past is stored as the enqueue time.
func (q *Queue) Enqueue(ctx context.Context, req job.Request) (*job.Job, error) {
	req = req.Normalize()
	if req.Command == "" {
		return nil, errors.ErrEmptyCommand
	}

	j := &job.Job{
		ID:         req.ID,
		Command:    req.Command,
		MaxRetries: q.maxRetries,
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("max_retries must not be negative, got %d: %w", *req.MaxRetries, errors.ErrInvalidRequest)
		}
		j.MaxRetries = *req.MaxRetries
	}
	if req.RunAt != nil {
		j.RunAt = req.RunAt.UTC()
	}
	if req.Timeout != nil {
		if *req.Timeout < 0 {
			return nil, fmt.Errorf("timeout must not be negative, got %d: %w", *req.Timeout, errors.ErrInvalidRequest)
		}
		j.Timeout = time.Duration(*req.Timeout) * time.Second
	}

	if err := q.store.Enqueue(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Get returns one job by id
func (q *Queue) Get(ctx context.Context, id string) (*job.Job, error) {
	return q.store.Get(ctx, id)
}

// List returns every job, or only those in state when state is not empty
func (q *Queue) List(ctx context.Context, state job.State) ([]*job.Job, error) {
	if state == "" {
		return q.store.List(ctx)
	}
	return q.store.ListByState(ctx, state)
}

// Stats returns job counts per state
func (q *Queue) Stats(ctx context.Context) (map[job.State]int64, error) {
	return q.store.Stats(ctx)
}
