// Package dlq manages jobs that exhausted their retries.
package dlq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BranchIntl/queuectl/core"
	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/job"
)

// Manager lists and requeues dead jobs
type Manager struct {
	store core.Store
}

// NewManager creates a new dead letter queue manager
func NewManager(store core.Store) *Manager {
	return &Manager{store: store}
}

// List returns the dead jobs, oldest first
func (m *Manager) List(ctx context.Context) ([]*job.Job, error) {
	return m.store.ListByState(ctx, job.StateDead)
}

// Retry moves one dead job back to pending with a fresh attempt budget.
// It fails with a not-found or invalid-state error for unknown or live jobs.
func (m *Manager) Retry(ctx context.Context, id string) error {
	if err := m.store.RequeueDead(ctx, id); err != nil {
		return err
	}
	slog.Info("Dead job requeued", "job", id)
	return nil
}

// RetryAll requeues every dead job and returns how many were moved. Jobs
// requeued concurrently by someone else are skipped.
func (m *Manager) RetryAll(ctx context.Context) (int, error) {
	dead, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, j := range dead {
		if err := m.store.RequeueDead(ctx, j.ID); err != nil {
			if errors.IsInvalidState(err) || errors.IsNotFound(err) {
				continue
			}
			return requeued, fmt.Errorf("requeue %s: %w", j.ID, err)
		}
		requeued++
	}

	slog.Info("Dead jobs requeued", "count", requeued)
	return requeued, nil
}
