package core

import (
	"context"
	"testing"
	"time"

	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/job"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_Enqueue_Defaults(t *testing.T) {
	setup := NewTestSetup(t)
	q := NewQueue(setup.Store, 3)

	j, err := q.Enqueue(context.Background(), job.Request{Command: "  echo hi  "})
	require.NoError(t, err)

	_, err = uuid.Parse(j.ID)
	assert.NoError(t, err, "generated id is a uuid")
	assert.Equal(t, "echo hi", j.Command)
	assert.Equal(t, 3, j.MaxRetries)
	assert.Equal(t, job.StatePending, j.State)
	assert.False(t, j.RunAt.IsZero())

	got, err := q.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
}

func TestQueue_Enqueue_Overrides(t *testing.T) {
	setup := NewTestSetup(t)
	q := NewQueue(setup.Store, 3)

	zero := 0
	timeout := 30
	runAt := time.Now().Add(time.Hour)
	j, err := q.Enqueue(context.Background(), job.Request{
		ID:         "custom",
		Command:    "true",
		MaxRetries: &zero,
		RunAt:      &runAt,
		Timeout:    &timeout,
	})
	require.NoError(t, err)

	assert.Equal(t, "custom", j.ID)
	assert.Equal(t, 0, j.MaxRetries)
	assert.True(t, runAt.Equal(j.RunAt))
	assert.Equal(t, 30*time.Second, j.Timeout)

	claimed, err := setup.Store.Claim(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, claimed, "scheduled job is not yet eligible")
}

func TestQueue_Enqueue_Validation(t *testing.T) {
	setup := NewTestSetup(t)
	q := NewQueue(setup.Store, 3)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job.Request{Command: "   "})
	assert.ErrorIs(t, err, errors.ErrEmptyCommand)

	negative := -1
	_, err = q.Enqueue(ctx, job.Request{Command: "true", MaxRetries: &negative})
	assert.ErrorIs(t, err, errors.ErrInvalidRequest)
	_, err = q.Enqueue(ctx, job.Request{Command: "true", Timeout: &negative})
	assert.ErrorIs(t, err, errors.ErrInvalidRequest)

	_, err = q.Enqueue(ctx, job.Request{ID: "dup", Command: "true"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job.Request{ID: "dup", Command: "true"})
	assert.ErrorIs(t, err, errors.ErrJobAlreadyExists)
}

func TestQueue_ListAndStats(t *testing.T) {
	setup := NewTestSetup(t)
	q := NewQueue(setup.Store, 0)
	ctx := context.Background()

	setup.Enqueue(t, "a", "true", 0)
	setup.Enqueue(t, "b", "true", 0)
	_, err := setup.Store.Claim(ctx, "w1")
	require.NoError(t, err)

	all, err := q.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := q.List(ctx, job.StatePending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[job.StatePending])
	assert.Equal(t, int64(1), stats[job.StateProcessing])
}

func TestQueue_Enqueue_PastRunAtDoesNotJumpQueue(t *testing.T) {
	setup := NewTestSetup(t)
	q := NewQueue(setup.Store, 0)
	ctx := context.Background()

	setup.Enqueue(t, "old", "true", 0)
	yesterday := time.Now().Add(-24 * time.Hour)
	j, err := q.Enqueue(ctx, job.Request{ID: "new", Command: "true", RunAt: &yesterday})
	require.NoError(t, err)
	assert.False(t, j.RunAt.Before(j.CreatedAt), "run_at %v created_at %v", j.RunAt, j.CreatedAt)

	claimed, err := setup.Store.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "old", claimed.ID)
}
