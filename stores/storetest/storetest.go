// Package storetest is a conformance suite every core.Store implementation
// runs from its own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BranchIntl/queuectl/backoff"
	"github.com/BranchIntl/queuectl/core"
	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Clock is a manually advanced time source handed to the store under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock at t, truncated to the millisecond so every
// backend can round-trip it.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t.Truncate(time.Millisecond)}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory returns a connected, empty store that reads time from clock and
// applies policy on failure. The factory registers its own cleanup.
type Factory func(t *testing.T, clock *Clock, policy backoff.Policy) core.Store

// Policy is the backoff every suite run uses: 2^attempts seconds.
func Policy() backoff.Policy {
	return backoff.NewExponential(2)
}

type suite struct {
	newStore Factory
}

func (s suite) setup(t *testing.T) (core.Store, *Clock) {
	clock := NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return s.newStore(t, clock, Policy()), clock
}

// Run executes the full suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	s := suite{newStore: newStore}

	t.Run("EnqueueAndGet", s.testEnqueueAndGet)
	t.Run("DuplicateID", s.testDuplicateID)
	t.Run("GetUnknown", s.testGetUnknown)
	t.Run("ClaimEmpty", s.testClaimEmpty)
	t.Run("ClaimOrder", s.testClaimOrder)
	t.Run("ClaimOrderSameInstant", s.testClaimOrderSameInstant)
	t.Run("PastRunAtIsClamped", s.testPastRunAtIsClamped)
	t.Run("ClaimRespectsRunAt", s.testClaimRespectsRunAt)
	t.Run("ClaimLocks", s.testClaimLocks)
	t.Run("Complete", s.testComplete)
	t.Run("BinaryOutput", s.testBinaryOutput)
	t.Run("CompleteOwnership", s.testCompleteOwnership)
	t.Run("FailRetriesThenDies", s.testFailRetriesThenDies)
	t.Run("FailZeroRetries", s.testFailZeroRetries)
	t.Run("FailOwnership", s.testFailOwnership)
	t.Run("ReclaimStale", s.testReclaimStale)
	t.Run("RequeueDead", s.testRequeueDead)
	t.Run("ListAndStats", s.testListAndStats)
	t.Run("ConcurrentClaims", s.testConcurrentClaims)
	t.Run("ConcurrentClaimsMoreWorkersThanJobs", s.testConcurrentClaimsMoreWorkersThanJobs)
}

func enqueue(t *testing.T, store core.Store, id, command string, maxRetries int) *job.Job {
	t.Helper()
	j := &job.Job{ID: id, Command: command, MaxRetries: maxRetries}
	require.NoError(t, store.Enqueue(context.Background(), j))
	return j
}

func claim(t *testing.T, store core.Store, workerID string) *job.Job {
	t.Helper()
	j, err := store.Claim(context.Background(), workerID)
	require.NoError(t, err)
	return j
}

func exitResult(code int, errMsg string) job.Result {
	return job.Result{ExitCode: &code, Stdout: "out", Stderr: "err", Duration: 150 * time.Millisecond, Error: errMsg}
}

func (s suite) testEnqueueAndGet(t *testing.T) {
	store, clock := s.setup(t)
	ctx := context.Background()

	enqueue(t, store, "job1", "echo hello", 3)
	require.NoError(t, store.Enqueue(ctx, &job.Job{ID: "job2", Command: "sleep 5", Timeout: 30 * time.Second}))

	got, err := store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, "echo hello", got.Command)
	assert.Zero(t, got.Timeout)
	assert.Equal(t, job.StatePending, got.State)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 3, got.MaxRetries)
	assert.True(t, clock.Now().Equal(got.RunAt), "run_at %v", got.RunAt)
	assert.True(t, clock.Now().Equal(got.CreatedAt), "created_at %v", got.CreatedAt)
	assert.False(t, got.IsLocked())

	withTimeout, err := store.Get(ctx, "job2")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, withTimeout.Timeout)
}

func (s suite) testDuplicateID(t *testing.T) {
	store, _ := s.setup(t)

	enqueue(t, store, "dup", "true", 1)
	err := store.Enqueue(context.Background(), &job.Job{ID: "dup", Command: "false"})
	assert.ErrorIs(t, err, errors.ErrJobAlreadyExists)

	got, err := store.Get(context.Background(), "dup")
	require.NoError(t, err)
	assert.Equal(t, "true", got.Command)
}

func (s suite) testGetUnknown(t *testing.T) {
	store, _ := s.setup(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func (s suite) testClaimEmpty(t *testing.T) {
	store, _ := s.setup(t)

	assert.Nil(t, claim(t, store, "w1"))
}

func (s suite) testClaimOrder(t *testing.T) {
	store, clock := s.setup(t)
	ctx := context.Background()

	enqueue(t, store, "b-first", "true", 0)
	clock.Advance(time.Millisecond)
	enqueue(t, store, "a-second", "true", 0)
	clock.Advance(time.Millisecond)
	require.NoError(t, store.Enqueue(ctx, &job.Job{ID: "d-later", Command: "true", RunAt: clock.Now().Add(time.Second)}))
	enqueue(t, store, "c-third", "true", 0)
	clock.Advance(time.Second)

	assert.Equal(t, "b-first", claim(t, store, "w1").ID)
	assert.Equal(t, "a-second", claim(t, store, "w1").ID)
	assert.Equal(t, "c-third", claim(t, store, "w1").ID)
	assert.Equal(t, "d-later", claim(t, store, "w1").ID)
	assert.Nil(t, claim(t, store, "w1"))
}

func (s suite) testClaimOrderSameInstant(t *testing.T) {
	store, _ := s.setup(t)

	// The clock does not move, so only enqueue order separates them.
	ids := []string{"zz-first", "mm-second", "aa-third", "qq-fourth"}
	for _, id := range ids {
		enqueue(t, store, id, "true", 0)
	}

	for _, id := range ids {
		got := claim(t, store, "w1")
		require.NotNil(t, got)
		assert.Equal(t, id, got.ID)
	}
	assert.Nil(t, claim(t, store, "w1"))

	all, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, len(ids))
	for i, j := range all {
		assert.Equal(t, ids[i], j.ID)
	}

	processing, err := store.ListByState(context.Background(), job.StateProcessing)
	require.NoError(t, err)
	require.Len(t, processing, len(ids))
	for i, j := range processing {
		assert.Equal(t, ids[i], j.ID)
	}
}

func (s suite) testPastRunAtIsClamped(t *testing.T) {
	store, clock := s.setup(t)
	ctx := context.Background()

	enqueue(t, store, "old", "true", 0)
	clock.Advance(time.Millisecond)
	require.NoError(t, store.Enqueue(ctx, &job.Job{ID: "new", Command: "true", RunAt: clock.Now().Add(-24 * time.Hour)}))

	got, err := store.Get(ctx, "new")
	require.NoError(t, err)
	assert.True(t, clock.Now().Equal(got.RunAt), "run_at %v", got.RunAt)
	assert.False(t, got.RunAt.Before(got.CreatedAt))

	assert.Equal(t, "old", claim(t, store, "w1").ID)
	assert.Equal(t, "new", claim(t, store, "w1").ID)
}

func (s suite) testClaimRespectsRunAt(t *testing.T) {
	store, clock := s.setup(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, &job.Job{ID: "later", Command: "true", RunAt: clock.Now().Add(10 * time.Second)}))

	assert.Nil(t, claim(t, store, "w1"))
	clock.Advance(10 * time.Second)
	got := claim(t, store, "w1")
	require.NotNil(t, got)
	assert.Equal(t, "later", got.ID)
}

func (s suite) testClaimLocks(t *testing.T) {
	store, clock := s.setup(t)
	ctx := context.Background()

	enqueue(t, store, "job1", "true", 1)
	clock.Advance(time.Second)

	got := claim(t, store, "w1")
	require.NotNil(t, got)
	assert.Equal(t, job.StateProcessing, got.State)
	assert.Equal(t, "w1", got.LockedBy)
	require.NotNil(t, got.LockedAt)
	assert.True(t, clock.Now().Equal(*got.LockedAt))
	assert.Equal(t, 1, got.Attempts)

	// A second worker sees nothing.
	assert.Nil(t, claim(t, store, "w2"))

	// The returned record is a copy.
	got.State = job.StateCompleted
	stored, err := store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, job.StateProcessing, stored.State)
}

func (s suite) testComplete(t *testing.T) {
	store, _ := s.setup(t)
	ctx := context.Background()

	enqueue(t, store, "job1", "echo ok", 1)
	claimed := claim(t, store, "w1")
	require.NotNil(t, claimed)

	require.NoError(t, store.Complete(ctx, "job1", "w1", exitResult(0, "")))

	got, err := store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.False(t, got.IsLocked())
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Equal(t, "out", got.Stdout)
	assert.Equal(t, "err", got.Stderr)
	assert.Equal(t, 150*time.Millisecond, got.Duration)

	assert.Nil(t, claim(t, store, "w1"))
}

func (s suite) testBinaryOutput(t *testing.T) {
	store, _ := s.setup(t)
	ctx := context.Background()

	enqueue(t, store, "ok", "true", 1)
	enqueue(t, store, "bad", "false", 1)

	code := 0
	require.NotNil(t, claim(t, store, "w1"))
	require.NoError(t, store.Complete(ctx, "ok", "w1", job.Result{
		ExitCode: &code,
		Stdout:   "bin\x00ary\xff\xfe",
		Stderr:   "aaaa\xc3",
	}))

	failCode := 1
	require.NotNil(t, claim(t, store, "w1"))
	failed, err := store.Fail(ctx, "bad", "w1", job.Result{
		ExitCode: &failCode,
		Stdout:   "\x00\x00",
		Error:    "exit status 1",
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, failed.State)

	got, err := store.Get(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, got.State)
	assert.Equal(t, "binary\uFFFD", got.Stdout)
	assert.Equal(t, "aaaa\uFFFD", got.Stderr)

	got, err = store.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Empty(t, got.Stdout)
	assert.Equal(t, "exit status 1", got.LastError)
}

func (s suite) testCompleteOwnership(t *testing.T) {
	store, _ := s.setup(t)
	ctx := context.Background()

	enqueue(t, store, "job1", "true", 1)

	err := store.Complete(ctx, "job1", "w1", exitResult(0, ""))
	assert.ErrorIs(t, err, errors.ErrInvalidState, "pending job cannot be completed")

	require.NotNil(t, claim(t, store, "w1"))
	err = store.Complete(ctx, "job1", "w2", exitResult(0, ""))
	assert.ErrorIs(t, err, errors.ErrInvalidState, "non-owner cannot complete")

	err = store.Complete(ctx, "missing", "w1", exitResult(0, ""))
	assert.ErrorIs(t, err, errors.ErrNotFound)

	require.NoError(t, store.Complete(ctx, "job1", "w1", exitResult(0, "")))
	err = store.Complete(ctx, "job1", "w1", exitResult(0, ""))
	assert.ErrorIs(t, err, errors.ErrInvalidState, "completed job cannot be completed twice")
}

func (s suite) testFailRetriesThenDies(t *testing.T) {
	store, clock := s.setup(t)
	ctx := context.Background()

	enqueue(t, store, "job1", "exit 1", 2)

	// attempt 1 -> pending, eligible after 2^1 seconds
	require.NotNil(t, claim(t, store, "w1"))
	failed, err := store.Fail(ctx, "job1", "w1", exitResult(1, "exit status 1"))
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, failed.State)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, "exit status 1", failed.LastError)
	assert.False(t, failed.IsLocked())
	assert.True(t, clock.Now().Add(2*time.Second).Equal(failed.RunAt), "run_at %v", failed.RunAt)

	assert.Nil(t, claim(t, store, "w1"), "not eligible before backoff elapses")
	clock.Advance(2 * time.Second)

	// attempt 2 -> pending, eligible after 2^2 seconds
	require.NotNil(t, claim(t, store, "w1"))
	failed, err = store.Fail(ctx, "job1", "w1", exitResult(1, "exit status 1"))
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, failed.State)
	assert.Equal(t, 2, failed.Attempts)
	assert.True(t, clock.Now().Add(4*time.Second).Equal(failed.RunAt))

	clock.Advance(4 * time.Second)

	// attempt 3 exceeds max_retries -> dead
	require.NotNil(t, claim(t, store, "w1"))
	failed, err = store.Fail(ctx, "job1", "w1", exitResult(1, "exit status 1"))
	require.NoError(t, err)
	assert.Equal(t, job.StateDead, failed.State)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, "exit status 1", failed.LastError)

	clock.Advance(time.Hour)
	assert.Nil(t, claim(t, store, "w1"), "dead jobs are never claimed")

	got, err := store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, job.StateDead, got.State)
}

func (s suite) testFailZeroRetries(t *testing.T) {
	store, _ := s.setup(t)

	enqueue(t, store, "job1", "false", 0)
	require.NotNil(t, claim(t, store, "w1"))

	failed, err := store.Fail(context.Background(), "job1", "w1", job.Result{Error: "TimeoutError: command exceeded 1s"})
	require.NoError(t, err)
	assert.Equal(t, job.StateDead, failed.State)
	assert.Nil(t, failed.ExitCode)
	assert.Equal(t, "TimeoutError: command exceeded 1s", failed.LastError)
}

func (s suite) testFailOwnership(t *testing.T) {
	store, _ := s.setup(t)
	ctx := context.Background()

	enqueue(t, store, "job1", "false", 3)

	_, err := store.Fail(ctx, "job1", "w1", exitResult(1, "exit status 1"))
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	require.NotNil(t, claim(t, store, "w1"))
	_, err = store.Fail(ctx, "job1", "w2", exitResult(1, "exit status 1"))
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	_, err = store.Fail(ctx, "missing", "w1", exitResult(1, "exit status 1"))
	assert.ErrorIs(t, err, errors.ErrNotFound)

	got, err := store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, job.StateProcessing, got.State)
	assert.Equal(t, "w1", got.LockedBy)
}

func (s suite) testReclaimStale(t *testing.T) {
	store, clock := s.setup(t)
	ctx := context.Background()

	enqueue(t, store, "stale", "sleep 100", 1)
	enqueue(t, store, "fresh", "sleep 100", 1)

	require.NotNil(t, claim(t, store, "w1"))
	clock.Advance(10 * time.Second)
	require.NotNil(t, claim(t, store, "w2"))

	n, err := store.ReclaimStale(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, got.State)
	assert.Equal(t, 1, got.Attempts, "reclaim keeps the attempt count")
	assert.False(t, got.IsLocked())
	assert.True(t, clock.Now().Equal(got.RunAt))

	fresh, err := store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, job.StateProcessing, fresh.State)

	// The original owner has lost the job.
	err = store.Complete(ctx, "stale", "w1", exitResult(0, ""))
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	// Another worker picks it up on its next attempt.
	reclaimed := claim(t, store, "w3")
	require.NotNil(t, reclaimed)
	assert.Equal(t, "stale", reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)

	n, err = store.ReclaimStale(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func (s suite) testRequeueDead(t *testing.T) {
	store, clock := s.setup(t)
	ctx := context.Background()

	enqueue(t, store, "job1", "false", 0)
	require.NotNil(t, claim(t, store, "w1"))
	_, err := store.Fail(ctx, "job1", "w1", exitResult(1, "exit status 1"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, store.RequeueDead(ctx, "job1"))

	got, err := store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, got.State)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.LastError)
	assert.True(t, clock.Now().Equal(got.RunAt))

	err = store.RequeueDead(ctx, "job1")
	assert.ErrorIs(t, err, errors.ErrInvalidState, "only dead jobs can be requeued")

	err = store.RequeueDead(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	claimed := claim(t, store, "w1")
	require.NotNil(t, claimed)
	assert.Equal(t, 1, claimed.Attempts)
}

func (s suite) testListAndStats(t *testing.T) {
	store, clock := s.setup(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		enqueue(t, store, fmt.Sprintf("job%d", i), "true", 0)
		clock.Advance(time.Millisecond)
	}

	require.NotNil(t, claim(t, store, "w1")) // job0 -> completed
	require.NoError(t, store.Complete(ctx, "job0", "w1", exitResult(0, "")))
	require.NotNil(t, claim(t, store, "w1")) // job1 -> dead
	_, err := store.Fail(ctx, "job1", "w1", exitResult(1, "exit status 1"))
	require.NoError(t, err)
	require.NotNil(t, claim(t, store, "w1")) // job2 -> processing

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "job0", all[0].ID)
	assert.Equal(t, "job3", all[3].ID)

	dead, err := store.ListByState(ctx, job.StateDead)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "job1", dead[0].ID)

	failed, err := store.ListByState(ctx, job.StateFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[job.StatePending])
	assert.Equal(t, int64(1), stats[job.StateProcessing])
	assert.Equal(t, int64(1), stats[job.StateCompleted])
	assert.Equal(t, int64(1), stats[job.StateDead])
	assert.Equal(t, int64(0), stats[job.StateFailed])
}

func (s suite) testConcurrentClaims(t *testing.T) {
	store, _ := s.setup(t)
	ctx := context.Background()

	const jobs = 40
	const workers = 8
	for i := 0; i < jobs; i++ {
		enqueue(t, store, fmt.Sprintf("job%02d", i), "true", 0)
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				j, err := store.Claim(ctx, workerID)
				if err != nil {
					if errors.IsTemporary(err) {
						continue
					}
					t.Errorf("claim: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[j.ID]; dup {
					t.Errorf("job %s claimed by %s and %s", j.ID, prev, workerID)
				}
				seen[j.ID] = workerID
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(jobs), stats[job.StateProcessing])
}

func (s suite) testConcurrentClaimsMoreWorkersThanJobs(t *testing.T) {
	store, _ := s.setup(t)
	ctx := context.Background()

	const jobs = 3
	const workers = 8
	for i := 0; i < jobs; i++ {
		enqueue(t, store, fmt.Sprintf("job%d", i), "true", 0)
	}

	// Each worker claims exactly once.
	claimed := make(chan string, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				j, err := store.Claim(ctx, workerID)
				if err != nil {
					if errors.IsTemporary(err) {
						continue
					}
					t.Errorf("claim: %v", err)
					return
				}
				if j != nil {
					claimed <- j.ID
				}
				return
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	close(claimed)

	seen := make(map[string]bool)
	for id := range claimed {
		assert.False(t, seen[id], "job %s claimed twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, jobs)
}
