// Package lifecycle implements the job state machine on in-memory records.
// Stores call these functions inside whatever atomic section their backend
// provides; the functions themselves hold no locks.
package lifecycle

import (
	"time"

	"github.com/BranchIntl/queuectl/backoff"
	queueErrors "github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/job"
)

// Eligible reports whether j may be claimed at now.
func Eligible(j *job.Job, now time.Time) bool {
	return j.State == job.StatePending && !j.RunAt.After(now)
}

// Before orders claim candidates by earliest run_at, then earliest
// creation. Jobs it cannot separate are ordered by the store's insertion
// sequence.
func Before(a, b *job.Job) bool {
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Init prepares a freshly enqueued record. A run_at earlier than now is
// moved up to now so a new job never overtakes older pending work.
func Init(j *job.Job, now time.Time) {
	j.State = job.StatePending
	j.Attempts = 0
	j.LockedBy = ""
	j.LockedAt = nil
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.RunAt.Before(now) {
		j.RunAt = now
	}
}

// Claim moves an eligible job to processing under workerID.
func Claim(j *job.Job, workerID string, now time.Time) {
	locked := now
	j.State = job.StateProcessing
	j.LockedBy = workerID
	j.LockedAt = &locked
	j.Attempts++
	j.UpdatedAt = now
}

// CheckOwner verifies that workerID still holds j.
func CheckOwner(j *job.Job, workerID, op string) error {
	if j.State != job.StateProcessing || j.LockedBy != workerID {
		return queueErrors.NewInvalidStateError(j.ID, op, j.State)
	}
	return nil
}

// Complete records a successful attempt.
func Complete(j *job.Job, result job.Result, now time.Time) {
	j.ApplyResult(result)
	j.State = job.StateCompleted
	release(j, now)
}

// Fail records a failed attempt and applies the retry decision.
func Fail(j *job.Job, result job.Result, policy backoff.Policy, now time.Time) {
	j.ApplyResult(result)
	if policy.ShouldDie(j.Attempts, j.MaxRetries) {
		j.State = job.StateDead
	} else {
		j.State = job.StatePending
		j.RunAt = now.Add(policy.Delay(j.Attempts))
	}
	release(j, now)
}

// Stale reports whether a processing job's lock is older than threshold.
func Stale(j *job.Job, threshold time.Duration, now time.Time) bool {
	return j.State == job.StateProcessing && j.LockedAt != nil && j.LockedAt.Before(now.Add(-threshold))
}

// Reclaim returns an abandoned job to pending. Attempts are left as they are.
func Reclaim(j *job.Job, now time.Time) {
	j.State = job.StatePending
	j.RunAt = now
	release(j, now)
}

// Requeue moves a dead job back to pending with a fresh attempt budget.
func Requeue(j *job.Job, now time.Time) error {
	if j.State != job.StateDead {
		return queueErrors.NewInvalidStateError(j.ID, "requeue", j.State)
	}
	j.State = job.StatePending
	j.Attempts = 0
	j.RunAt = now
	j.LastError = ""
	j.UpdatedAt = now
	return nil
}

func release(j *job.Job, now time.Time) {
	j.LockedBy = ""
	j.LockedAt = nil
	j.UpdatedAt = now
}
