// Package job defines the durable job record shared by the queue, the
// stores and the workers.
package job

import (
	"fmt"
	"strings"
	"time"
)

// State represents the lifecycle state of a job. The values are persisted
// verbatim by every store.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	// StateFailed is accepted in filters and listings but never written by
	// the queue: a failed attempt that will be retried goes back to pending.
	StateFailed State = "failed"
	StateDead   State = "dead"
)

// States lists every known state in display order.
var States = []State{StatePending, StateProcessing, StateCompleted, StateFailed, StateDead}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// IsTerminal reports whether no worker will touch a job in this state again
// without operator action.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateDead
}

// Job is a shell command queued for execution.
type Job struct {
	ID         string     `json:"id"`
	Command    string     `json:"command"`
	State      State      `json:"state"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"max_retries"`
	RunAt      time.Time  `json:"run_at"`
	LockedBy   string     `json:"locked_by,omitempty"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	// Timeout bounds one attempt. Zero means the worker's job timeout, and
	// the worker's timeout also caps any larger value.
	Timeout time.Duration `json:"timeout_ns,omitempty"`

	// Outcome of the most recent attempt.
	LastError string        `json:"last_error,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// IsLocked reports whether a worker currently holds the job.
func (j *Job) IsLocked() bool {
	return j.LockedBy != "" && j.LockedAt != nil
}

// Clone returns a deep copy so callers can never alias a store's record.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.LockedAt != nil {
		t := *j.LockedAt
		c.LockedAt = &t
	}
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	return &c
}

// ApplyResult copies an execution outcome onto the job.
func (j *Job) ApplyResult(r Result) {
	j.LastError = CleanText(r.Error)
	j.Stdout = CleanText(r.Stdout)
	j.Stderr = CleanText(r.Stderr)
	j.Duration = r.Duration
	if r.ExitCode != nil {
		code := *r.ExitCode
		j.ExitCode = &code
	} else {
		j.ExitCode = nil
	}
}

// CleanText makes command output storable as text in every backend: NUL
// bytes are dropped and invalid UTF-8 sequences become U+FFFD.
func CleanText(s string) string {
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}
