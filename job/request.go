package job

import (
	"strings"
	"time"
)

// Request describes a job to enqueue. Optional fields fall back to the
// queue's configured defaults.
type Request struct {
	ID         string     `json:"id,omitempty" yaml:"id"`
	Command    string     `json:"command" yaml:"command"`
	MaxRetries *int       `json:"max_retries,omitempty" yaml:"max_retries"`
	RunAt      *time.Time `json:"run_at,omitempty" yaml:"run_at"`

	// Timeout is in whole seconds
	Timeout *int `json:"timeout,omitempty" yaml:"timeout"`
}

// Normalize trims whitespace from the identifying fields.
func (r Request) Normalize() Request {
	r.ID = strings.TrimSpace(r.ID)
	r.Command = strings.TrimSpace(r.Command)
	return r
}

// Result is the observable outcome of one execution attempt.
type Result struct {
	ExitCode *int          `json:"exit_code,omitempty"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Succeeded reports whether the command exited with status zero.
func (r Result) Succeeded() bool {
	return r.Error == "" && r.ExitCode != nil && *r.ExitCode == 0
}
