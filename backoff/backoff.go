// Package backoff decides when a failed job becomes eligible again and when
// it has exhausted its retries. Policies are pure and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy computes retry delays and the dead-letter decision.
type Policy interface {
	// Delay returns how long a job that has started attempts executions
	// waits before it may be claimed again.
	Delay(attempts int) time.Duration

	// ShouldDie reports whether a job that failed its attempts-th execution
	// goes to the dead letter queue instead of being retried.
	ShouldDie(attempts, maxRetries int) bool
}

// DefaultBase is the exponent base used when none is configured.
const DefaultBase = 2.0

// Exponential waits Base^attempts units, optionally capped at Max.
type Exponential struct {
	Base float64
	Unit time.Duration
	Max  time.Duration
}

// NewExponential creates an uncapped exponential policy measured in seconds.
func NewExponential(base float64) *Exponential {
	return &Exponential{Base: base, Unit: time.Second}
}

// Default returns base-2 exponential backoff in seconds.
func Default() Policy {
	return NewExponential(DefaultBase)
}

// Delay returns Base^attempts * Unit, capped at Max when Max > 0.
func (e *Exponential) Delay(attempts int) time.Duration {
	unit := e.Unit
	if unit <= 0 {
		unit = time.Second
	}
	base := e.Base
	if base <= 0 {
		base = DefaultBase
	}

	d := math.Pow(base, float64(attempts)) * float64(unit)
	// Guard the float -> Duration conversion against overflow.
	if d >= math.MaxInt64 || math.IsInf(d, 1) {
		if e.Max > 0 {
			return e.Max
		}
		return time.Duration(math.MaxInt64)
	}
	delay := time.Duration(d)
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}

// ShouldDie reports attempts > maxRetries.
func (e *Exponential) ShouldDie(attempts, maxRetries int) bool {
	return attempts > maxRetries
}

// Jitter adds up to Percent percent of extra delay to another policy.
// The delay is never shortened, so a job is never eligible before the
// wrapped policy's time.
type Jitter struct {
	Policy  Policy
	Percent int
}

// WithJitter wraps p with positive jitter.
func WithJitter(p Policy, percent int) *Jitter {
	return &Jitter{Policy: p, Percent: percent}
}

// Delay returns the wrapped delay plus a random fraction of it.
func (j *Jitter) Delay(attempts int) time.Duration {
	d := j.Policy.Delay(attempts)
	if j.Percent <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * float64(j.Percent) / 100
	return d + time.Duration(rand.Float64()*spread) //nolint:gosec // jitter does not need crypto rand
}

// ShouldDie delegates to the wrapped policy.
func (j *Jitter) ShouldDie(attempts, maxRetries int) bool {
	return j.Policy.ShouldDie(attempts, maxRetries)
}
