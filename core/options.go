package core

import (
	"fmt"
	"time"

	"github.com/BranchIntl/queuectl/errors"
)

// Config holds engine configuration
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration

	// StaleAfter is how long a job may stay locked before the reclaimer
	// returns it to pending. It must exceed JobTimeout + PollInterval so a
	// live worker never loses its job.
	StaleAfter      time.Duration
	ReclaimInterval time.Duration
	ReclaimEnabled  bool

	ShutdownTimeout time.Duration

	// ReportTimeout bounds how long a worker keeps retrying Complete or Fail
	// while the store is unavailable.
	ReportTimeout time.Duration

	// ExitOnEmpty makes workers return once no job is eligible.
	ExitOnEmpty bool
}

// EngineOption is a function that modifies engine configuration
type EngineOption func(*Config)

// defaultConfig returns default configuration
func defaultConfig() *Config {
	return &Config{
		Concurrency:     1,
		PollInterval:    time.Second,
		JobTimeout:      time.Minute,
		StaleAfter:      5 * time.Minute,
		ReclaimInterval: 30 * time.Second,
		ReclaimEnabled:  true,
		ShutdownTimeout: 30 * time.Second,
		ReportTimeout:   time.Minute,
	}
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("concurrency must be at least 1, got %d: %w", c.Concurrency, errors.ErrInvalidConfig)
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive: %w", errors.ErrInvalidConfig)
	case c.JobTimeout <= 0:
		return fmt.Errorf("job timeout must be positive: %w", errors.ErrInvalidConfig)
	case c.ReportTimeout <= 0:
		return fmt.Errorf("report timeout must be positive: %w", errors.ErrInvalidConfig)
	}

	if c.ReclaimEnabled {
		if c.ReclaimInterval <= 0 {
			return fmt.Errorf("reclaim interval must be positive: %w", errors.ErrInvalidConfig)
		}
		if c.StaleAfter <= c.JobTimeout+c.PollInterval {
			return fmt.Errorf("stale threshold %s must exceed job timeout %s plus poll interval %s: %w",
				c.StaleAfter, c.JobTimeout, c.PollInterval, errors.ErrInvalidConfig)
		}
	}
	return nil
}

// WithConcurrency sets the number of concurrent workers
func WithConcurrency(n int) EngineOption {
	return func(c *Config) {
		c.Concurrency = n
	}
}

// WithPollInterval sets how long an idle worker sleeps between claims
func WithPollInterval(d time.Duration) EngineOption {
	return func(c *Config) {
		c.PollInterval = d
	}
}

// WithJobTimeout sets the execution bound for every job
func WithJobTimeout(d time.Duration) EngineOption {
	return func(c *Config) {
		c.JobTimeout = d
	}
}

// WithStaleAfter sets the lock age after which a job is reclaimed
func WithStaleAfter(d time.Duration) EngineOption {
	return func(c *Config) {
		c.StaleAfter = d
	}
}

// WithReclaimInterval sets how often the reclaimer sweeps
func WithReclaimInterval(d time.Duration) EngineOption {
	return func(c *Config) {
		c.ReclaimInterval = d
	}
}

// WithReclaimer enables or disables the stale lock reclaimer
func WithReclaimer(enabled bool) EngineOption {
	return func(c *Config) {
		c.ReclaimEnabled = enabled
	}
}

// WithShutdownTimeout sets the graceful shutdown timeout
func WithShutdownTimeout(d time.Duration) EngineOption {
	return func(c *Config) {
		c.ShutdownTimeout = d
	}
}

// WithReportTimeout sets how long outcome reports are retried
func WithReportTimeout(d time.Duration) EngineOption {
	return func(c *Config) {
		c.ReportTimeout = d
	}
}

// WithExitOnEmpty makes the engine drain the queue and stop
func WithExitOnEmpty(exit bool) EngineOption {
	return func(c *Config) {
		c.ExitOnEmpty = exit
	}
}
