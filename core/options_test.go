package core

import (
	"testing"
	"time"

	"github.com/BranchIntl/queuectl/errors"
	"github.com/stretchr/testify/assert"
)

func TestMultipleOptions(t *testing.T) {
	config := defaultConfig()

	options := []EngineOption{
		WithConcurrency(15),
		WithPollInterval(3 * time.Second),
		WithJobTimeout(2 * time.Minute),
		WithStaleAfter(10 * time.Minute),
		WithReclaimInterval(time.Minute),
		WithShutdownTimeout(60 * time.Second),
		WithReportTimeout(5 * time.Minute),
		WithExitOnEmpty(true),
		WithReclaimer(false),
	}

	for _, option := range options {
		option(config)
	}

	assert.Equal(t, 15, config.Concurrency)
	assert.Equal(t, 3*time.Second, config.PollInterval)
	assert.Equal(t, 2*time.Minute, config.JobTimeout)
	assert.Equal(t, 10*time.Minute, config.StaleAfter)
	assert.Equal(t, time.Minute, config.ReclaimInterval)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.Equal(t, 5*time.Minute, config.ReportTimeout)
	assert.True(t, config.ExitOnEmpty)
	assert.False(t, config.ReclaimEnabled)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }, true},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, true},
		{"zero job timeout", func(c *Config) { c.JobTimeout = 0 }, true},
		{"zero report timeout", func(c *Config) { c.ReportTimeout = 0 }, true},
		{"stale equals timeout plus poll", func(c *Config) {
			c.JobTimeout = time.Minute
			c.PollInterval = time.Second
			c.StaleAfter = time.Minute + time.Second
		}, true},
		{"stale just above bound", func(c *Config) {
			c.JobTimeout = time.Minute
			c.PollInterval = time.Second
			c.StaleAfter = time.Minute + 2*time.Second
		}, false},
		{"unsafe stale ignored when reclaimer off", func(c *Config) {
			c.StaleAfter = time.Second
			c.ReclaimEnabled = false
		}, false},
		{"zero reclaim interval", func(c *Config) { c.ReclaimInterval = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := defaultConfig()
			tt.modify(config)

			err := config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
