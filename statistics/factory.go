// Package statistics builds a statistics backend from configuration.
package statistics

import (
	"fmt"
	"time"

	"github.com/BranchIntl/queuectl/core"
	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/statistics/noop"
	"github.com/BranchIntl/queuectl/statistics/rabbitmq"
	"github.com/BranchIntl/queuectl/statistics/redis"
)

var (
	_ core.Statistics = (*noop.NoOpStatistics)(nil)
	_ core.Statistics = (*redis.RedisStatistics)(nil)
	_ core.Statistics = (*rabbitmq.RMQStatistics)(nil)
)

// StatsType represents the type of statistics backend
type StatsType string

const (
	// Redis statistics type
	Redis StatsType = "redis"
	// RabbitMQ statistics type
	RabbitMQ StatsType = "rabbitmq"
	// NoOp statistics type
	NoOp StatsType = "noop"
)

// Config is a generic statistics configuration
type Config struct {
	Type      StatsType
	URI       string
	Namespace string
	Options   map[string]interface{}
}

// NewStatistics creates a statistics backend based on the configuration
func NewStatistics(config Config) (core.Statistics, error) {
	switch config.Type {
	case Redis:
		opts := redis.DefaultOptions()
		if config.URI != "" {
			opts.URI = config.URI
		}
		if config.Namespace != "" {
			opts.Namespace = config.Namespace
		}

		if maxConn, ok := config.Options["maxConnections"].(int); ok {
			opts.MaxConnections = maxConn
		}
		if useTLS, ok := config.Options["useTLS"].(bool); ok {
			opts.UseTLS = useTLS
		}
		if timeout, ok := config.Options["connectTimeout"].(time.Duration); ok {
			opts.ConnectTimeout = timeout
		}

		return redis.NewStatistics(opts), nil

	case RabbitMQ:
		opts := rabbitmq.DefaultOptions()
		if config.URI != "" {
			opts.URI = config.URI
		}
		if config.Namespace != "" {
			opts.Namespace = config.Namespace
		}

		if useTLS, ok := config.Options["useTLS"].(bool); ok {
			opts.UseTLS = useTLS
		}
		if timeout, ok := config.Options["connectTimeout"].(time.Duration); ok {
			opts.ConnectTimeout = timeout
		}
		if heartbeat, ok := config.Options["heartbeat"].(time.Duration); ok {
			opts.Heartbeat = heartbeat
		}
		if interval, ok := config.Options["snapshotInterval"].(time.Duration); ok {
			opts.SnapshotInterval = interval
		}
		if durable, ok := config.Options["exchangeDurable"].(bool); ok {
			opts.ExchangeDurable = durable
		}

		return rabbitmq.NewStatistics(opts), nil

	case NoOp, "":
		return noop.NewStatistics(), nil

	default:
		return nil, fmt.Errorf("%w: unknown statistics type %q", errors.ErrInvalidConfig, config.Type)
	}
}
