// Package stores builds a job store from configuration.
package stores

import (
	"fmt"
	"time"

	"github.com/BranchIntl/queuectl/backoff"
	"github.com/BranchIntl/queuectl/core"
	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/stores/memory"
	"github.com/BranchIntl/queuectl/stores/postgres"
	"github.com/BranchIntl/queuectl/stores/redis"
	"github.com/BranchIntl/queuectl/stores/sqlite"
)

var (
	_ core.Store = (*memory.MemoryStore)(nil)
	_ core.Store = (*sqlite.SQLiteStore)(nil)
	_ core.Store = (*postgres.PostgresStore)(nil)
	_ core.Store = (*redis.RedisStore)(nil)
)

// StoreType represents the type of job store backend
type StoreType string

const (
	Memory   StoreType = "memory"
	SQLite   StoreType = "sqlite"
	Postgres StoreType = "postgres"
	Redis    StoreType = "redis"
)

// Types lists the supported store types
var Types = []StoreType{Memory, SQLite, Postgres, Redis}

// Config is a generic store configuration
type Config struct {
	Type      StoreType
	URI       string
	Namespace string
	Backoff   backoff.Policy
	Options   map[string]interface{}
}

// NewStore creates a job store based on the configuration. The store is
// returned unconnected.
func NewStore(config Config) (core.Store, error) {
	policy := config.Backoff
	if policy == nil {
		policy = backoff.Default()
	}

	switch config.Type {
	case Memory:
		opts := memory.DefaultOptions()
		opts.Backoff = policy
		return memory.NewStore(opts), nil

	case SQLite, "":
		opts := sqlite.DefaultOptions()
		if config.URI != "" {
			opts.URI = config.URI
		}
		opts.Backoff = policy
		if timeout, ok := config.Options["busyTimeout"].(time.Duration); ok {
			opts.BusyTimeout = timeout
		}
		if maxConn, ok := config.Options["maxConnections"].(int); ok {
			opts.MaxOpenConns = maxConn
		}
		if migrate, ok := config.Options["autoMigrate"].(bool); ok {
			opts.AutoMigrate = migrate
		}
		return sqlite.NewStore(opts), nil

	case Postgres:
		opts := postgres.DefaultOptions()
		if config.URI != "" {
			opts.URI = config.URI
		}
		opts.Backoff = policy
		if maxConn, ok := config.Options["maxConnections"].(int); ok {
			opts.MaxConnections = int32(maxConn)
		}
		if timeout, ok := config.Options["connectTimeout"].(time.Duration); ok {
			opts.ConnectTimeout = timeout
		}
		if migrate, ok := config.Options["autoMigrate"].(bool); ok {
			opts.AutoMigrate = migrate
		}
		return postgres.NewStore(opts), nil

	case Redis:
		opts := redis.DefaultOptions()
		if config.URI != "" {
			opts.URI = config.URI
		}
		if config.Namespace != "" {
			opts.Namespace = config.Namespace
		}
		opts.Backoff = policy
		if maxConn, ok := config.Options["maxConnections"].(int); ok {
			opts.MaxConnections = maxConn
		}
		if useTLS, ok := config.Options["useTLS"].(bool); ok {
			opts.UseTLS = useTLS
		}
		if timeout, ok := config.Options["connectTimeout"].(time.Duration); ok {
			opts.ConnectTimeout = timeout
		}
		return redis.NewStore(opts), nil

	default:
		return nil, fmt.Errorf("%w: unknown store type %q", errors.ErrInvalidConfig, config.Type)
	}
}
