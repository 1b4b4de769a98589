package stores

import (
	"testing"
	"time"

	"github.com/BranchIntl/queuectl/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		wantType string
	}{
		{"memory", Config{Type: Memory}, "memory"},
		{"sqlite", Config{Type: SQLite, URI: "file:test.db"}, "sqlite"},
		{"empty type defaults to sqlite", Config{}, "sqlite"},
		{"sqlite with options", Config{Type: SQLite, Options: map[string]interface{}{
			"busyTimeout": time.Second, "autoMigrate": false,
		}}, "sqlite"},
		{"postgres", Config{Type: Postgres, URI: "postgres://localhost/queuectl"}, "postgres"},
		{"redis", Config{Type: Redis, URI: "redis://localhost:6379/1", Namespace: "test:",
			Options: map[string]interface{}{"maxConnections": 4}}, "redis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(tt.config)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, store.Type())
		})
	}
}

func TestNewStore_UnknownType(t *testing.T) {
	_, err := NewStore(Config{Type: "mongo"})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.ErrorContains(t, err, "mongo")
}
