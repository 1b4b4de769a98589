package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BranchIntl/queuectl/backoff"
	"github.com/BranchIntl/queuectl/core"
	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/job"
	"github.com/BranchIntl/queuectl/stores/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, path string, clock func() time.Time, policy backoff.Policy) *SQLiteStore {
	t.Helper()
	options := DefaultOptions()
	options.URI = "file:" + path
	options.Now = clock
	options.Backoff = policy

	store := NewStore(options)
	require.NoError(t, store.Connect(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock, policy backoff.Policy) core.Store {
		return newTestStore(t, filepath.Join(t.TempDir(), "queue.db"), clock.Now, policy)
	})
}

func TestDefaultOptions(t *testing.T) {
	options := DefaultOptions()

	assert.Equal(t, "file:queue.db", options.URI)
	assert.Equal(t, 5*time.Second, options.BusyTimeout)
	assert.True(t, options.AutoMigrate)
	assert.NotNil(t, options.Backoff)
}

func TestOptions_DSN(t *testing.T) {
	options := DefaultOptions()
	assert.Equal(t,
		"file:queue.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		options.dsn())

	options.URI = "file:queue.db?mode=rwc"
	assert.Contains(t, options.dsn(), "file:queue.db?mode=rwc&_pragma=busy_timeout(5000)")
}

func TestSQLiteStore_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	first := NewStore(Options{URI: "file:" + path, BusyTimeout: time.Second, AutoMigrate: true})
	require.NoError(t, first.Connect(ctx))
	require.NoError(t, first.Enqueue(ctx, &job.Job{ID: "j1", Command: "echo persisted", MaxRetries: 2}))
	claimed, err := first.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, first.Close())

	second := NewStore(Options{URI: "file:" + path, BusyTimeout: time.Second, AutoMigrate: true})
	require.NoError(t, second.Connect(ctx))
	defer second.Close()

	got, err := second.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "echo persisted", got.Command)
	assert.Equal(t, job.StateProcessing, got.State)
	assert.Equal(t, "w1", got.LockedBy)
	assert.Equal(t, 1, got.Attempts)
}

func TestSQLiteStore_NotConnected(t *testing.T) {
	store := NewStore(DefaultOptions())

	_, err := store.Claim(context.Background(), "w1")
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)
	assert.ErrorIs(t, store.Health(), errors.ErrStoreUnavailable)
	assert.NoError(t, store.Close())
}

func TestSQLiteStore_ConnectFailure(t *testing.T) {
	dir := t.TempDir()
	// A directory where the database file should be cannot be opened.
	path := filepath.Join(dir, "queue.db")
	require.NoError(t, os.Mkdir(path, 0o755))

	store := NewStore(Options{URI: "file:" + path, BusyTimeout: time.Second, AutoMigrate: true})
	err := store.Connect(context.Background())
	require.Error(t, err)
	var connErr *errors.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestSQLiteStore_StoresOutcome(t *testing.T) {
	store := newTestStore(t, filepath.Join(t.TempDir(), "queue.db"), time.Now, backoff.Default())
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, &job.Job{ID: "j1", Command: "echo hi", MaxRetries: 1}))
	_, err := store.Claim(ctx, "w1")
	require.NoError(t, err)

	code := 0
	require.NoError(t, store.Complete(ctx, "j1", "w1", job.Result{
		ExitCode: &code,
		Stdout:   "hi\n",
		Duration: 42 * time.Millisecond,
	}))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", got.Stdout)
	assert.Empty(t, got.Stderr)
	assert.Empty(t, got.LastError)
	assert.Equal(t, 42*time.Millisecond, got.Duration)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Nil(t, got.LockedAt)
}
