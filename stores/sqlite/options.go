package sqlite

import (
	"fmt"
	"strings"
	"time"

	"github.com/BranchIntl/queuectl/backoff"
)

// Options for the SQLite store
type Options struct {
	// URI is the database path or file: URI
	URI string

	// BusyTimeout is how long a connection waits on a locked database
	// before the operation fails as unavailable
	BusyTimeout time.Duration

	// MaxOpenConns caps the connection pool
	MaxOpenConns int

	// AutoMigrate applies pending schema migrations on Connect
	AutoMigrate bool

	// Backoff decides retry delays and the dead-letter cutoff
	Backoff backoff.Policy

	// Now is the store clock
	Now func() time.Time
}

// DefaultOptions returns default SQLite options
func DefaultOptions() Options {
	return Options{
		URI:          "file:queue.db",
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
		AutoMigrate:  true,
		Backoff:      backoff.Default(),
		Now:          time.Now,
	}
}

// dsn appends the connection pragmas to URI. Transactions are BEGIN
// IMMEDIATE, so the write lock is held from the first statement.
func (o Options) dsn() string {
	sep := "?"
	if strings.Contains(o.URI, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		o.URI, sep, o.BusyTimeout.Milliseconds())
}
