// Package sqlite implements the job store on a local SQLite database using
// the pure-Go modernc driver. It is the default durable store.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/BranchIntl/queuectl/backoff"
	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/internal/lifecycle"
	"github.com/BranchIntl/queuectl/job"
	"github.com/BranchIntl/queuectl/migrations"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const storeType = "sqlite"

const jobColumns = `id, command, state, attempts, max_retries, run_at, locked_by, locked_at,
	created_at, updated_at, timeout_ns, last_error, exit_code, stdout, stderr, duration_ns`

// SQLiteStore implements the job store on SQLite
type SQLiteStore struct {
	mu      sync.RWMutex
	db      *sql.DB
	options Options
}

// NewStore creates a new SQLite store
func NewStore(options Options) *SQLiteStore {
	if options.Backoff == nil {
		options.Backoff = backoff.Default()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &SQLiteStore{options: options}
}

// Connect opens the database and applies migrations
func (s *SQLiteStore) Connect(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.options.dsn())
	if err != nil {
		return errors.NewConnectionError(s.options.URI, fmt.Errorf("open database: %w", err))
	}
	if s.options.MaxOpenConns > 0 {
		db.SetMaxOpenConns(s.options.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return errors.NewConnectionError(s.options.URI, fmt.Errorf("ping database: %w", err))
	}

	if s.options.AutoMigrate {
		if err := migrations.Up(ctx, db, migrations.SQLite); err != nil {
			db.Close()
			return err
		}
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Health checks the store health
func (s *SQLiteStore) Health() error {
	db, err := s.conn("health")
	if err != nil {
		return err
	}
	return db.Ping()
}

// Type returns the store type
func (s *SQLiteStore) Type() string {
	return storeType
}

// DB exposes the underlying handle for migrations
func (s *SQLiteStore) DB() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *SQLiteStore) conn(op string) (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.NewStoreUnavailableError(storeType, op, errors.ErrNotConnected)
	}
	return s.db, nil
}

// Enqueue persists a new pending job
func (s *SQLiteStore) Enqueue(ctx context.Context, j *job.Job) error {
	db, err := s.conn("enqueue")
	if err != nil {
		return err
	}

	lifecycle.Init(j, s.options.Now())
	res, err := db.ExecContext(ctx, `
		INSERT INTO jobs (id, command, state, attempts, max_retries, run_at, created_at, updated_at, timeout_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		j.ID, j.Command, string(j.State), j.Attempts, j.MaxRetries,
		j.RunAt.UnixNano(), j.CreatedAt.UnixNano(), j.UpdatedAt.UnixNano(), int64(j.Timeout),
	)
	if err != nil {
		return s.wrap("enqueue", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap("enqueue", err)
	}
	if n == 0 {
		return errors.ErrJobAlreadyExists
	}
	return nil
}

// Claim locks the oldest eligible job for workerID in a single statement.
// SQLite serializes writers, so the subquery and the update see the same
// snapshot. The rowid follows insertion order and breaks timestamp ties.
func (s *SQLiteStore) Claim(ctx context.Context, workerID string) (*job.Job, error) {
	db, err := s.conn("claim")
	if err != nil {
		return nil, err
	}

	now := s.options.Now().UnixNano()
	row := db.QueryRowContext(ctx, `
		UPDATE jobs
		SET state = 'processing', locked_by = ?, locked_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = 'pending' AND run_at <= ?
			ORDER BY run_at, created_at, rowid
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID, now, now, now,
	)

	j, err := scanJob(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("claim", err)
	}
	return j, nil
}

// Complete records a successful attempt by workerID
func (s *SQLiteStore) Complete(ctx context.Context, id, workerID string, result job.Result) error {
	_, err := s.finish(ctx, "complete", id, workerID, func(j *job.Job, now time.Time) {
		lifecycle.Complete(j, result, now)
	})
	return err
}

// Fail records a failed attempt by workerID and returns the updated job
func (s *SQLiteStore) Fail(ctx context.Context, id, workerID string, result job.Result) (*job.Job, error) {
	return s.finish(ctx, "fail", id, workerID, func(j *job.Job, now time.Time) {
		lifecycle.Fail(j, result, s.options.Backoff, now)
	})
}

// finish reads the job, verifies ownership, applies transition and writes
// the result back inside one immediate transaction.
func (s *SQLiteStore) finish(ctx context.Context, op, id, workerID string, transition func(*job.Job, time.Time)) (*job.Job, error) {
	db, err := s.conn(op)
	if err != nil {
		return nil, err
	}

	var updated *job.Job
	err = s.withTx(ctx, db, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := lifecycle.CheckOwner(j, workerID, op); err != nil {
			return err
		}

		transition(j, s.options.Now())

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = ?, run_at = ?, locked_by = NULL, locked_at = NULL, updated_at = ?,
				last_error = ?, exit_code = ?, stdout = ?, stderr = ?, duration_ns = ?
			WHERE id = ? AND state = 'processing' AND locked_by = ?`,
			string(j.State), j.RunAt.UnixNano(), j.UpdatedAt.UnixNano(),
			nullString(j.LastError), nullInt(j.ExitCode), nullString(j.Stdout), nullString(j.Stderr), int64(j.Duration),
			id, workerID,
		); err != nil {
			return err
		}
		updated = j
		return nil
	})
	if err != nil {
		return nil, s.wrap(op, err)
	}
	return updated, nil
}

// ReclaimStale returns jobs locked longer than threshold to pending
func (s *SQLiteStore) ReclaimStale(ctx context.Context, threshold time.Duration) (int, error) {
	db, err := s.conn("reclaim")
	if err != nil {
		return 0, err
	}

	now := s.options.Now()
	res, err := db.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'pending', locked_by = NULL, locked_at = NULL, run_at = ?, updated_at = ?
		WHERE state = 'processing' AND locked_at < ?`,
		now.UnixNano(), now.UnixNano(), now.Add(-threshold).UnixNano(),
	)
	if err != nil {
		return 0, s.wrap("reclaim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.wrap("reclaim", err)
	}
	return int(n), nil
}

// RequeueDead moves a dead job back to pending with zero attempts
func (s *SQLiteStore) RequeueDead(ctx context.Context, id string) error {
	db, err := s.conn("requeue")
	if err != nil {
		return err
	}

	err = s.withTx(ctx, db, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := lifecycle.Requeue(j, s.options.Now()); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'pending', attempts = 0, run_at = ?, last_error = NULL, updated_at = ?
			WHERE id = ? AND state = 'dead'`,
			j.RunAt.UnixNano(), j.UpdatedAt.UnixNano(), id,
		)
		return err
	})
	return s.wrap("requeue", err)
}

// Get returns one job
func (s *SQLiteStore) Get(ctx context.Context, id string) (*job.Job, error) {
	db, err := s.conn("get")
	if err != nil {
		return nil, err
	}
	j, err := getJob(ctx, db, id)
	if err != nil {
		return nil, s.wrap("get", err)
	}
	return j, nil
}

// ListByState returns the jobs in state, oldest first
func (s *SQLiteStore) ListByState(ctx context.Context, state job.State) ([]*job.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY created_at, rowid`, string(state))
}

// List returns every job, oldest first
func (s *SQLiteStore) List(ctx context.Context) ([]*job.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, rowid`)
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	db, err := s.conn("list")
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrap("list", err)
	}
	defer rows.Close()

	jobs := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, s.wrap("list", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list", err)
	}
	return jobs, nil
}

// Stats counts jobs per state
func (s *SQLiteStore) Stats(ctx context.Context) (map[job.State]int64, error) {
	db, err := s.conn("stats")
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, s.wrap("stats", err)
	}
	defer rows.Close()

	counts := make(map[job.State]int64, len(job.States))
	for _, st := range job.States {
		counts[st] = 0
	}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, s.wrap("stats", err)
		}
		counts[job.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("stats", err)
	}
	return counts, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// wrap classifies driver errors. Lock contention and lost connections mean
// the store is unavailable; queue errors pass through untouched.
func (s *SQLiteStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	var nf *errors.NotFoundError
	var is *errors.InvalidStateError
	if stderrors.As(err, &nf) || stderrors.As(err, &is) {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var sqliteErr *sqlite.Error
	if stderrors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
			return errors.NewStoreUnavailableError(storeType, op, err)
		}
	}
	if stderrors.Is(err, sql.ErrConnDone) || stderrors.Is(err, driver.ErrBadConn) {
		return errors.NewStoreUnavailableError(storeType, op, err)
	}
	return fmt.Errorf("sqlite %s: %w", op, err)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, q querier, id string) (*job.Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError(id)
	}
	return j, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j                        job.Job
		state                    string
		runAt, createdAt, update int64
		timeout                  int64
		lockedBy                 sql.NullString
		lockedAt                 sql.NullInt64
		lastError                sql.NullString
		exitCode                 sql.NullInt64
		stdout, stderr           sql.NullString
		duration                 int64
	)
	if err := row.Scan(&j.ID, &j.Command, &state, &j.Attempts, &j.MaxRetries, &runAt, &lockedBy, &lockedAt,
		&createdAt, &update, &timeout, &lastError, &exitCode, &stdout, &stderr, &duration); err != nil {
		return nil, err
	}

	j.State = job.State(state)
	j.RunAt = fromNanos(runAt)
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(update)
	j.Timeout = time.Duration(timeout)
	j.LockedBy = lockedBy.String
	if lockedAt.Valid {
		t := fromNanos(lockedAt.Int64)
		j.LockedAt = &t
	}
	j.LastError = lastError.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	j.Stdout = stdout.String
	j.Stderr = stderr.String
	j.Duration = time.Duration(duration)
	return &j, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
