// Package postgres implements the job store on PostgreSQL using pgx/v5.
// Claims use SELECT ... FOR UPDATE SKIP LOCKED, so any number of worker
// processes on any number of hosts can share one table.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/BranchIntl/queuectl/backoff"
	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/internal/lifecycle"
	"github.com/BranchIntl/queuectl/job"
	"github.com/BranchIntl/queuectl/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

const storeType = "postgres"

const jobColumns = `id, command, state, attempts, max_retries, run_at, locked_by, locked_at,
	created_at, updated_at, timeout_ns, last_error, exit_code, stdout, stderr, duration_ns`

// PostgresStore implements the job store on PostgreSQL
type PostgresStore struct {
	mu      sync.RWMutex
	pool    *pgxpool.Pool
	options Options
}

// NewStore creates a new PostgreSQL store
func NewStore(options Options) *PostgresStore {
	if options.Backoff == nil {
		options.Backoff = backoff.Default()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &PostgresStore{options: options}
}

// Connect creates the pool, verifies it and applies migrations
func (s *PostgresStore) Connect(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(s.options.URI)
	if err != nil {
		return errors.NewConnectionError(errors.RedactURI(s.options.URI), fmt.Errorf("parse config: %w", err))
	}
	if s.options.MaxConnections > 0 {
		cfg.MaxConns = s.options.MaxConnections
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return errors.NewConnectionError(errors.RedactURI(s.options.URI), fmt.Errorf("create pool: %w", err))
	}

	pingCtx := ctx
	if s.options.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, s.options.ConnectTimeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return errors.NewConnectionError(errors.RedactURI(s.options.URI), fmt.Errorf("ping: %w", err))
	}

	if s.options.AutoMigrate {
		db := stdlib.OpenDBFromPool(pool)
		err := migrations.Up(ctx, db, migrations.Postgres)
		db.Close()
		if err != nil {
			pool.Close()
			return err
		}
	}

	s.mu.Lock()
	s.pool = pool
	s.mu.Unlock()
	return nil
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// Health checks the store health
func (s *PostgresStore) Health() error {
	pool, err := s.conn("health")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return pool.Ping(ctx)
}

// Type returns the store type
func (s *PostgresStore) Type() string {
	return storeType
}

func (s *PostgresStore) conn(op string) (*pgxpool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.pool == nil {
		return nil, errors.NewStoreUnavailableError(storeType, op, errors.ErrNotConnected)
	}
	return s.pool, nil
}

// Enqueue persists a new pending job
func (s *PostgresStore) Enqueue(ctx context.Context, j *job.Job) error {
	pool, err := s.conn("enqueue")
	if err != nil {
		return err
	}

	lifecycle.Init(j, s.options.Now())
	tag, err := pool.Exec(ctx, `
		INSERT INTO queuectl_jobs (id, command, state, attempts, max_retries, run_at, created_at, updated_at, timeout_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		j.ID, j.Command, string(j.State), j.Attempts, j.MaxRetries, j.RunAt, j.CreatedAt, j.UpdatedAt, int64(j.Timeout),
	)
	if err != nil {
		return s.wrap("enqueue", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrJobAlreadyExists
	}
	return nil
}

// Claim locks the oldest eligible job for workerID. Rows locked by a
// concurrent claim are skipped rather than waited on. The seq column
// follows insertion order and breaks timestamp ties.
func (s *PostgresStore) Claim(ctx context.Context, workerID string) (*job.Job, error) {
	pool, err := s.conn("claim")
	if err != nil {
		return nil, err
	}

	now := s.options.Now()
	row := pool.QueryRow(ctx, `
		UPDATE queuectl_jobs
		SET state = 'processing', locked_by = $1, locked_at = $2, attempts = attempts + 1, updated_at = $2
		WHERE id = (
			SELECT id FROM queuectl_jobs
			WHERE state = 'pending' AND run_at <= $2
			ORDER BY run_at, created_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		workerID, now,
	)

	j, err := scanJob(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("claim", err)
	}
	return j, nil
}

// Complete records a successful attempt by workerID
func (s *PostgresStore) Complete(ctx context.Context, id, workerID string, result job.Result) error {
	_, err := s.finish(ctx, "complete", id, workerID, func(j *job.Job, now time.Time) {
		lifecycle.Complete(j, result, now)
	})
	return err
}

// Fail records a failed attempt by workerID and returns the updated job
func (s *PostgresStore) Fail(ctx context.Context, id, workerID string, result job.Result) (*job.Job, error) {
	return s.finish(ctx, "fail", id, workerID, func(j *job.Job, now time.Time) {
		lifecycle.Fail(j, result, s.options.Backoff, now)
	})
}

func (s *PostgresStore) finish(ctx context.Context, op, id, workerID string, transition func(*job.Job, time.Time)) (*job.Job, error) {
	pool, err := s.conn(op)
	if err != nil {
		return nil, err
	}

	var updated *job.Job
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		j, err := getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := lifecycle.CheckOwner(j, workerID, op); err != nil {
			return err
		}

		transition(j, s.options.Now())

		if _, err := tx.Exec(ctx, `
			UPDATE queuectl_jobs
			SET state = $1, run_at = $2, locked_by = NULL, locked_at = NULL, updated_at = $3,
				last_error = $4, exit_code = $5, stdout = $6, stderr = $7, duration_ns = $8
			WHERE id = $9 AND state = 'processing' AND locked_by = $10`,
			string(j.State), j.RunAt, j.UpdatedAt,
			nullString(j.LastError), j.ExitCode, nullString(j.Stdout), nullString(j.Stderr), int64(j.Duration),
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
func (s *PostgresStore) ReclaimStale(ctx context.Context, threshold time.Duration) (int, error) {
	pool, err := s.conn("reclaim")
	if err != nil {
		return 0, err
	}

	now := s.options.Now()
	tag, err := pool.Exec(ctx, `
		UPDATE queuectl_jobs
		SET state = 'pending', locked_by = NULL, locked_at = NULL, run_at = $1, updated_at = $1
		WHERE state = 'processing' AND locked_at < $2`,
		now, now.Add(-threshold),
	)
	if err != nil {
		return 0, s.wrap("reclaim", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueDead moves a dead job back to pending with zero attempts
func (s *PostgresStore) RequeueDead(ctx context.Context, id string) error {
	pool, err := s.conn("requeue")
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		j, err := getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := lifecycle.Requeue(j, s.options.Now()); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE queuectl_jobs
			SET state = 'pending', attempts = 0, run_at = $1, last_error = NULL, updated_at = $2
			WHERE id = $3 AND state = 'dead'`,
			j.RunAt, j.UpdatedAt, id,
		)
		return err
	})
	return s.wrap("requeue", err)
}

// Get returns one job
func (s *PostgresStore) Get(ctx context.Context, id string) (*job.Job, error) {
	pool, err := s.conn("get")
	if err != nil {
		return nil, err
	}
	j, err := getJob(ctx, pool, id, false)
	if err != nil {
		return nil, s.wrap("get", err)
	}
	return j, nil
}

// ListByState returns the jobs in state, oldest first
func (s *PostgresStore) ListByState(ctx context.Context, state job.State) ([]*job.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM queuectl_jobs WHERE state = $1 ORDER BY created_at, seq`, string(state))
}

// List returns every job, oldest first
func (s *PostgresStore) List(ctx context.Context) ([]*job.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM queuectl_jobs ORDER BY created_at, seq`)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	pool, err := s.conn("list")
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, query, args...)
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
func (s *PostgresStore) Stats(ctx context.Context) (map[job.State]int64, error) {
	pool, err := s.conn("stats")
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, `SELECT state, COUNT(*) FROM queuectl_jobs GROUP BY state`)
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

// Truncate deletes every job
func (s *PostgresStore) Truncate(ctx context.Context) error {
	pool, err := s.conn("truncate")
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `TRUNCATE queuectl_jobs`)
	return s.wrap("truncate", err)
}

// wrap classifies driver errors. Connection failures and transaction
// conflicts mean the store is unavailable; queue errors pass through.
func (s *PostgresStore) wrap(op string, err error) error {
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
	if isUnavailable(err) {
		return errors.NewStoreUnavailableError(storeType, op, err)
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}

func isUnavailable(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08": // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization failure, deadlock
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P03", pgErr.Code == "53300":
			return true
		}
		return false
	}
	var connectErr *pgconn.ConnectError
	if stderrors.As(err, &connectErr) {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

func getJob(ctx context.Context, q pgxQuerier, id string, forUpdate bool) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM queuectl_jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	j, err := scanJob(q.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewNotFoundError(id)
	}
	return j, err
}

type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		state     string
		lockedBy  *string
		lastError *string
		exitCode  *int32
		stdout    *string
		stderr    *string
		timeout   int64
		duration  int64
	)
	if err := row.Scan(&j.ID, &j.Command, &state, &j.Attempts, &j.MaxRetries, &j.RunAt, &lockedBy, &j.LockedAt,
		&j.CreatedAt, &j.UpdatedAt, &timeout, &lastError, &exitCode, &stdout, &stderr, &duration); err != nil {
		return nil, err
	}

	j.State = job.State(state)
	j.RunAt = j.RunAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.Timeout = time.Duration(timeout)
	if lockedBy != nil {
		j.LockedBy = *lockedBy
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	if exitCode != nil {
		code := int(*exitCode)
		j.ExitCode = &code
	}
	if stdout != nil {
		j.Stdout = *stdout
	}
	if stderr != nil {
		j.Stderr = *stderr
	}
	j.Duration = time.Duration(duration)
	return &j, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
