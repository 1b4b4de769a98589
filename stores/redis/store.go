// Package redis implements the job store on Redis. Each job is a hash;
// sorted sets order the pending and processing queues, and per-state sets
// back listings and counts. Claims and reclaims run as Lua scripts, other
// transitions as WATCH/MULTI transactions.
package redis

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BranchIntl/queuectl/backoff"
	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/internal/lifecycle"
	redisUtils "github.com/BranchIntl/queuectl/internal/redis"
	"github.com/BranchIntl/queuectl/job"
	"github.com/gomodule/redigo/redis"
)

const storeType = "redis"

var errTxConflict = stderrors.New("transaction aborted by concurrent update")

// RedisStore implements the job store on Redis
type RedisStore struct {
	mu      sync.RWMutex
	pool    *redis.Pool
	options Options
}

// NewStore creates a new Redis store
func NewStore(options Options) *RedisStore {
	if options.Backoff == nil {
		options.Backoff = backoff.Default()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.MaxTxAttempts <= 0 {
		options.MaxTxAttempts = 5
	}
	return &RedisStore{options: options}
}

// Connect creates the pool and checks the server answers
func (s *RedisStore) Connect(ctx context.Context) error {
	pool, err := redisUtils.CreatePool(s.options)
	if err != nil {
		return err
	}

	if err := redisUtils.Ping(ctx, pool); err != nil {
		pool.Close()
		var connErr *errors.ConnectionError
		if stderrors.As(err, &connErr) {
			return err
		}
		return errors.NewConnectionError(errors.RedactURI(s.options.URI),
			fmt.Errorf("ping failed: %w", err))
	}

	s.mu.Lock()
	s.pool = pool
	s.mu.Unlock()
	return nil
}

// Close closes the Redis connection pool
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return nil
	}
	err := s.pool.Close()
	s.pool = nil
	return err
}

// Health checks the Redis connection health
func (s *RedisStore) Health() error {
	s.mu.RLock()
	pool := s.pool
	s.mu.RUnlock()

	if pool == nil {
		return errors.NewStoreUnavailableError(storeType, "health", errors.ErrNotConnected)
	}
	if err := redisUtils.Ping(context.Background(), pool); err != nil {
		return s.wrap("health", err)
	}
	return nil
}

// Type returns the store type
func (s *RedisStore) Type() string {
	return storeType
}

// Flush deletes every key under the namespace
func (s *RedisStore) Flush(ctx context.Context) error {
	conn, err := s.conn(ctx, "flush")
	if err != nil {
		return err
	}
	defer conn.Close()

	cursor := 0
	for {
		reply, err := redis.Values(conn.Do("SCAN", cursor, "MATCH", s.options.Namespace+"*", "COUNT", 500))
		if err != nil {
			return s.wrap("flush", err)
		}
		var keys []string
		if _, err := redis.Scan(reply, &cursor, &keys); err != nil {
			return s.wrap("flush", err)
		}
		if len(keys) > 0 {
			if _, err := conn.Do("DEL", redis.Args{}.AddFlat(keys)...); err != nil {
				return s.wrap("flush", err)
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

func (s *RedisStore) conn(ctx context.Context, op string) (redis.Conn, error) {
	s.mu.RLock()
	pool := s.pool
	s.mu.RUnlock()

	if pool == nil {
		return nil, errors.NewStoreUnavailableError(storeType, op, errors.ErrNotConnected)
	}
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return nil, s.wrap(op, err)
	}
	return conn, nil
}

// Enqueue persists a new pending job
func (s *RedisStore) Enqueue(ctx context.Context, j *job.Job) error {
	conn, err := s.conn(ctx, "enqueue")
	if err != nil {
		return err
	}
	defer conn.Close()

	lifecycle.Init(j, s.options.Now())
	args := redis.Args{}.
		Add(s.jobKey(j.ID), s.pendingKey(), s.stateKey(job.StatePending), s.indexKey(), s.seqKey()).
		Add(memberPrefix(j), pendingScore(j.RunAt), j.ID).
		AddFlat(encodeJob(j))

	created, err := redis.Int(enqueueScript.Do(conn, args...))
	if err != nil {
		return s.wrap("enqueue", err)
	}
	if created == 0 {
		return errors.ErrJobAlreadyExists
	}
	return nil
}

// Claim locks the oldest eligible job for workerID
func (s *RedisStore) Claim(ctx context.Context, workerID string) (*job.Job, error) {
	conn, err := s.conn(ctx, "claim")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	now := s.options.Now()
	fields, err := redis.StringMap(claimScript.Do(conn,
		s.pendingKey(), s.processingKey(), s.stateKey(job.StatePending), s.stateKey(job.StateProcessing),
		score(now), nanos(now), workerID, s.jobKey(""),
	))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("claim", err)
	}
	j, err := decodeJob(fields)
	if err != nil {
		return nil, s.wrap("claim", err)
	}
	return j, nil
}

// Complete records a successful attempt by workerID
func (s *RedisStore) Complete(ctx context.Context, id, workerID string, result job.Result) error {
	_, err := s.update(ctx, "complete", id, func(j *job.Job, now time.Time) error {
		if err := lifecycle.CheckOwner(j, workerID, "complete"); err != nil {
			return err
		}
		lifecycle.Complete(j, result, now)
		return nil
	})
	return err
}

// Fail records a failed attempt by workerID and returns the updated job
func (s *RedisStore) Fail(ctx context.Context, id, workerID string, result job.Result) (*job.Job, error) {
	return s.update(ctx, "fail", id, func(j *job.Job, now time.Time) error {
		if err := lifecycle.CheckOwner(j, workerID, "fail"); err != nil {
			return err
		}
		lifecycle.Fail(j, result, s.options.Backoff, now)
		return nil
	})
}

// RequeueDead moves a dead job back to pending with zero attempts
func (s *RedisStore) RequeueDead(ctx context.Context, id string) error {
	_, err := s.update(ctx, "requeue", id, func(j *job.Job, now time.Time) error {
		return lifecycle.Requeue(j, now)
	})
	return err
}

// update runs transition against a watched job hash and writes the record
// and its index entries in one MULTI block. A concurrent writer aborts the
// block and the read is retried.
func (s *RedisStore) update(ctx context.Context, op, id string, transition func(*job.Job, time.Time) error) (*job.Job, error) {
	conn, err := s.conn(ctx, op)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	key := s.jobKey(id)
	for attempt := 0; attempt < s.options.MaxTxAttempts; attempt++ {
		if _, err := conn.Do("WATCH", key); err != nil {
			return nil, s.wrap(op, err)
		}

		before, err := s.load(conn, id)
		if err != nil {
			conn.Do("UNWATCH")
			return nil, s.wrap(op, err)
		}
		member, err := redis.String(conn.Do("HGET", key, "member"))
		if err != nil {
			conn.Do("UNWATCH")
			return nil, s.wrap(op, fmt.Errorf("job %s has no queue member: %w", id, err))
		}

		after := before.Clone()
		if err := transition(after, s.options.Now()); err != nil {
			conn.Do("UNWATCH")
			return nil, err
		}

		conn.Send("MULTI")
		s.sendWrite(conn, member, before, after)
		reply, err := conn.Do("EXEC")
		if err != nil {
			return nil, s.wrap(op, err)
		}
		if reply == nil {
			continue
		}
		return after, nil
	}
	return nil, errors.NewStoreUnavailableError(storeType, op, errTxConflict)
}

func (s *RedisStore) sendWrite(conn redis.Conn, member string, before, after *job.Job) {
	conn.Send("HSET", redis.Args{}.Add(s.jobKey(after.ID)).AddFlat(encodeJob(after))...)
	if before.State != after.State {
		conn.Send("SMOVE", s.stateKey(before.State), s.stateKey(after.State), after.ID)
	}
	switch before.State {
	case job.StateProcessing:
		conn.Send("ZREM", s.processingKey(), after.ID)
	case job.StatePending:
		conn.Send("ZREM", s.pendingKey(), member)
	}
	if after.State == job.StatePending {
		conn.Send("ZADD", s.pendingKey(), pendingScore(after.RunAt), member)
	}
}

// ReclaimStale returns jobs locked longer than threshold to pending
func (s *RedisStore) ReclaimStale(ctx context.Context, threshold time.Duration) (int, error) {
	conn, err := s.conn(ctx, "reclaim")
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	now := s.options.Now()
	n, err := redis.Int(reclaimScript.Do(conn,
		s.processingKey(), s.pendingKey(), s.stateKey(job.StateProcessing), s.stateKey(job.StatePending),
		score(now.Add(-threshold)), pendingScore(now), nanos(now), s.jobKey(""),
	))
	if err != nil {
		return 0, s.wrap("reclaim", err)
	}
	return n, nil
}

// Get returns one job
func (s *RedisStore) Get(ctx context.Context, id string) (*job.Job, error) {
	conn, err := s.conn(ctx, "get")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	j, err := s.load(conn, id)
	if err != nil {
		return nil, s.wrap("get", err)
	}
	return j, nil
}

// ListByState returns the jobs in state, oldest first
func (s *RedisStore) ListByState(ctx context.Context, state job.State) ([]*job.Job, error) {
	conn, err := s.conn(ctx, "list")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ids, err := redis.Strings(conn.Do("SMEMBERS", s.stateKey(state)))
	if err != nil {
		return nil, s.wrap("list", err)
	}
	jobs, members, err := s.fetch(conn, ids)
	if err != nil {
		return nil, s.wrap("list", err)
	}
	// Members sort by creation time, then enqueue sequence.
	sort.Slice(jobs, func(i, k int) bool {
		return members[jobs[i].ID] < members[jobs[k].ID]
	})
	return jobs, nil
}

// List returns every job, oldest first
func (s *RedisStore) List(ctx context.Context) ([]*job.Job, error) {
	conn, err := s.conn(ctx, "list")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	members, err := redis.Strings(conn.Do("ZRANGE", s.indexKey(), 0, -1))
	if err != nil {
		return nil, s.wrap("list", err)
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m[memberPrefixLen:])
	}
	jobs, _, err := s.fetch(conn, ids)
	if err != nil {
		return nil, s.wrap("list", err)
	}
	return jobs, nil
}

// Stats counts jobs per state
func (s *RedisStore) Stats(ctx context.Context) (map[job.State]int64, error) {
	conn, err := s.conn(ctx, "stats")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	for _, st := range job.States {
		conn.Send("SCARD", s.stateKey(st))
	}
	if err := conn.Flush(); err != nil {
		return nil, s.wrap("stats", err)
	}

	counts := make(map[job.State]int64, len(job.States))
	for _, st := range job.States {
		n, err := redis.Int64(conn.Receive())
		if err != nil {
			return nil, s.wrap("stats", err)
		}
		counts[st] = n
	}
	return counts, nil
}

func (s *RedisStore) load(conn redis.Conn, id string) (*job.Job, error) {
	fields, err := redis.StringMap(conn.Do("HGETALL", s.jobKey(id)))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, errors.NewNotFoundError(id)
	}
	return decodeJob(fields)
}

// fetch pipelines HGETALL for ids, skipping hashes deleted in between. It
// also returns each job's queue member by id.
func (s *RedisStore) fetch(conn redis.Conn, ids []string) ([]*job.Job, map[string]string, error) {
	for _, id := range ids {
		conn.Send("HGETALL", s.jobKey(id))
	}
	if err := conn.Flush(); err != nil {
		return nil, nil, err
	}

	jobs := make([]*job.Job, 0, len(ids))
	members := make(map[string]string, len(ids))
	for range ids {
		fields, err := redis.StringMap(conn.Receive())
		if err != nil {
			return nil, nil, err
		}
		if len(fields) == 0 {
			continue
		}
		j, err := decodeJob(fields)
		if err != nil {
			return nil, nil, err
		}
		jobs = append(jobs, j)
		members[j.ID] = fields["member"]
	}
	return jobs, members, nil
}

// Busy replies a client may retry later
var retryableReplies = []string{"LOADING", "BUSY", "READONLY", "MASTERDOWN", "TRYAGAIN", "CLUSTERDOWN"}

// wrap classifies redigo errors. Network failures, pool exhaustion and
// server-side busy replies mean the store is unavailable.
func (s *RedisStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	var nf *errors.NotFoundError
	var is *errors.InvalidStateError
	var su *errors.StoreUnavailableError
	if stderrors.As(err, &nf) || stderrors.As(err, &is) || stderrors.As(err, &su) {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var replyErr redis.Error
	if stderrors.As(err, &replyErr) {
		for _, prefix := range retryableReplies {
			if strings.HasPrefix(string(replyErr), prefix) {
				return errors.NewStoreUnavailableError(storeType, op, err)
			}
		}
		return fmt.Errorf("redis %s: %w", op, err)
	}

	var netErr net.Error
	var connErr *errors.ConnectionError
	if stderrors.As(err, &netErr) || stderrors.As(err, &connErr) ||
		stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, redis.ErrPoolExhausted) || stderrors.Is(err, net.ErrClosed) {
		return errors.NewStoreUnavailableError(storeType, op, err)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

func (s *RedisStore) jobKey(id string) string {
	return s.options.Namespace + "job:" + id
}

func (s *RedisStore) pendingKey() string {
	return s.options.Namespace + "queue:pending"
}

func (s *RedisStore) processingKey() string {
	return s.options.Namespace + "queue:processing"
}

func (s *RedisStore) stateKey(state job.State) string {
	return s.options.Namespace + "state:" + string(state)
}

func (s *RedisStore) indexKey() string {
	return s.options.Namespace + "jobs"
}

func (s *RedisStore) seqKey() string {
	return s.options.Namespace + "seq"
}

// memberPrefix is the creation part of a queue member; the enqueue script
// appends the sequence and id.
func memberPrefix(j *job.Job) string {
	return fmt.Sprintf("%020d:", j.CreatedAt.UnixNano())
}

// score is the sorted-set score of t, rounded down. Microseconds stay exact
// in a float64.
func score(t time.Time) int64 {
	return t.UnixMicro()
}

// pendingScore rounds run_at up so a claim scored with score(now) never
// takes a job before its run_at.
func pendingScore(runAt time.Time) int64 {
	micro := runAt.UnixMicro()
	if runAt.Sub(time.UnixMicro(micro)) > 0 {
		micro++
	}
	return micro
}

func nanos(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func encodeJob(j *job.Job) []string {
	lockedAt := ""
	if j.LockedAt != nil {
		lockedAt = nanos(*j.LockedAt)
	}
	exitCode := ""
	if j.ExitCode != nil {
		exitCode = strconv.Itoa(*j.ExitCode)
	}
	return []string{
		"id", j.ID,
		"command", j.Command,
		"state", string(j.State),
		"attempts", strconv.Itoa(j.Attempts),
		"max_retries", strconv.Itoa(j.MaxRetries),
		"run_at", nanos(j.RunAt),
		"locked_by", j.LockedBy,
		"locked_at", lockedAt,
		"created_at", nanos(j.CreatedAt),
		"updated_at", nanos(j.UpdatedAt),
		"timeout", strconv.FormatInt(int64(j.Timeout), 10),
		"last_error", j.LastError,
		"exit_code", exitCode,
		"stdout", j.Stdout,
		"stderr", j.Stderr,
		"duration", strconv.FormatInt(int64(j.Duration), 10),
	}
}

func decodeJob(fields map[string]string) (*job.Job, error) {
	j := &job.Job{
		ID:        fields["id"],
		Command:   fields["command"],
		State:     job.State(fields["state"]),
		LockedBy:  fields["locked_by"],
		LastError: fields["last_error"],
		Stdout:    fields["stdout"],
		Stderr:    fields["stderr"],
	}

	var err error
	if j.Attempts, err = strconv.Atoi(fields["attempts"]); err != nil {
		return nil, fmt.Errorf("decode job %s attempts: %w", j.ID, err)
	}
	if j.MaxRetries, err = strconv.Atoi(fields["max_retries"]); err != nil {
		return nil, fmt.Errorf("decode job %s max_retries: %w", j.ID, err)
	}
	if j.RunAt, err = parseNanos(fields["run_at"]); err != nil {
		return nil, fmt.Errorf("decode job %s run_at: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseNanos(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("decode job %s created_at: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseNanos(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("decode job %s updated_at: %w", j.ID, err)
	}
	if v := fields["locked_at"]; v != "" {
		t, err := parseNanos(v)
		if err != nil {
			return nil, fmt.Errorf("decode job %s locked_at: %w", j.ID, err)
		}
		j.LockedAt = &t
	}
	if v := fields["exit_code"]; v != "" {
		code, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("decode job %s exit_code: %w", j.ID, err)
		}
		j.ExitCode = &code
	}
	if v := fields["timeout"]; v != "" {
		d, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode job %s timeout: %w", j.ID, err)
		}
		j.Timeout = time.Duration(d)
	}
	if v := fields["duration"]; v != "" {
		d, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode job %s duration: %w", j.ID, err)
		}
		j.Duration = time.Duration(d)
	}
	return j, nil
}

func parseNanos(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}
