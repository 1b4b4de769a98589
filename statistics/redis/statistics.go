// Package redis keeps worker and job counters in Redis so that several
// worker processes can report into one place.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BranchIntl/queuectl/core"
	"github.com/BranchIntl/queuectl/errors"
	redisUtils "github.com/BranchIntl/queuectl/internal/redis"
	"github.com/BranchIntl/queuectl/job"
	"github.com/gomodule/redigo/redis"
)

// RedisStatistics implements the Statistics interface on Redis counters
type RedisStatistics struct {
	pool      *redis.Pool
	namespace string
	options   Options
}

// NewStatistics creates a new Redis statistics backend
func NewStatistics(options Options) *RedisStatistics {
	return &RedisStatistics{
		namespace: options.Namespace,
		options:   options,
	}
}

// Connect establishes connection to Redis
func (r *RedisStatistics) Connect(ctx context.Context) error {
	pool, err := redisUtils.CreatePool(r.options)
	if err != nil {
		return err
	}

	if err := redisUtils.Ping(ctx, pool); err != nil {
		pool.Close()
		return errors.NewConnectionError(errors.RedactURI(r.options.URI),
			fmt.Errorf("ping failed: %w", err))
	}

	r.pool = pool
	return nil
}

// Close closes the Redis connection pool
func (r *RedisStatistics) Close() error {
	if r.pool != nil {
		return r.pool.Close()
	}
	return nil
}

// Health checks the Redis connection health
func (r *RedisStatistics) Health() error {
	if r.pool == nil {
		return errors.ErrNotConnected
	}

	if err := redisUtils.Ping(context.Background(), r.pool); err != nil {
		return errors.NewConnectionError(errors.RedactURI(r.options.URI),
			fmt.Errorf("health check failed: %w", err))
	}
	return nil
}

// Type returns the statistics backend type
func (r *RedisStatistics) Type() string {
	return "redis"
}

func (r *RedisStatistics) conn(ctx context.Context) (redis.Conn, error) {
	if r.pool == nil {
		return nil, errors.ErrNotConnected
	}
	return r.pool.GetContext(ctx)
}

// transaction sends the commands queued by fn inside MULTI/EXEC
func (r *RedisStatistics) transaction(ctx context.Context, what string, fn func(conn redis.Conn)) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.Send("MULTI")
	fn(conn)
	if _, err := conn.Do("EXEC"); err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	return nil
}

// RegisterWorker adds a worker to the active set and resets its counters
func (r *RedisStatistics) RegisterWorker(ctx context.Context, worker core.WorkerInfo) error {
	workerData, err := json.Marshal(worker)
	if err != nil {
		return fmt.Errorf("failed to marshal worker info: %w", err)
	}

	return r.transaction(ctx, "register worker", func(conn redis.Conn) {
		conn.Send("SADD", r.workersKey(), worker.ID)
		conn.Send("SET", r.workerKey(worker.ID), workerData)
		conn.Send("SET", r.statProcessedKey(worker.ID), 0)
		conn.Send("SET", r.statFailedKey(worker.ID), 0)
		conn.Send("SET", r.workerStartedKey(worker.ID), worker.Started.Format(time.RFC3339))
	})
}

// UnregisterWorker removes a worker and its keys
func (r *RedisStatistics) UnregisterWorker(ctx context.Context, workerID string) error {
	return r.transaction(ctx, "unregister worker", func(conn redis.Conn) {
		conn.Send("SREM", r.workersKey(), workerID)
		conn.Send("DEL",
			r.workerKey(workerID),
			r.statProcessedKey(workerID),
			r.statFailedKey(workerID),
			r.workerStartedKey(workerID),
			r.workerJobKey(workerID),
		)
	})
}

// RecordJobStarted stores the job a worker is running
func (r *RedisStatistics) RecordJobStarted(ctx context.Context, info core.JobInfo) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	work, err := json.Marshal(map[string]interface{}{
		"id":       info.ID,
		"command":  info.Command,
		"attempts": info.Attempts,
		"run_at":   time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal work data: %w", err)
	}

	if _, err := conn.Do("SET", r.workerJobKey(info.WorkerID), work); err != nil {
		return fmt.Errorf("failed to set worker job: %w", err)
	}
	return nil
}

// RecordJobCompleted increments the processed counters
func (r *RedisStatistics) RecordJobCompleted(ctx context.Context, info core.JobInfo, duration time.Duration) error {
	return r.transaction(ctx, "record completion", func(conn redis.Conn) {
		conn.Send("INCR", r.statProcessedKey(""))
		conn.Send("INCR", r.statProcessedKey(info.WorkerID))
		conn.Send("DEL", r.workerJobKey(info.WorkerID))
	})
}

// RecordJobFailed appends to the failure log and increments the failed
// counters, and the dead counter when the job was quarantined
func (r *RedisStatistics) RecordJobFailed(ctx context.Context, info core.JobInfo, jobErr error, duration time.Duration) error {
	failure, err := json.Marshal(map[string]interface{}{
		"failed_at":   time.Now().Format(time.RFC3339),
		"id":          info.ID,
		"command":     info.Command,
		"attempts":    info.Attempts,
		"state":       info.State,
		"error":       jobErr.Error(),
		"worker":      info.WorkerID,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal failure data: %w", err)
	}

	return r.transaction(ctx, "record failure", func(conn redis.Conn) {
		conn.Send("RPUSH", r.failedKey(), failure)
		if r.options.MaxFailures > 0 {
			conn.Send("LTRIM", r.failedKey(), -r.options.MaxFailures, -1)
		}
		conn.Send("INCR", r.statFailedKey(""))
		conn.Send("INCR", r.statFailedKey(info.WorkerID))
		if info.State == job.StateDead {
			conn.Send("INCR", r.statDeadKey())
		}
		conn.Send("DEL", r.workerJobKey(info.WorkerID))
	})
}

// GetWorkerStats returns statistics for a specific worker
func (r *RedisStatistics) GetWorkerStats(ctx context.Context, workerID string) (core.WorkerStats, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return core.WorkerStats{}, err
	}
	defer conn.Close()

	values, err := redis.Values(conn.Do("MGET",
		r.statProcessedKey(workerID), r.statFailedKey(workerID), r.workerStartedKey(workerID)))
	if err != nil {
		return core.WorkerStats{}, fmt.Errorf("failed to get worker stats: %w", err)
	}

	var processed, failed int64
	var started string
	if _, err := redis.Scan(values, &processed, &failed, &started); err != nil {
		return core.WorkerStats{}, fmt.Errorf("failed to scan worker stats: %w", err)
	}
	startTime, _ := time.Parse(time.RFC3339, started)

	inProgress := int64(0)
	if exists, err := redis.Bool(conn.Do("EXISTS", r.workerJobKey(workerID))); err == nil && exists {
		inProgress = 1
	}

	return core.WorkerStats{
		ID:         workerID,
		Processed:  processed,
		Failed:     failed,
		InProgress: inProgress,
		StartTime:  startTime,
	}, nil
}

// GetGlobalStats returns global statistics
func (r *RedisStatistics) GetGlobalStats(ctx context.Context) (core.GlobalStats, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return core.GlobalStats{}, err
	}
	defer conn.Close()

	values, err := redis.Values(conn.Do("MGET", r.statProcessedKey(""), r.statFailedKey(""), r.statDeadKey()))
	if err != nil {
		return core.GlobalStats{}, fmt.Errorf("failed to get global stats: %w", err)
	}

	var stats core.GlobalStats
	if _, err := redis.Scan(values, &stats.TotalProcessed, &stats.TotalFailed, &stats.TotalDead); err != nil {
		return core.GlobalStats{}, fmt.Errorf("failed to scan global stats: %w", err)
	}

	stats.ActiveWorkers, err = redis.Int64(conn.Do("SCARD", r.workersKey()))
	if err != nil {
		return core.GlobalStats{}, fmt.Errorf("failed to get active workers: %w", err)
	}
	return stats, nil
}

// Helper methods for Redis keys

func (r *RedisStatistics) workerKey(workerID string) string {
	return fmt.Sprintf("%sworker:%s", r.namespace, workerID)
}

func (r *RedisStatistics) workersKey() string {
	return fmt.Sprintf("%sworkers", r.namespace)
}

func (r *RedisStatistics) statProcessedKey(workerID string) string {
	if workerID == "" {
		return fmt.Sprintf("%sstat:processed", r.namespace)
	}
	return fmt.Sprintf("%sstat:processed:%s", r.namespace, workerID)
}

func (r *RedisStatistics) statFailedKey(workerID string) string {
	if workerID == "" {
		return fmt.Sprintf("%sstat:failed", r.namespace)
	}
	return fmt.Sprintf("%sstat:failed:%s", r.namespace, workerID)
}

func (r *RedisStatistics) statDeadKey() string {
	return fmt.Sprintf("%sstat:dead", r.namespace)
}

func (r *RedisStatistics) workerStartedKey(workerID string) string {
	return fmt.Sprintf("%sworker:%s:started", r.namespace, workerID)
}

func (r *RedisStatistics) workerJobKey(workerID string) string {
	return fmt.Sprintf("%sworker:%s:job", r.namespace, workerID)
}

func (r *RedisStatistics) failedKey() string {
	return fmt.Sprintf("%sfailed", r.namespace)
}
