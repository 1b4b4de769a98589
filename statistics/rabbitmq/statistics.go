// Package rabbitmq publishes worker and job lifecycle events to a topic
// exchange. Counters are aggregated in process and published as periodic
// snapshots.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/BranchIntl/queuectl/core"
	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/job"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys of published events
const (
	KeyWorkerRegistered   = "worker.registered"
	KeyWorkerUnregistered = "worker.unregistered"
	KeyJobStarted         = "job.started"
	KeyJobCompleted       = "job.completed"
	KeyJobFailed          = "job.failed"
	KeyJobDead            = "job.dead"
	KeySnapshot           = "stats.snapshot"
)

// RMQStatistics implements the Statistics interface on RabbitMQ
type RMQStatistics struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	options Options
	cancel  context.CancelFunc
	mu      sync.RWMutex

	workers map[string]*WorkerData
	global  core.GlobalStats
}

// WorkerData holds worker information and stats
type WorkerData struct {
	Info       core.WorkerInfo `json:"info"`
	Processed  int64           `json:"processed"`
	Failed     int64           `json:"failed"`
	LastJob    time.Time       `json:"last_job"`
	CurrentJob *core.JobInfo   `json:"current_job,omitempty"`
}

// NewStatistics creates a new RabbitMQ statistics backend
func NewStatistics(options Options) *RMQStatistics {
	return &RMQStatistics{
		options: options,
		workers: make(map[string]*WorkerData),
	}
}

// Connect dials RabbitMQ and declares the events exchange
func (r *RMQStatistics) Connect(ctx context.Context) error {
	config := amqp.Config{
		Heartbeat: r.options.Heartbeat,
		Dial:      amqp.DefaultDial(r.options.ConnectTimeout),
	}
	if r.options.UseTLS {
		tlsConfig := &tls.Config{InsecureSkipVerify: r.options.TLSSkipVerify}
		if r.options.TLSCAPath != "" {
			pem, err := os.ReadFile(r.options.TLSCAPath)
			if err != nil {
				return errors.NewConnectionError(errors.RedactURI(r.options.URI),
					fmt.Errorf("failed to read CA file %q: %w", r.options.TLSCAPath, err))
			}
			tlsConfig.RootCAs = x509.NewCertPool()
			if !tlsConfig.RootCAs.AppendCertsFromPEM(pem) {
				return errors.NewConnectionError(errors.RedactURI(r.options.URI),
					fmt.Errorf("failed to append certs from %q", r.options.TLSCAPath))
			}
		}
		config.TLSClientConfig = tlsConfig
	}

	conn, err := amqp.DialConfig(r.options.URI, config)
	if err != nil {
		return errors.NewConnectionError(errors.RedactURI(r.options.URI),
			fmt.Errorf("failed to connect to RabbitMQ: %w", err))
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		r.exchange(),
		"topic",
		r.options.ExchangeDurable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare events exchange: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.conn = conn
	r.channel = channel
	r.cancel = cancel
	r.mu.Unlock()

	if r.options.SnapshotInterval > 0 {
		go r.publishSnapshots(loopCtx)
	}
	go r.watchConnection(conn)

	return nil
}

// Close closes the channel and the connection
func (r *RMQStatistics) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}

	var errs []error
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
		r.channel = nil
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
		r.conn = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

// Health checks the RabbitMQ connection health
func (r *RMQStatistics) Health() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.conn == nil || r.channel == nil {
		return errors.ErrNotConnected
	}
	if r.conn.IsClosed() || r.channel.IsClosed() {
		return errors.NewConnectionError(errors.RedactURI(r.options.URI), amqp.ErrClosed)
	}
	return nil
}

// Type returns the statistics backend type
func (r *RMQStatistics) Type() string {
	return "rabbitmq"
}

// RegisterWorker registers a worker
func (r *RMQStatistics) RegisterWorker(ctx context.Context, worker core.WorkerInfo) error {
	r.mu.Lock()
	r.workers[worker.ID] = &WorkerData{Info: worker}
	r.global.ActiveWorkers = int64(len(r.workers))
	r.mu.Unlock()

	return r.publish(ctx, KeyWorkerRegistered, map[string]interface{}{
		"worker_id": worker.ID,
		"hostname":  worker.Hostname,
		"pid":       worker.Pid,
		"started":   worker.Started,
	})
}

// UnregisterWorker removes a worker
func (r *RMQStatistics) UnregisterWorker(ctx context.Context, workerID string) error {
	r.mu.Lock()
	_, exists := r.workers[workerID]
	delete(r.workers, workerID)
	r.global.ActiveWorkers = int64(len(r.workers))
	r.mu.Unlock()

	if !exists {
		return nil
	}
	return r.publish(ctx, KeyWorkerUnregistered, map[string]interface{}{
		"worker_id": workerID,
	})
}

// RecordJobStarted records that a job has started
func (r *RMQStatistics) RecordJobStarted(ctx context.Context, info core.JobInfo) error {
	r.mu.Lock()
	if worker, exists := r.workers[info.WorkerID]; exists {
		current := info
		worker.CurrentJob = &current
		worker.LastJob = time.Now()
	}
	r.mu.Unlock()

	return r.publish(ctx, KeyJobStarted, jobEvent(info, map[string]interface{}{
		"started_at": time.Now(),
	}))
}

// RecordJobCompleted records successful job completion
func (r *RMQStatistics) RecordJobCompleted(ctx context.Context, info core.JobInfo, duration time.Duration) error {
	r.mu.Lock()
	if worker, exists := r.workers[info.WorkerID]; exists {
		worker.Processed++
		worker.CurrentJob = nil
		worker.LastJob = time.Now()
	}
	r.global.TotalProcessed++
	r.mu.Unlock()

	return r.publish(ctx, KeyJobCompleted, jobEvent(info, map[string]interface{}{
		"duration_ms":  duration.Milliseconds(),
		"completed_at": time.Now(),
	}))
}

// RecordJobFailed records a failed attempt. Quarantined jobs are published
// under their own routing key.
func (r *RMQStatistics) RecordJobFailed(ctx context.Context, info core.JobInfo, jobErr error, duration time.Duration) error {
	routingKey := KeyJobFailed

	r.mu.Lock()
	if worker, exists := r.workers[info.WorkerID]; exists {
		worker.Failed++
		worker.CurrentJob = nil
		worker.LastJob = time.Now()
	}
	r.global.TotalFailed++
	if info.State == job.StateDead {
		r.global.TotalDead++
		routingKey = KeyJobDead
	}
	r.mu.Unlock()

	return r.publish(ctx, routingKey, jobEvent(info, map[string]interface{}{
		"error":       jobErr.Error(),
		"duration_ms": duration.Milliseconds(),
		"failed_at":   time.Now(),
	}))
}

// GetWorkerStats returns statistics for a specific worker
func (r *RMQStatistics) GetWorkerStats(ctx context.Context, workerID string) (core.WorkerStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worker, exists := r.workers[workerID]
	if !exists {
		return core.WorkerStats{ID: workerID}, nil
	}

	inProgress := int64(0)
	if worker.CurrentJob != nil {
		inProgress = 1
	}
	return core.WorkerStats{
		ID:         workerID,
		Processed:  worker.Processed,
		Failed:     worker.Failed,
		InProgress: inProgress,
		StartTime:  worker.Info.Started,
		LastJob:    worker.LastJob,
	}, nil
}

// GetGlobalStats returns the counters aggregated by this process
func (r *RMQStatistics) GetGlobalStats(ctx context.Context) (core.GlobalStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.global, nil
}

func (r *RMQStatistics) exchange() string {
	return r.options.Namespace + "events"
}

func jobEvent(info core.JobInfo, extra map[string]interface{}) map[string]interface{} {
	event := map[string]interface{}{
		"job_id":    info.ID,
		"command":   info.Command,
		"attempts":  info.Attempts,
		"state":     info.State,
		"worker_id": info.WorkerID,
	}
	for k, v := range extra {
		event[k] = v
	}
	return event
}

// publish sends one JSON event to the exchange
func (r *RMQStatistics) publish(ctx context.Context, routingKey string, data interface{}) error {
	r.mu.RLock()
	channel := r.channel
	r.mu.RUnlock()

	if channel == nil {
		return errors.ErrNotConnected
	}

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	if r.options.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.options.PublishTimeout)
		defer cancel()
	}

	if err := channel.PublishWithContext(ctx,
		r.exchange(), // exchange
		routingKey,   // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	); err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}
	return nil
}

// publishSnapshots periodically publishes the aggregated counters
func (r *RMQStatistics) publishSnapshots(ctx context.Context) {
	ticker := time.NewTicker(r.options.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.RLock()
			snapshot := map[string]interface{}{
				"timestamp":       time.Now(),
				"total_processed": r.global.TotalProcessed,
				"total_failed":    r.global.TotalFailed,
				"total_dead":      r.global.TotalDead,
				"active_workers":  r.global.ActiveWorkers,
			}
			r.mu.RUnlock()

			if err := r.publish(ctx, KeySnapshot, snapshot); err != nil {
				slog.Warn("Failed to publish stats snapshot", "error", err)
			}
		}
	}
}

// watchConnection logs an unexpected connection loss
func (r *RMQStatistics) watchConnection(conn *amqp.Connection) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))
	for closeErr := range closeChan {
		if closeErr != nil {
			slog.Error("RabbitMQ connection closed", "error", closeErr)
		}
	}
}
