// Package queuectl is a persistent, at-least-once job queue for shell
// commands.
//
// Clients enqueue jobs into a durable store. Workers claim eligible jobs,
// run each command under a timeout and record the outcome. Failed attempts
// are retried with exponential backoff until the retry budget is spent,
// after which the job moves to the dead letter queue. Locks left behind by
// crashed workers are returned to pending by a reclaimer.
//
// Stores:
//   - SQLite (default, pure Go)
//   - PostgreSQL
//   - Redis
//   - Memory (tests and embedding)
//
// Statistics:
//   - Redis counters
//   - RabbitMQ lifecycle events
//   - No-op
//
// # Example
//
//	package main
//
//	import (
//		"context"
//
//		"github.com/BranchIntl/queuectl/core"
//		"github.com/BranchIntl/queuectl/executor"
//		"github.com/BranchIntl/queuectl/job"
//		"github.com/BranchIntl/queuectl/statistics/noop"
//		"github.com/BranchIntl/queuectl/stores/sqlite"
//	)
//
//	func main() {
//		ctx := context.Background()
//
//		// Producer side
//		producer := sqlite.NewStore(sqlite.DefaultOptions())
//		if err := producer.Connect(ctx); err != nil {
//			panic(err)
//		}
//		queue := core.NewQueue(producer, 3)
//		if _, err := queue.Enqueue(ctx, job.Request{Command: "echo hello"}); err != nil {
//			panic(err)
//		}
//		producer.Close()
//
//		// Worker side; the engine connects its own store
//		engine := core.NewEngine(
//			sqlite.NewStore(sqlite.DefaultOptions()),
//			executor.NewShell(executor.DefaultOptions()),
//			noop.NewStatistics(),
//			core.WithConcurrency(4),
//		)
//
//		// Start processing and wait for shutdown signals
//		if err := engine.Run(ctx); err != nil {
//			panic(err)
//		}
//	}
//
// The queuectl command in cmd/queuectl wraps the same packages with a
// YAML configuration file, an admin HTTP API and dead letter queue tools.
package queuectl
