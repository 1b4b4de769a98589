package core

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runWorker starts w in the background and returns a stop function that
// cancels it and waits for Work to return.
func runWorker(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Work(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestWorker_GetID(t *testing.T) {
	setup := NewTestSetup(t)
	worker := setup.NewWorker("3")

	hostname, _ := os.Hostname()
	assert.Equal(t, fmt.Sprintf("%s:%d-3", hostname, os.Getpid()), worker.GetID())
}

func TestWorker_Work_CompletesJob(t *testing.T) {
	setup := NewTestSetup(t)
	setup.Config.ExitOnEmpty = true
	setup.Enqueue(t, "job1", "echo hello", 3)

	worker := setup.NewWorker("test")

	ctx, cancel := ContextWithTimeout(t)
	defer cancel()

	require.NoError(t, worker.Work(ctx))

	got := setup.Get(t, "job1")
	assert.Equal(t, job.StateCompleted, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.False(t, got.IsLocked())
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)

	assert.Equal(t, []string{"echo hello"}, setup.Executor.GetCalls())
	require.Len(t, setup.Stats.GetJobsStarted(), 1)
	assert.Equal(t, worker.GetID(), setup.Stats.GetJobsStarted()[0].WorkerID)
	require.Len(t, setup.Stats.GetJobsCompleted(), 1)
	assert.Equal(t, job.StateCompleted, setup.Stats.GetJobsCompleted()[0].State)
	assert.Equal(t, int64(1), worker.GetStats().Processed)
	assert.Equal(t, 0, setup.Stats.RegisteredWorkers(), "worker unregisters on exit")
}

func TestWorker_Work_ExitOnEmptyWithNoJobs(t *testing.T) {
	setup := NewTestSetup(t)
	setup.Config.ExitOnEmpty = true

	ctx, cancel := ContextWithTimeout(t)
	defer cancel()

	require.NoError(t, setup.NewWorker("test").Work(ctx))
	assert.Empty(t, setup.Executor.GetCalls())
}

func TestWorker_Work_RetriesThenDies(t *testing.T) {
	setup := NewTestSetup(t)
	setup.Executor.HandleExit("exit 1", 1)
	setup.Enqueue(t, "job1", "exit 1", 2)

	stop := runWorker(t, setup.NewWorker("test"))
	defer stop()

	got := setup.WaitForState(t, "job1", job.StateDead)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "exit status 1", got.LastError)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 1, *got.ExitCode)

	assert.Len(t, setup.Executor.GetCalls(), 3)
	failed := setup.Stats.GetJobsFailed()
	require.Len(t, failed, 3)
	assert.Equal(t, job.StatePending, failed[0].State)
	assert.Equal(t, job.StatePending, failed[1].State)
	assert.Equal(t, job.StateDead, failed[2].State)
}

func TestWorker_Work_Timeout(t *testing.T) {
	setup := NewTestSetup(t)
	setup.Executor.Handle("sleep 10", func(ctx context.Context, timeout time.Duration) (job.Result, error) {
		return job.Result{Duration: timeout}, errors.NewTimeoutError("sleep 10", timeout)
	})
	setup.Enqueue(t, "job1", "sleep 10", 0)

	stop := runWorker(t, setup.NewWorker("test"))
	defer stop()

	got := setup.WaitForState(t, "job1", job.StateDead)
	assert.Contains(t, got.LastError, "TimeoutError")
	assert.Nil(t, got.ExitCode)
}

func TestWorker_Work_PerJobTimeout(t *testing.T) {
	setup := NewTestSetup(t)
	setup.Config.ExitOnEmpty = true

	var mu sync.Mutex
	timeouts := make(map[string]time.Duration)
	for _, command := range []string{"unset", "tight", "loose"} {
		command := command
		setup.Executor.Handle(command, func(ctx context.Context, timeout time.Duration) (job.Result, error) {
			mu.Lock()
			timeouts[command] = timeout
			mu.Unlock()
			return ExitResult(0), nil
		})
	}

	ctx, cancel := ContextWithTimeout(t)
	defer cancel()
	queue := NewQueue(setup.Store, 0)
	hour := 3600
	_, err := queue.Enqueue(ctx, job.Request{ID: "unset", Command: "unset"})
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, job.Request{ID: "loose", Command: "loose", Timeout: &hour})
	require.NoError(t, err)
	require.NoError(t, setup.Memory.Enqueue(ctx, &job.Job{ID: "tight", Command: "tight", Timeout: 200 * time.Millisecond}))

	require.NoError(t, setup.NewWorker("test").Work(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, time.Second, timeouts["unset"], "no job timeout uses the worker's")
	assert.Equal(t, time.Second, timeouts["loose"], "the worker's timeout caps a larger job timeout")
	assert.Equal(t, 200*time.Millisecond, timeouts["tight"], "a tighter job timeout wins")
}

func TestWorker_Work_ExecutorPanic(t *testing.T) {
	setup := NewTestSetup(t)
	setup.Executor.Handle("boom", func(context.Context, time.Duration) (job.Result, error) {
		panic("executor exploded")
	})
	setup.Enqueue(t, "job1", "boom", 0)

	stop := runWorker(t, setup.NewWorker("test"))
	defer stop()

	got := setup.WaitForState(t, "job1", job.StateDead)
	assert.Contains(t, got.LastError, "panic: executor exploded")
}

func TestWorker_Work_StartFailure(t *testing.T) {
	setup := NewTestSetup(t)
	setup.Executor.Handle("nope", func(context.Context, time.Duration) (job.Result, error) {
		return job.Result{}, fmt.Errorf("exec: \"nope\": executable file not found in $PATH")
	})
	setup.Enqueue(t, "job1", "nope", 0)

	stop := runWorker(t, setup.NewWorker("test"))
	defer stop()

	got := setup.WaitForState(t, "job1", job.StateDead)
	assert.Contains(t, got.LastError, "executable file not found")
}

func TestWorker_Work_RetriesReportWhileStoreUnavailable(t *testing.T) {
	setup := NewTestSetup(t)
	setup.Config.ExitOnEmpty = true
	setup.Enqueue(t, "job1", "echo hi", 0)
	setup.Store.FailNext("complete", 3)

	ctx, cancel := ContextWithTimeout(t)
	defer cancel()

	require.NoError(t, setup.NewWorker("test").Work(ctx))

	got := setup.Get(t, "job1")
	assert.Equal(t, job.StateCompleted, got.State)
	assert.Equal(t, 1, got.Attempts, "store outages are not job attempts")
	assert.Equal(t, 4, setup.Store.Calls("complete"))
	assert.Len(t, setup.Executor.GetCalls(), 1)
}

func TestWorker_Work_PausesWhileClaimUnavailable(t *testing.T) {
	setup := NewTestSetup(t)
	setup.Enqueue(t, "job1", "echo hi", 0)
	setup.Store.FailNext("claim", 2)

	stop := runWorker(t, setup.NewWorker("test"))
	defer stop()

	setup.WaitForState(t, "job1", job.StateCompleted)
	assert.GreaterOrEqual(t, setup.Store.Calls("claim"), 3)
}

func TestWorker_Work_ShutdownFinishesCurrentJob(t *testing.T) {
	setup := NewTestSetup(t)
	started := make(chan struct{})
	var runErr error
	setup.Executor.Handle("slow", func(ctx context.Context, timeout time.Duration) (job.Result, error) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		runErr = ctx.Err()
		return ExitResult(0), nil
	})
	setup.Enqueue(t, "job1", "slow", 0)

	worker := setup.NewWorker("test")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Work(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.NoError(t, runErr, "job context must survive shutdown")
	assert.Equal(t, job.StateCompleted, setup.Get(t, "job1").State)
}

func TestWorker_Work_DropsOutcomeAfterLosingLock(t *testing.T) {
	setup := NewTestSetup(t)
	setup.Executor.Handle("long", func(ctx context.Context, timeout time.Duration) (job.Result, error) {
		time.Sleep(5 * time.Millisecond)
		// Simulate the reclaimer taking the job away mid-run.
		n, err := setup.Memory.ReclaimStale(ctx, time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		return ExitResult(0), nil
	})
	setup.Enqueue(t, "job1", "long", 0)

	worker := setup.NewWorker("test")

	ctx, cancel := ContextWithTimeout(t)
	defer cancel()

	worker.processJob(ctx, mustClaim(t, setup, worker))

	got := setup.Get(t, "job1")
	assert.Equal(t, job.StatePending, got.State)
	assert.Equal(t, 1, setup.Store.Calls("complete"), "invalid state is not retried")
	assert.Equal(t, int64(0), worker.GetStats().Processed)
	assert.Empty(t, setup.Stats.GetJobsCompleted())
}

func mustClaim(t *testing.T, setup *TestSetup, w *Worker) *job.Job {
	t.Helper()
	j, err := setup.Store.Claim(context.Background(), w.GetID())
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func TestWorker_Work_StatsErrorsDoNotBlockJobs(t *testing.T) {
	setup := NewTestSetup(t)
	setup.Config.ExitOnEmpty = true
	setup.Stats.SetRecordError(fmt.Errorf("stats backend down"))
	setup.Enqueue(t, "job1", "echo hi", 0)

	ctx, cancel := ContextWithTimeout(t)
	defer cancel()

	require.NoError(t, setup.NewWorker("test").Work(ctx))
	assert.Equal(t, job.StateCompleted, setup.Get(t, "job1").State)
}
