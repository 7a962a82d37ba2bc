package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftline/ballast/faststore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkers(t *testing.T, reg *Registry, maxAttempts int) *Ledger {
	t.Helper()
	ledger, err := NewLedger(Options{
		Store:       faststore.NewMemStore(),
		Registry:    reg,
		MaxAttempts: maxAttempts,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		HardTimeout: time.Second,
	})
	require.NoError(t, err)

	w := NewWorkers("test", ledger, &WorkerOptions{
		Parallel:        2,
		PollInterval:    5 * time.Millisecond,
		Heartbeat:       5 * time.Millisecond,
		ClaimsPerSecond: 1000,
	})
	go w.Start()
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.Stop(stopCtx); err != nil {
			t.Errorf("stopping workers: %v", err)
		}
	})
	return ledger
}

func awaitTerminal(t *testing.T, ledger *Ledger, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	task, err := ledger.AwaitTerminal(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	return task
}

func TestWorkersExecuteTask(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	var calls atomic.Int32
	reg := NewRegistry()
	require.NoError(reg.Register("greet", func(ctx context.Context, task *Task) error {
		calls.Add(1)
		return nil
	}))
	ledger := newTestWorkers(t, reg, 3)

	task, err := ledger.Submit(ctx, Submission{Type: "greet"})
	require.NoError(err)

	got := awaitTerminal(t, ledger, task.ID)
	assert.Equal(StateSucceeded, got.State)
	assert.Equal(int32(1), calls.Load())
	assert.Equal(1, got.Attempts)
}

func TestWorkersIdempotentResubmission(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	var calls atomic.Int32
	reg := NewRegistry()
	require.NoError(reg.Register("report", func(ctx context.Context, task *Task) error {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}))
	ledger := newTestWorkers(t, reg, 3)

	first, err := ledger.Submit(ctx, Submission{Type: "report", IdempotencyKey: "weekly"})
	require.NoError(err)

	// resubmit while the first execution is still in flight
	second, err := ledger.Submit(ctx, Submission{Type: "report", IdempotencyKey: "weekly"})
	require.NoError(err)
	assert.Equal(first.ID, second.ID)

	awaitTerminal(t, ledger, first.ID)

	// and again after it finished
	third, err := ledger.Submit(ctx, Submission{Type: "report", IdempotencyKey: "weekly"})
	require.NoError(err)
	assert.Equal(first.ID, third.ID)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(int32(1), calls.Load(), "resubmission must not run the handler again")
}

func TestWorkersRetriesToDeadLetter(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	var calls atomic.Int32
	reg := NewRegistry()
	require.NoError(reg.Register("flaky", func(ctx context.Context, task *Task) error {
		calls.Add(1)
		return Transient(errors.New("downstream 503"))
	}))
	ledger := newTestWorkers(t, reg, 3)

	task, err := ledger.Submit(ctx, Submission{Type: "flaky"})
	require.NoError(err)

	got := awaitTerminal(t, ledger, task.ID)
	assert.Equal(StateDeadLettered, got.State)
	assert.Equal(int32(3), calls.Load(), "every attempt in the budget runs once")

	rec, err := ledger.DeadLetter(ctx, task.ID)
	require.NoError(err)
	assert.Equal(3, rec.AttemptCount)
	assert.Equal(ReasonMaxAttempts, rec.Reason)
	assert.Equal("downstream 503", rec.LastError)
}

func TestWorkersPermanentFailureSkipsRetries(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	var calls atomic.Int32
	reg := NewRegistry()
	require.NoError(reg.Register("doomed", func(ctx context.Context, task *Task) error {
		calls.Add(1)
		return Permanent(errors.New("malformed payload"))
	}))
	ledger := newTestWorkers(t, reg, 3)

	task, err := ledger.Submit(ctx, Submission{Type: "doomed"})
	require.NoError(err)

	got := awaitTerminal(t, ledger, task.ID)
	assert.Equal(StateDeadLettered, got.State)
	assert.Equal(int32(1), calls.Load())

	rec, err := ledger.DeadLetter(ctx, task.ID)
	require.NoError(err)
	assert.Equal(ReasonPermanent, rec.Reason)
}

func TestWorkersCancellationStopsHandler(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	started := make(chan struct{}, 1)
	reg := NewRegistry()
	require.NoError(reg.Register("slow", func(ctx context.Context, task *Task) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}))
	ledger := newTestWorkers(t, reg, 3)

	task, err := ledger.Submit(ctx, Submission{Type: "slow", Timeout: 10 * time.Second})
	require.NoError(err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	require.NoError(ledger.Cancel(ctx, task.ID))

	got := awaitTerminal(t, ledger, task.ID)
	assert.Equal(StateDeadLettered, got.State)

	rec, err := ledger.DeadLetter(ctx, task.ID)
	require.NoError(err)
	assert.Equal(ReasonCanceled, rec.Reason)
}

func TestWorkersPanicCountsAsTransient(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	var calls atomic.Int32
	reg := NewRegistry()
	require.NoError(reg.Register("bomb", func(ctx context.Context, task *Task) error {
		calls.Add(1)
		panic("kaboom")
	}))
	ledger := newTestWorkers(t, reg, 2)

	task, err := ledger.Submit(ctx, Submission{Type: "bomb"})
	require.NoError(err)

	got := awaitTerminal(t, ledger, task.ID)
	assert.Equal(StateDeadLettered, got.State)
	assert.Equal(int32(2), calls.Load(), "panics follow the retry schedule")

	rec, err := ledger.DeadLetter(ctx, task.ID)
	require.NoError(err)
	assert.Contains(rec.LastError, "panic")
}

func TestWorkersHardTimeout(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	reg := NewRegistry()
	require.NoError(reg.Register("stuck", func(ctx context.Context, task *Task) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	ledger := newTestWorkers(t, reg, 1)

	task, err := ledger.Submit(ctx, Submission{Type: "stuck", Timeout: 30 * time.Millisecond})
	require.NoError(err)

	got := awaitTerminal(t, ledger, task.ID)
	assert.Equal(StateDeadLettered, got.State)

	rec, err := ledger.DeadLetter(ctx, task.ID)
	require.NoError(err)
	assert.Contains(rec.LastError, "hard timeout")
}
