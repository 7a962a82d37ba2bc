package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type WorkerOptions struct {
	// Parallel is the number of tasks executed concurrently.
	Parallel int
	// PollInterval is how long to idle when nothing is due.
	PollInterval time.Duration
	// Heartbeat is how often running handlers check for cancellation.
	Heartbeat time.Duration
	// ClaimsPerSecond paces claim attempts against the store.
	ClaimsPerSecond int

	Logger *slog.Logger
}

func DefaultWorkerOptions() *WorkerOptions {
	return &WorkerOptions{
		Parallel:        4,
		PollInterval:    500 * time.Millisecond,
		Heartbeat:       time.Second,
		ClaimsPerSecond: 50,
	}
}

// Workers claims due tasks from a ledger and runs their handlers. Claiming
// and executing are separate steps: any number of Workers across any number
// of processes can share one ledger, and a claim that outlives its deadline
// is reverted by the reaper rather than trusted to the worker that holds it.
type Workers struct {
	// Name labels this pool in logs.
	Name string
	// ID is the claim owner written into records this pool claims.
	ID string

	ledger *Ledger

	parallel     int
	pollInterval time.Duration
	heartbeat    time.Duration
	claimLimiter *rate.Limiter

	stop chan chan struct{}

	log *slog.Logger
}

func NewWorkers(name string, ledger *Ledger, opts *WorkerOptions) *Workers {
	if opts == nil {
		opts = DefaultWorkerOptions()
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = time.Second
	}
	if opts.ClaimsPerSecond <= 0 {
		opts.ClaimsPerSecond = 50
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Workers{
		Name:         name,
		ID:           fmt.Sprintf("%s-%s", name, uuid.New().String()[:8]),
		ledger:       ledger,
		parallel:     opts.Parallel,
		pollInterval: opts.PollInterval,
		heartbeat:    opts.Heartbeat,
		claimLimiter: rate.NewLimiter(rate.Limit(opts.ClaimsPerSecond), 1),
		stop:         make(chan chan struct{}, 1),
		log:          logger,
	}
}

// Start runs the claim loop until Stop is called. It blocks, so callers
// run it on its own goroutine. Starting freezes the handler registry.
func (w *Workers) Start() {
	ctx := context.Background()

	log := w.log.With("source", "task_workers", "name", w.Name)
	log.Info("starting task workers", "parallel", w.parallel, "worker", w.ID)

	w.ledger.registry.freeze()
	sem := semaphore.NewWeighted(int64(w.parallel))

	for {
		select {
		case stopped := <-w.stop:
			log.Info("draining task workers")
			sem.Acquire(ctx, int64(w.parallel))
			close(stopped)
			return
		default:
		}

		// hold a slot before claiming so a claimed task never waits out
		// its deadline in a local queue
		sem.Acquire(ctx, 1)
		w.claimLimiter.Wait(ctx)

		task, err := w.ledger.claimNext(ctx, w.ID, time.Now())
		if err != nil {
			sem.Release(1)
			log.Error("failed to claim task", "err", err)
			time.Sleep(w.pollInterval)
			continue
		} else if task == nil {
			sem.Release(1)
			time.Sleep(w.pollInterval)
			continue
		}

		go func(t *Task) {
			defer sem.Release(1)
			w.execute(ctx, t)
		}(task)
	}
}

// Stop drains in-flight tasks and halts the claim loop.
func (w *Workers) Stop(ctx context.Context) error {
	log := w.log.With("source", "task_workers", "name", w.Name)
	log.Info("stopping task workers")
	stopped := make(chan struct{})
	w.stop <- stopped
	select {
	case <-stopped:
		log.Info("task workers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Workers) execute(ctx context.Context, task *Task) {
	ctx, span := tracer.Start(ctx, "executeTask")
	defer span.End()

	log := w.log.With("source", "task_workers", "id", task.ID, "type", task.Type, "attempt", task.Attempts)

	handler, ok := w.ledger.registry.Handler(task.Type)
	if !ok {
		// submissions are validated against the registry, so this only
		// happens when replicas register different handler sets
		if err := w.ledger.markFailed(ctx, task, Permanent(fmt.Errorf("no handler registered for %q", task.Type))); err != nil && !errors.Is(err, ErrClaimExpired) {
			log.Error("failed to record missing handler", "err", err)
		}
		return
	}

	// the handler context carries the hard deadline and is canceled when
	// the cancellation flag appears
	hctx, hcancel := context.WithDeadline(ctx, task.ClaimDeadline)
	defer hcancel()

	var wasCanceled atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		tick := time.NewTicker(w.heartbeat)
		defer tick.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-tick.C:
				if w.ledger.canceled(hctx, task.ID) {
					wasCanceled.Store(true)
					hcancel()
					return
				}
			}
		}
	}()

	start := time.Now()
	err := w.runHandler(hctx, handler, task)
	duration := time.Since(start)
	hcancel()
	<-watchDone
	handlerDuration.WithLabelValues(task.Type).Observe(duration.Seconds())

	switch {
	case wasCanceled.Load():
		if merr := w.ledger.markCanceled(ctx, task); merr != nil && !errors.Is(merr, ErrClaimExpired) {
			log.Error("failed to record cancellation", "err", merr)
		}
		log.Info("task canceled", "duration", duration)
	case err == nil:
		if merr := w.ledger.markSucceeded(ctx, task); merr != nil {
			if errors.Is(merr, ErrClaimExpired) {
				log.Warn("claim expired before success could be recorded")
			} else {
				log.Error("failed to record success", "err", merr)
			}
			return
		}
		log.Info("task succeeded", "duration", duration)
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			err = Transient(fmt.Errorf("hard timeout after %s: %w", task.Timeout, err))
		}
		if merr := w.ledger.markFailed(ctx, task, err); merr != nil {
			if errors.Is(merr, ErrClaimExpired) {
				log.Warn("claim expired before failure could be recorded")
			} else {
				log.Error("failed to record failure", "err", merr)
			}
		}
	}
}

// runHandler invokes the handler with panic recovery. A panicking handler
// counts as a transient failure so the task still follows the retry
// schedule.
func (w *Workers) runHandler(ctx context.Context, handler Handler, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Transient(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, task)
}
