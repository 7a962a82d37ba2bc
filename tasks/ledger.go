package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/driftline/ballast/faststore"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

var (
	taskPrefix   string = "task/"
	idemPrefix   string = "task/idem/"
	cancelPrefix string = "task/cancel/"
	dlqPrefix    string = "task/dlq/"
	scheduleKey  string = "task/sched"
	deadKey      string = "task/dead"
)

var tracer = otel.Tracer("tasks")

// cancelFlagTTL bounds how long a cancellation request for an unclaimed
// task stays live in the store.
var cancelFlagTTL = 24 * time.Hour

var reapScanLimit int64 = 100

type Options struct {
	Store    faststore.Store
	Registry *Registry

	// MaxAttempts is the default per-task attempt budget.
	MaxAttempts int
	// BaseBackoff and MaxBackoff bound the retry delay schedule.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// HardTimeout is the default claim deadline for one execution.
	HardTimeout time.Duration
	// SucceededTTL is how long finished records stay readable.
	SucceededTTL time.Duration
	// ClaimPage is how many due schedule entries one claim scan considers.
	ClaimPage int

	Logger *slog.Logger
}

// Ledger owns task records and their state transitions. It is safe for
// concurrent use and for sharing one store across many processes.
type Ledger struct {
	store    faststore.Store
	registry *Registry

	maxAttempts  int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	hardTimeout  time.Duration
	succeededTTL time.Duration
	claimPage    int64

	log *slog.Logger
}

func NewLedger(opts Options) (*Ledger, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("tasks: store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("tasks: registry is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.HardTimeout <= 0 {
		opts.HardTimeout = time.Minute
	}
	if opts.SucceededTTL <= 0 {
		opts.SucceededTTL = 24 * time.Hour
	}
	if opts.ClaimPage <= 0 {
		opts.ClaimPage = 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ledger{
		store:        opts.Store,
		registry:     opts.Registry,
		maxAttempts:  opts.MaxAttempts,
		baseBackoff:  opts.BaseBackoff,
		maxBackoff:   opts.MaxBackoff,
		hardTimeout:  opts.HardTimeout,
		succeededTTL: opts.SucceededTTL,
		claimPage:    int64(opts.ClaimPage),
		log:          opts.Logger.With("system", "tasks"),
	}, nil
}

// Submission describes one task to enqueue. Zero fields fall back to the
// ledger defaults.
type Submission struct {
	Type    string
	Payload any

	// IdempotencyKey deduplicates submissions: a key that was already used
	// returns the task it created instead of enqueueing a second one.
	IdempotencyKey string

	MaxAttempts int
	Timeout     time.Duration
	NotBefore   time.Time
}

func scoreFor(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Submit appends a task to the ledger. Submissions carrying an idempotency
// key that is already bound are answered with the existing task and no new
// work is enqueued; reusing a key for a different task type is an error.
func (l *Ledger) Submit(ctx context.Context, sub Submission) (*Task, error) {
	ctx, span := tracer.Start(ctx, "Submit")
	defer span.End()

	if _, ok := l.registry.Handler(sub.Type); !ok {
		return nil, fmt.Errorf("submitting %q: %w", sub.Type, ErrNotRegistered)
	}

	var payload json.RawMessage
	if sub.Payload != nil {
		b, err := json.Marshal(sub.Payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		payload = b
	}

	id := uuid.New().String()
	if sub.IdempotencyKey != "" {
		for {
			ok, err := l.store.SetNX(ctx, idemPrefix+sub.IdempotencyKey, []byte(id), faststore.NoExpiry)
			if err != nil {
				return nil, fmt.Errorf("reserving idempotency key: %w", err)
			}
			if ok {
				break
			}
			reserved, err := l.store.Get(ctx, idemPrefix+sub.IdempotencyKey)
			if errors.Is(err, faststore.ErrNotFound) {
				// key aged out between the reserve and the read, try again
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("reading idempotency key: %w", err)
			}
			existing, err := l.Get(ctx, string(reserved))
			if err == nil {
				if existing.Type != sub.Type {
					return nil, fmt.Errorf("key %q is bound to a %q task: %w",
						sub.IdempotencyKey, existing.Type, ErrIdempotencyConflict)
				}
				tasksDeduplicated.Inc()
				return existing, nil
			}
			if !errors.Is(err, ErrTaskNotFound) {
				return nil, err
			}
			// the key is reserved but the record never landed: a prior
			// submit died mid-flight, so adopt its ID and finish the job
			id = string(reserved)
			break
		}
	}

	now := time.Now()
	notBefore := sub.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}
	maxAttempts := sub.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = l.maxAttempts
	}
	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = l.hardTimeout
	}

	task := &Task{
		ID:             id,
		Type:           sub.Type,
		Payload:        payload,
		State:          StatePending,
		IdempotencyKey: sub.IdempotencyKey,
		MaxAttempts:    maxAttempts,
		Timeout:        timeout,
		NotBefore:      notBefore,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	b, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}

	ok, err := l.store.CompareAndSwap(ctx, taskPrefix+id, nil, b, faststore.NoExpiry)
	if err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}
	if !ok {
		// a concurrent submit with the same reservation wrote the record first
		tasksDeduplicated.Inc()
		return l.Get(ctx, id)
	}
	if _, err := l.store.SortedAddIfAbsent(ctx, scheduleKey, id, scoreFor(notBefore)); err != nil {
		return nil, fmt.Errorf("scheduling task: %w", err)
	}
	tasksSubmitted.Inc()
	l.log.Debug("task submitted", "id", id, "type", sub.Type)
	return task, nil
}

func (l *Ledger) load(ctx context.Context, id string) (*Task, []byte, error) {
	raw, err := l.store.Get(ctx, taskPrefix+id)
	if errors.Is(err, faststore.ErrNotFound) {
		return nil, nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading task %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, nil, fmt.Errorf("decoding task %s: %w", id, err)
	}
	return &t, raw, nil
}

// swap replaces a task record if it still holds the bytes the caller read.
func (l *Ledger) swap(ctx context.Context, id string, oldRaw []byte, next *Task, ttl time.Duration) (bool, error) {
	nb, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encoding task %s: %w", id, err)
	}
	ok, err := l.store.CompareAndSwap(ctx, taskPrefix+id, oldRaw, nb, ttl)
	if err != nil {
		return false, fmt.Errorf("updating task %s: %w", id, err)
	}
	return ok, nil
}

// Get returns the current record for a task.
func (l *Ledger) Get(ctx context.Context, id string) (*Task, error) {
	t, _, err := l.load(ctx, id)
	return t, err
}

// Cancel requests that a task stop. Unclaimed tasks are dead-lettered at
// the next claim scan; running tasks observe the flag at their next
// heartbeat and stop without finishing the attempt.
func (l *Ledger) Cancel(ctx context.Context, id string) error {
	t, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Terminal() {
		return fmt.Errorf("task %s is already %s: %w", id, t.State, ErrTaskTerminal)
	}
	if err := l.store.Set(ctx, cancelPrefix+id, []byte("1"), cancelFlagTTL); err != nil {
		return fmt.Errorf("flagging task %s for cancellation: %w", id, err)
	}
	tasksCanceled.Inc()
	return nil
}

// canceled reports whether a cancellation flag is set. Store errors count
// as not-canceled so an outage cannot stop in-flight work.
func (l *Ledger) canceled(ctx context.Context, id string) bool {
	ok, err := l.store.Exists(ctx, cancelPrefix+id)
	if err != nil {
		l.log.Warn("failed to check cancellation flag", "id", id, "err", err)
		return false
	}
	return ok
}

// claimNext scans the schedule for due work and tries to win a claim on
// it. Exactly one caller can move a task to running; losers move on to the
// next candidate. A nil task with a nil error means nothing is due.
func (l *Ledger) claimNext(ctx context.Context, workerID string, now time.Time) (*Task, error) {
	ctx, span := tracer.Start(ctx, "claimNext")
	defer span.End()

	due, err := l.store.SortedRangeByScore(ctx, scheduleKey, math.Inf(-1), scoreFor(now), l.claimPage)
	if err != nil {
		return nil, fmt.Errorf("scanning schedule: %w", err)
	}

	for _, m := range due {
		id := m.Value
		task, raw, err := l.load(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			// record aged out from under its schedule entry
			if err := l.store.SortedRemove(ctx, scheduleKey, id); err != nil {
				l.log.Warn("failed to drop stale schedule entry", "id", id, "err", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		switch task.State {
		case StatePending, StateFailed:
		case StateRunning:
			// expired claim, the reaper owns that transition
			continue
		default:
			if err := l.store.SortedRemove(ctx, scheduleKey, id); err != nil {
				l.log.Warn("failed to drop stale schedule entry", "id", id, "err", err)
			}
			continue
		}
		if task.NotBefore.After(now) {
			continue
		}

		if l.canceled(ctx, id) {
			if err := l.deadLetter(ctx, task, raw, ReasonCanceled, "canceled before execution", now); err != nil && !errors.Is(err, ErrClaimExpired) {
				l.log.Warn("failed to dead-letter canceled task", "id", id, "err", err)
			}
			continue
		}

		claimed := *task
		claimed.State = StateRunning
		claimed.ClaimedBy = workerID
		claimed.Attempts = task.Attempts + 1
		claimed.ClaimDeadline = now.Add(task.Timeout)
		claimed.UpdatedAt = now

		ok, err := l.swap(ctx, id, raw, &claimed, faststore.NoExpiry)
		if err != nil {
			return nil, err
		}
		if !ok {
			// another worker won the claim
			continue
		}
		if err := l.store.SortedAdd(ctx, scheduleKey, id, scoreFor(claimed.ClaimDeadline)); err != nil {
			l.log.Warn("failed to re-score claimed task", "id", id, "err", err)
		}
		tasksClaimed.Inc()
		return &claimed, nil
	}
	return nil, nil
}

// verifyClaim re-reads a task and checks the caller still holds the claim.
func (l *Ledger) verifyClaim(ctx context.Context, claim *Task) (*Task, []byte, error) {
	cur, raw, err := l.load(ctx, claim.ID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, nil, ErrClaimExpired
	}
	if err != nil {
		return nil, nil, err
	}
	if cur.State != StateRunning || cur.ClaimedBy != claim.ClaimedBy || cur.Attempts != claim.Attempts {
		return nil, nil, ErrClaimExpired
	}
	return cur, raw, nil
}

// markSucceeded finalizes a claim after a clean handler run. The finished
// record and its idempotency key age out together after SucceededTTL.
func (l *Ledger) markSucceeded(ctx context.Context, claim *Task) error {
	cur, raw, err := l.verifyClaim(ctx, claim)
	if err != nil {
		return err
	}
	now := time.Now()
	next := *cur
	next.State = StateSucceeded
	next.ClaimedBy = ""
	next.ClaimDeadline = time.Time{}
	next.LastError = ""
	next.UpdatedAt = now

	ok, err := l.swap(ctx, claim.ID, raw, &next, l.succeededTTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrClaimExpired
	}
	if err := l.store.SortedRemove(ctx, scheduleKey, claim.ID); err != nil {
		l.log.Warn("failed to unschedule finished task", "id", claim.ID, "err", err)
	}
	if cur.IdempotencyKey != "" {
		if err := l.store.Set(ctx, idemPrefix+cur.IdempotencyKey, []byte(claim.ID), l.succeededTTL); err != nil {
			l.log.Warn("failed to expire idempotency key", "id", claim.ID, "err", err)
		}
	}
	tasksSucceeded.Inc()
	return nil
}

// markFailed records a failed attempt, either scheduling a retry with
// backoff or dead-lettering per the error classification and the attempt
// budget.
func (l *Ledger) markFailed(ctx context.Context, claim *Task, taskErr error) error {
	cur, raw, err := l.verifyClaim(ctx, claim)
	if err != nil {
		return err
	}
	now := time.Now()
	msg := taskErr.Error()

	if !IsTransient(taskErr) {
		tasksFailed.WithLabelValues("permanent").Inc()
		return l.deadLetter(ctx, cur, raw, ReasonPermanent, msg, now)
	}
	tasksFailed.WithLabelValues("transient").Inc()
	if cur.Attempts >= cur.MaxAttempts {
		return l.deadLetter(ctx, cur, raw, ReasonMaxAttempts, msg, now)
	}

	delay := computeBackoff(cur.Attempts, l.baseBackoff, l.maxBackoff)
	next := *cur
	next.State = StateFailed
	next.ClaimedBy = ""
	next.ClaimDeadline = time.Time{}
	next.LastError = msg
	next.NotBefore = now.Add(delay)
	next.UpdatedAt = now

	ok, err := l.swap(ctx, claim.ID, raw, &next, faststore.NoExpiry)
	if err != nil {
		return err
	}
	if !ok {
		return ErrClaimExpired
	}
	if err := l.store.SortedAdd(ctx, scheduleKey, claim.ID, scoreFor(next.NotBefore)); err != nil {
		return fmt.Errorf("scheduling retry: %w", err)
	}
	l.log.Info("task attempt failed, will retry",
		"id", claim.ID, "type", claim.Type, "attempt", cur.Attempts, "retryIn", delay, "err", msg)
	return nil
}

// markCanceled dead-letters a running task whose cancellation flag was
// observed mid-execution.
func (l *Ledger) markCanceled(ctx context.Context, claim *Task) error {
	cur, raw, err := l.verifyClaim(ctx, claim)
	if err != nil {
		return err
	}
	return l.deadLetter(ctx, cur, raw, ReasonCanceled, "canceled during execution", time.Now())
}

func (l *Ledger) deadLetter(ctx context.Context, cur *Task, raw []byte, reason, lastErr string, now time.Time) error {
	rec := &DeadLetterRecord{
		TaskID:       cur.ID,
		Type:         cur.Type,
		Payload:      cur.Payload,
		AttemptCount: cur.Attempts,
		LastError:    lastErr,
		Reason:       reason,
		SubmittedAt:  cur.CreatedAt,
		DeadAt:       now,
	}
	rb, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding dead letter record: %w", err)
	}
	if err := l.store.Set(ctx, dlqPrefix+cur.ID, rb, faststore.NoExpiry); err != nil {
		return fmt.Errorf("writing dead letter record: %w", err)
	}

	next := *cur
	next.State = StateDeadLettered
	next.ClaimedBy = ""
	next.ClaimDeadline = time.Time{}
	next.LastError = lastErr
	next.UpdatedAt = now

	ok, err := l.swap(ctx, cur.ID, raw, &next, faststore.NoExpiry)
	if err != nil {
		return err
	}
	if !ok {
		return ErrClaimExpired
	}
	if err := l.store.SortedRemove(ctx, scheduleKey, cur.ID); err != nil {
		l.log.Warn("failed to unschedule dead-lettered task", "id", cur.ID, "err", err)
	}
	if err := l.store.SortedAdd(ctx, deadKey, cur.ID, scoreFor(now)); err != nil {
		l.log.Warn("failed to index dead letter record", "id", cur.ID, "err", err)
	}
	tasksDeadLettered.WithLabelValues(reason).Inc()
	l.log.Warn("task dead-lettered",
		"id", cur.ID, "type", cur.Type, "reason", reason, "attempts", cur.Attempts, "err", lastErr)
	return nil
}

// DeadLetter returns the dead letter record for one task.
func (l *Ledger) DeadLetter(ctx context.Context, id string) (*DeadLetterRecord, error) {
	raw, err := l.store.Get(ctx, dlqPrefix+id)
	if errors.Is(err, faststore.ErrNotFound) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotDeadLettered)
	}
	if err != nil {
		return nil, fmt.Errorf("reading dead letter record %s: %w", id, err)
	}
	var rec DeadLetterRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding dead letter record %s: %w", id, err)
	}
	return &rec, nil
}

// DeadLetters lists dead letter records, oldest first.
func (l *Ledger) DeadLetters(ctx context.Context, limit int64) ([]*DeadLetterRecord, error) {
	members, err := l.store.SortedRangeByScore(ctx, deadKey, math.Inf(-1), math.Inf(1), limit)
	if err != nil {
		return nil, fmt.Errorf("scanning dead letter queue: %w", err)
	}
	out := make([]*DeadLetterRecord, 0, len(members))
	for _, m := range members {
		rec, err := l.DeadLetter(ctx, m.Value)
		if errors.Is(err, ErrNotDeadLettered) {
			// replayed since the scan
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Replay re-queues a dead-lettered task with a fresh attempt budget. The
// task keeps its identity and payload; the dead letter record drops out of
// the queue listing but its bytes stay readable for audit.
func (l *Ledger) Replay(ctx context.Context, id string) (*Task, error) {
	cur, raw, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State != StateDeadLettered {
		return nil, fmt.Errorf("replaying task %s in state %q: %w", id, cur.State, ErrNotDeadLettered)
	}
	now := time.Now()
	next := *cur
	next.State = StatePending
	next.Attempts = 0
	next.LastError = ""
	next.NotBefore = now
	next.UpdatedAt = now

	ok, err := l.swap(ctx, id, raw, &next, faststore.NoExpiry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("task %s changed during replay", id)
	}
	if err := l.store.Delete(ctx, cancelPrefix+id); err != nil {
		l.log.Warn("failed to clear cancellation flag", "id", id, "err", err)
	}
	if err := l.store.SortedRemove(ctx, deadKey, id); err != nil {
		l.log.Warn("failed to remove task from dead letter index", "id", id, "err", err)
	}
	if err := l.store.SortedAdd(ctx, scheduleKey, id, scoreFor(now)); err != nil {
		return nil, fmt.Errorf("scheduling replayed task: %w", err)
	}
	tasksReplayed.Inc()
	l.log.Info("task replayed", "id", id, "type", cur.Type)
	return &next, nil
}

// PruneDeadLetters removes dead letter records that were dead-lettered
// before cutoff, along with their task records. Records are never modified
// while they live; retention is the only way they leave the store.
func (l *Ledger) PruneDeadLetters(ctx context.Context, cutoff time.Time) (int, error) {
	members, err := l.store.SortedRangeByScore(ctx, deadKey, math.Inf(-1), scoreFor(cutoff), 0)
	if err != nil {
		return 0, fmt.Errorf("scanning dead letter queue: %w", err)
	}
	pruned := 0
	for _, m := range members {
		id := m.Value
		cur, _, err := l.load(ctx, id)
		if err != nil && !errors.Is(err, ErrTaskNotFound) {
			return pruned, err
		}
		if err == nil && cur.State != StateDeadLettered {
			// replayed since it was indexed, leave the record alone
			if err := l.store.SortedRemove(ctx, deadKey, id); err != nil {
				return pruned, fmt.Errorf("unindexing %s: %w", id, err)
			}
			continue
		}
		if err := l.store.Delete(ctx, dlqPrefix+id, taskPrefix+id, cancelPrefix+id); err != nil {
			return pruned, fmt.Errorf("pruning %s: %w", id, err)
		}
		if err := l.store.SortedRemove(ctx, deadKey, id); err != nil {
			return pruned, fmt.Errorf("unindexing %s: %w", id, err)
		}
		tasksPruned.Inc()
		pruned++
	}
	if pruned > 0 {
		l.log.Info("pruned dead letter records", "count", pruned, "cutoff", cutoff)
	}
	return pruned, nil
}

// AwaitTerminal polls until the task reaches a terminal state or the
// context expires. Mostly useful in tests and CLI tooling.
func (l *Ledger) AwaitTerminal(ctx context.Context, id string, poll time.Duration) (*Task, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	tick := time.NewTicker(poll)
	defer tick.Stop()
	for {
		t, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-tick.C:
		}
	}
}
