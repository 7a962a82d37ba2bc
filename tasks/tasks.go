// Package tasks implements an idempotent task ledger with claim-based
// execution, retry scheduling, and a dead letter queue, all backed by a
// faststore.Store.
//
// Every task lives in the store as a serialized record, and every state
// transition is a compare-and-swap over that record, so any number of
// scheduler replicas can share one ledger without a coordinator. A single
// sorted set orders upcoming work: pending and failed tasks are scored by
// the time they become due, running tasks by their claim deadline, which
// lets the same scan drive both claiming and reaping.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// StatePending is the state of a task waiting for its first claim
	StatePending = "pending"
	// StateRunning is the state of a task currently held by a worker
	StateRunning = "running"
	// StateSucceeded is the state of a task whose handler returned cleanly
	StateSucceeded = "succeeded"
	// StateFailed is the state of a task waiting out a retry backoff
	StateFailed = "failed"
	// StateDeadLettered is the state of a task that exhausted its attempts
	// or failed permanently; it is never retried automatically
	StateDeadLettered = "dead_lettered"
)

// ErrTaskNotFound is returned when looking up a task ID the ledger does not know
var ErrTaskNotFound = errors.New("task not found")

// ErrNotRegistered is returned when submitting a task type no handler was registered for
var ErrNotRegistered = errors.New("task type not registered")

// ErrIdempotencyConflict is returned when an idempotency key is reused for a different task type
var ErrIdempotencyConflict = errors.New("idempotency key already used for a different task type")

// ErrClaimExpired is returned when reporting an outcome for a claim the reaper already reverted
var ErrClaimExpired = errors.New("task claim expired")

// ErrNotDeadLettered is returned when replaying a task that is not in the dead letter queue
var ErrNotDeadLettered = errors.New("task is not dead-lettered")

// ErrTaskTerminal is returned when canceling a task that already finished
var ErrTaskTerminal = errors.New("task already reached a terminal state")

// Task is the ledger record for one unit of work. The zero value is not
// usable; records are created by Ledger.Submit.
type Task struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	State          string          `json:"state"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`

	// Attempts counts executions that have started, including the current
	// one while the task is running.
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Timeout     time.Duration `json:"timeout"`

	// NotBefore is the earliest time a worker may claim the task. Retries
	// push it forward by the backoff schedule.
	NotBefore time.Time `json:"not_before"`

	ClaimedBy     string    `json:"claimed_by,omitempty"`
	ClaimDeadline time.Time `json:"claim_deadline"`

	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the task has reached a final state.
func (t *Task) Terminal() bool {
	return t.State == StateSucceeded || t.State == StateDeadLettered
}

// DeadLetterRecord preserves the final shape of a task that will not be
// retried. Records are written once and only read afterwards; replaying a
// task re-queues the task itself, not the record.
type DeadLetterRecord struct {
	TaskID       string          `json:"task_id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error"`
	Reason       string          `json:"reason"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	DeadAt       time.Time       `json:"dead_at"`
}

// Dead letter reasons.
var (
	ReasonMaxAttempts  = "max_attempts"
	ReasonPermanent    = "permanent"
	ReasonCanceled     = "canceled"
	ReasonClaimExpired = "claim_expired"
)

type classifiedError struct {
	err       error
	transient bool
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks a handler error as retryable. The scheduler will re-queue
// the task with backoff until MaxAttempts is reached.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, transient: true}
}

// Permanent marks a handler error as not retryable. The task is
// dead-lettered immediately regardless of remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, transient: false}
}

// IsTransient reports whether a handler error should be retried.
// Unclassified errors count as transient so that a forgotten wrapper
// degrades to retrying rather than silently dropping work.
func IsTransient(err error) bool {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.transient
	}
	return true
}

// Handler executes one attempt of a task. The context carries the hard
// execution deadline and is canceled when the task is canceled; handlers
// doing long work should watch it. Returning nil marks the task succeeded.
type Handler func(ctx context.Context, task *Task) error

// Registry maps task types to handlers. All registrations happen during
// startup; the registry freezes when workers start so the set of runnable
// types is fixed for the life of the process.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	frozen   bool
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task type. It fails on duplicate types and
// after the registry has been frozen.
func (r *Registry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return fmt.Errorf("task type must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %q must not be nil", taskType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %q", taskType)
	}
	if _, ok := r.handlers[taskType]; ok {
		return fmt.Errorf("task type %q already registered", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// Handler returns the handler for a task type, if one is registered.
func (r *Registry) Handler(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns the registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}
