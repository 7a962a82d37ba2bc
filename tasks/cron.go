package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Definition is one recurring task: a cron schedule plus a submission
// template.
type Definition struct {
	// ID names the definition and keys its idempotent submissions.
	ID string
	// Schedule is a standard five-field cron expression or a descriptor
	// like @hourly or @every 24h.
	Schedule string

	Type        string
	Payload     any
	MaxAttempts int
	Timeout     time.Duration
}

type schedulerEntry struct {
	def      Definition
	schedule cron.Schedule
}

// Scheduler turns recurring definitions into idempotent submissions. Every
// replica can run a Scheduler against the shared ledger: a firing slot
// submits under a key derived from the definition ID and the slot time, so
// exactly one task per slot exists no matter how many replicas fire.
type Scheduler struct {
	ledger  *Ledger
	entries []schedulerEntry
	log     *slog.Logger
}

// NewScheduler validates and parses all definitions up front so a bad
// schedule or an unregistered task type fails at startup, not at 3am.
func NewScheduler(ledger *Ledger, defs []Definition, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries := make([]schedulerEntry, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("recurring definition needs an ID")
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate recurring definition %q", def.ID)
		}
		seen[def.ID] = true
		if _, ok := ledger.registry.Handler(def.Type); !ok {
			return nil, fmt.Errorf("recurring definition %q: %w", def.ID, ErrNotRegistered)
		}
		sched, err := cron.ParseStandard(def.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parsing schedule for %q: %w", def.ID, err)
		}
		entries = append(entries, schedulerEntry{def: def, schedule: sched})
	}
	return &Scheduler{
		ledger:  ledger,
		entries: entries,
		log:     logger.With("source", "task_scheduler"),
	}, nil
}

// Run fires definitions at their scheduled times until the context is
// canceled. Submission errors are logged, never fatal; the next slot tries
// again.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.entries) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	next := make([]time.Time, len(s.entries))
	now := time.Now()
	for i, e := range s.entries {
		next[i] = e.schedule.Next(now)
	}
	s.log.Info("starting recurring task scheduler", "definitions", len(s.entries))

	for {
		idx := 0
		for i := range next {
			if next[i].Before(next[idx]) {
				idx = i
			}
		}
		timer := time.NewTimer(time.Until(next[idx]))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		slot := next[idx]
		s.fire(ctx, s.entries[idx].def, slot)
		// slots missed while stalled are skipped, not replayed
		next[idx] = s.entries[idx].schedule.Next(time.Now())
	}
}

func (s *Scheduler) fire(ctx context.Context, def Definition, slot time.Time) {
	_, err := s.ledger.Submit(ctx, Submission{
		Type:           def.Type,
		Payload:        def.Payload,
		IdempotencyKey: fmt.Sprintf("cron:%s:%d", def.ID, slot.Unix()),
		MaxAttempts:    def.MaxAttempts,
		Timeout:        def.Timeout,
	})
	if err != nil {
		s.log.Error("failed to submit recurring task", "definition", def.ID, "err", err)
		return
	}
	s.log.Debug("recurring task fired", "definition", def.ID, "slot", slot)
}
