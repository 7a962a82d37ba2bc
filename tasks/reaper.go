package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/driftline/ballast/faststore"
	"github.com/driftline/ballast/internal/ticker"
)

// ReapExpired scans the schedule for running tasks whose claim deadline
// has passed and reverts them: back to failed with a retry backoff if the
// attempt budget allows, otherwise into the dead letter queue. Returns the
// number of claims reverted.
//
// Workers that lost a claim this way get ErrClaimExpired when they report
// their late outcome, so an attempt is never recorded twice.
func (l *Ledger) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "ReapExpired")
	defer span.End()

	due, err := l.store.SortedRangeByScore(ctx, scheduleKey, math.Inf(-1), scoreFor(now), reapScanLimit)
	if err != nil {
		return 0, fmt.Errorf("scanning schedule: %w", err)
	}

	reaped := 0
	for _, m := range due {
		id := m.Value
		cur, raw, err := l.load(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			if err := l.store.SortedRemove(ctx, scheduleKey, id); err != nil {
				l.log.Warn("failed to drop stale schedule entry", "id", id, "err", err)
			}
			continue
		}
		if err != nil {
			return reaped, err
		}
		if cur.State != StateRunning || cur.ClaimDeadline.After(now) {
			continue
		}

		msg := fmt.Sprintf("claim by %s expired", cur.ClaimedBy)
		if cur.Attempts >= cur.MaxAttempts {
			if err := l.deadLetter(ctx, cur, raw, ReasonClaimExpired, msg, now); err != nil {
				if errors.Is(err, ErrClaimExpired) {
					// the worker reported an outcome first
					continue
				}
				return reaped, err
			}
		} else {
			delay := computeBackoff(cur.Attempts, l.baseBackoff, l.maxBackoff)
			next := *cur
			next.State = StateFailed
			next.ClaimedBy = ""
			next.ClaimDeadline = time.Time{}
			next.LastError = msg
			next.NotBefore = now.Add(delay)
			next.UpdatedAt = now

			ok, err := l.swap(ctx, id, raw, &next, faststore.NoExpiry)
			if err != nil {
				return reaped, err
			}
			if !ok {
				continue
			}
			if err := l.store.SortedAdd(ctx, scheduleKey, id, scoreFor(next.NotBefore)); err != nil {
				l.log.Warn("failed to re-score reaped task", "id", id, "err", err)
			}
			l.log.Warn("reverted expired claim", "id", id, "worker", cur.ClaimedBy, "attempt", cur.Attempts)
		}
		tasksReaped.Inc()
		reaped++
	}
	return reaped, nil
}

// RunReaper reverts expired claims on a fixed interval until the context
// is canceled. Store errors are logged and the loop keeps going.
func (l *Ledger) RunReaper(ctx context.Context, interval time.Duration) error {
	log := l.log.With("source", "task_reaper")
	log.Info("starting claim reaper", "interval", interval)
	return ticker.Periodically(ctx, interval, func(ctx context.Context) error {
		n, err := l.ReapExpired(ctx, time.Now())
		if err != nil {
			log.Error("reap pass failed", "err", err)
			return nil
		}
		if n > 0 {
			log.Info("reverted expired claims", "count", n)
		}
		return nil
	})
}
