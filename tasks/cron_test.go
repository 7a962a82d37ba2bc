package tasks

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerValidation(t *testing.T) {
	assert := assert.New(t)

	ledger, _ := newTestLedger(t)

	_, err := NewScheduler(ledger, []Definition{
		{ID: "nightly", Schedule: "not a schedule", Type: "test"},
	}, nil)
	assert.Error(err, "bad schedules fail at construction")

	_, err = NewScheduler(ledger, []Definition{
		{ID: "nightly", Schedule: "@daily", Type: "unregistered"},
	}, nil)
	assert.ErrorIs(err, ErrNotRegistered)

	_, err = NewScheduler(ledger, []Definition{
		{Schedule: "@daily", Type: "test"},
	}, nil)
	assert.Error(err, "definitions need an ID")

	_, err = NewScheduler(ledger, []Definition{
		{ID: "nightly", Schedule: "@daily", Type: "test"},
		{ID: "nightly", Schedule: "@hourly", Type: "test"},
	}, nil)
	assert.Error(err, "duplicate IDs are rejected")

	s, err := NewScheduler(ledger, []Definition{
		{ID: "nightly", Schedule: "0 3 * * *", Type: "test"},
		{ID: "cleanup", Schedule: "@every 24h", Type: "test"},
	}, nil)
	assert.NoError(err)
	assert.NotNil(s)
}

func TestSchedulerSlotDeduplicates(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	ledger, store := newTestLedger(t)
	s, err := NewScheduler(ledger, []Definition{
		{ID: "rollup", Schedule: "@hourly", Type: "test"},
	}, nil)
	require.NoError(err)

	// two replicas firing the same slot enqueue one task
	slot := time.Now().Truncate(time.Hour)
	s.fire(ctx, s.entries[0].def, slot)
	s.fire(ctx, s.entries[0].def, slot)

	queued, err := store.SortedCount(ctx, scheduleKey, math.Inf(-1), math.Inf(1))
	require.NoError(err)
	assert.Equal(int64(1), queued)

	// the next slot is new work
	s.fire(ctx, s.entries[0].def, slot.Add(time.Hour))
	queued, err = store.SortedCount(ctx, scheduleKey, math.Inf(-1), math.Inf(1))
	require.NoError(err)
	assert.Equal(int64(2), queued)
}

func TestSchedulerRunFires(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ledger, store := newTestLedger(t)
	s, err := NewScheduler(ledger, []Definition{
		{ID: "tick", Schedule: "@every 1s", Type: "test"},
	}, nil)
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 1300*time.Millisecond)
	defer cancel()
	err = s.Run(ctx)
	assert.ErrorIs(err, context.DeadlineExceeded)

	queued, err := store.SortedCount(context.Background(), scheduleKey, math.Inf(-1), math.Inf(1))
	require.NoError(err)
	assert.GreaterOrEqual(queued, int64(1), "at least one slot fired")
}
