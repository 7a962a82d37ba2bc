package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftline/ballast/faststore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, store faststore.Store, limit int, window time.Duration, mode FailMode) *Limiter {
	t.Helper()
	l, err := NewLimiter(Options{
		Store:    store,
		Limit:    limit,
		Window:   window,
		FailMode: mode,
	})
	require.NoError(t, err)
	return l
}

func TestLimiterScenario(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	l := newTestLimiter(t, faststore.NewMemStore(), 5, time.Minute, FailOpen)
	start := time.Now()

	// five requests fill the window, remaining counts down to zero
	for i, wantRemaining := range []int{4, 3, 2, 1, 0} {
		d := l.Allow(ctx, "client-1")
		assert.True(d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(5, d.Limit)
		assert.Equal(wantRemaining, d.Remaining)
	}

	// the sixth is denied and told when the oldest entry ages out
	d := l.Allow(ctx, "client-1")
	assert.False(d.Allowed)
	assert.Equal(0, d.Remaining)
	assert.WithinDuration(start.Add(time.Minute), d.ResetAt, time.Second)
}

func TestLimiterConcurrentNoOvershoot(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	l := newTestLimiter(t, faststore.NewMemStore(), 10, time.Minute, FailOpen)

	var wg sync.WaitGroup
	var allowed int32
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(ctx, "client-1").Allowed {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(int32(10), atomic.LoadInt32(&allowed), "admissions must never overshoot the limit")
}

func TestLimiterWindowSlides(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	l := newTestLimiter(t, faststore.NewMemStore(), 2, 150*time.Millisecond, FailOpen)

	assert.True(l.Allow(ctx, "c").Allowed)
	assert.True(l.Allow(ctx, "c").Allowed)
	assert.False(l.Allow(ctx, "c").Allowed)

	time.Sleep(200 * time.Millisecond)
	assert.True(l.Allow(ctx, "c").Allowed, "slots free up once old requests age out")
}

func TestLimiterIdentitiesIndependent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	l := newTestLimiter(t, faststore.NewMemStore(), 1, time.Minute, FailOpen)

	assert.True(l.Allow(ctx, "a").Allowed)
	assert.False(l.Allow(ctx, "a").Allowed)
	assert.True(l.Allow(ctx, "b").Allowed, "identities must not share windows")
}

func TestLimiterPeek(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	l := newTestLimiter(t, faststore.NewMemStore(), 5, time.Minute, FailOpen)

	l.Allow(ctx, "c")
	l.Allow(ctx, "c")

	for i := 0; i < 3; i++ {
		d, err := l.Peek(ctx, "c")
		assert.NoError(err)
		assert.True(d.Allowed)
		assert.Equal(3, d.Remaining, "peek must not consume a slot")
	}
}

// brokenWindowStore fails admission operations to simulate a store outage.
type brokenWindowStore struct {
	faststore.Store
}

var errWindowDown = errors.New("store down")

func (b *brokenWindowStore) WindowReserve(ctx context.Context, key, member string, now time.Time, window time.Duration, limit int64) (*faststore.WindowReservation, error) {
	return nil, errWindowDown
}

func TestLimiterFailOpen(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	l := newTestLimiter(t, &brokenWindowStore{Store: faststore.NewMemStore()}, 1, time.Minute, FailOpen)

	for i := 0; i < 5; i++ {
		d := l.Allow(ctx, "c")
		assert.True(d.Allowed, "fail-open must allow despite the outage")
	}
}

func TestLimiterFailClosed(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	l := newTestLimiter(t, &brokenWindowStore{Store: faststore.NewMemStore()}, 100, time.Minute, FailClosed)

	d := l.Allow(ctx, "c")
	assert.False(d.Allowed)
	assert.False(d.ResetAt.IsZero())
}

func TestLimiterFailLocal(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	l := newTestLimiter(t, &brokenWindowStore{Store: faststore.NewMemStore()}, 3, time.Minute, FailLocal)

	for i := 0; i < 3; i++ {
		assert.True(l.Allow(ctx, "c").Allowed, "request %d within local limit", i+1)
	}
	assert.False(l.Allow(ctx, "c").Allowed, "local enforcement still caps the identity")
	assert.True(l.Allow(ctx, "other").Allowed, "identities stay independent locally")
}

func TestParseFailMode(t *testing.T) {
	assert := assert.New(t)

	for _, mode := range []string{"open", "local", "closed"} {
		parsed, err := ParseFailMode(mode)
		assert.NoError(err)
		assert.Equal(FailMode(mode), parsed)
	}
	_, err := ParseFailMode("wide-open")
	assert.Error(err)
}
