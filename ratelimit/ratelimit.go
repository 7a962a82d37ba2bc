// Package ratelimit is a per-identity sliding-window rate limiter backed by
// the fast store. Each identity keeps an ordered set of request timestamps;
// the trim, count, and insert happen as one atomic fast-store operation, so
// concurrent callers can never overshoot the limit.
//
// When the fast store is unreachable the limiter degrades by FailMode
// instead of failing the request: allow everything (default), enforce a
// per-process approximation, or deny everything.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/driftline/ballast/faststore"

	"github.com/RussellLuo/slidingwindow"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// prefix string for all the fast-store keys the limiter uses
var limiterPrefix string = "ratelimit/"

// FailMode picks the admission behavior while the fast store is down.
type FailMode string

const (
	// FailOpen allows every request. Admission control should not become
	// a total outage.
	FailOpen FailMode = "open"
	// FailLocal enforces a per-process sliding window per identity. With N
	// processes the effective cluster limit is up to N times the
	// configured one.
	FailLocal FailMode = "local"
	// FailClosed denies every request.
	FailClosed FailMode = "closed"
)

func ParseFailMode(s string) (FailMode, error) {
	switch FailMode(s) {
	case FailOpen, FailLocal, FailClosed:
		return FailMode(s), nil
	}
	return "", fmt.Errorf("unknown rate-limit fail mode %q", s)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest request in the window ages out, freeing a
	// slot. For a denied request this is the earliest useful retry time.
	ResetAt time.Time
}

type Options struct {
	// Store is the fast-store adapter. Required.
	Store faststore.Store
	// Limit is the default max admissions per window. Default 100.
	Limit int
	// Window is the default trailing window. Default 1 minute.
	Window time.Duration
	// FailMode is the degraded behavior on store errors. Default FailOpen.
	FailMode FailMode
	// LocalIdentities bounds how many per-identity windows FailLocal keeps
	// in memory. Default 10_000.
	LocalIdentities int

	Logger *slog.Logger
}

type Limiter struct {
	store    faststore.Store
	limit    int
	window   time.Duration
	failMode FailMode
	log      *slog.Logger

	// per-identity windows for FailLocal, created on first degraded check
	// and dropped after idling one window
	localMu sync.Mutex
	local   *expirable.LRU[string, *slidingwindow.Limiter]
}

func NewLimiter(opts Options) (*Limiter, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("ratelimit: fast store is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.FailMode == "" {
		opts.FailMode = FailOpen
	}
	if _, err := ParseFailMode(string(opts.FailMode)); err != nil {
		return nil, err
	}
	if opts.LocalIdentities <= 0 {
		opts.LocalIdentities = 10_000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Limiter{
		store:    opts.Store,
		limit:    opts.Limit,
		window:   opts.Window,
		failMode: opts.FailMode,
		log:      opts.Logger.With("source", "ratelimit"),
		local:    expirable.NewLRU[string, *slidingwindow.Limiter](opts.LocalIdentities, nil, opts.Window),
	}, nil
}

// Allow runs an admission check for identity with the default limit and
// window.
func (l *Limiter) Allow(ctx context.Context, identity string) Decision {
	return l.AllowLimit(ctx, identity, l.limit, l.window)
}

// AllowLimit runs an admission check with an explicit limit and window,
// for callers with per-route or per-tier overrides.
func (l *Limiter) AllowLimit(ctx context.Context, identity string, limit int, window time.Duration) Decision {
	now := time.Now()
	// members must be unique per request; two requests in the same
	// millisecond would otherwise collapse into one set entry
	member := fmt.Sprintf("%d-%08x", now.UnixNano(), rand.Uint32())

	res, err := l.store.WindowReserve(ctx, limiterPrefix+identity, member, now, window, int64(limit))
	if err != nil {
		return l.degraded(identity, limit, window, now, err)
	}

	resetAt := now.Add(window)
	if res.Oldest > 0 {
		resetAt = time.UnixMilli(int64(res.Oldest)).Add(window)
	}
	if res.Allowed {
		admissionsAllowed.Inc()
		return Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - int(res.Count) - 1,
			ResetAt:   resetAt,
		}
	}
	admissionsDenied.Inc()
	return Decision{
		Allowed: false,
		Limit:   limit,
		ResetAt: resetAt,
	}
}

// Peek reports the current window state for identity without consuming a
// slot. Operator surface; errors are returned, not degraded.
func (l *Limiter) Peek(ctx context.Context, identity string) (Decision, error) {
	now := time.Now()
	key := limiterPrefix + identity
	floor := float64(now.Add(-l.window).UnixMilli()) + 1

	count, err := l.store.SortedCount(ctx, key, floor, math.Inf(1))
	if err != nil {
		return Decision{}, err
	}
	resetAt := now.Add(l.window)
	oldest, err := l.store.SortedRangeByScore(ctx, key, floor, math.Inf(1), 1)
	if err != nil {
		return Decision{}, err
	}
	if len(oldest) > 0 {
		resetAt = time.UnixMilli(int64(oldest[0].Score)).Add(l.window)
	}
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count < int64(l.limit),
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

func (l *Limiter) degraded(identity string, limit int, window time.Duration, now time.Time, cause error) Decision {
	admissionsDegraded.WithLabelValues(string(l.failMode)).Inc()
	d := Decision{Limit: limit, ResetAt: now.Add(window)}

	switch l.failMode {
	case FailClosed:
		l.log.Warn("rate limit store unavailable, denying", "identity", identity, "err", cause)
		return d
	case FailLocal:
		l.log.Warn("rate limit store unavailable, enforcing locally", "identity", identity, "err", cause)
		d.Allowed = l.allowLocal(identity, limit, window)
		return d
	default:
		l.log.Warn("rate limit store unavailable, allowing", "identity", identity, "err", cause)
		d.Allowed = true
		d.Remaining = limit - 1
		return d
	}
}

func (l *Limiter) allowLocal(identity string, limit int, window time.Duration) bool {
	key := fmt.Sprintf("%s|%d|%s", identity, limit, window)

	l.localMu.Lock()
	lim, ok := l.local.Get(key)
	if !ok {
		lim, _ = slidingwindow.NewLimiter(window, int64(limit), func() (slidingwindow.Window, slidingwindow.StopFunc) {
			return slidingwindow.NewLocalWindow()
		})
		l.local.Add(key, lim)
	}
	l.localMu.Unlock()

	return lim.Allow()
}
