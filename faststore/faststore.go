// Package faststore defines the narrow adapter over the shared low-latency
// store (Redis in production, in-memory for tests) that the cache, rate
// limiter, and task ledger coordinate through.
//
// Implementations must make every method safe for concurrent use, and the
// compound operations (CompareAndSwap, WindowReserve, SetNX,
// SortedAddIfAbsent) atomic with respect to all other callers, including
// callers in other processes.
package faststore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the key does not exist (or has expired).
var ErrNotFound = errors.New("faststore: key not found")

// NoExpiry marks a key that exists but carries no TTL.
const NoExpiry = time.Duration(-1)

// Member is one entry of a sorted set.
type Member struct {
	Value string
	Score float64
}

// WindowReservation is the outcome of a WindowReserve call.
type WindowReservation struct {
	// Allowed reports whether the member was admitted to the window.
	Allowed bool
	// Count is the number of live entries in the window before this call's
	// member was (maybe) added.
	Count int64
	// Oldest is the score of the oldest live entry after the call, or zero
	// when the window is empty.
	Oldest float64
}

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub stream. Messages are delivered best-effort:
// a subscriber that falls behind may miss messages.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store is the fast-store adapter. TTLs of zero or less mean no expiry
// unless a method documents otherwise.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes the value at key with the given TTL.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// SetNX writes the value only if the key is absent, reporting whether
	// the write happened.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix, returning how
	// many were removed. Zero matches is success.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of key, NoExpiry when the key has
	// no TTL, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Incr atomically adds delta to the integer counter at key and returns
	// the new value, refreshing the TTL. A missing key counts from zero.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// CompareAndSwap atomically replaces the value at key with new iff the
	// current value equals old, refreshing the TTL. A nil old means "key
	// must be absent". Reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error)

	// SortedAdd adds the member with the given score, updating the score if
	// the member already exists.
	SortedAdd(ctx context.Context, key, member string, score float64) error
	// SortedAddIfAbsent adds the member only if it is not already in the
	// set, reporting whether it was added.
	SortedAddIfAbsent(ctx context.Context, key, member string, score float64) (bool, error)
	// SortedRemove removes members. Missing members are not an error.
	SortedRemove(ctx context.Context, key string, members ...string) error
	// SortedRangeByScore returns up to limit members with min <= score <=
	// max, ascending. limit <= 0 means no limit.
	SortedRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]Member, error)
	// SortedCount counts members with min <= score <= max.
	SortedCount(ctx context.Context, key string, min, max float64) (int64, error)
	// SortedTrimByScore removes members with min <= score <= max, returning
	// how many were removed.
	SortedTrimByScore(ctx context.Context, key string, min, max float64) (int64, error)

	// WindowReserve atomically expires window entries older than now-window,
	// counts the survivors, and admits member (scored at now) iff the count
	// is below limit. This is the admission primitive for sliding-window
	// rate limiting; the trim, count, and add are a single atomic step.
	WindowReserve(ctx context.Context, key, member string, now time.Time, window time.Duration, limit int64) (*WindowReservation, error)

	// Publish sends payload to all current subscribers of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe opens a subscription to channel. The subscription stays
	// open after ctx is done; callers own Close.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}
