// Package cache is the cache-aside layer over the fast store. Reads go
// through Get/GetOrLoad; writers never set the cache directly, they call
// Invalidate after committing to the backing store and let the next read
// repopulate.
//
// The cache is never authoritative. Every operation degrades to a miss (and
// a logged warning) when the fast store is unreachable, so a cache outage
// costs latency, not correctness.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/driftline/ballast/faststore"

	rediscache "github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// prefix strings for all the fast-store keys this cache uses
var entryPrefix string = "cache/"
var lockPrefix string = "cachelock/"

// invalidationChannel carries invalidation fan-out to peer instances so
// they can purge their in-process caches.
const invalidationChannel = "cache/invalidate"

// LoaderFunc fetches the authoritative value from the backing store.
type LoaderFunc func(ctx context.Context) (any, error)

type Options struct {
	// Store is the fast-store adapter. Required.
	Store faststore.Store
	// Redis, when set, routes entry reads and writes through the go-redis
	// cache layer (msgpack encoding plus an in-process TinyLFU cache). It
	// must be the same client backing Store. When nil, entries are stored
	// as JSON directly in Store.
	Redis *redis.Client

	// DefaultTTL applies when a caller passes a zero TTL. Default 1 hour.
	DefaultTTL time.Duration
	// JitterPct spreads entry TTLs by ±pct% so entries populated together
	// do not expire together. Default 10.
	JitterPct int
	// LockTTL bounds how long a crashed loader can hold the per-key loader
	// lock. Default 10s.
	LockTTL time.Duration
	// WaitTimeout bounds how long a caller waits on another process's load
	// before running the loader itself. Default 2s.
	WaitTimeout time.Duration
	// WaitPoll is the cache re-check interval while waiting. Default 50ms.
	WaitPoll time.Duration

	// LocalSize is the TinyLFU entry budget (redis mode only). Default 10_000.
	LocalSize int
	// LocalTTL bounds in-process staleness after a prefix invalidation,
	// which cannot purge peer local caches precisely. Keep it short.
	// Default 5s.
	LocalTTL time.Duration

	Logger *slog.Logger
}

// Manager implements cache-aside with per-key load deduplication: concurrent
// misses coalesce in-process, and a short-TTL lock key in the fast store
// keeps concurrent processes from loading the same key at once. Lock waiters
// are bounded by WaitTimeout, after which they load directly rather than
// block indefinitely.
type Manager struct {
	store   faststore.Store
	entries entryStore
	flight  singleflight.Group

	defaultTTL  time.Duration
	jitterPct   int
	lockTTL     time.Duration
	waitTimeout time.Duration
	waitPoll    time.Duration

	log *slog.Logger
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("cache: fast store is required")
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	if opts.JitterPct < 0 || opts.JitterPct > 50 {
		return nil, fmt.Errorf("cache: jitter percent out of range: %d", opts.JitterPct)
	}
	if opts.JitterPct == 0 {
		opts.JitterPct = 10
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 2 * time.Second
	}
	if opts.WaitPoll <= 0 {
		opts.WaitPoll = 50 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var entries entryStore
	if opts.Redis != nil {
		if opts.LocalSize <= 0 {
			opts.LocalSize = 10_000
		}
		if opts.LocalTTL <= 0 {
			opts.LocalTTL = 5 * time.Second
		}
		entries = &redisEntries{c: rediscache.New(&rediscache.Options{
			Redis:      opts.Redis,
			LocalCache: rediscache.NewTinyLFU(opts.LocalSize, opts.LocalTTL),
		})}
	} else {
		entries = &storeEntries{s: opts.Store}
	}

	return &Manager{
		store:       opts.Store,
		entries:     entries,
		defaultTTL:  opts.DefaultTTL,
		jitterPct:   opts.JitterPct,
		lockTTL:     opts.LockTTL,
		waitTimeout: opts.WaitTimeout,
		waitPoll:    opts.WaitPoll,
		log:         opts.Logger.With("source", "cache"),
	}, nil
}

// Get reads key into dest, reporting whether it was found. Fast-store
// failures are treated as misses.
func (m *Manager) Get(ctx context.Context, key string, dest any) bool {
	err := m.entries.get(ctx, entryPrefix+key, dest)
	if err == nil {
		cacheHits.Inc()
		return true
	}
	if errors.Is(err, faststore.ErrNotFound) {
		cacheMisses.Inc()
		return false
	}
	cacheFailOpens.Inc()
	m.log.Warn("cache read failed", "key", key, "err", err)
	return false
}

// Set writes key with a jittered TTL. Most callers should rely on
// GetOrLoad plus Invalidate instead; Set races against concurrent writers.
func (m *Manager) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	return m.setEntry(ctx, entryPrefix+key, val, ttl)
}

// Exists reports whether key is currently cached.
func (m *Manager) Exists(ctx context.Context, key string) (bool, error) {
	return m.store.Exists(ctx, entryPrefix+key)
}

// TTL returns the remaining lifetime of a cached key.
func (m *Manager) TTL(ctx context.Context, key string) (time.Duration, error) {
	return m.store.TTL(ctx, entryPrefix+key)
}

// GetOrLoad is the canonical read path: return the cached value, or load
// it from the backing store and cache it. A zero ttl uses the default.
//
// Loader errors propagate to every coalesced caller and are never cached.
func (m *Manager) GetOrLoad(ctx context.Context, key string, ttl time.Duration, dest any, loader LoaderFunc) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	full := entryPrefix + key

	err := m.entries.get(ctx, full, dest)
	if err == nil {
		cacheHits.Inc()
		return nil
	}
	if errors.Is(err, faststore.ErrNotFound) {
		cacheMisses.Inc()
	} else {
		cacheFailOpens.Inc()
		m.log.Warn("cache read failed, treating as miss", "key", key, "err", err)
	}

	// Coalesce concurrent misses for the same key onto one resolution.
	v, err, shared := m.flight.Do(key, func() (interface{}, error) {
		return m.resolveMiss(ctx, key, full, ttl, loader)
	})
	if err != nil {
		return err
	}
	if shared {
		cacheCoalesced.Inc()
	}

	// The degraded paths hand the loaded value back directly because the
	// cache write failed or was skipped.
	if b, ok := v.([]byte); ok && b != nil {
		return json.Unmarshal(b, dest)
	}

	if err := m.entries.get(ctx, full, dest); err == nil {
		return nil
	}
	// The entry was filled and already evicted or invalidated. Load
	// directly rather than looping.
	b, err := m.loadEncode(ctx, full, ttl, loader)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dest)
}

// resolveMiss fills the cache for key, deduplicating loads across processes
// with a short-TTL lock key. It returns nil when the value is in the cache,
// or the JSON-encoded value when the cache could not be written.
func (m *Manager) resolveMiss(ctx context.Context, key, full string, ttl time.Duration, loader LoaderFunc) ([]byte, error) {
	// another caller may have filled the entry while we queued
	if ok, err := m.store.Exists(ctx, full); err == nil && ok {
		return nil, nil
	}

	lockKey := lockPrefix + key
	won, err := m.store.SetNX(ctx, lockKey, []byte("1"), m.lockTTL)
	if err != nil {
		cacheFailOpens.Inc()
		m.log.Warn("loader lock unavailable, loading directly", "key", key, "err", err)
		return m.loadEncode(ctx, full, ttl, loader)
	}

	if !won {
		// Another process is loading this key. Wait for the fill, bounded
		// by waitTimeout, then fall back to loading it ourselves.
		deadline := time.Now().Add(m.waitTimeout)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.waitPoll):
			}
			ok, err := m.store.Exists(ctx, full)
			if err != nil {
				break
			}
			if ok {
				return nil, nil
			}
		}
		cacheDegradedLoads.Inc()
		m.log.Warn("timed out waiting on peer load, loading directly", "key", key)
		return m.loadEncode(ctx, full, ttl, loader)
	}

	defer func() {
		if err := m.store.Delete(ctx, lockKey); err != nil {
			// the lock TTL will release it
			m.log.Warn("loader lock release failed", "key", key, "err", err)
		}
	}()

	val, err := m.runLoader(ctx, loader)
	if err != nil {
		return nil, err
	}
	if err := m.setEntry(ctx, full, val, ttl); err != nil {
		cacheWriteFailures.Inc()
		m.log.Warn("cache write failed", "key", key, "err", err)
		b, merr := json.Marshal(val)
		if merr != nil {
			return nil, fmt.Errorf("encoding loaded value: %w", merr)
		}
		return b, nil
	}
	return nil, nil
}

// loadEncode runs the loader directly, writes the cache best-effort, and
// returns the JSON-encoded value for the caller to decode.
func (m *Manager) loadEncode(ctx context.Context, full string, ttl time.Duration, loader LoaderFunc) ([]byte, error) {
	val, err := m.runLoader(ctx, loader)
	if err != nil {
		return nil, err
	}
	if err := m.setEntry(ctx, full, val, ttl); err != nil {
		cacheWriteFailures.Inc()
		m.log.Warn("cache write failed", "key", full, "err", err)
	}
	b, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("encoding loaded value: %w", err)
	}
	return b, nil
}

func (m *Manager) runLoader(ctx context.Context, loader LoaderFunc) (any, error) {
	cacheLoads.Inc()
	val, err := loader(ctx)
	if err != nil {
		cacheLoadErrors.Inc()
		return nil, err
	}
	return val, nil
}

func (m *Manager) setEntry(ctx context.Context, full string, val any, ttl time.Duration) error {
	return m.entries.set(ctx, full, val, m.jitterTTL(ttl))
}

// jitterTTL spreads ttl by ±jitterPct% so entries cached in a burst do not
// expire in a burst.
func (m *Manager) jitterTTL(ttl time.Duration) time.Duration {
	if m.jitterPct <= 0 || ttl <= 0 {
		return ttl
	}
	span := float64(ttl) * float64(m.jitterPct) / 100.0
	return ttl + time.Duration((rand.Float64()*2-1)*span)
}

// Invalidate removes keys after a backing-store mutation and fans the
// removal out to peer instances.
func (m *Manager) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	fulls := make([]string, len(keys))
	for i, k := range keys {
		fulls[i] = entryPrefix + k
	}
	if err := m.entries.del(ctx, fulls...); err != nil {
		return fmt.Errorf("invalidating keys: %w", err)
	}
	cacheInvalidations.WithLabelValues("key").Add(float64(len(keys)))
	for _, fk := range fulls {
		m.publishInvalidation(ctx, invalidationMsg{Key: fk})
	}
	return nil
}

// InvalidatePrefix removes every cached key under prefix, returning how many
// were removed. Zero matches is success. Peer in-process caches cannot be
// purged by prefix; their staleness is bounded by LocalTTL.
func (m *Manager) InvalidatePrefix(ctx context.Context, prefix string) (int64, error) {
	n, err := m.store.DeletePrefix(ctx, entryPrefix+prefix)
	if err != nil {
		return n, fmt.Errorf("invalidating prefix %q: %w", prefix, err)
	}
	cacheInvalidations.WithLabelValues("prefix").Inc()
	return n, nil
}

type invalidationMsg struct {
	Key string `json:"key,omitempty"`
}

func (m *Manager) publishInvalidation(ctx context.Context, msg invalidationMsg) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := m.store.Publish(ctx, invalidationChannel, b); err != nil {
		m.log.Warn("invalidation publish failed", "err", err)
	}
}

// Run consumes invalidation fan-out from peer instances and purges the
// in-process cache layer. It blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	sub, err := m.store.Subscribe(ctx, invalidationChannel)
	if err != nil {
		return fmt.Errorf("subscribing to invalidations: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			var inv invalidationMsg
			if err := json.Unmarshal(msg.Payload, &inv); err != nil {
				m.log.Warn("bad invalidation message", "err", err)
				continue
			}
			if inv.Key != "" {
				m.entries.delLocal(inv.Key)
			}
		}
	}
}

// entryStore is the serialization layer for cache entries.
type entryStore interface {
	get(ctx context.Context, key string, dest any) error
	set(ctx context.Context, key string, val any, ttl time.Duration) error
	del(ctx context.Context, keys ...string) error
	delLocal(key string)
}

// redisEntries stores entries through go-redis/cache: msgpack encoding with
// an in-process TinyLFU layer in front of redis.
type redisEntries struct {
	c *rediscache.Cache
}

func (e *redisEntries) get(ctx context.Context, key string, dest any) error {
	err := e.c.Get(ctx, key, dest)
	if err == rediscache.ErrCacheMiss {
		return faststore.ErrNotFound
	}
	return err
}

func (e *redisEntries) set(ctx context.Context, key string, val any, ttl time.Duration) error {
	return e.c.Set(&rediscache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: val,
		TTL:   ttl,
	})
}

func (e *redisEntries) del(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := e.c.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (e *redisEntries) delLocal(key string) {
	e.c.DeleteFromLocalCache(key)
}

// storeEntries stores entries as JSON directly in the fast store. Used in
// memory-backed deployments and tests.
type storeEntries struct {
	s faststore.Store
}

func (e *storeEntries) get(ctx context.Context, key string, dest any) error {
	b, err := e.s.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dest)
}

func (e *storeEntries) set(ctx context.Context, key string, val any, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return e.s.Set(ctx, key, b, ttl)
}

func (e *storeEntries) del(ctx context.Context, keys ...string) error {
	return e.s.Delete(ctx, keys...)
}

func (e *storeEntries) delLocal(key string) {}
