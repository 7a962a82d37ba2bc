package faststore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemStore is a process-local Store for tests and development. A single
// mutex serializes every operation, which is what makes the compound
// operations atomic.
type MemStore struct {
	mu     sync.Mutex
	vals   map[string]memValue
	sorted map[string]map[string]float64
	subs   map[string][]*memSubscription
	closed bool
}

type memValue struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		vals:   make(map[string]memValue),
		sorted: make(map[string]map[string]float64),
		subs:   make(map[string][]*memSubscription),
	}
}

// getLocked returns the live value at key, reaping it if expired.
func (s *MemStore) getLocked(key string) ([]byte, bool) {
	v, ok := s.vals[key]
	if !ok {
		return nil, false
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		delete(s.vals, key)
		return nil, false
	}
	return v.data, true
}

func (s *MemStore) setLocked(key string, val []byte, ttl time.Duration) {
	v := memValue{data: bytes.Clone(val)}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	s.vals[key] = v
}

func (s *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.getLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (s *MemStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, val, ttl)
	return nil
}

func (s *MemStore) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.getLocked(key); ok {
		return false, nil
	}
	s.setLocked(key, val, ttl)
	return true, nil
}

func (s *MemStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.vals, key)
		delete(s.sorted, key)
	}
	return nil
}

func (s *MemStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key := range s.vals {
		if strings.HasPrefix(key, prefix) {
			delete(s.vals, key)
			removed++
		}
	}
	for key := range s.sorted {
		if strings.HasPrefix(key, prefix) {
			delete(s.sorted, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.getLocked(key)
	return ok, nil
}

func (s *MemStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vals[key]
	if !ok {
		return 0, ErrNotFound
	}
	if v.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	rem := time.Until(v.expiresAt)
	if rem <= 0 {
		delete(s.vals, key)
		return 0, ErrNotFound
	}
	return rem, nil
}

func (s *MemStore) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if cur, ok := s.getLocked(key); ok {
		parsed, err := strconv.ParseInt(string(cur), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not a counter: %w", key, err)
		}
		n = parsed
	}
	n += delta
	v := memValue{data: []byte(strconv.FormatInt(n, 10))}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	} else if prev, ok := s.vals[key]; ok {
		// counters keep their expiry when the bump carries no TTL
		v.expiresAt = prev.expiresAt
	}
	s.vals[key] = v
	return n, nil
}

func (s *MemStore) CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.getLocked(key)
	if old == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || !bytes.Equal(cur, old) {
			return false, nil
		}
	}
	s.setLocked(key, new, ttl)
	return true, nil
}

func (s *MemStore) SortedAdd(ctx context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sorted[key]
	if !ok {
		set = make(map[string]float64)
		s.sorted[key] = set
	}
	set[member] = score
	return nil
}

func (s *MemStore) SortedAddIfAbsent(ctx context.Context, key, member string, score float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sorted[key]
	if !ok {
		set = make(map[string]float64)
		s.sorted[key] = set
	}
	if _, exists := set[member]; exists {
		return false, nil
	}
	set[member] = score
	return true, nil
}

func (s *MemStore) SortedRemove(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sorted[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sorted, key)
	}
	return nil
}

func (s *MemStore) SortedRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Member
	for m, score := range s.sorted[key] {
		if score >= min && score <= max {
			out = append(out, Member{Value: m, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Value < out[j].Value
	})
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) SortedCount(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, score := range s.sorted[key] {
		if score >= min && score <= max {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) SortedTrimByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trimLocked(key, min, max), nil
}

func (s *MemStore) trimLocked(key string, min, max float64) int64 {
	set, ok := s.sorted[key]
	if !ok {
		return 0
	}
	var removed int64
	for m, score := range set {
		if score >= min && score <= max {
			delete(set, m)
			removed++
		}
	}
	if len(set) == 0 {
		delete(s.sorted, key)
	}
	return removed
}

func (s *MemStore) WindowReserve(ctx context.Context, key, member string, now time.Time, window time.Duration, limit int64) (*WindowReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := float64(now.UnixMilli())
	windowMs := float64(window.Milliseconds())
	s.trimLocked(key, 0, nowMs-windowMs)

	set, ok := s.sorted[key]
	if !ok {
		set = make(map[string]float64)
	}
	count := int64(len(set))
	res := &WindowReservation{Count: count}
	if count < limit {
		set[member] = nowMs
		s.sorted[key] = set
		res.Allowed = true
	}
	for _, score := range set {
		if res.Oldest == 0 || score < res.Oldest {
			res.Oldest = score
		}
	}
	return res, nil
}

func (s *MemStore) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := Message{Channel: channel, Payload: bytes.Clone(payload)}
	for _, sub := range s.subs[channel] {
		select {
		case sub.ch <- msg:
		default:
			// slow subscriber, drop
		}
	}
	return nil
}

func (s *MemStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("faststore: store closed")
	}
	sub := &memSubscription{store: s, channel: channel, ch: make(chan Message, 128)}
	s.subs[channel] = append(s.subs[channel], sub)
	return sub, nil
}

type memSubscription struct {
	store   *MemStore
	channel string
	ch      chan Message
	once    sync.Once
}

func (s *memSubscription) Messages() <-chan Message {
	return s.ch
}

func (s *memSubscription) Close() error {
	s.store.mu.Lock()
	list := s.store.subs[s.channel]
	for i, sub := range list {
		if sub == s {
			s.store.subs[s.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.store.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
	return nil
}

func (s *MemStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("faststore: store closed")
	}
	return nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*memSubscription
	for _, list := range s.subs {
		all = append(all, list...)
	}
	s.subs = make(map[string][]*memSubscription)
	s.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}
