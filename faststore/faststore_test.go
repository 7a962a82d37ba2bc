package faststore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := NewMemStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(err, ErrNotFound)

	assert.NoError(s.Set(ctx, "k1", []byte("v1"), 0))
	b, err := s.Get(ctx, "k1")
	assert.NoError(err)
	assert.Equal([]byte("v1"), b)

	ok, err := s.Exists(ctx, "k1")
	assert.NoError(err)
	assert.True(ok)

	ttl, err := s.TTL(ctx, "k1")
	assert.NoError(err)
	assert.Equal(NoExpiry, ttl)

	assert.NoError(s.Set(ctx, "k2", []byte("v2"), time.Minute))
	ttl, err = s.TTL(ctx, "k2")
	assert.NoError(err)
	assert.True(ttl > 0 && ttl <= time.Minute)

	set, err := s.SetNX(ctx, "k1", []byte("other"), 0)
	assert.NoError(err)
	assert.False(set)
	set, err = s.SetNX(ctx, "k3", []byte("v3"), 0)
	assert.NoError(err)
	assert.True(set)

	assert.NoError(s.Delete(ctx, "k1", "k3"))
	_, err = s.Get(ctx, "k1")
	assert.ErrorIs(err, ErrNotFound)

	// expiry
	assert.NoError(s.Set(ctx, "short", []byte("x"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, err = s.Get(ctx, "short")
	assert.ErrorIs(err, ErrNotFound)
	_, err = s.TTL(ctx, "short")
	assert.ErrorIs(err, ErrNotFound)
}

func TestMemStoreIncr(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := NewMemStore()

	// missing key counts from zero
	n, err := s.Incr(ctx, "hits", 1, 0)
	assert.NoError(err)
	assert.Equal(int64(1), n)

	n, err = s.Incr(ctx, "hits", 5, 0)
	assert.NoError(err)
	assert.Equal(int64(6), n)

	n, err = s.Incr(ctx, "hits", -2, 0)
	assert.NoError(err)
	assert.Equal(int64(4), n)

	// a bump with a TTL refreshes the expiry
	_, err = s.Incr(ctx, "hits", 1, time.Minute)
	assert.NoError(err)
	ttl, err := s.TTL(ctx, "hits")
	assert.NoError(err)
	assert.True(ttl > 0 && ttl <= time.Minute)

	// a bump without one keeps it
	_, err = s.Incr(ctx, "hits", 1, 0)
	assert.NoError(err)
	ttl, err = s.TTL(ctx, "hits")
	assert.NoError(err)
	assert.True(ttl > 0 && ttl <= time.Minute)

	assert.NoError(s.Set(ctx, "text", []byte("not a number"), 0))
	_, err = s.Incr(ctx, "text", 1, 0)
	assert.Error(err)
}

func TestMemStoreDeletePrefix(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := NewMemStore()
	assert.NoError(s.Set(ctx, "user:1", []byte("a"), 0))
	assert.NoError(s.Set(ctx, "user:2", []byte("b"), 0))
	assert.NoError(s.Set(ctx, "post:1", []byte("c"), 0))

	n, err := s.DeletePrefix(ctx, "user:")
	assert.NoError(err)
	assert.Equal(int64(2), n)

	_, err = s.Get(ctx, "user:1")
	assert.ErrorIs(err, ErrNotFound)
	_, err = s.Get(ctx, "post:1")
	assert.NoError(err)

	// deleting a prefix with no matches is not an error
	n, err = s.DeletePrefix(ctx, "user:")
	assert.NoError(err)
	assert.Equal(int64(0), n)
}

func TestMemStoreCompareAndSwap(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := NewMemStore()

	// nil old means create-if-absent
	ok, err := s.CompareAndSwap(ctx, "k", nil, []byte("a"), 0)
	assert.NoError(err)
	assert.True(ok)
	ok, err = s.CompareAndSwap(ctx, "k", nil, []byte("b"), 0)
	assert.NoError(err)
	assert.False(ok)

	ok, err = s.CompareAndSwap(ctx, "k", []byte("wrong"), []byte("b"), 0)
	assert.NoError(err)
	assert.False(ok)

	ok, err = s.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"), 0)
	assert.NoError(err)
	assert.True(ok)

	b, err := s.Get(ctx, "k")
	assert.NoError(err)
	assert.Equal([]byte("b"), b)
}

func TestMemStoreCompareAndSwapConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := NewMemStore()
	assert.NoError(s.Set(ctx, "k", []byte("base"), 0))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.CompareAndSwap(ctx, "k", []byte("base"), []byte(fmt.Sprintf("winner-%d", i)), 0)
			assert.NoError(err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(1, wins)
}

func TestMemStoreSorted(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := NewMemStore()
	assert.NoError(s.SortedAdd(ctx, "z", "a", 3))
	assert.NoError(s.SortedAdd(ctx, "z", "b", 1))
	assert.NoError(s.SortedAdd(ctx, "z", "c", 2))

	added, err := s.SortedAddIfAbsent(ctx, "z", "a", 99)
	assert.NoError(err)
	assert.False(added)
	added, err = s.SortedAddIfAbsent(ctx, "z", "d", 4)
	assert.NoError(err)
	assert.True(added)

	members, err := s.SortedRangeByScore(ctx, "z", 1, 3, 0)
	assert.NoError(err)
	assert.Equal([]Member{{"b", 1}, {"c", 2}, {"a", 3}}, members)

	members, err = s.SortedRangeByScore(ctx, "z", 1, 4, 2)
	assert.NoError(err)
	assert.Len(members, 2)
	assert.Equal("b", members[0].Value)

	n, err := s.SortedCount(ctx, "z", 2, 4)
	assert.NoError(err)
	assert.Equal(int64(3), n)

	removed, err := s.SortedTrimByScore(ctx, "z", 0, 2)
	assert.NoError(err)
	assert.Equal(int64(2), removed)

	assert.NoError(s.SortedRemove(ctx, "z", "a", "d"))
	n, err = s.SortedCount(ctx, "z", 0, 100)
	assert.NoError(err)
	assert.Equal(int64(0), n)
}

func TestMemStoreWindowReserve(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := NewMemStore()
	base := time.Now()
	window := time.Minute

	for i := 0; i < 3; i++ {
		res, err := s.WindowReserve(ctx, "w", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second), window, 3)
		assert.NoError(err)
		assert.True(res.Allowed)
		assert.Equal(int64(i), res.Count)
	}

	// window full
	res, err := s.WindowReserve(ctx, "w", "m3", base.Add(3*time.Second), window, 3)
	assert.NoError(err)
	assert.False(res.Allowed)
	assert.Equal(int64(3), res.Count)
	assert.Equal(float64(base.UnixMilli()), res.Oldest)

	// once the oldest entry ages out a slot opens up
	res, err = s.WindowReserve(ctx, "w", "m4", base.Add(window+time.Millisecond), window, 3)
	assert.NoError(err)
	assert.True(res.Allowed)
	assert.Equal(int64(2), res.Count)
}

func TestMemStoreWindowReserveConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := NewMemStore()
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.WindowReserve(ctx, "w", fmt.Sprintf("m%d", i), now, time.Minute, 5)
			assert.NoError(err)
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(5, allowed)
}

func TestMemStorePubSub(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := NewMemStore()
	sub, err := s.Subscribe(ctx, "events")
	assert.NoError(err)

	assert.NoError(s.Publish(ctx, "events", []byte("one")))
	assert.NoError(s.Publish(ctx, "other", []byte("nope")))
	assert.NoError(s.Publish(ctx, "events", []byte("two")))

	m := <-sub.Messages()
	assert.Equal("events", m.Channel)
	assert.Equal([]byte("one"), m.Payload)
	m = <-sub.Messages()
	assert.Equal([]byte("two"), m.Payload)

	assert.NoError(sub.Close())
	assert.NoError(s.Publish(ctx, "events", []byte("three")))
	_, open := <-sub.Messages()
	assert.False(open)

	assert.NoError(s.Close())
}
