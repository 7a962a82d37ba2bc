package faststore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var redisLocalTestURL string = "redis://localhost:6379/0"

func TestRedisStoreBasics(t *testing.T) {
	t.Skip("live test, need redis running locally")
	assert := assert.New(t)
	ctx := context.Background()

	s, err := NewRedisStore(redisLocalTestURL)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	prefix := fmt.Sprintf("fstest/%d/", time.Now().UnixNano())

	_, err = s.Get(ctx, prefix+"missing")
	assert.ErrorIs(err, ErrNotFound)

	assert.NoError(s.Set(ctx, prefix+"k1", []byte("v1"), time.Minute))
	b, err := s.Get(ctx, prefix+"k1")
	assert.NoError(err)
	assert.Equal([]byte("v1"), b)

	ttl, err := s.TTL(ctx, prefix+"k1")
	assert.NoError(err)
	assert.True(ttl > 0 && ttl <= time.Minute)

	ok, err := s.CompareAndSwap(ctx, prefix+"k1", []byte("nope"), []byte("v2"), time.Minute)
	assert.NoError(err)
	assert.False(ok)
	ok, err = s.CompareAndSwap(ctx, prefix+"k1", []byte("v1"), []byte("v2"), time.Minute)
	assert.NoError(err)
	assert.True(ok)
	ok, err = s.CompareAndSwap(ctx, prefix+"fresh", nil, []byte("v0"), time.Minute)
	assert.NoError(err)
	assert.True(ok)

	cnt, err := s.Incr(ctx, prefix+"count", 2, time.Minute)
	assert.NoError(err)
	assert.Equal(int64(2), cnt)
	cnt, err = s.Incr(ctx, prefix+"count", 3, time.Minute)
	assert.NoError(err)
	assert.Equal(int64(5), cnt)

	n, err := s.DeletePrefix(ctx, prefix)
	assert.NoError(err)
	assert.Equal(int64(3), n)
}

func TestRedisStoreWindowReserve(t *testing.T) {
	t.Skip("live test, need redis running locally")
	assert := assert.New(t)
	ctx := context.Background()

	s, err := NewRedisStore(redisLocalTestURL)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	key := fmt.Sprintf("fstest/window/%d", time.Now().UnixNano())

	base := time.Now()
	for i := 0; i < 2; i++ {
		res, err := s.WindowReserve(ctx, key, fmt.Sprintf("m%d", i), base, time.Minute, 2)
		assert.NoError(err)
		assert.True(res.Allowed)
	}
	res, err := s.WindowReserve(ctx, key, "m2", base, time.Minute, 2)
	assert.NoError(err)
	assert.False(res.Allowed)
	assert.Equal(int64(2), res.Count)
	assert.Equal(float64(base.UnixMilli()), res.Oldest)

	assert.NoError(s.Delete(ctx, key))
}

func TestRedisStorePubSub(t *testing.T) {
	t.Skip("live test, need redis running locally")
	assert := assert.New(t)
	ctx := context.Background()

	s, err := NewRedisStore(redisLocalTestURL)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	channel := fmt.Sprintf("fstest/chan/%d", time.Now().UnixNano())

	sub, err := s.Subscribe(ctx, channel)
	assert.NoError(err)
	assert.NoError(s.Publish(ctx, channel, []byte("hello")))

	select {
	case m := <-sub.Messages():
		assert.Equal([]byte("hello"), m.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	assert.NoError(sub.Close())
}
