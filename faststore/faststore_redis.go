package faststore

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndSwapScript replaces the value at KEYS[1] iff the current value
// matches the expectation. ARGV[1] is "n" when the key must be absent and
// "v" when ARGV[2] holds the expected current value. ARGV[3] is the new
// value, ARGV[4] the TTL in milliseconds (0 for none).
var compareAndSwapScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == 'n' then
	if cur then return 0 end
else
	if not cur or cur ~= ARGV[2] then return 0 end
end
if tonumber(ARGV[4]) > 0 then
	redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[4])
else
	redis.call('SET', KEYS[1], ARGV[3])
end
return 1
`)

// windowReserveScript trims entries older than the window, counts the
// survivors, and admits ARGV[4] iff the count is under the limit. ARGV[1]
// is now in ms, ARGV[2] the window in ms, ARGV[3] the limit. Returns
// {allowed, count-before-admission, oldest-surviving-score}.
var windowReserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	allowed = 1
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldscore = '0'
if oldest[2] then oldscore = oldest[2] end
redis.call('PEXPIRE', key, window)
return {allowed, count, oldscore}
`)

type RedisStore struct {
	Client *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisStore{Client: rdb}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.Client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.Client.Set(ctx, key, val, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	return s.Client.SetNX(ctx, key, val, ttl).Result()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.Client.Del(ctx, keys...).Err()
}

func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	var removed int64
	iter := s.Client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	batch := make([]string, 0, 100)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.Client.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		removed += n
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scanning prefix %q: %w", prefix, err)
	}
	if err := flush(); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.Client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.Client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	switch d {
	case -2:
		return 0, ErrNotFound
	case -1:
		return NoExpiry, nil
	}
	return d, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	// bump and refresh expiry in a single redis round-trip
	multi := s.Client.Pipeline()
	incr := multi.IncrBy(ctx, key, delta)
	if ttl > 0 {
		multi.PExpire(ctx, key, ttl)
	}
	if _, err := multi.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	mode := "v"
	if old == nil {
		mode = "n"
		old = []byte{}
	}
	var ttlMillis int64
	if ttl > 0 {
		ttlMillis = ttl.Milliseconds()
	}
	n, err := compareAndSwapScript.Run(ctx, s.Client, []string{key}, mode, old, new, ttlMillis).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) SortedAdd(ctx context.Context, key, member string, score float64) error {
	return s.Client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) SortedAddIfAbsent(ctx context.Context, key, member string, score float64) (bool, error) {
	n, err := s.Client.ZAddNX(ctx, key, redis.Z{Score: score, Member: member}).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) SortedRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.Client.ZRem(ctx, key, args...).Err()
}

func (s *RedisStore) SortedRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]Member, error) {
	rng := &redis.ZRangeBy{Min: formatScore(min), Max: formatScore(max)}
	if limit > 0 {
		rng.Count = limit
	}
	zs, err := s.Client.ZRangeByScoreWithScores(ctx, key, rng).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		out = append(out, Member{Value: m, Score: z.Score})
	}
	return out, nil
}

func (s *RedisStore) SortedCount(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.Client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
}

func (s *RedisStore) SortedTrimByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.Client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
}

func (s *RedisStore) WindowReserve(ctx context.Context, key, member string, now time.Time, window time.Duration, limit int64) (*WindowReservation, error) {
	res, err := windowReserveScript.Run(ctx, s.Client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, member).Result()
	if err != nil {
		return nil, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, fmt.Errorf("unexpected window reserve reply: %v", res)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	oldestStr, _ := vals[2].(string)
	oldest, err := strconv.ParseFloat(oldestStr, 64)
	if err != nil {
		return nil, fmt.Errorf("unexpected window reserve score %q: %w", oldestStr, err)
	}
	return &WindowReservation{Allowed: allowed == 1, Count: count, Oldest: oldest}, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.Client.Publish(ctx, channel, payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.Client.Subscribe(ctx, channel)
	// block until the server confirms the subscription, so messages
	// published after this call returns are not missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSubscription{ps: ps, ch: make(chan Message, 128)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan Message
}

func (s *redisSubscription) pump() {
	for m := range s.ps.Channel() {
		select {
		case s.ch <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
		default:
			// slow subscriber, drop
		}
	}
	close(s.ch)
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.ch
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.Client.Close()
}

func formatScore(f float64) string {
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if math.IsInf(f, 1) {
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
