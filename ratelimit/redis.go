package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hablas/sessiongate/internal/uuid"
)

const redisKeyPrefix = "ratelimit:"

// hitScript trims, counts, conditionally records and refreshes the expiry
// of one key in a single round trip. Scores are unix milliseconds.
//
// KEYS[1] key; ARGV[1] now; ARGV[2] window; ARGV[3] max; ARGV[4] member.
// Returns {allowed, count before insert, oldest score or -1}.
var hitScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max    = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < max then
  redis.call('ZADD', key, now, ARGV[4])
  allowed = 1
end
redis.call('PEXPIRE', key, window)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local score = -1
if oldest[2] then
  score = tonumber(oldest[2])
end
return {allowed, count, score}
`)

// RedisBackend keeps each key as a sorted set of request instants. It is
// safe to share between any number of gateway replicas.
type RedisBackend struct {
	client redis.UniversalClient
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend returns a backend using client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// NewRedisClient parses a redis:// URL and returns a client.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (r *RedisBackend) Hit(ctx context.Context, key string, max int, window time.Duration, now time.Time) (Window, error) {
	res, err := hitScript.Run(ctx, r.client, []string{redisKeyPrefix + key},
		now.UnixMilli(), window.Milliseconds(), max, strconv.FormatInt(now.UnixNano(), 10)+"-"+uuid.New(),
	).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("redis rate limit hit: %w", err)
	}
	if len(res) != 3 {
		return Window{}, fmt.Errorf("redis rate limit hit: unexpected reply length %d", len(res))
	}
	w := Window{Allowed: res[0] == 1, Count: int(res[1])}
	if res[2] >= 0 {
		w.Oldest = time.UnixMilli(res[2])
	}
	return w, nil
}

func (r *RedisBackend) Peek(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error) {
	key = redisKeyPrefix + key
	min := "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	var (
		count  *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		count = p.ZCount(ctx, key, min, "+inf")
		oldest = p.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: min, Max: "+inf", Offset: 0, Count: 1})
		return nil
	})
	if err != nil {
		return Window{}, fmt.Errorf("redis rate limit peek: %w", err)
	}
	w := Window{Count: int(count.Val())}
	if zs := oldest.Val(); len(zs) > 0 {
		w.Oldest = time.UnixMilli(int64(zs[0].Score))
	}
	return w, nil
}

func (r *RedisBackend) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis rate limit reset: %w", err)
	}
	return nil
}

// Purge is a no-op: every key carries a PEXPIRE of its window.
func (r *RedisBackend) Purge(context.Context, time.Time) error {
	return nil
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
