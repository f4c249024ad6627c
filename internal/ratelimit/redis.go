package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript atomically counts one request in a fixed window.
// KEYS[1] = counter key
// ARGV[1] = window in milliseconds
// ARGV[2] = limit
// Returns {allowed (0|1), count, ttl ms}.
var fixedWindowScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	-- missing, or left without an expiry: start a fresh window
	redis.call('DEL', KEYS[1])
	count = 0
	ttl = tonumber(ARGV[1])
end
if count >= tonumber(ARGV[2]) then
	return {0, count, ttl}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {1, count, ttl}
`)

// Redis is a Limiter shared across gateway replicas.
type Redis struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

var _ Limiter = (*Redis)(nil)

// NewRedis returns a Redis-backed limiter. Keys are namespaced with prefix.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, now: time.Now}
}

// Allow counts one request for key. The key expires with its window, so
// the next request after expiry starts a new one.
func (r *Redis) Allow(ctx context.Context, key string, limit int64) (Result, error) {
	vals, err := fixedWindowScript.Run(ctx, r.rdb, []string{r.prefix + key}, Window.Milliseconds(), limit).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("rate limit %s: unexpected script reply %v", key, vals)
	}
	return Result{
		Allowed: vals[0] == 1,
		Limit:   limit,
		Count:   vals[1],
		ResetAt: r.now().Add(time.Duration(vals[2]) * time.Millisecond),
	}, nil
}
