package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTimeout = 500 * time.Millisecond

// Redis is a cache shared by every gateway replica. Failures degrade to
// misses so admission never fails on the cache.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

var _ Cache = (*Redis)(nil)

// NewRedis wraps an existing client. Keys are namespaced with prefix. The
// caller owns the client.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

// Get returns the value for key, or false on a miss or error.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	val, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.LogAttrs(ctx, slog.LevelWarn, "cache get failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return val, true
}

// Set stores val with ttl. Errors are logged and dropped.
func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	if err := r.rdb.Set(ctx, r.prefix+key, val, ttl).Err(); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "cache set failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	if err := r.rdb.Del(ctx, r.prefix+key).Err(); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "cache delete failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}
