package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestRedisGetSetDelete(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	c := NewRedis(rdb, "capgate:")
	ctx := context.Background()

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss")
	}
	c.Set(ctx, "k", []byte("1.25"), time.Minute)
	if got, err := mr.Get("capgate:k"); err != nil || got != "1.25" {
		t.Fatalf("stored = %q, %v", got, err)
	}
	val, ok := c.Get(ctx, "k")
	if !ok || string(val) != "1.25" {
		t.Fatalf("Get = %q, %v", val, ok)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("entry should have expired")
	}

	c.Set(ctx, "d", []byte("x"), time.Minute)
	c.Delete(ctx, "d")
	if mr.Exists("capgate:d") {
		t.Error("key should be deleted")
	}
}

func TestRedisDegradesWhenDown(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	c := NewRedis(rdb, "")
	mr.Close()

	ctx := context.Background()
	c.Set(ctx, "k", []byte("v"), time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expected miss when redis is down")
	}
	c.Delete(ctx, "k")
}
