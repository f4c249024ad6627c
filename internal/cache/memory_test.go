package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryGetSetDelete(t *testing.T) {
	t.Parallel()

	m, err := NewMemory(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, ok := m.Get(ctx, "missing"); ok {
		t.Error("should not find missing key")
	}

	m.Set(ctx, "k1", []byte("v1"), time.Minute)
	val, ok := m.Get(ctx, "k1")
	if !ok || string(val) != "v1" {
		t.Fatalf("Get = %q, %v; want v1, true", val, ok)
	}

	m.Delete(ctx, "k1")
	if _, ok := m.Get(ctx, "k1"); ok {
		t.Error("should not find deleted key")
	}
}

func TestMemoryPerEntryTTL(t *testing.T) {
	t.Parallel()

	m, err := NewMemory(100, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	m.Set(ctx, "short", []byte("x"), 20*time.Millisecond)
	m.Set(ctx, "long", []byte("y"), time.Minute)
	time.Sleep(40 * time.Millisecond)

	if _, ok := m.Get(ctx, "short"); ok {
		t.Error("short entry should have expired")
	}
	if _, ok := m.Get(ctx, "long"); !ok {
		t.Error("long entry should still be present")
	}
}
