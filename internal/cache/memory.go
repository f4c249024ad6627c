package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

type item struct {
	val     []byte
	expires time.Time
}

// Memory is a process-local W-TinyLFU cache backed by otter. otter expires
// entries after maxTTL; shorter per-entry TTLs are checked on read.
type Memory struct {
	c *otter.Cache[string, item]
}

var _ Cache = (*Memory)(nil)

// NewMemory creates a cache holding up to maxSize entries.
func NewMemory(maxSize int, maxTTL time.Duration) (*Memory, error) {
	c, err := otter.New(&otter.Options[string, item]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, item](maxTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	return &Memory{c: c}, nil
}

// Get returns the live value for key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	it, ok := m.c.GetIfPresent(key)
	if !ok {
		return nil, false
	}
	if !time.Now().Before(it.expires) {
		m.c.Invalidate(key)
		return nil, false
	}
	return it.val, true
}

// Set stores val until ttl elapses.
func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	m.c.Set(key, item{val: val, expires: time.Now().Add(ttl)})
}

// Delete drops key.
func (m *Memory) Delete(_ context.Context, key string) {
	m.c.Invalidate(key)
}
