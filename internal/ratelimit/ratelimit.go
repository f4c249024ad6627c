// Package ratelimit implements fixed-window request counters keyed by
// (client, capability). Windows reset lazily on the first request after
// expiry; there is no background sweep of live windows.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the counting period.
const Window = time.Minute

// Result is the outcome of one admission against a window.
type Result struct {
	Allowed bool
	Limit   int64
	Count   int64     // requests admitted in the window, including this one when allowed
	ResetAt time.Time // end of the current window
}

// RetryAfter returns the time until the window resets.
func (r Result) RetryAfter(now time.Time) time.Duration {
	return max(r.ResetAt.Sub(now), 0)
}

// Limiter admits requests against a per-key window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int64) (Result, error)
}

// Key builds the window key for a client and capability.
func Key(clientID, capability string) string {
	return clientID + ":" + capability
}

type counter struct {
	start time.Time
	count int64
}

// Memory is a process-local Limiter.
type Memory struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

var _ Limiter = (*Memory)(nil)

// NewMemory returns an empty in-process limiter.
func NewMemory() *Memory {
	return &Memory{counters: make(map[string]*counter), now: time.Now}
}

// Allow increments key's counter unless the limit is already reached. The
// increment and the check happen under one lock.
func (m *Memory) Allow(_ context.Context, key string, limit int64) (Result, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok || now.Sub(c.start) >= Window {
		c = &counter{start: now}
		m.counters[key] = c
	}
	res := Result{Limit: limit, ResetAt: c.start.Add(Window)}
	if c.count >= limit {
		res.Count = c.count
		return res, nil
	}
	c.count++
	res.Allowed = true
	res.Count = c.count
	return res, nil
}

// EvictStale drops windows that expired before cutoff and returns how many
// were removed. It only reclaims memory; correctness does not depend on it.
func (m *Memory) EvictStale(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, c := range m.counters {
		if c.start.Add(Window).Before(cutoff) {
			delete(m.counters, k)
			n++
		}
	}
	return n
}
