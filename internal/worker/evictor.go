package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	evictEvery = time.Minute
	// evictIdle is how long state must sit unused before it is dropped.
	evictIdle = 10 * time.Minute
)

// Evictable is in-memory state that can shed entries idle since cutoff.
type Evictable interface {
	EvictStale(cutoff time.Time) int
}

// Evictor periodically drops idle rate-limit windows and breakers.
type Evictor struct {
	targets map[string]Evictable
	every   time.Duration
	idle    time.Duration
	now     func() time.Time
}

// NewEvictor returns an Evictor sweeping the named targets.
func NewEvictor(targets map[string]Evictable) *Evictor {
	return &Evictor{targets: targets, every: evictEvery, idle: evictIdle, now: time.Now}
}

// Name returns the worker identifier.
func (e *Evictor) Name() string { return "evictor" }

// Run sweeps on every tick until ctx is cancelled.
func (e *Evictor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Evictor) sweep(ctx context.Context) {
	cutoff := e.now().Add(-e.idle)
	for name, t := range e.targets {
		if n := t.EvictStale(cutoff); n > 0 {
			slog.LogAttrs(ctx, slog.LevelDebug, "evicted idle entries",
				slog.String("target", name),
				slog.Int("count", n),
			)
		}
	}
}
