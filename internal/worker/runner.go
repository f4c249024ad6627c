package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runner supervises the background workers. The first worker to fail
// cancels the others.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner for workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts every worker and blocks until all have returned. A worker
// error is wrapped with the worker's name.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		name := w.Name()
		g.Go(func() error {
			start := time.Now()
			slog.LogAttrs(ctx, slog.LevelInfo, "worker started", slog.String("worker", name))
			err := w.Run(ctx)
			attrs := []slog.Attr{slog.String("worker", name), slog.Duration("uptime", time.Since(start))}
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "worker failed", append(attrs, slog.String("error", err.Error()))...)
				return fmt.Errorf("worker %s: %w", name, err)
			}
			slog.LogAttrs(ctx, slog.LevelInfo, "worker stopped", attrs...)
			return nil
		})
	}
	return g.Wait()
}
