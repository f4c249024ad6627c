package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/telemetry"
)

const (
	usageChanSize    = 1000
	usageBatchSize   = 100
	usageFlushEvery  = 2 * time.Second
	usageDrainTime   = 30 * time.Second
	usageInsertTries = 3
	usageRetryBase   = 100 * time.Millisecond
)

// UsageStore is the persistence interface consumed by UsageRecorder.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
}

// UsageRecorder buffers ledger rows and batch-flushes them to the store.
// When the buffer is full, Record writes the row synchronously instead of
// dropping it.
type UsageRecorder struct {
	ch      chan gateway.UsageRecord
	store   UsageStore
	metrics *telemetry.Metrics
	backoff func() retry.Backoff
}

// NewUsageRecorder creates a UsageRecorder backed by store. metrics may be nil.
func NewUsageRecorder(store UsageStore, metrics *telemetry.Metrics) *UsageRecorder {
	return &UsageRecorder{
		ch:      make(chan gateway.UsageRecord, usageChanSize),
		store:   store,
		metrics: metrics,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(usageInsertTries-1, retry.NewExponential(usageRetryBase))
		},
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a ledger row. It only blocks when the queue is full.
func (u *UsageRecorder) Record(r gateway.UsageRecord) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	select {
	case u.ch <- r:
		u.gauge()
	default:
		slog.Warn("usage queue full, writing synchronously", slog.String("request_id", r.RequestID))
		ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
		defer cancel()
		u.flush(ctx, []gateway.UsageRecord{r})
	}
}

// Run processes records until ctx is cancelled, then drains what is left.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	buf := make([]gateway.UsageRecord, 0, usageBatchSize)

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
			u.gauge()

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) drain(buf []gateway.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			u.gauge()
			return
		}
	}
}

// flush writes one batch, retrying transient store failures. A batch that
// still fails is logged with its request IDs.
func (u *UsageRecorder) flush(ctx context.Context, buf []gateway.UsageRecord) {
	batch := make([]gateway.UsageRecord, len(buf))
	copy(batch, buf)

	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	// The batch must survive shutdown of the worker context.
	wctx := context.WithoutCancel(ctx)
	err := retry.Do(wctx, u.backoff(), func(ctx context.Context) error {
		return retry.RetryableError(u.store.InsertUsage(ctx, batch))
	})
	if err != nil {
		ids := make([]string, len(batch))
		for i := range batch {
			ids[i] = batch[i].RequestID
		}
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.Any("request_ids", ids),
			slog.String("error", err.Error()),
		)
	}
}

func (u *UsageRecorder) gauge() {
	if u.metrics != nil {
		u.metrics.UsageQueueLength.Set(float64(len(u.ch)))
	}
}
