package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/cache"
	"github.com/eugener/capgate/internal/storage"
	"github.com/eugener/capgate/internal/telemetry"
)

// QuotaConfig tunes aggregate caching and the per-request cost estimate.
type QuotaConfig struct {
	DailyTTL      time.Duration
	MonthlyTTL    time.Duration
	UsageTTL      time.Duration
	TextRatePer1K float64 // flat USD per 1K tokens for estimates
	ImageRate     float64 // flat USD per image for estimates
}

// DefaultQuotaConfig returns the stock cache TTLs and estimate rates.
func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		DailyTTL:      5 * time.Minute,
		MonthlyTTL:    10 * time.Minute,
		UsageTTL:      5 * time.Minute,
		TextRatePer1K: 0.002,
		ImageRate:     0.04,
	}
}

// QuotaGuard enforces cost and usage quotas from ledger aggregates. The
// aggregates are cached, so a client can briefly overshoot a quota before
// the cache refreshes.
type QuotaGuard struct {
	usage   storage.UsageStore
	cache   cache.Cache
	cfg     QuotaConfig
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewQuotaGuard creates a QuotaGuard. metrics may be nil.
func NewQuotaGuard(usage storage.UsageStore, c cache.Cache, cfg QuotaConfig, metrics *telemetry.Metrics) *QuotaGuard {
	return &QuotaGuard{usage: usage, cache: c, cfg: cfg, metrics: metrics, now: time.Now}
}

// Check runs the daily cost, monthly cost, permission usage and estimated
// cost checks in order.
func (q *QuotaGuard) Check(ctx context.Context, c *gateway.Client, perm *gateway.CapabilityPermission, req Request) error {
	now := q.now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	if limit := c.Quota.DailyQuotaUSD; limit != nil {
		key := "quota:cost:day:" + c.ID + ":" + day.Format("2006-01-02")
		spent, err := q.aggregate(ctx, key, q.cfg.DailyTTL, func() (float64, error) {
			return q.usage.SumCostSince(ctx, c.ID, day)
		})
		if err != nil {
			return fmt.Errorf("daily cost: %w", err)
		}
		if spent >= *limit {
			return fmt.Errorf("%w: daily cost quota of $%.2f reached", gateway.ErrQuotaExceeded, *limit)
		}
	}

	if limit := c.Quota.MonthlyQuotaUSD; limit != nil {
		key := "quota:cost:month:" + c.ID + ":" + month.Format("2006-01")
		spent, err := q.aggregate(ctx, key, q.cfg.MonthlyTTL, func() (float64, error) {
			return q.usage.SumCostSince(ctx, c.ID, month)
		})
		if err != nil {
			return fmt.Errorf("monthly cost: %w", err)
		}
		if spent >= *limit {
			return fmt.Errorf("%w: monthly cost quota of $%.2f reached", gateway.ErrQuotaExceeded, *limit)
		}
	}

	if limit := perm.QuotaLimit; limit != nil {
		images := gateway.CapabilityDomain(req.Capability) == "image"
		key := "quota:usage:" + c.ID + ":" + req.Capability + ":" + month.Format("2006-01")
		used, err := q.aggregate(ctx, key, q.cfg.UsageTTL, func() (float64, error) {
			t, err := q.usage.SumUsageSince(ctx, c.ID, req.Capability, month)
			if images {
				return float64(t.Images), err
			}
			return float64(t.Tokens), err
		})
		if err != nil {
			return fmt.Errorf("usage quota: %w", err)
		}
		if used >= float64(*limit) {
			unit := "tokens"
			if images {
				unit = "images"
			}
			return fmt.Errorf("%w: monthly %s quota of %d %s reached",
				gateway.ErrQuotaExceeded, req.Capability, *limit, unit)
		}
	}

	if limit := perm.Config.CostLimitPerRequestUSD; limit != nil {
		if est := q.EstimateCost(req); est > *limit {
			return fmt.Errorf("%w: estimated cost $%.4f exceeds per-request limit $%.4f",
				gateway.ErrRequestTooExpensive, est, *limit)
		}
	}
	return nil
}

// EstimateCost prices req at the flat estimate rates. It deliberately
// ignores per-model pricing.
func (q *QuotaGuard) EstimateCost(req Request) float64 {
	if gateway.CapabilityDomain(req.Capability) == "image" {
		return float64(max(req.Images, 1)) * q.cfg.ImageRate
	}
	return float64(req.PromptTokens+req.MaxTokens) / 1000 * q.cfg.TextRatePer1K
}

// aggregate returns the cached value for key or loads and caches it. Cache
// failures are treated as misses.
func (q *QuotaGuard) aggregate(ctx context.Context, key string, ttl time.Duration, load func() (float64, error)) (float64, error) {
	if b, ok := q.cache.Get(ctx, key); ok {
		if v, err := strconv.ParseFloat(string(b), 64); err == nil {
			q.lookup("hit")
			return v, nil
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "discarding malformed quota cache entry",
			slog.String("key", key))
	}
	q.lookup("miss")

	v, err := load()
	if err != nil {
		return 0, err
	}
	q.cache.Set(ctx, key, strconv.AppendFloat(nil, v, 'g', -1, 64), ttl)
	return v, nil
}

func (q *QuotaGuard) lookup(result string) {
	if q.metrics != nil {
		q.metrics.QuotaCacheLookup.WithLabelValues(result).Inc()
	}
}
