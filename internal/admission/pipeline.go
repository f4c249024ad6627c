// Package admission runs the ordered checks a request must pass before
// dispatch: authentication, capability permission, rate limit and quota.
// Each stage short-circuits the ones after it.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/ratelimit"
	"github.com/eugener/capgate/internal/storage"
	"github.com/eugener/capgate/internal/telemetry"
)

// DefaultRPM is the rate limit applied when neither the permission nor the
// client sets one.
const DefaultRPM = 60

// Authenticator verifies a client's key and secret.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey, secret string) (*gateway.Client, error)
}

// Credentials are the key and secret presented by the caller.
type Credentials struct {
	APIKey string
	Secret string
}

// Request describes what is being admitted. Token and image figures feed
// only the per-request cost estimate.
type Request struct {
	Capability   string
	PromptTokens int
	MaxTokens    int
	Images       int
}

// Admission is the result of a successful admission.
type Admission struct {
	Client     *gateway.Client
	Permission *gateway.CapabilityPermission
	Capability string
	RateLimit  ratelimit.Result
}

// RateLimitError is returned when the window is exhausted.
type RateLimitError struct {
	Limit      int64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: limit %d requests per minute", gateway.ErrRateLimited, e.Limit)
}

func (e *RateLimitError) Unwrap() error { return gateway.ErrRateLimited }

// Pipeline runs the admission stages.
type Pipeline struct {
	auth       Authenticator
	perms      storage.PermissionStore
	limiter    ratelimit.Limiter
	quota      *QuotaGuard
	defaultRPM int64
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// Options configures a Pipeline.
type Options struct {
	DefaultRPM int64 // 0 means DefaultRPM
	Metrics    *telemetry.Metrics
}

// New assembles a pipeline. quota may be nil to skip quota checks.
func New(auth Authenticator, perms storage.PermissionStore, limiter ratelimit.Limiter, quota *QuotaGuard, opts Options) *Pipeline {
	rpm := opts.DefaultRPM
	if rpm <= 0 {
		rpm = DefaultRPM
	}
	return &Pipeline{
		auth:       auth,
		perms:      perms,
		limiter:    limiter,
		quota:      quota,
		defaultRPM: rpm,
		metrics:    opts.Metrics,
		now:        time.Now,
	}
}

// Admit runs all four stages. On success the returned context carries the
// authenticated client.
func (p *Pipeline) Admit(ctx context.Context, creds Credentials, req Request) (context.Context, *Admission, error) {
	ctx, adm, err := p.Authorize(ctx, creds, req.Capability)
	if err != nil {
		return ctx, nil, err
	}

	limit := p.rateLimit(adm.Client, adm.Permission)
	res, err := p.limiter.Allow(ctx, ratelimit.Key(adm.Client.ID, req.Capability), limit)
	switch {
	case err != nil:
		slog.LogAttrs(ctx, slog.LevelWarn, "rate limiter unavailable, admitting",
			slog.String("client_id", adm.Client.ID),
			slog.String("error", err.Error()),
		)
	case !res.Allowed:
		return ctx, nil, p.reject(&RateLimitError{Limit: limit, RetryAfter: res.RetryAfter(p.now())})
	}
	adm.RateLimit = res

	if p.quota != nil {
		if err := p.quota.Check(ctx, adm.Client, adm.Permission, req); err != nil {
			return ctx, nil, p.reject(err)
		}
	}
	return ctx, adm, nil
}

// Authorize runs authentication and the permission check only.
func (p *Pipeline) Authorize(ctx context.Context, creds Credentials, capability string) (context.Context, *Admission, error) {
	client, err := p.auth.Authenticate(ctx, creds.APIKey, creds.Secret)
	if err != nil {
		return ctx, nil, p.reject(err)
	}
	ctx = gateway.ContextWithClient(ctx, client)

	perm, err := p.perms.GetPermission(ctx, client.ID, capability)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		return ctx, nil, p.reject(fmt.Errorf("%w: capability %s not permitted", gateway.ErrForbidden, capability))
	case err != nil:
		return ctx, nil, p.reject(fmt.Errorf("load permission: %w", err))
	case !perm.Enabled:
		return ctx, nil, p.reject(fmt.Errorf("%w: capability %s is disabled", gateway.ErrForbidden, capability))
	}

	return ctx, &Admission{Client: client, Permission: perm, Capability: capability}, nil
}

// rateLimit resolves the limit: permission, then client, then default.
func (p *Pipeline) rateLimit(c *gateway.Client, perm *gateway.CapabilityPermission) int64 {
	if perm.RateLimitPerMinute != nil && *perm.RateLimitPerMinute > 0 {
		return *perm.RateLimitPerMinute
	}
	if c.Quota.RateLimitPerMinute != nil && *c.Quota.RateLimitPerMinute > 0 {
		return *c.Quota.RateLimitPerMinute
	}
	return p.defaultRPM
}

func (p *Pipeline) reject(err error) error {
	if p.metrics != nil {
		p.metrics.AdmissionRejects.WithLabelValues(RejectReason(err)).Inc()
	}
	return err
}

// RejectReason maps an admission error to a metric label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, gateway.ErrForbidden):
		return "forbidden"
	case errors.Is(err, gateway.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, gateway.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, gateway.ErrRequestTooExpensive):
		return "too_expensive"
	default:
		return "internal"
	}
}
