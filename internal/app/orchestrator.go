package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/admission"
	"github.com/eugener/capgate/internal/circuitbreaker"
	"github.com/eugener/capgate/internal/provider"
	"github.com/eugener/capgate/internal/telemetry"
	"github.com/eugener/capgate/internal/tokencount"
)

// DefaultMaxTokens is assumed for cost estimates when a request sets none.
const DefaultMaxTokens = 1024

// Credentials are the caller's API key and secret.
type Credentials = admission.Credentials

// Admitter runs the admission stages.
type Admitter interface {
	Admit(ctx context.Context, creds admission.Credentials, req admission.Request) (context.Context, *admission.Admission, error)
}

// UsageSink receives one ledger row per dispatch attempt.
type UsageSink interface {
	Record(r gateway.UsageRecord)
}

// Dispatch describes the attempt that produced a response.
type Dispatch struct {
	RequestID        string
	ClientID         string
	Provider         string
	Model            string
	CostUSD          float64
	Latency          time.Duration
	Fallback         bool
	OriginalProvider string
}

// TextOutcome is a completed single-shot text generation.
type TextOutcome struct {
	Dispatch
	Result *gateway.TextResult
}

// ImageOutcome is a completed image generation.
type ImageOutcome struct {
	Dispatch
	Result *gateway.ImageResult
}

// Orchestrator admits, routes and dispatches capability requests, falls
// back once on dispatch failure and writes the usage ledger.
type Orchestrator struct {
	admit            Admitter
	router           *RouterService
	adapters         *provider.Registry
	ledger           UsageSink
	breakers         *circuitbreaker.Registry
	counter          *tokencount.Counter
	metrics          *telemetry.Metrics
	tracer           trace.Tracer
	defaultMaxTokens int
	now              func() time.Time
}

// OrchestratorConfig wires an Orchestrator. Breakers and Metrics may be nil.
type OrchestratorConfig struct {
	Admission        Admitter
	Router           *RouterService
	Adapters         *provider.Registry
	Ledger           UsageSink
	Breakers         *circuitbreaker.Registry
	Metrics          *telemetry.Metrics
	DefaultMaxTokens int
}

// NewOrchestrator returns an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	maxTokens := cfg.DefaultMaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Orchestrator{
		admit:            cfg.Admission,
		router:           cfg.Router,
		adapters:         cfg.Adapters,
		ledger:           cfg.Ledger,
		breakers:         cfg.Breakers,
		counter:          tokencount.NewCounter(),
		metrics:          cfg.Metrics,
		tracer:           telemetry.Tracer("github.com/eugener/capgate/internal/app"),
		defaultMaxTokens: maxTokens,
		now:              time.Now,
	}
}

// call is the per-request state shared by all attempts.
type call struct {
	requestID  string
	clientID   string
	capability string
	start      time.Time
}

// result is what a successful attempt consumed.
type result struct {
	usage  gateway.Usage
	images int
	cost   float64
}

type attemptFunc func(ctx context.Context, a gateway.Adapter, d *gateway.RoutingDecision) (result, error)

// GenerateText runs a single-shot text generation.
func (o *Orchestrator) GenerateText(ctx context.Context, creds Credentials, req *gateway.TextRequest) (*TextOutcome, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.GenerateText")
	defer span.End()

	ctx, c, primary, err := o.begin(ctx, creds, o.textAdmission(req), req.Model, req.Normalize)
	if err != nil {
		spanError(span, err)
		return nil, err
	}

	var out *gateway.TextResult
	used, res, err := o.run(ctx, c, primary, func(ctx context.Context, a gateway.Adapter, d *gateway.RoutingDecision) (result, error) {
		r, err := a.GenerateText(ctx, d, req)
		if err != nil {
			return result{}, err
		}
		r.Usage = completeUsage(r.Usage)
		out = r
		return result{usage: r.Usage, cost: a.CalculateCost(d.Pricing, r.Usage)}, nil
	})
	if err != nil {
		spanError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("capgate.provider", used.Provider), attribute.String("capgate.model", used.Model))
	return &TextOutcome{Dispatch: o.dispatch(c, primary, used, out.Model, res.cost), Result: out}, nil
}

// GenerateImage runs an image generation.
func (o *Orchestrator) GenerateImage(ctx context.Context, creds Credentials, req *gateway.ImageRequest) (*ImageOutcome, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.GenerateImage")
	defer span.End()

	areq := admission.Request{Capability: gateway.CapabilityImageGeneration, Images: req.Count()}
	ctx, c, primary, err := o.begin(ctx, creds, areq, req.Model, func() error {
		if strings.TrimSpace(req.Prompt) == "" {
			return fmt.Errorf("%w: prompt is required", gateway.ErrValidation)
		}
		return nil
	})
	if err != nil {
		spanError(span, err)
		return nil, err
	}

	var out *gateway.ImageResult
	used, res, err := o.run(ctx, c, primary, func(ctx context.Context, a gateway.Adapter, d *gateway.RoutingDecision) (result, error) {
		r, err := a.GenerateImage(ctx, d, req)
		if err != nil {
			return result{}, err
		}
		out = r
		n := len(r.Images)
		return result{images: n, cost: provider.ImageCost(d.Pricing, n)}, nil
	})
	if err != nil {
		spanError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("capgate.provider", used.Provider), attribute.String("capgate.model", used.Model))
	return &ImageOutcome{Dispatch: o.dispatch(c, primary, used, out.Model, res.cost), Result: out}, nil
}

func (o *Orchestrator) textAdmission(req *gateway.TextRequest) admission.Request {
	return admission.Request{
		Capability:   gateway.CapabilityTextGeneration,
		PromptTokens: o.counter.EstimateRequest(req),
		MaxTokens:    req.MaxTokensOr(o.defaultMaxTokens),
	}
}

// begin admits, validates the request body and routes, in that order, so
// an unauthenticated caller learns nothing about body rules. Admission,
// validation and routing errors are terminal.
func (o *Orchestrator) begin(ctx context.Context, creds Credentials, areq admission.Request, model string, validate func() error) (context.Context, *call, *gateway.RoutingDecision, error) {
	start := o.now()
	ctx, adm, err := o.admit.Admit(ctx, creds, areq)
	if err != nil {
		return ctx, nil, nil, err
	}
	if err := validate(); err != nil {
		return ctx, nil, nil, err
	}

	d, err := o.router.Route(ctx, adm.Client.ID, areq.Capability, model)
	if err != nil {
		if o.metrics != nil {
			o.metrics.AdmissionRejects.WithLabelValues(routeRejectReason(err)).Inc()
		}
		return ctx, nil, nil, err
	}

	reqID := gateway.RequestIDFromContext(ctx)
	if reqID == "" {
		reqID = uuid.Must(uuid.NewV7()).String()
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("capgate.request_id", reqID),
		attribute.String("capgate.capability", areq.Capability),
	)
	return ctx, &call{requestID: reqID, clientID: adm.Client.ID, capability: areq.Capability, start: start}, d, nil
}

// run dispatches to primary and, on failure, once to a fallback. The
// original error is returned when the fallback fails too.
func (o *Orchestrator) run(ctx context.Context, c *call, primary *gateway.RoutingDecision, fn attemptFunc) (*gateway.RoutingDecision, result, error) {
	res, err := o.attempt(ctx, c, primary, nil, fn)
	if err == nil {
		return primary, res, nil
	}

	fb := o.fallback(ctx, c, primary)
	if fb == nil {
		return nil, result{}, err
	}
	res, ferr := o.attempt(ctx, c, fb, primary, fn)
	if ferr != nil {
		o.countFallback(c, "failed")
		return nil, result{}, err
	}
	o.countFallback(c, "success")
	return fb, res, nil
}

// fallback returns the alternate decision for a failed primary, or nil.
// The attempted provider is always excluded.
func (o *Orchestrator) fallback(ctx context.Context, c *call, primary *gateway.RoutingDecision) *gateway.RoutingDecision {
	if !primary.FallbackEnabled || ctx.Err() != nil {
		return nil
	}
	d, err := o.router.Fallback(ctx, c.clientID, c.capability, []string{primary.ProviderID})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "fallback routing failed",
			slog.String("request_id", c.requestID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if d == nil {
		o.countFallback(c, "unavailable")
		return nil
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "falling back",
		slog.String("request_id", c.requestID),
		slog.String("from", primary.Provider),
		slog.String("to", d.Provider),
	)
	return d
}

// attempt performs one dispatch and writes its ledger row.
func (o *Orchestrator) attempt(ctx context.Context, c *call, d, original *gateway.RoutingDecision, fn attemptFunc) (result, error) {
	start := o.now()
	res, err := o.invoke(ctx, d, fn)
	elapsed := o.now().Sub(start)

	rec := c.record(d, original, elapsed)
	if err != nil {
		rec.Status = statusOf(err)
		rec.Metadata = withMeta(rec.Metadata, "error", err.Error())
		slog.LogAttrs(ctx, slog.LevelWarn, "dispatch failed",
			slog.String("request_id", c.requestID),
			slog.String("provider", d.Provider),
			slog.String("model", d.Model),
			slog.String("error", err.Error()),
		)
	} else {
		rec.PromptTokens = res.usage.PromptTokens
		rec.CompletionTokens = res.usage.CompletionTokens
		rec.TotalTokens = res.usage.TotalTokens
		rec.ImageCount = res.images
		rec.CostUSD = res.cost
	}
	o.ledger.Record(rec)
	o.observe(c, d, elapsed, res, err)
	return res, err
}

// invoke calls fn against the adapter for d and feeds the outcome to the
// provider's breaker.
func (o *Orchestrator) invoke(ctx context.Context, d *gateway.RoutingDecision, fn attemptFunc) (result, error) {
	a, err := o.resolve(d)
	if err != nil {
		return result{}, err
	}
	res, err := fn(ctx, a, d)
	o.recordBreaker(d, err)
	return res, err
}

// resolve returns the adapter for d unless its provider's breaker is open.
func (o *Orchestrator) resolve(d *gateway.RoutingDecision) (gateway.Adapter, error) {
	a, err := o.adapters.Get(d.Provider)
	if err != nil {
		return nil, err
	}
	if o.breakers != nil && !o.breakers.Allow(d.ProviderID) {
		return nil, fmt.Errorf("%w: circuit open for %s", gateway.ErrUpstream, d.Provider)
	}
	return a, nil
}

func (o *Orchestrator) recordBreaker(d *gateway.RoutingDecision, err error) {
	if o.breakers == nil {
		return
	}
	o.breakers.Record(d.ProviderID, err)
	if o.metrics != nil {
		if b := o.breakers.Get(d.ProviderID); b != nil {
			o.metrics.BreakerState.WithLabelValues(d.Provider).Set(float64(b.State()))
		}
	}
}

func (o *Orchestrator) observe(c *call, d *gateway.RoutingDecision, elapsed time.Duration, res result, err error) {
	if o.metrics == nil {
		return
	}
	o.metrics.UpstreamDuration.WithLabelValues(d.Provider, d.Model, c.capability).Observe(elapsed.Seconds())
	if err != nil {
		o.metrics.UpstreamErrors.WithLabelValues(d.Provider, errorKind(err)).Inc()
		return
	}
	if res.usage.PromptTokens > 0 {
		o.metrics.TokensProcessed.WithLabelValues(d.Model, "prompt").Add(float64(res.usage.PromptTokens))
	}
	if res.usage.CompletionTokens > 0 {
		o.metrics.TokensProcessed.WithLabelValues(d.Model, "completion").Add(float64(res.usage.CompletionTokens))
	}
	if res.images > 0 {
		o.metrics.ImagesGenerated.WithLabelValues(d.Model).Add(float64(res.images))
	}
	o.metrics.CostUSD.WithLabelValues(d.Provider, d.Model).Add(res.cost)
}

func (o *Orchestrator) countFallback(c *call, outcome string) {
	if o.metrics != nil {
		o.metrics.Fallbacks.WithLabelValues(c.capability, outcome).Inc()
	}
}

func (o *Orchestrator) dispatch(c *call, primary, used *gateway.RoutingDecision, model string, cost float64) Dispatch {
	if model == "" {
		model = used.Model
	}
	out := Dispatch{
		RequestID: c.requestID,
		ClientID:  c.clientID,
		Provider:  used.Provider,
		Model:     model,
		CostUSD:   cost,
		Latency:   o.now().Sub(c.start),
	}
	if used != primary {
		out.Fallback = true
		out.OriginalProvider = primary.Provider
	}
	return out
}

// record starts a ledger row for an attempt against d.
func (c *call) record(d, original *gateway.RoutingDecision, elapsed time.Duration) gateway.UsageRecord {
	rec := gateway.UsageRecord{
		ClientID:       c.clientID,
		RequestID:      c.requestID,
		Capability:     c.capability,
		Provider:       d.Provider,
		Model:          d.Model,
		Status:         gateway.UsageSuccess,
		ResponseTimeMs: elapsed.Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}
	if original != nil {
		rec.Metadata = map[string]any{"fallback": true, "originalProvider": original.Provider}
	}
	return rec
}

func withMeta(m map[string]any, k string, v any) map[string]any {
	if m == nil {
		m = make(map[string]any, 2)
	}
	m[k] = v
	return m
}

// completeUsage fills TotalTokens when a vendor omits it.
func completeUsage(u gateway.Usage) gateway.Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func statusOf(err error) gateway.UsageStatus {
	if provider.IsTimeout(err) {
		return gateway.UsageTimeout
	}
	return gateway.UsageFailed
}

// errorKind maps a dispatch error to a metric label.
func errorKind(err error) string {
	switch {
	case errors.Is(err, gateway.ErrProviderAuth):
		return "auth"
	case errors.Is(err, gateway.ErrProviderRateLimited):
		return "rate_limited"
	case errors.Is(err, gateway.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, gateway.ErrNetwork):
		return "network"
	case errors.Is(err, gateway.ErrUpstream):
		return "upstream"
	case errors.Is(err, gateway.ErrNotFound):
		return "unregistered"
	case errors.Is(err, context.Canceled):
		return "client_disconnected"
	default:
		return "other"
	}
}

func routeRejectReason(err error) string {
	switch {
	case errors.Is(err, gateway.ErrModelNotAllowed):
		return "model_not_allowed"
	case errors.Is(err, gateway.ErrNoRouteAvailable):
		return "no_route"
	default:
		return admission.RejectReason(err)
	}
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
