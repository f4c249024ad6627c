package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/capgate/internal"
)

// StreamEvent is one element of an orchestrated stream: a text delta, the
// terminal summary, or a terminal error.
type StreamEvent struct {
	Delta string
	Done  *StreamSummary
	Err   error
}

// StreamSummary closes a successful stream.
type StreamSummary struct {
	Dispatch
	FinishReason string
	Usage        gateway.Usage
}

// Stream is an open streamed text generation. Events ends with exactly one
// Done or Err element and is then closed, unless the caller's context was
// cancelled, in which case it is closed without a terminal element.
type Stream struct {
	Dispatch
	Events <-chan StreamEvent
}

// streamAttempt is an opened upstream stream.
type streamAttempt struct {
	decision *gateway.RoutingDecision
	adapter  gateway.Adapter
	events   <-chan gateway.StreamEvent
	cancel   context.CancelFunc
	start    time.Time
}

// GenerateTextStream opens a streamed text generation. A failure to open the
// upstream stream may fall back once; failures after the first event
// cannot.
func (o *Orchestrator) GenerateTextStream(ctx context.Context, creds Credentials, req *gateway.TextRequest) (*Stream, error) {
	req.Stream = true
	ctx, span := o.tracer.Start(ctx, "Orchestrator.GenerateTextStream")

	ctx, c, primary, err := o.begin(ctx, creds, o.textAdmission(req), req.Model, req.Normalize)
	if err != nil {
		spanError(span, err)
		span.End()
		return nil, err
	}

	sa, err := o.open(ctx, c, primary, nil, req)
	var original *gateway.RoutingDecision
	if err != nil {
		fb := o.fallback(ctx, c, primary)
		if fb == nil {
			spanError(span, err)
			span.End()
			return nil, err
		}
		var ferr error
		sa, ferr = o.open(ctx, c, fb, primary, req)
		if ferr != nil {
			o.countFallback(c, "failed")
			spanError(span, err)
			span.End()
			return nil, err
		}
		o.countFallback(c, "success")
		original = primary
	}

	span.SetAttributes(attribute.String("capgate.provider", sa.decision.Provider), attribute.String("capgate.model", sa.decision.Model))
	out := make(chan StreamEvent, 16)
	s := &Stream{Dispatch: Dispatch{RequestID: c.requestID, ClientID: c.clientID, Provider: sa.decision.Provider, Model: sa.decision.Model}, Events: out}
	if original != nil {
		s.Fallback = true
		s.OriginalProvider = original.Provider
	}
	go o.pump(ctx, span, c, sa, original, req, out)
	return s, nil
}

// open starts one upstream stream. An open failure is a failed attempt and
// is written to the ledger here.
func (o *Orchestrator) open(ctx context.Context, c *call, d, original *gateway.RoutingDecision, req *gateway.TextRequest) (*streamAttempt, error) {
	start := o.now()
	sctx, cancel := context.WithCancel(ctx)

	a, err := o.resolve(d)
	if err == nil {
		var ch <-chan gateway.StreamEvent
		ch, err = a.GenerateTextStream(sctx, d, req)
		if err == nil {
			// The breaker hears about this attempt when the stream ends.
			return &streamAttempt{decision: d, adapter: a, events: ch, cancel: cancel, start: start}, nil
		}
		o.recordBreaker(d, err)
	}
	cancel()

	elapsed := o.now().Sub(start)
	rec := c.record(d, original, elapsed)
	rec.Status = statusOf(err)
	rec.Metadata = withMeta(rec.Metadata, "error", err.Error())
	o.ledger.Record(rec)
	o.observe(c, d, elapsed, result{}, err)
	slog.LogAttrs(ctx, slog.LevelWarn, "stream open failed",
		slog.String("request_id", c.requestID),
		slog.String("provider", d.Provider),
		slog.String("error", err.Error()),
	)
	return nil, err
}

// pump forwards upstream deltas to out and finalizes the attempt exactly
// once, however the stream ends.
func (o *Orchestrator) pump(ctx context.Context, span trace.Span, c *call, sa *streamAttempt, original *gateway.RoutingDecision, req *gateway.TextRequest, out chan<- StreamEvent) {
	defer span.End()
	defer close(out)
	defer sa.cancel()

	var (
		usage        *gateway.Usage
		finish       string
		model        string
		genBytes     int
		done         bool
		disconnected bool
		err          error
	)

loop:
	for {
		select {
		case <-ctx.Done():
			disconnected = true
			break loop
		case ev, ok := <-sa.events:
			if !ok {
				if ctx.Err() != nil {
					disconnected = true
				} else {
					err = fmt.Errorf("%w: %s stream ended without completion", gateway.ErrUpstream, sa.decision.Provider)
				}
				break loop
			}
			if ev.Usage != nil {
				u := *ev.Usage
				usage = &u
			}
			if ev.Model != "" {
				model = ev.Model
			}
			if ev.FinishReason != "" {
				finish = ev.FinishReason
			}
			if ev.Err != nil {
				if ctx.Err() != nil {
					disconnected = true
				} else {
					err = ev.Err
				}
				break loop
			}
			if ev.Delta != "" {
				genBytes += len(ev.Delta)
				select {
				case out <- StreamEvent{Delta: ev.Delta}:
				case <-ctx.Done():
					disconnected = true
					break loop
				}
			}
			if ev.Done {
				done = true
				break loop
			}
		}
	}
	sa.cancel()

	d := sa.decision
	elapsed := o.now().Sub(sa.start)
	rec := c.record(d, original, elapsed)

	var u gateway.Usage
	if usage != nil {
		u = completeUsage(*usage)
	} else {
		u = gateway.Usage{
			PromptTokens:     o.counter.EstimateRequest(req),
			CompletionTokens: o.counter.CountLength(genBytes),
		}
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		rec.Metadata = withMeta(rec.Metadata, "estimated_usage", true)
	}
	cost := sa.adapter.CalculateCost(d.Pricing, u)
	rec.PromptTokens = u.PromptTokens
	rec.CompletionTokens = u.CompletionTokens
	rec.TotalTokens = u.TotalTokens
	rec.CostUSD = cost

	switch {
	case done:
		o.recordBreaker(d, nil)
	case disconnected:
		rec.Status = gateway.UsageFailed
		rec.Metadata = withMeta(rec.Metadata, "client_disconnected", true)
	default:
		rec.Status = statusOf(err)
		rec.Metadata = withMeta(rec.Metadata, "error", err.Error())
		o.recordBreaker(d, err)
	}
	o.ledger.Record(rec)

	var obsErr error
	if !done {
		obsErr = err
		if disconnected {
			obsErr = context.Canceled
		}
	}
	o.observe(c, d, elapsed, result{usage: u, cost: cost}, obsErr)

	if disconnected {
		slog.LogAttrs(context.WithoutCancel(ctx), slog.LevelInfo, "stream client disconnected",
			slog.String("request_id", c.requestID),
			slog.String("provider", d.Provider),
		)
		span.SetAttributes(attribute.Bool("capgate.client_disconnected", true))
		return
	}
	if err != nil {
		spanError(span, err)
		slog.LogAttrs(ctx, slog.LevelWarn, "stream failed",
			slog.String("request_id", c.requestID),
			slog.String("provider", d.Provider),
			slog.String("error", err.Error()),
		)
		emit(ctx, out, StreamEvent{Err: err})
		return
	}

	if model == "" {
		model = d.Model
	}
	dispatch := Dispatch{
		RequestID: c.requestID,
		ClientID:  c.clientID,
		Provider:  d.Provider,
		Model:     model,
		CostUSD:   cost,
		Latency:   o.now().Sub(c.start),
	}
	if original != nil {
		dispatch.Fallback = true
		dispatch.OriginalProvider = original.Provider
	}
	emit(ctx, out, StreamEvent{Done: &StreamSummary{Dispatch: dispatch, FinishReason: finish, Usage: u}})
}

// emit delivers a terminal event unless the caller has gone away.
func emit(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
