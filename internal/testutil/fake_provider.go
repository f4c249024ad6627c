// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"sync"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/provider"
)

// FakeAdapter is a configurable gateway.Adapter for testing. Unset
// functions produce a canned success.
type FakeAdapter struct {
	AdapterName string
	TextFn      func(ctx context.Context, d *gateway.RoutingDecision, req *gateway.TextRequest) (*gateway.TextResult, error)
	StreamFn    func(ctx context.Context, d *gateway.RoutingDecision, req *gateway.TextRequest) (<-chan gateway.StreamEvent, error)
	ImageFn     func(ctx context.Context, d *gateway.RoutingDecision, req *gateway.ImageRequest) (*gateway.ImageResult, error)

	mu        sync.Mutex
	decisions []gateway.RoutingDecision
}

var _ gateway.Adapter = (*FakeAdapter)(nil)

// Name returns the configured adapter name.
func (f *FakeAdapter) Name() string { return f.AdapterName }

func (f *FakeAdapter) record(d *gateway.RoutingDecision) {
	f.mu.Lock()
	f.decisions = append(f.decisions, *d)
	f.mu.Unlock()
}

// Decisions returns the routing decisions the adapter was called with.
func (f *FakeAdapter) Decisions() []gateway.RoutingDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.RoutingDecision(nil), f.decisions...)
}

// GenerateText delegates to TextFn or echoes a fixed reply.
func (f *FakeAdapter) GenerateText(ctx context.Context, d *gateway.RoutingDecision, req *gateway.TextRequest) (*gateway.TextResult, error) {
	f.record(d)
	if f.TextFn != nil {
		return f.TextFn(ctx, d, req)
	}
	return &gateway.TextResult{
		Text:         "hello from " + f.AdapterName,
		Model:        d.Model,
		FinishReason: "stop",
		Usage:        gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

// GenerateTextStream delegates to StreamFn or streams a fixed reply.
func (f *FakeAdapter) GenerateTextStream(ctx context.Context, d *gateway.RoutingDecision, req *gateway.TextRequest) (<-chan gateway.StreamEvent, error) {
	f.record(d)
	if f.StreamFn != nil {
		return f.StreamFn(ctx, d, req)
	}
	return StreamEvents(
		gateway.StreamEvent{Delta: "hello"},
		gateway.StreamEvent{Done: true, FinishReason: "stop", Model: d.Model,
			Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	), nil
}

// GenerateImage delegates to ImageFn or returns req.Count() placeholder images.
func (f *FakeAdapter) GenerateImage(ctx context.Context, d *gateway.RoutingDecision, req *gateway.ImageRequest) (*gateway.ImageResult, error) {
	f.record(d)
	if f.ImageFn != nil {
		return f.ImageFn(ctx, d, req)
	}
	out := &gateway.ImageResult{Model: d.Model}
	for range req.Count() {
		out.Images = append(out.Images, gateway.Image{URL: "https://img.test/" + f.AdapterName})
	}
	return out, nil
}

// CalculateCost uses the shared token pricing.
func (f *FakeAdapter) CalculateCost(p gateway.Pricing, u gateway.Usage) float64 {
	return provider.TokenCost(p, u)
}

// StreamEvents returns a closed channel pre-loaded with events.
func StreamEvents(events ...gateway.StreamEvent) <-chan gateway.StreamEvent {
	ch := make(chan gateway.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}
