package sseutil

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/capgate/internal"
)

// Emit sends ev on ch unless ctx is done first. It reports whether the
// event was delivered.
func Emit(ctx context.Context, ch chan<- gateway.StreamEvent, ev gateway.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Terminal builds the closing Done event carrying accumulated usage.
func Terminal(model, finishReason string, usage *gateway.Usage) gateway.StreamEvent {
	return gateway.StreamEvent{Done: true, Model: model, FinishReason: finishReason, Usage: usage}
}

// ReadError converts a body read failure into a stream error event.
// Cancellation keeps its context error so the consumer can tell a client
// disconnect from an upstream failure.
func ReadError(ctx context.Context, providerName string, err error) gateway.StreamEvent {
	if ctx.Err() != nil {
		return gateway.StreamEvent{Err: ctx.Err()}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return gateway.StreamEvent{Err: err}
	}
	return gateway.StreamEvent{Err: fmt.Errorf("%s: read stream: %w: %w", providerName, gateway.ErrNetwork, err)}
}

// UsageParser extracts vendor usage from a chunk's "usage" object.
type UsageParser func(u gjson.Result) *gateway.Usage

// ReadChatStream consumes an OpenAI-compatible chat completion stream
// ("data: {...}" chunks terminated by "data: [DONE]") and emits uniform
// events on ch. A terminal Done event carrying the latest usage is always
// emitted, also when the upstream closes without [DONE]. The channel and
// body are closed and release is called on return.
func ReadChatStream(ctx context.Context, providerName string, body io.ReadCloser, release func(),
	ch chan<- gateway.StreamEvent, parseUsage UsageParser) {
	defer close(ch)
	defer release()
	defer body.Close()

	var (
		model        string
		finishReason string
		usage        *gateway.Usage
		delivered    = true
	)
	err := Each(body, func(_, data string) bool {
		if data == "[DONE]" {
			return false
		}
		r := gjson.Parse(data)
		if m := r.Get("model").String(); m != "" {
			model = m
		}
		if u := r.Get("usage"); u.Exists() && u.Type == gjson.JSON {
			if parsed := parseUsage(u); parsed != nil {
				usage = parsed
			}
		}
		choice := r.Get("choices.0")
		if fr := choice.Get("finish_reason").String(); fr != "" {
			finishReason = fr
		}
		if delta := choice.Get("delta.content").String(); delta != "" {
			delivered = Emit(ctx, ch, gateway.StreamEvent{Delta: delta, Model: model})
		}
		return delivered
	})
	if !delivered {
		return
	}
	if err != nil {
		Emit(ctx, ch, ReadError(ctx, providerName, err))
		return
	}
	Emit(ctx, ch, Terminal(model, finishReason, usage))
}

// OpenAIUsage parses the OpenAI usage object, including cached prompt
// tokens from prompt_tokens_details.
func OpenAIUsage(u gjson.Result) *gateway.Usage {
	out := &gateway.Usage{
		PromptTokens:       int(u.Get("prompt_tokens").Int()),
		CompletionTokens:   int(u.Get("completion_tokens").Int()),
		TotalTokens:        int(u.Get("total_tokens").Int()),
		CachedPromptTokens: int(u.Get("prompt_tokens_details.cached_tokens").Int()),
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	if out.TotalTokens == 0 {
		return nil
	}
	return out
}
