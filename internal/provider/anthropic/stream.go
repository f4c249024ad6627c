package anthropic

import (
	"context"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/provider"
	"github.com/eugener/capgate/internal/provider/sseutil"
)

// streamState accumulates the Messages API event sequence.
type streamState struct {
	model        string
	usage        gateway.Usage
	seenUsage    bool
	finishReason string
}

// readStream consumes Anthropic typed SSE events and emits uniform events.
// A terminal Done event is emitted at message_stop, or at EOF when the
// upstream closes without it.
func readStream(ctx context.Context, name string, body io.ReadCloser, release func(), ch chan<- gateway.StreamEvent) {
	defer close(ch)
	defer release()
	defer body.Close()

	var (
		state     streamState
		delivered = true
		streamErr error
	)
	err := sseutil.Each(body, func(event, data string) bool {
		r := gjson.Parse(data)
		if event == "" {
			event = r.Get("type").String()
		}
		switch event {
		case "message_start":
			state.model = r.Get("message.model").String()
			if u := parseUsage(r.Get("message.usage")); u != nil {
				state.usage = *u
				state.seenUsage = true
			}
		case "content_block_delta":
			if r.Get("delta.type").String() == "text_delta" {
				delivered = sseutil.Emit(ctx, ch, gateway.StreamEvent{Delta: r.Get("delta.text").String(), Model: state.model})
			}
		case "message_delta":
			state.finishReason = mapStopReason(r.Get("delta.stop_reason").String())
			if out := r.Get("usage.output_tokens"); out.Exists() {
				state.usage.CompletionTokens = int(out.Int())
				state.usage.TotalTokens = state.usage.PromptTokens + state.usage.CompletionTokens
				state.seenUsage = true
			}
		case "message_stop":
			return false
		case "error":
			streamErr = &provider.APIError{
				Provider:   name,
				StatusCode: http.StatusBadGateway,
				Message:    r.Get("error.message").String(),
				Kind:       gateway.ErrUpstream,
			}
			return false
		}
		return delivered
	})
	if !delivered {
		return
	}
	switch {
	case streamErr != nil:
		sseutil.Emit(ctx, ch, gateway.StreamEvent{Err: streamErr})
	case err != nil:
		sseutil.Emit(ctx, ch, sseutil.ReadError(ctx, name, err))
	default:
		var usage *gateway.Usage
		if state.seenUsage {
			u := state.usage
			usage = &u
		}
		sseutil.Emit(ctx, ch, sseutil.Terminal(state.model, state.finishReason, usage))
	}
}
