package gemini

import (
	"context"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/provider/sseutil"
)

// readStream reads streamGenerateContent?alt=sse output. Gemini sends no
// event names and no [DONE] sentinel; the stream ends at EOF. Each data
// line is a full response chunk with cumulative usage.
func readStream(ctx context.Context, name, model string, body io.ReadCloser, release func(), ch chan<- gateway.StreamEvent) {
	defer close(ch)
	defer release()
	defer body.Close()

	var (
		usage        *gateway.Usage
		finishReason string
		delivered    = true
	)
	err := sseutil.Each(body, func(_, data string) bool {
		r := gjson.Parse(data)
		if m := r.Get("modelVersion").String(); m != "" {
			model = m
		}
		if u := parseUsage(r.Get("usageMetadata")); u != nil {
			usage = u
		}
		if fr := mapStopReason(r.Get("candidates.0.finishReason").String()); fr != "" {
			finishReason = fr
		}
		if text := candidateText(r); text != "" {
			delivered = sseutil.Emit(ctx, ch, gateway.StreamEvent{Delta: text, Model: model})
		}
		return delivered
	})
	if !delivered {
		return
	}
	if err != nil {
		sseutil.Emit(ctx, ch, sseutil.ReadError(ctx, name, err))
		return
	}
	sseutil.Emit(ctx, ch, sseutil.Terminal(model, finishReason, usage))
}
