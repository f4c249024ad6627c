package anthropic

import (
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/capgate/internal"
)

// defaultMaxTokens is sent when the caller sets no limit; the Messages API
// requires max_tokens.
const defaultMaxTokens = 4096

// messagesRequest is the Anthropic Messages API request body.
type messagesRequest struct {
	Model         string    `json:"model"`
	MaxTokens     int       `json:"max_tokens"`
	Messages      []message `json:"messages"`
	System        string    `json:"system,omitempty"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// translateRequest maps a uniform text request to the Messages API. System
// turns are concatenated into the top-level system prompt. Penalties have
// no Anthropic equivalent and are dropped.
func translateRequest(model string, req *gateway.TextRequest, stream bool) *messagesRequest {
	out := &messagesRequest{
		Model:         model,
		MaxTokens:     req.MaxTokensOr(defaultMaxTokens),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	if out.Temperature != nil && *out.Temperature > 1 {
		clamped := 1.0
		out.Temperature = &clamped
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		out.Messages = append(out.Messages, message{Role: m.Role, Content: m.Content})
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

// translateResponse converts a Messages API response body.
func translateResponse(r gjson.Result, fallbackModel string) *gateway.TextResult {
	var text strings.Builder
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text.WriteString(block.Get("text").String())
		}
		return true
	})

	out := &gateway.TextResult{
		Text:         text.String(),
		Model:        r.Get("model").String(),
		FinishReason: mapStopReason(r.Get("stop_reason").String()),
	}
	if out.Model == "" {
		out.Model = fallbackModel
	}
	if u := parseUsage(r.Get("usage")); u != nil {
		out.Usage = *u
	}
	return out
}

// parseUsage converts an Anthropic usage object. input_tokens excludes
// cache reads and writes, so the prompt total adds them back.
func parseUsage(u gjson.Result) *gateway.Usage {
	if !u.Exists() {
		return nil
	}
	cacheRead := int(u.Get("cache_read_input_tokens").Int())
	prompt := int(u.Get("input_tokens").Int()) + cacheRead + int(u.Get("cache_creation_input_tokens").Int())
	completion := int(u.Get("output_tokens").Int())
	return &gateway.Usage{
		PromptTokens:       prompt,
		CompletionTokens:   completion,
		TotalTokens:        prompt + completion,
		CachedPromptTokens: cacheRead,
	}
}

// mapStopReason converts Anthropic stop reasons to uniform finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}
