// Package deepseek provides the DeepSeek adapter. DeepSeek speaks the
// OpenAI chat completions wire format but reports prompt cache hits in its
// own usage fields and offers no image generation.
package deepseek

import (
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/provider/openai"
)

// DefaultBaseURL is the public DeepSeek API root.
const DefaultBaseURL = "https://api.deepseek.com/v1"

// New creates a DeepSeek adapter registered under name.
func New(name, baseURL string, client *http.Client) *openai.Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return openai.New(name, baseURL, client,
		openai.WithUsageParser(Usage),
		openai.WithoutImages(),
	)
}

// Usage parses a DeepSeek usage object. prompt_cache_hit_tokens maps to
// cached prompt tokens; the OpenAI-style details object is used when the
// DeepSeek field is absent.
func Usage(u gjson.Result) *gateway.Usage {
	out := &gateway.Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}
	if hit := u.Get("prompt_cache_hit_tokens"); hit.Exists() {
		out.CachedPromptTokens = int(hit.Int())
	} else {
		out.CachedPromptTokens = int(u.Get("prompt_tokens_details.cached_tokens").Int())
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	if out.TotalTokens == 0 {
		return nil
	}
	return out
}
