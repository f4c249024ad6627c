package deepseek

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/capgate/internal"
)

func TestUsage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
		want *gateway.Usage
	}{
		{
			name: "cache hit fields",
			json: `{"prompt_tokens":100,"completion_tokens":20,"total_tokens":120,"prompt_cache_hit_tokens":80,"prompt_cache_miss_tokens":20}`,
			want: &gateway.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120, CachedPromptTokens: 80},
		},
		{
			name: "openai details fallback",
			json: `{"prompt_tokens":10,"completion_tokens":2,"prompt_tokens_details":{"cached_tokens":5}}`,
			want: &gateway.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12, CachedPromptTokens: 5},
		},
		{name: "empty", json: `{}`, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Usage(gjson.Parse(tt.json))
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("got %+v, want %+v", *got, *tt.want)
			}
		})
	}
}

func TestGenerateText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ds-key" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{"model":"deepseek-chat","choices":[{"message":{"content":"ni hao"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1000,"completion_tokens":500,"total_tokens":1500,"prompt_cache_hit_tokens":0}}`)
	}))
	defer srv.Close()

	d := &gateway.RoutingDecision{Provider: "deepseek", Model: "deepseek-chat", APIKey: "ds-key", Timeout: 5 * time.Second}
	res, err := New("deepseek", srv.URL, srv.Client()).GenerateText(context.Background(), d,
		&gateway.TextRequest{Messages: []gateway.Message{{Role: "user", Content: "hello"}}})
	if err != nil {
		t.Fatalf("GenerateText: %v", err)
	}
	if res.Text != "ni hao" || res.Usage.TotalTokens != 1500 {
		t.Errorf("result = %+v", res)
	}
}

func TestGenerateImageUnsupported(t *testing.T) {
	t.Parallel()

	_, err := New("deepseek", "", nil).GenerateImage(context.Background(),
		&gateway.RoutingDecision{Model: "deepseek-chat"}, &gateway.ImageRequest{Prompt: "cat"})
	if !errors.Is(err, gateway.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}
