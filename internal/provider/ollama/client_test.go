package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/eugener/capgate/internal"
)

func TestGenerateTextUsesCompatEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		suffix   string
		endpoint bool // route through the decision's endpoint
	}{
		{name: "root url", suffix: ""},
		{name: "v1 url", suffix: "/v1"},
		{name: "trailing slash", suffix: "/"},
		{name: "routed root url", suffix: "", endpoint: true},
		{name: "routed v1 url", suffix: "/v1", endpoint: true},
		{name: "routed trailing slash", suffix: "/", endpoint: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/chat/completions" {
					t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "" {
					t.Errorf("Authorization = %q, want none", got)
				}
				fmt.Fprint(w, `{"model":"llama3","choices":[{"message":{"content":"hey"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`)
			}))
			defer srv.Close()

			d := &gateway.RoutingDecision{Provider: "ollama", Model: "llama3", Timeout: 5 * time.Second}
			base := srv.URL + tt.suffix
			if tt.endpoint {
				d.Endpoint = base
				base = "http://127.0.0.1:1" // unused when the decision has an endpoint
			}
			res, err := New("ollama", base, srv.Client()).GenerateText(context.Background(), d,
				&gateway.TextRequest{Messages: []gateway.Message{{Role: "user", Content: "hi"}}})
			if err != nil {
				t.Fatalf("GenerateText: %v", err)
			}
			if res.Text != "hey" || res.Usage.TotalTokens != 4 {
				t.Errorf("result = %+v", res)
			}
		})
	}
}
