package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	gateway "github.com/eugener/capgate/internal"
)

func TestParseAPIError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     string
		wantKind error
		wantMsg  string
	}{
		{name: "401", status: 401, body: `{"error":{"message":"bad key"}}`, wantKind: gateway.ErrProviderAuth, wantMsg: "bad key"},
		{name: "403", status: 403, body: `{"message":"denied"}`, wantKind: gateway.ErrProviderAuth, wantMsg: "denied"},
		{name: "429", status: 429, body: `{"error":"slow down"}`, wantKind: gateway.ErrProviderRateLimited, wantMsg: "slow down"},
		{name: "400", status: 400, body: `{"error":{"message":"bad model"}}`, wantKind: gateway.ErrInvalidRequest, wantMsg: "bad model"},
		{name: "404", status: 404, body: `not found`, wantKind: gateway.ErrInvalidRequest, wantMsg: "not found"},
		{name: "422", status: 422, body: `{}`, wantKind: gateway.ErrInvalidRequest, wantMsg: "{}"},
		{name: "500", status: 500, body: `boom`, wantKind: gateway.ErrUpstream, wantMsg: "boom"},
		{name: "503", status: 503, body: ``, wantKind: gateway.ErrUpstream, wantMsg: ""},
		{name: "anthropic overloaded 529", status: 529, body: `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, wantKind: gateway.ErrUpstream, wantMsg: "Overloaded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := &http.Response{StatusCode: tt.status, Body: io.NopCloser(strings.NewReader(tt.body))}
			err := ParseAPIError("test", resp)

			if !errors.Is(err, tt.wantKind) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.wantKind)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatal("expected *APIError")
			}
			if apiErr.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.wantMsg)
			}
			if apiErr.HTTPStatus() != tt.status {
				t.Errorf("HTTPStatus() = %d, want %d", apiErr.HTTPStatus(), tt.status)
			}
		})
	}
}

func TestParseAPIErrorLimitsBody(t *testing.T) {
	t.Parallel()

	resp := &http.Response{StatusCode: 500, Body: io.NopCloser(strings.NewReader(strings.Repeat("x", 10_000)))}
	var apiErr *APIError
	if !errors.As(ParseAPIError("test", resp), &apiErr) {
		t.Fatal("expected *APIError")
	}
	if len(apiErr.Message) != 4096 {
		t.Errorf("message len = %d, want 4096", len(apiErr.Message))
	}
}

func TestNetworkError(t *testing.T) {
	t.Parallel()

	err := NetworkError("openai", context.DeadlineExceeded)
	if !errors.Is(err, gateway.ErrNetwork) {
		t.Error("expected ErrNetwork")
	}
	if !IsTimeout(err) {
		t.Error("expected timeout to remain visible")
	}
	if !strings.Contains(err.Error(), "openai") {
		t.Errorf("error %q should name the provider", err)
	}

	var apiErr *APIError
	errors.As(err, &apiErr)
	if !apiErr.Retryable() {
		t.Error("network errors should be retryable")
	}
}

func TestAPIErrorRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind error
		want bool
	}{
		{gateway.ErrNetwork, true},
		{gateway.ErrUpstream, true},
		{gateway.ErrProviderRateLimited, true},
		{gateway.ErrProviderAuth, false},
		{gateway.ErrInvalidRequest, false},
	}
	for _, tt := range tests {
		e := &APIError{Kind: tt.kind}
		if got := e.Retryable(); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
