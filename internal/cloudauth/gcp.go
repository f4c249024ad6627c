package cloudauth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GCPScope is the OAuth2 scope for Gemini and Vertex AI.
const GCPScope = "https://www.googleapis.com/auth/cloud-platform"

// GCPOAuthTransport injects a GCP OAuth2 bearer token obtained through
// Application Default Credentials. Requests that already carry a vendor
// key pass through unchanged. Tokens are cached and auto-refreshed.
type GCPOAuthTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// NewGCPOAuthTransport returns a transport backed by ADC.
func NewGCPOAuthTransport(ctx context.Context, base http.RoundTripper, scopes ...string) (*GCPOAuthTransport, error) {
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: find GCP credentials: %w", err)
	}
	return newGCPOAuthTransportFromSource(base, creds.TokenSource), nil
}

func newGCPOAuthTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *GCPOAuthTransport {
	return &GCPOAuthTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, ts),
	}
}

// RoundTrip adds a Bearer token unless the request is already keyed.
func (t *GCPOAuthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if HasCredentials(r) {
		return t.getBase().RoundTrip(r)
	}
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: obtain GCP token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.getBase().RoundTrip(r2)
}

func (t *GCPOAuthTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}
