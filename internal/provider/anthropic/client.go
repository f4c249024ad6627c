// Package anthropic implements the adapter for the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/cloudauth"
	"github.com/eugener/capgate/internal/provider"
)

const (
	// DefaultBaseURL is the public Anthropic API root.
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	maxResponseSize  = 8 << 20
)

var _ gateway.Adapter = (*Client)(nil)

// Client is an Anthropic adapter. It is safe for concurrent use.
type Client struct {
	name    string
	baseURL string
	caller  *provider.Caller
}

// New creates an Anthropic adapter registered under name. If baseURL is
// empty, it defaults to DefaultBaseURL.
func New(name, baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		caller:  &provider.Caller{Provider: name, HTTP: client},
	}
}

// Caller exposes the upstream caller so tests can shorten retry backoff.
func (c *Client) Caller() *provider.Caller { return c.caller }

// Name returns the provider name.
func (c *Client) Name() string { return c.name }

// GenerateText sends a non-streaming Messages API request.
func (c *Client) GenerateText(ctx context.Context, d *gateway.RoutingDecision, req *gateway.TextRequest) (*gateway.TextResult, error) {
	body, err := json.Marshal(translateRequest(d.Model, req, false))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	var out *gateway.TextResult
	err = c.caller.Do(ctx, d, c.post(d, body), func(resp *http.Response) error {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return err
		}
		if !gjson.ValidBytes(raw) {
			return errors.New("invalid JSON response")
		}
		out = translateResponse(gjson.ParseBytes(raw), d.Model)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateTextStream opens a streaming Messages API request.
func (c *Client) GenerateTextStream(ctx context.Context, d *gateway.RoutingDecision, req *gateway.TextRequest) (<-chan gateway.StreamEvent, error) {
	body, err := json.Marshal(translateRequest(d.Model, req, true))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	resp, release, err := c.caller.Stream(ctx, d, c.post(d, body))
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamEvent, 8)
	go readStream(ctx, c.name, resp.Body, release, ch)
	return ch, nil
}

// GenerateImage is not offered by Anthropic.
func (c *Client) GenerateImage(context.Context, *gateway.RoutingDecision, *gateway.ImageRequest) (*gateway.ImageResult, error) {
	return nil, &provider.APIError{
		Provider:   c.name,
		StatusCode: http.StatusBadRequest,
		Message:    "image generation is not supported",
		Kind:       gateway.ErrInvalidRequest,
	}
}

// CalculateCost prices token usage, honoring the cache-read rate.
func (c *Client) CalculateCost(p gateway.Pricing, u gateway.Usage) float64 {
	return provider.TokenCost(p, u)
}

func (c *Client) post(d *gateway.RoutingDecision, body []byte) provider.RequestBuilder {
	base := c.baseURL
	if d.Endpoint != "" {
		base = strings.TrimRight(d.Endpoint, "/")
	}
	return func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/messages", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("anthropic-version", anthropicVersion)
		cloudauth.XAPIKey.Apply(r, d.APIKey)
		return r, nil
	}
}
