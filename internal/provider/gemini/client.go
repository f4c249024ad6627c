// Package gemini implements the adapter for the Google Gemini API, with
// image generation through Imagen.
package gemini

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
	// DefaultBaseURL is the public Gemini API root.
	DefaultBaseURL  = "https://generativelanguage.googleapis.com/v1beta"
	maxResponseSize = 64 << 20 // base64 images
)

var _ gateway.Adapter = (*Client)(nil)

var errInvalidJSON = errors.New("invalid JSON response")

// Client is a Gemini adapter. Requests are keyed with x-goog-api-key when
// the decision carries a key; otherwise the HTTP client's transport must
// supply credentials (see cloudauth.GCPOAuthTransport).
type Client struct {
	name    string
	baseURL string
	caller  *provider.Caller
}

// New creates a Gemini adapter registered under name.
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

// GenerateText calls models/{model}:generateContent.
func (c *Client) GenerateText(ctx context.Context, d *gateway.RoutingDecision, req *gateway.TextRequest) (*gateway.TextResult, error) {
	body, err := json.Marshal(translateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	var out *gateway.TextResult
	err = c.caller.Do(ctx, d, c.post(d, ":generateContent", body), func(resp *http.Response) error {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return err
		}
		if !gjson.ValidBytes(raw) {
			return errInvalidJSON
		}
		out = translateResponse(gjson.ParseBytes(raw), d.Model)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateTextStream calls models/{model}:streamGenerateContent?alt=sse.
func (c *Client) GenerateTextStream(ctx context.Context, d *gateway.RoutingDecision, req *gateway.TextRequest) (<-chan gateway.StreamEvent, error) {
	body, err := json.Marshal(translateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	resp, release, err := c.caller.Stream(ctx, d, c.post(d, ":streamGenerateContent?alt=sse", body))
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamEvent, 8)
	go readStream(ctx, c.name, d.Model, resp.Body, release, ch)
	return ch, nil
}

// GenerateImage calls the Imagen models/{model}:predict endpoint.
func (c *Client) GenerateImage(ctx context.Context, d *gateway.RoutingDecision, req *gateway.ImageRequest) (*gateway.ImageResult, error) {
	body, err := json.Marshal(&predictRequest{
		Instances:  []predictInstance{{Prompt: req.Prompt}},
		Parameters: predictParameters{SampleCount: req.Count(), AspectRatio: aspectRatio(req.Size)},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	var out *gateway.ImageResult
	err = c.caller.Do(ctx, d, c.post(d, ":predict", body), func(resp *http.Response) error {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return err
		}
		if !gjson.ValidBytes(raw) {
			return errInvalidJSON
		}
		out = &gateway.ImageResult{Model: d.Model}
		gjson.GetBytes(raw, "predictions").ForEach(func(_, p gjson.Result) bool {
			out.Images = append(out.Images, gateway.Image{
				B64JSON:       p.Get("bytesBase64Encoded").String(),
				RevisedPrompt: p.Get("prompt").String(),
			})
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CalculateCost prices token usage.
func (c *Client) CalculateCost(p gateway.Pricing, u gateway.Usage) float64 {
	return provider.TokenCost(p, u)
}

// post builds a POST to models/{model}{method}.
func (c *Client) post(d *gateway.RoutingDecision, method string, body []byte) provider.RequestBuilder {
	base := c.baseURL
	if d.Endpoint != "" {
		base = strings.TrimRight(d.Endpoint, "/")
	}
	u := base + "/models/" + d.Model + method
	return func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		cloudauth.GoogleKey.Apply(r, d.APIKey)
		return r, nil
	}
}
