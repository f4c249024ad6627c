// Package openai implements the adapter for the OpenAI chat completions and
// images APIs. The same wire format serves OpenAI-compatible vendors, which
// configure it through Options.
package openai

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
	"github.com/eugener/capgate/internal/provider/sseutil"
)

// DefaultBaseURL is the public OpenAI API root.
const DefaultBaseURL = "https://api.openai.com/v1"

// maxResponseSize bounds a single-shot response body.
const maxResponseSize = 32 << 20

var _ gateway.Adapter = (*Client)(nil)

var errInvalidJSON = errors.New("invalid JSON response")

// Client is an OpenAI wire-format adapter. It is safe for concurrent use.
type Client struct {
	name    string
	baseURL string
	caller  *provider.Caller
	usage    sseutil.UsageParser
	images   bool
	endpoint func(string) string
}

// Option customizes a Client for an OpenAI-compatible vendor.
type Option func(*Client)

// WithUsageParser replaces the usage parser for vendors whose usage object
// differs from OpenAI's.
func WithUsageParser(p sseutil.UsageParser) Option {
	return func(c *Client) { c.usage = p }
}

// WithoutImages marks image generation as unsupported.
func WithoutImages() Option {
	return func(c *Client) { c.images = false }
}

// WithEndpoint rewrites every base URL, the adapter's own and those carried
// by routing decisions, before paths are appended.
func WithEndpoint(fn func(string) string) Option {
	return func(c *Client) { c.endpoint = fn }
}

// New creates an adapter registered under name. baseURL is used when a
// routing decision carries no endpoint; empty means DefaultBaseURL.
func New(name, baseURL string, client *http.Client, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	c := &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		caller:  &provider.Caller{Provider: name, HTTP: client},
		usage:   sseutil.OpenAIUsage,
		images:  true,
	}
	for _, o := range opts {
		o(c)
	}
	if c.endpoint != nil {
		c.baseURL = c.endpoint(c.baseURL)
	}
	return c
}

// Caller exposes the upstream caller so tests can shorten retry backoff.
func (c *Client) Caller() *provider.Caller { return c.caller }

// Name returns the provider name.
func (c *Client) Name() string { return c.name }

// chatRequest is the outbound /chat/completions body.
type chatRequest struct {
	Model            string            `json:"model"`
	Messages         []gateway.Message `json:"messages"`
	Temperature      *float64          `json:"temperature,omitempty"`
	MaxTokens        *int              `json:"max_tokens,omitempty"`
	TopP             *float64          `json:"top_p,omitempty"`
	FrequencyPenalty *float64          `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64          `json:"presence_penalty,omitempty"`
	Stop             []string          `json:"stop,omitempty"`
	Stream           bool              `json:"stream,omitempty"`
	StreamOptions    *streamOptions    `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func newChatRequest(d *gateway.RoutingDecision, req *gateway.TextRequest, stream bool) *chatRequest {
	out := &chatRequest{
		Model:            d.Model,
		Messages:         req.Messages,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
	}
	if stream {
		out.Stream = true
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return out
}

// GenerateText sends a non-streaming chat completion.
func (c *Client) GenerateText(ctx context.Context, d *gateway.RoutingDecision, req *gateway.TextRequest) (*gateway.TextResult, error) {
	body, err := json.Marshal(newChatRequest(d, req, false))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	var out *gateway.TextResult
	err = c.caller.Do(ctx, d, c.post(d, "/chat/completions", body), func(resp *http.Response) error {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return err
		}
		if !gjson.ValidBytes(raw) {
			return errInvalidJSON
		}
		r := gjson.ParseBytes(raw)
		choice := r.Get("choices.0")
		out = &gateway.TextResult{
			Text:         choice.Get("message.content").String(),
			Model:        r.Get("model").String(),
			FinishReason: choice.Get("finish_reason").String(),
		}
		if out.Model == "" {
			out.Model = d.Model
		}
		if u := c.usage(r.Get("usage")); u != nil {
			out.Usage = *u
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateTextStream opens a streaming chat completion with usage reporting
// enabled on the final chunk.
func (c *Client) GenerateTextStream(ctx context.Context, d *gateway.RoutingDecision, req *gateway.TextRequest) (<-chan gateway.StreamEvent, error) {
	body, err := json.Marshal(newChatRequest(d, req, true))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	resp, release, err := c.caller.Stream(ctx, d, c.post(d, "/chat/completions", body))
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamEvent, 8)
	go sseutil.ReadChatStream(ctx, c.name, resp.Body, release, ch, c.usage)
	return ch, nil
}

// imageRequest is the outbound /images/generations body.
type imageRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
}

// GenerateImage calls /images/generations.
func (c *Client) GenerateImage(ctx context.Context, d *gateway.RoutingDecision, req *gateway.ImageRequest) (*gateway.ImageResult, error) {
	if !c.images {
		return nil, &provider.APIError{
			Provider:   c.name,
			StatusCode: http.StatusBadRequest,
			Message:    "image generation is not supported",
			Kind:       gateway.ErrInvalidRequest,
		}
	}

	body, err := json.Marshal(&imageRequest{
		Model:   d.Model,
		Prompt:  req.Prompt,
		N:       req.Count(),
		Size:    req.Size,
		Quality: req.Quality,
		Style:   req.Style,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	var out *gateway.ImageResult
	err = c.caller.Do(ctx, d, c.post(d, "/images/generations", body), func(resp *http.Response) error {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return err
		}
		if !gjson.ValidBytes(raw) {
			return errInvalidJSON
		}
		out = &gateway.ImageResult{Model: d.Model}
		gjson.GetBytes(raw, "data").ForEach(func(_, v gjson.Result) bool {
			out.Images = append(out.Images, gateway.Image{
				URL:           v.Get("url").String(),
				B64JSON:       v.Get("b64_json").String(),
				RevisedPrompt: v.Get("revised_prompt").String(),
			})
			return true
		})
		if len(out.Images) > 0 {
			out.RevisedPrompt = out.Images[0].RevisedPrompt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CalculateCost prices token usage, honoring the cached-input rate.
func (c *Client) CalculateCost(p gateway.Pricing, u gateway.Usage) float64 {
	return provider.TokenCost(p, u)
}

// post builds a JSON POST against the decision's endpoint, falling back to
// the adapter's base URL.
func (c *Client) post(d *gateway.RoutingDecision, path string, body []byte) provider.RequestBuilder {
	base := c.baseURL
	if d.Endpoint != "" {
		base = strings.TrimRight(d.Endpoint, "/")
		if c.endpoint != nil {
			base = c.endpoint(base)
		}
	}
	return func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		cloudauth.Bearer.Apply(r, d.APIKey)
		return r, nil
	}
}
