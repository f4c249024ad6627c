// Package gateway defines domain types and interfaces for the capgate AI
// capability gateway. This package has no project imports -- it is the
// dependency root.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// --- Capabilities ---

// Capability identifiers, formatted as {domain}.{action}.
const (
	CapabilityTextGeneration  = "text.generation"
	CapabilityImageGeneration = "image.generation"
)

// CapabilityDomain returns the domain part of a capability ("text" for
// "text.generation").
func CapabilityDomain(capability string) string {
	domain, _, _ := strings.Cut(capability, ".")
	return domain
}

// --- Provider adapter ---

// Adapter translates uniform gateway requests into one upstream vendor's
// wire format and back. One Adapter instance serves one configured provider;
// per-call credentials and endpoints come from the RoutingDecision.
type Adapter interface {
	// Name returns the provider name this adapter is registered under.
	Name() string
	// GenerateText performs a single-shot text generation.
	GenerateText(ctx context.Context, d *RoutingDecision, req *TextRequest) (*TextResult, error)
	// GenerateTextStream opens a streamed text generation. The returned
	// channel always ends with a Done event (carrying accumulated usage)
	// or an Err event, and is then closed.
	GenerateTextStream(ctx context.Context, d *RoutingDecision, req *TextRequest) (<-chan StreamEvent, error)
	// GenerateImage performs an image generation.
	GenerateImage(ctx context.Context, d *RoutingDecision, req *ImageRequest) (*ImageResult, error)
	// CalculateCost converts usage to USD using the given pricing.
	CalculateCost(p Pricing, u Usage) float64
}

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// TextRequest is the uniform text generation request. Exactly one of
// Messages or Prompt must be set; Normalize folds Prompt into Messages.
type TextRequest struct {
	Messages         []Message `json:"messages,omitempty" validate:"omitempty,dive"`
	Prompt           string    `json:"prompt,omitempty"`
	Model            string    `json:"model,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens        *int      `json:"maxTokens,omitempty" validate:"omitempty,gt=0"`
	TopP             *float64  `json:"topP,omitempty" validate:"omitempty,gte=0,lte=1"`
	FrequencyPenalty *float64  `json:"frequencyPenalty,omitempty" validate:"omitempty,gte=-2,lte=2"`
	PresencePenalty  *float64  `json:"presencePenalty,omitempty" validate:"omitempty,gte=-2,lte=2"`
	Stop             []string  `json:"stop,omitempty" validate:"omitempty,max=4"`
	Stream           bool      `json:"stream,omitempty"`
}

// Normalize enforces the messages-xor-prompt rule and converts a legacy
// prompt into a single user message.
func (r *TextRequest) Normalize() error {
	hasMessages := len(r.Messages) > 0
	hasPrompt := strings.TrimSpace(r.Prompt) != ""
	switch {
	case hasMessages && hasPrompt:
		return fmt.Errorf("%w: supply either messages or prompt, not both", ErrValidation)
	case !hasMessages && !hasPrompt:
		return fmt.Errorf("%w: messages or prompt is required", ErrValidation)
	case hasPrompt:
		r.Messages = []Message{{Role: "user", Content: r.Prompt}}
		r.Prompt = ""
	}
	return nil
}

// MaxTokensOr returns MaxTokens or def when unset.
func (r *TextRequest) MaxTokensOr(def int) int {
	if r.MaxTokens != nil {
		return *r.MaxTokens
	}
	return def
}

// Usage is token accounting for a text generation.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
	// CachedPromptTokens is the part of PromptTokens served from the
	// vendor's prompt cache, when the vendor reports it.
	CachedPromptTokens int `json:"cachedPromptTokens,omitempty"`
}

// TextResult is the uniform single-shot text generation result.
type TextResult struct {
	Text         string         `json:"text"`
	Model        string         `json:"model"`
	FinishReason string         `json:"finishReason"`
	Usage        Usage          `json:"usage"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// StreamEvent is one element of a streamed text generation.
type StreamEvent struct {
	Delta        string
	Done         bool
	FinishReason string
	Usage        *Usage // latest figures; set on Done, optionally earlier
	Model        string
	Err          error
}

// ImageRequest is the uniform image generation request.
type ImageRequest struct {
	Prompt  string `json:"prompt" validate:"required"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty" validate:"omitempty,oneof=standard hd low medium high auto"`
	N       int    `json:"n,omitempty" validate:"omitempty,gte=1,lte=10"`
	Model   string `json:"model,omitempty"`
	Style   string `json:"style,omitempty" validate:"omitempty,oneof=vivid natural"`
}

// Count returns the requested image count (at least 1).
func (r *ImageRequest) Count() int {
	return max(r.N, 1)
}

// Image is one generated image.
type Image struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64Json,omitempty"`
	RevisedPrompt string `json:"revisedPrompt,omitempty"`
}

// ImageResult is the uniform image generation result.
type ImageResult struct {
	Images        []Image        `json:"images"`
	Model         string         `json:"model"`
	RevisedPrompt string         `json:"revisedPrompt,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// --- Clients and permissions ---

// ClientStatus is the lifecycle state of an API client.
type ClientStatus string

// Client lifecycle states. Only active clients pass authentication.
const (
	ClientActive    ClientStatus = "active"
	ClientSuspended ClientStatus = "suspended"
	ClientInactive  ClientStatus = "inactive"
)

// Client is an API consumer authenticated by key + secret.
type Client struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	APIKey     string       `json:"apiKey"`
	SecretHash string       `json:"-"` // bcrypt, never exposed
	Status     ClientStatus `json:"status"`
	Quota      QuotaConfig  `json:"quota"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// QuotaConfig is the client-level cost quota. Nil fields are unlimited.
type QuotaConfig struct {
	DailyQuotaUSD      *float64 `json:"dailyQuotaUSD,omitempty"`
	MonthlyQuotaUSD    *float64 `json:"monthlyQuotaUSD,omitempty"`
	RateLimitPerMinute *int64   `json:"rateLimitPerMinute,omitempty"`
}

// CapabilityPermission grants one client one capability. There is at most
// one row per (ClientID, Capability).
type CapabilityPermission struct {
	ID                 string           `json:"id"`
	ClientID           string           `json:"clientId"`
	Capability         string           `json:"capability"`
	Enabled            bool             `json:"enabled"`
	RateLimitPerMinute *int64           `json:"rateLimitPerMinute,omitempty"`
	QuotaLimit         *int64           `json:"quotaLimit,omitempty"` // monthly tokens (text) or images (image)
	PreferredProvider  string           `json:"preferredProvider,omitempty"`
	AllowedProviders   []string         `json:"allowedProviders,omitempty"` // empty = unrestricted
	AllowedModels      []string         `json:"allowedModels,omitempty"`    // empty = unrestricted
	Config             PermissionConfig `json:"config"`
}

// PermissionConfig holds per-permission routing and cost settings.
type PermissionConfig struct {
	CostLimitPerRequestUSD *float64 `json:"costLimitPerRequestUSD,omitempty"`
	FallbackEnabled        *bool    `json:"fallbackEnabled,omitempty"`
}

// --- Providers and models ---

// HealthStatus is the operator-reported health of a provider.
type HealthStatus string

// Provider health states. Unhealthy providers are skipped by fallback.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Provider is an upstream vendor registration.
type Provider struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"` // routing key, case-insensitive
	Type         string       `json:"type"` // adapter type; defaults to Name
	BaseURL      string       `json:"baseUrl"`
	APIKey       string       `json:"-"`
	Enabled      bool         `json:"enabled"`
	TimeoutMs    int          `json:"timeoutMs"`
	RetryCount   int          `json:"retryCount"`
	HealthStatus HealthStatus `json:"healthStatus"`
}

// ModelConfig is one model offered by a provider for one capability.
// There is at most one row per (ProviderID, ModelName, Capability).
type ModelConfig struct {
	ID         string         `json:"id"`
	ProviderID string         `json:"providerId"`
	ModelName  string         `json:"modelName"`
	Capability string         `json:"capability"`
	Enabled    bool           `json:"enabled"`
	Priority   int            `json:"priority"` // ascending = preferred
	Pricing    Pricing        `json:"pricing"`
	Limits     ModelLimits    `json:"limits"`
	Features   []string       `json:"features,omitempty"`
	Override   *ModelOverride `json:"override,omitempty"`
}

// Pricing holds per-model rates in USD.
type Pricing struct {
	InputCostPer1K       float64 `json:"inputCostPer1k"`
	OutputCostPer1K      float64 `json:"outputCostPer1k"`
	CachedInputCostPer1K float64 `json:"cachedInputCostPer1k,omitempty"`
	ImageCost            float64 `json:"imageCost,omitempty"` // per image
	Currency             string  `json:"currency,omitempty"`
}

// IsZero reports whether no rate is configured.
func (p Pricing) IsZero() bool {
	return p.InputCostPer1K == 0 && p.OutputCostPer1K == 0 &&
		p.CachedInputCostPer1K == 0 && p.ImageCost == 0
}

// ModelLimits describes model-side request limits.
type ModelLimits struct {
	MaxTokens     int `json:"maxTokens,omitempty"`
	ContextWindow int `json:"contextWindow,omitempty"`
}

// ModelOverride shadows the parent provider's connection settings.
type ModelOverride struct {
	Endpoint  string `json:"endpoint,omitempty"`
	APIKey    string `json:"-"`
	TimeoutMs *int   `json:"timeoutMs,omitempty"`
	Retries   *int   `json:"retries,omitempty"`
}

// RouteCandidate is an enabled model joined with its enabled provider.
type RouteCandidate struct {
	Provider *Provider
	Model    *ModelConfig
}

// RoutingDecision is the resolved target of one dispatch attempt.
type RoutingDecision struct {
	ProviderID      string
	Provider        string // provider name, adapter registry key
	Model           string
	ModelConfigID   string
	Capability      string
	Endpoint        string
	APIKey          string
	Timeout         time.Duration
	Retries         int
	Priority        int
	Pricing         Pricing
	FallbackEnabled bool
}

// --- Usage ledger ---

// UsageStatus is the outcome of one dispatch attempt.
type UsageStatus string

// Usage record outcomes.
const (
	UsageSuccess UsageStatus = "success"
	UsageFailed  UsageStatus = "failed"
	UsageTimeout UsageStatus = "timeout"
)

// UsageRecord is one append-only ledger row per dispatch attempt.
type UsageRecord struct {
	ID               string         `json:"id"`
	ClientID         string         `json:"clientId"`
	RequestID        string         `json:"requestId"`
	Capability       string         `json:"capability"`
	Provider         string         `json:"provider"`
	Model            string         `json:"model"`
	Status           UsageStatus    `json:"status"`
	PromptTokens     int            `json:"promptTokens"`
	CompletionTokens int            `json:"completionTokens"`
	TotalTokens      int            `json:"totalTokens"`
	ImageCount       int            `json:"imageCount"`
	CostUSD          float64        `json:"costUsd"`
	ResponseTimeMs   int64          `json:"responseTimeMs"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Client is set later by admission via mutation of the same pointer.
type requestMeta struct {
	RequestID string
	Client    *Client
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ClientFromContext returns the authenticated client, or nil.
func ClientFromContext(ctx context.Context) *Client {
	if m := metaFromContext(ctx); m != nil {
		return m.Client
	}
	return nil
}

// ContextWithClient stores the client in the existing requestMeta if present,
// otherwise returns a derived context carrying new metadata.
func ContextWithClient(ctx context.Context, c *Client) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Client = c
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Client: c})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
