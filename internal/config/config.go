// Package config handles YAML configuration loading with environment
// variable expansion, and seeds the store from it on startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/eugener/capgate/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Log            LogConfig            `yaml:"log"`
	RateLimits     RateLimitConfig      `yaml:"rate_limits"`
	Quota          QuotaConfig          `yaml:"quota"`
	Routing        RoutingConfig        `yaml:"routing"`
	Auth           AuthConfig           `yaml:"auth"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Providers      []ProviderEntry      `yaml:"providers"`
	Clients        []ClientEntry        `yaml:"clients"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // 0 disables; streams can run long
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path
}

// RedisConfig selects the shared backend for rate limits and quota
// caches. An empty Addr keeps both in process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RateLimitConfig holds default rate limiting settings.
type RateLimitConfig struct {
	DefaultRPM int64 `yaml:"default_rpm"` // when neither permission nor client sets one
}

// QuotaConfig tunes quota aggregate caching and cost estimates.
type QuotaConfig struct {
	DailyCacheTTL   time.Duration `yaml:"daily_cache_ttl"`
	MonthlyCacheTTL time.Duration `yaml:"monthly_cache_ttl"`
	UsageCacheTTL   time.Duration `yaml:"usage_cache_ttl"`
	CacheSize       int           `yaml:"cache_size"`
	TextRatePer1K   float64       `yaml:"text_rate_per_1k"`
	ImageRate       float64       `yaml:"image_rate"`
}

// RoutingConfig holds routing settings.
type RoutingConfig struct {
	FallbackScope    string `yaml:"fallback_scope"` // any, permitted
	DefaultMaxTokens int    `yaml:"default_max_tokens"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	BcryptCost int `yaml:"bcrypt_cost"` // used by bootstrap for plaintext secrets
}

// CircuitBreakerConfig holds per-provider breaker settings.
type CircuitBreakerConfig struct {
	Enabled     *bool         `yaml:"enabled"`
	Threshold   float64       `yaml:"threshold"`
	MinSamples  int           `yaml:"min_samples"`
	Window      time.Duration `yaml:"window"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// IsEnabled reports whether breakers are on (defaults to true when nil).
func (c CircuitBreakerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	Name       string       `yaml:"name"`
	Type       string       `yaml:"type"` // adapter type; defaults to name
	BaseURL    string       `yaml:"base_url"`
	APIKey     string       `yaml:"api_key"`
	Enabled    *bool        `yaml:"enabled"`
	TimeoutMs  int          `yaml:"timeout_ms"`
	RetryCount int          `yaml:"retry_count"`
	Auth       *AuthEntry   `yaml:"auth"` // explicit auth; inferred from api_key when absent
	Models     []ModelEntry `yaml:"models"`
}

// AuthEntry configures provider authentication.
type AuthEntry struct {
	Type   string `yaml:"type"`    // "api_key", "gcp_oauth"
	APIKey string `yaml:"api_key"` // explicit key (overrides top-level api_key)
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolvedType returns Type if set, otherwise Name.
func (p ProviderEntry) ResolvedType() string {
	if p.Type != "" {
		return strings.ToLower(p.Type)
	}
	return strings.ToLower(p.Name)
}

// ResolvedAuthType returns the auth type. Without an explicit type, a
// keyless gemini provider uses GCP OAuth and everything else uses its key.
func (p ProviderEntry) ResolvedAuthType() string {
	if p.Auth != nil && p.Auth.Type != "" {
		return p.Auth.Type
	}
	if p.ResolvedType() == "gemini" && p.ResolvedAPIKey() == "" {
		return "gcp_oauth"
	}
	return "api_key"
}

// ResolvedAPIKey returns the API key, preferring Auth.APIKey over top-level APIKey.
func (p ProviderEntry) ResolvedAPIKey() string {
	if p.Auth != nil && p.Auth.APIKey != "" {
		return p.Auth.APIKey
	}
	return p.APIKey
}

// ModelEntry is one model a provider offers for one capability.
type ModelEntry struct {
	Name          string       `yaml:"name"`
	Capability    string       `yaml:"capability"` // defaults to text.generation
	Priority      int          `yaml:"priority"`
	Enabled       *bool        `yaml:"enabled"`
	Pricing       PricingEntry `yaml:"pricing"`
	MaxTokens     int          `yaml:"max_tokens"`
	ContextWindow int          `yaml:"context_window"`
	Features      []string     `yaml:"features"`
	Endpoint      string       `yaml:"endpoint"` // override
	APIKey        string       `yaml:"api_key"`  // override
	TimeoutMs     *int         `yaml:"timeout_ms"`
	Retries       *int         `yaml:"retries"`
}

// PricingEntry holds USD rates. All zero means built-in defaults.
type PricingEntry struct {
	InputPer1K       float64 `yaml:"input_per_1k"`
	OutputPer1K      float64 `yaml:"output_per_1k"`
	CachedInputPer1K float64 `yaml:"cached_input_per_1k"`
	Image            float64 `yaml:"image"`
}

// ResolvedCapability returns Capability or text.generation.
func (m ModelEntry) ResolvedCapability() string {
	if m.Capability != "" {
		return m.Capability
	}
	return gateway.CapabilityTextGeneration
}

// ClientEntry is an API client seed.
type ClientEntry struct {
	ID                 string            `yaml:"id"`
	Name               string            `yaml:"name"`
	APIKey             string            `yaml:"api_key"`
	Secret             string            `yaml:"secret"`      // plaintext, hashed on bootstrap
	SecretHash         string            `yaml:"secret_hash"` // bcrypt, see -hash-secret
	Status             string            `yaml:"status"`
	DailyQuotaUSD      *float64          `yaml:"daily_quota_usd"`
	MonthlyQuotaUSD    *float64          `yaml:"monthly_quota_usd"`
	RateLimitPerMinute *int64            `yaml:"rate_limit_per_minute"`
	Permissions        []PermissionEntry `yaml:"permissions"`
}

// PermissionEntry grants a client one capability.
type PermissionEntry struct {
	Capability             string   `yaml:"capability"`
	Enabled                *bool    `yaml:"enabled"`
	RateLimitPerMinute     *int64   `yaml:"rate_limit_per_minute"`
	QuotaLimit             *int64   `yaml:"quota_limit"`
	PreferredProvider      string   `yaml:"preferred_provider"`
	AllowedProviders       []string `yaml:"allowed_providers"`
	AllowedModels          []string `yaml:"allowed_models"`
	CostLimitPerRequestUSD *float64 `yaml:"cost_limit_per_request_usd"`
	FallbackEnabled        *bool    `yaml:"fallback_enabled"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "capgate.db",
		},
		Redis: RedisConfig{
			Prefix: "capgate:",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimits: RateLimitConfig{
			DefaultRPM: 60,
		},
		Quota: QuotaConfig{
			DailyCacheTTL:   5 * time.Minute,
			MonthlyCacheTTL: 10 * time.Minute,
			UsageCacheTTL:   5 * time.Minute,
			CacheSize:       10_000,
			TextRatePer1K:   0.002,
			ImageRate:       0.04,
		},
		Routing: RoutingConfig{
			FallbackScope:    "any",
			DefaultMaxTokens: 1024,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold:   0.5,
			MinSamples:  10,
			Window:      60 * time.Second,
			OpenTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{SampleRate: 1.0},
		},
	}
}

// Load reads and parses a YAML config file, expanding environment
// variables, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field rules that YAML decoding cannot.
func (c *Config) Validate() error {
	var errs []error
	switch c.Routing.FallbackScope {
	case "any", "permitted":
	default:
		errs = append(errs, fmt.Errorf("routing.fallback_scope: %q is not any or permitted", c.Routing.FallbackScope))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: %q is not json or text", c.Log.Format))
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		name := strings.ToLower(p.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
		case seen[name]:
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[name] = true
		for j, m := range p.Models {
			if m.Name == "" {
				errs = append(errs, fmt.Errorf("providers[%d].models[%d]: name is required", i, j))
			}
			if !validCapability(m.ResolvedCapability()) {
				errs = append(errs, fmt.Errorf("providers[%d].models[%d]: unknown capability %q", i, j, m.Capability))
			}
		}
	}

	for i, cl := range c.Clients {
		if cl.APIKey == "" {
			errs = append(errs, fmt.Errorf("clients[%d]: api_key is required", i))
		}
		if cl.Secret == "" && cl.SecretHash == "" {
			errs = append(errs, fmt.Errorf("clients[%d]: secret or secret_hash is required", i))
		}
		for j, p := range cl.Permissions {
			if !validCapability(p.Capability) {
				errs = append(errs, fmt.Errorf("clients[%d].permissions[%d]: unknown capability %q", i, j, p.Capability))
			}
		}
	}
	return errors.Join(errs...)
}

func validCapability(c string) bool {
	return c == gateway.CapabilityTextGeneration || c == gateway.CapabilityImageGeneration
}
