package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gateway "github.com/eugener/capgate/internal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capgate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: /tmp/capgate-test.db
redis:
  addr: localhost:6379
routing:
  fallback_scope: permitted
quota:
  daily_cache_ttl: 1m
providers:
  - name: deepseek
    base_url: https://api.deepseek.com/v1
    api_key: sk-test
    timeout_ms: 20000
    models:
      - name: deepseek-chat
        priority: 1
        pricing: {input_per_1k: 0.0005, output_per_1k: 0.0015}
  - name: openai
    api_key: sk-openai
    models:
      - name: dall-e-3
        capability: image.generation
        pricing: {image: 0.04}
clients:
  - name: acme
    api_key: ak_acme
    secret: s3cret
    daily_quota_usd: 10
    permissions:
      - capability: text.generation
        preferred_provider: deepseek
        allowed_models: [deepseek-chat, gpt-4o]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" || cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.Prefix != "capgate:" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Routing.FallbackScope != "permitted" {
		t.Errorf("fallback scope = %q", cfg.Routing.FallbackScope)
	}
	if cfg.Quota.DailyCacheTTL != time.Minute || cfg.Quota.MonthlyCacheTTL != 10*time.Minute {
		t.Errorf("quota = %+v", cfg.Quota)
	}
	if len(cfg.Providers) != 2 || len(cfg.Providers[0].Models) != 1 {
		t.Fatalf("providers = %+v", cfg.Providers)
	}
	m := cfg.Providers[0].Models[0]
	if m.ResolvedCapability() != gateway.CapabilityTextGeneration || m.Pricing.OutputPer1K != 0.0015 {
		t.Errorf("model = %+v", m)
	}
	if got := cfg.Providers[1].Models[0].ResolvedCapability(); got != gateway.CapabilityImageGeneration {
		t.Errorf("image capability = %q", got)
	}
	if len(cfg.Clients) != 1 || *cfg.Clients[0].DailyQuotaUSD != 10 {
		t.Fatalf("clients = %+v", cfg.Clients)
	}
	if p := cfg.Clients[0].Permissions[0]; p.PreferredProvider != "deepseek" || len(p.AllowedModels) != 2 {
		t.Errorf("permission = %+v", p)
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("CAPGATE_TEST_KEY", "sk-secret-123")

	path := writeConfig(t, `
providers:
  - name: openai
    api_key: ${CAPGATE_TEST_KEY}
    base_url: ${CAPGATE_UNSET_VAR}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Providers[0].APIKey; got != "sk-secret-123" {
		t.Errorf("api_key = %q", got)
	}
	if got := cfg.Providers[0].BaseURL; got != "${CAPGATE_UNSET_VAR}" {
		t.Errorf("unset variable should stay literal, got %q", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q", cfg.Server.Addr)
	}
	if cfg.Database.DSN != "capgate.db" {
		t.Errorf("default dsn = %q", cfg.Database.DSN)
	}
	if cfg.RateLimits.DefaultRPM != 60 || cfg.Routing.FallbackScope != "any" || cfg.Log.Format != "json" {
		t.Errorf("defaults = %+v %+v %+v", cfg.RateLimits, cfg.Routing, cfg.Log)
	}
	if !cfg.CircuitBreaker.IsEnabled() || cfg.CircuitBreaker.MinSamples != 10 {
		t.Errorf("circuit breaker = %+v", cfg.CircuitBreaker)
	}
	if cfg.Quota.TextRatePer1K != 0.002 || cfg.Quota.ImageRate != 0.04 {
		t.Errorf("quota = %+v", cfg.Quota)
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "syntax", yaml: "server: [", wantErr: "parse config"},
		{name: "fallback scope", yaml: "routing: {fallback_scope: nearest}", wantErr: "fallback_scope"},
		{name: "log format", yaml: "log: {format: xml}", wantErr: "log.format"},
		{name: "duplicate provider", yaml: "providers: [{name: openai}, {name: OpenAI}]", wantErr: "duplicate name"},
		{name: "model capability", yaml: "providers: [{name: openai, models: [{name: whisper, capability: audio.stt}]}]", wantErr: "unknown capability"},
		{name: "client secret", yaml: "clients: [{name: acme, api_key: k}]", wantErr: "secret or secret_hash"},
		{name: "permission capability", yaml: "clients: [{name: acme, api_key: k, secret: s, permissions: [{capability: text}]}]", wantErr: "unknown capability"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestProviderResolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		entry    ProviderEntry
		wantType string
		wantAuth string
		wantKey  string
	}{
		{name: "name as type", entry: ProviderEntry{Name: "OpenAI", APIKey: "k"}, wantType: "openai", wantAuth: "api_key", wantKey: "k"},
		{name: "explicit type", entry: ProviderEntry{Name: "local", Type: "ollama"}, wantType: "ollama", wantAuth: "api_key"},
		{name: "keyless gemini", entry: ProviderEntry{Name: "gemini"}, wantType: "gemini", wantAuth: "gcp_oauth"},
		{name: "keyed gemini", entry: ProviderEntry{Name: "gemini", APIKey: "g"}, wantType: "gemini", wantAuth: "api_key", wantKey: "g"},
		{
			name:     "auth block wins",
			entry:    ProviderEntry{Name: "x", Type: "openai", APIKey: "top", Auth: &AuthEntry{Type: "api_key", APIKey: "nested"}},
			wantType: "openai", wantAuth: "api_key", wantKey: "nested",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.entry.ResolvedType(); got != tt.wantType {
				t.Errorf("type = %q, want %q", got, tt.wantType)
			}
			if got := tt.entry.ResolvedAuthType(); got != tt.wantAuth {
				t.Errorf("auth = %q, want %q", got, tt.wantAuth)
			}
			if got := tt.entry.ResolvedAPIKey(); got != tt.wantKey {
				t.Errorf("key = %q, want %q", got, tt.wantKey)
			}
		})
	}
}
