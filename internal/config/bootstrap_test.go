package config

import (
	"context"
	"testing"

	"golang.org/x/crypto/bcrypt"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func testConfig() *Config {
	cfg := Default()
	cfg.Auth.BcryptCost = bcrypt.MinCost
	cfg.Providers = []ProviderEntry{
		{
			Name:    "deepseek",
			BaseURL: "https://api.deepseek.com/v1",
			APIKey:  "sk-test",
			Models: []ModelEntry{
				{Name: "deepseek-chat", Priority: 1, Pricing: PricingEntry{InputPer1K: 0.0005, OutputPer1K: 0.0015}},
				{Name: "deepseek-reasoner", Priority: 2, Endpoint: "https://reasoner.test/v1", TimeoutMs: ptr(90_000)},
			},
		},
	}
	cfg.Clients = []ClientEntry{
		{
			Name:          "acme",
			APIKey:        "ak_acme",
			Secret:        "s3cret",
			DailyQuotaUSD: ptr(10.0),
			Permissions: []PermissionEntry{
				{Capability: gateway.CapabilityTextGeneration, PreferredProvider: "deepseek", FallbackEnabled: ptr(false)},
			},
		},
	}
	return cfg
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	cfg := testConfig()

	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	cands, err := store.ListCandidates(ctx, gateway.CapabilityTextGeneration)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("candidates = %d, want 2", len(cands))
	}
	if c := cands[0]; c.Provider.Name != "deepseek" || c.Provider.APIKey != "sk-test" || c.Model.Pricing.OutputCostPer1K != 0.0015 {
		t.Errorf("first candidate = %+v / %+v", c.Provider, c.Model)
	}
	if o := cands[1].Model.Override; o == nil || o.Endpoint != "https://reasoner.test/v1" || *o.TimeoutMs != 90_000 {
		t.Errorf("override = %+v", o)
	}

	client, err := store.GetClientByAPIKey(ctx, "ak_acme")
	if err != nil {
		t.Fatal(err)
	}
	if client.Status != gateway.ClientActive || *client.Quota.DailyQuotaUSD != 10 {
		t.Errorf("client = %+v", client)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte("s3cret")); err != nil {
		t.Errorf("secret hash does not verify: %v", err)
	}

	perm, err := store.GetPermission(ctx, client.ID, gateway.CapabilityTextGeneration)
	if err != nil {
		t.Fatal(err)
	}
	if perm.PreferredProvider != "deepseek" || perm.Config.FallbackEnabled == nil || *perm.Config.FallbackEnabled {
		t.Errorf("permission = %+v", perm)
	}
}

func TestBootstrapIsInsertIfAbsent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if err := Bootstrap(ctx, testConfig(), store); err != nil {
		t.Fatal(err)
	}
	first, err := store.GetClientByAPIKey(ctx, "ak_acme")
	if err != nil {
		t.Fatal(err)
	}

	// A changed config must not overwrite existing rows.
	cfg := testConfig()
	cfg.Providers[0].APIKey = "sk-rotated"
	cfg.Clients[0].Secret = "different"
	cfg.Clients[0].Permissions = append(cfg.Clients[0].Permissions,
		PermissionEntry{Capability: gateway.CapabilityImageGeneration})
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("second bootstrap:", err)
	}

	providers, err := store.ListProviders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(providers) != 1 || providers[0].APIKey != "sk-test" {
		t.Errorf("providers = %+v", providers)
	}
	again, err := store.GetClientByAPIKey(ctx, "ak_acme")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID || again.SecretHash != first.SecretHash {
		t.Error("client was rewritten")
	}
	// New permissions for an existing client are still added.
	if _, err := store.GetPermission(ctx, first.ID, gateway.CapabilityImageGeneration); err != nil {
		t.Errorf("image permission not seeded: %v", err)
	}
}

func TestBootstrapSecretHash(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("pre-hashed"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := Default()
	cfg.Clients = []ClientEntry{{ID: "client-1", Name: "ops", APIKey: "ak_ops", SecretHash: string(hash), Status: "suspended"}}
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal(err)
	}

	c, err := store.GetClientByAPIKey(ctx, "ak_ops")
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != "client-1" || c.SecretHash != string(hash) || c.Status != gateway.ClientSuspended {
		t.Errorf("client = %+v", c)
	}
}
