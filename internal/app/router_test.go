package app

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

type catalogEntry struct {
	provider *gateway.Provider
	models   []*gateway.ModelConfig
}

func newCatalog(t *testing.T, entries ...catalogEntry) *testutil.FakeStore {
	t.Helper()
	store := testutil.NewFakeStore()
	ctx := context.Background()
	for _, e := range entries {
		if err := store.UpsertProvider(ctx, e.provider); err != nil {
			t.Fatal(err)
		}
		for _, m := range e.models {
			m.ProviderID = e.provider.ID
			if err := store.UpsertModel(ctx, m); err != nil {
				t.Fatal(err)
			}
		}
	}
	return store
}

func textModel(name string, priority int) *gateway.ModelConfig {
	return &gateway.ModelConfig{
		ID:         "m-" + name,
		ModelName:  name,
		Capability: gateway.CapabilityTextGeneration,
		Enabled:    true,
		Priority:   priority,
		Pricing:    gateway.Pricing{InputCostPer1K: 0.001, OutputCostPer1K: 0.002},
	}
}

func prov(id, name string) *gateway.Provider {
	return &gateway.Provider{ID: id, Name: name, Enabled: true, HealthStatus: gateway.HealthHealthy}
}

func permit(t *testing.T, store *testutil.FakeStore, p *gateway.CapabilityPermission) {
	t.Helper()
	if p.ClientID == "" {
		p.ClientID = "c1"
	}
	if p.Capability == "" {
		p.Capability = gateway.CapabilityTextGeneration
	}
	p.Enabled = true
	if err := store.UpsertPermission(context.Background(), p); err != nil {
		t.Fatal(err)
	}
}

// openDeepseek is the two-provider catalog used by the preferred-provider
// scenario: equal priorities, deepseek preferred.
func openDeepseek(t *testing.T) *testutil.FakeStore {
	t.Helper()
	return newCatalog(t,
		catalogEntry{provider: prov("p-openai", "openai"), models: []*gateway.ModelConfig{textModel("gpt-4", 1)}},
		catalogEntry{provider: prov("p-deepseek", "deepseek"), models: []*gateway.ModelConfig{textModel("deepseek-chat", 1)}},
	)
}

func TestRoutePreferredProviderWinsTie(t *testing.T) {
	t.Parallel()

	store := openDeepseek(t)
	permit(t, store, &gateway.CapabilityPermission{
		AllowedProviders:  []string{"openai", "deepseek"},
		PreferredProvider: "deepseek",
	})
	rs := NewRouterService(store, store, RouterOptions{})

	for range 5 {
		d, err := rs.Route(context.Background(), "c1", gateway.CapabilityTextGeneration, "")
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		if d.Provider != "deepseek" || d.Model != "deepseek-chat" {
			t.Fatalf("decision = %s/%s, want deepseek/deepseek-chat", d.Provider, d.Model)
		}
	}
}

func TestRouteOrdering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		preferred string
		wantModel string
	}{
		{name: "priority", wantModel: "b-model"},
		{name: "preferred beats priority", preferred: "ALPHA", wantModel: "a-model"},
		{name: "unknown preferred ignored", preferred: "nobody", wantModel: "b-model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := newCatalog(t,
				catalogEntry{provider: prov("p-a", "alpha"), models: []*gateway.ModelConfig{textModel("a-model", 5)}},
				catalogEntry{provider: prov("p-b", "beta"), models: []*gateway.ModelConfig{textModel("b-model", 1), textModel("b-other", 1)}},
			)
			permit(t, store, &gateway.CapabilityPermission{PreferredProvider: tt.preferred})
			rs := NewRouterService(store, store, RouterOptions{})

			d, err := rs.Route(context.Background(), "c1", gateway.CapabilityTextGeneration, "")
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			if d.Model != tt.wantModel {
				t.Errorf("model = %q, want %q", d.Model, tt.wantModel)
			}
		})
	}
}

func TestRouteAllowLists(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		perm      *gateway.CapabilityPermission
		model     string
		wantModel string
		wantErr   error
	}{
		{name: "model not allowed", perm: &gateway.CapabilityPermission{AllowedModels: []string{"gpt-4"}}, model: "deepseek-chat", wantErr: gateway.ErrModelNotAllowed},
		{name: "model not allowed even if missing", perm: &gateway.CapabilityPermission{AllowedModels: []string{"gpt-4"}}, model: "no-such-model", wantErr: gateway.ErrModelNotAllowed},
		{name: "unknown model", perm: &gateway.CapabilityPermission{}, model: "no-such-model", wantErr: gateway.ErrNoRouteAvailable},
		{name: "requested model", perm: &gateway.CapabilityPermission{PreferredProvider: "deepseek"}, model: "gpt-4", wantModel: "gpt-4"},
		{name: "provider allow-list case-insensitive", perm: &gateway.CapabilityPermission{AllowedProviders: []string{"OpenAI"}}, wantModel: "gpt-4"},
		{name: "model allow-list", perm: &gateway.CapabilityPermission{AllowedModels: []string{"deepseek-chat"}}, wantModel: "deepseek-chat"},
		{name: "requested model outside provider list", perm: &gateway.CapabilityPermission{AllowedProviders: []string{"openai"}}, model: "deepseek-chat", wantErr: gateway.ErrNoRouteAvailable},
		{name: "nothing permitted", perm: &gateway.CapabilityPermission{AllowedProviders: []string{"anthropic"}}, wantErr: gateway.ErrNoRouteAvailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := openDeepseek(t)
			permit(t, store, tt.perm)
			rs := NewRouterService(store, store, RouterOptions{})

			d, err := rs.Route(context.Background(), "c1", gateway.CapabilityTextGeneration, tt.model)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			if d.Model != tt.wantModel {
				t.Errorf("model = %q, want %q", d.Model, tt.wantModel)
			}
		})
	}
}

func TestRouteRequiresPermission(t *testing.T) {
	t.Parallel()

	store := openDeepseek(t)
	rs := NewRouterService(store, store, RouterOptions{})
	_, err := rs.Route(context.Background(), "c1", gateway.CapabilityTextGeneration, "")
	if !errors.Is(err, gateway.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestRouteSkipsDisabled(t *testing.T) {
	t.Parallel()

	off := prov("p-off", "offline")
	off.Enabled = false
	disabledModel := textModel("disabled", 0)
	disabledModel.Enabled = false
	store := newCatalog(t,
		catalogEntry{provider: off, models: []*gateway.ModelConfig{textModel("off-model", 0)}},
		catalogEntry{provider: prov("p-on", "online"), models: []*gateway.ModelConfig{disabledModel, textModel("on-model", 9)}},
	)
	permit(t, store, &gateway.CapabilityPermission{})
	rs := NewRouterService(store, store, RouterOptions{})

	d, err := rs.Route(context.Background(), "c1", gateway.CapabilityTextGeneration, "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Model != "on-model" {
		t.Errorf("model = %q, want on-model", d.Model)
	}
}

func TestRouteResolvesOverrides(t *testing.T) {
	t.Parallel()

	p := prov("p-openai", "openai")
	p.BaseURL = "https://api.openai.com/v1"
	p.APIKey = "provider-key"
	p.TimeoutMs = 20000
	p.RetryCount = 3

	plain := textModel("gpt-4o", 1)
	overridden := textModel("gpt-4o-mini", 2)
	overridden.Override = &gateway.ModelOverride{Endpoint: "https://proxy/v1", APIKey: "model-key", TimeoutMs: ptr(5000), Retries: ptr(0)}
	unpriced := textModel("gpt-3.5-turbo", 3)
	unpriced.Pricing = gateway.Pricing{}

	store := newCatalog(t, catalogEntry{provider: p, models: []*gateway.ModelConfig{plain, overridden, unpriced}})
	permit(t, store, &gateway.CapabilityPermission{Config: gateway.PermissionConfig{FallbackEnabled: ptr(false)}})
	rs := NewRouterService(store, store, RouterOptions{})
	ctx := context.Background()

	d, err := rs.Route(ctx, "c1", gateway.CapabilityTextGeneration, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if d.Endpoint != p.BaseURL || d.APIKey != "provider-key" || d.Timeout != 20*time.Second || d.Retries != 3 {
		t.Errorf("provider defaults = %+v", d)
	}
	if d.FallbackEnabled {
		t.Error("FallbackEnabled should follow the permission")
	}
	if d.ProviderID != "p-openai" || d.ModelConfigID != "m-gpt-4o" || d.Capability != gateway.CapabilityTextGeneration {
		t.Errorf("identity = %+v", d)
	}

	d, err = rs.Route(ctx, "c1", gateway.CapabilityTextGeneration, "gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	if d.Endpoint != "https://proxy/v1" || d.APIKey != "model-key" || d.Timeout != 5*time.Second || d.Retries != 0 {
		t.Errorf("override = %+v", d)
	}

	d, err = rs.Route(ctx, "c1", gateway.CapabilityTextGeneration, "gpt-3.5-turbo")
	if err != nil {
		t.Fatal(err)
	}
	if d.Pricing.InputCostPer1K != 0.0005 || d.Pricing.OutputCostPer1K != 0.0015 {
		t.Errorf("default pricing = %+v", d.Pricing)
	}
}

func TestRouteDefaultTimeoutAndFallbackFlag(t *testing.T) {
	t.Parallel()

	store := openDeepseek(t)
	permit(t, store, &gateway.CapabilityPermission{})
	rs := NewRouterService(store, store, RouterOptions{})

	d, err := rs.Route(context.Background(), "c1", gateway.CapabilityTextGeneration, "")
	if err != nil {
		t.Fatal(err)
	}
	if d.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", d.Timeout, DefaultTimeout)
	}
	if !d.FallbackEnabled {
		t.Error("fallback should default to enabled")
	}
}

func TestRouteCachesCandidates(t *testing.T) {
	t.Parallel()

	store := openDeepseek(t)
	permit(t, store, &gateway.CapabilityPermission{})
	rs := NewRouterService(store, store, RouterOptions{})

	for range 4 {
		if _, err := rs.Route(context.Background(), "c1", gateway.CapabilityTextGeneration, ""); err != nil {
			t.Fatal(err)
		}
	}
	if n := store.CallCount("ListCandidates"); n != 1 {
		t.Errorf("ListCandidates calls = %d, want 1", n)
	}
}

type openSet map[string]bool

func (o openSet) IsOpen(id string) bool { return o[id] }

func TestFallback(t *testing.T) {
	t.Parallel()

	sick := prov("p-sick", "sick")
	sick.HealthStatus = gateway.HealthUnhealthy
	degraded := prov("p-degraded", "degraded")
	degraded.HealthStatus = gateway.HealthDegraded

	newStore := func(t *testing.T) *testutil.FakeStore {
		store := newCatalog(t,
			catalogEntry{provider: prov("p-openai", "openai"), models: []*gateway.ModelConfig{textModel("gpt-4", 1)}},
			catalogEntry{provider: sick, models: []*gateway.ModelConfig{textModel("sick-model", 0)}},
			catalogEntry{provider: prov("p-tripped", "tripped"), models: []*gateway.ModelConfig{textModel("tripped-model", 0)}},
			catalogEntry{provider: degraded, models: []*gateway.ModelConfig{textModel("degraded-model", 3)}},
			catalogEntry{provider: prov("p-deepseek", "deepseek"), models: []*gateway.ModelConfig{textModel("deepseek-chat", 2)}},
		)
		permit(t, store, &gateway.CapabilityPermission{
			AllowedProviders:  []string{"openai", "degraded"},
			PreferredProvider: "degraded",
		})
		return store
	}

	tests := []struct {
		name      string
		scope     FallbackScope
		exclude   []string
		wantModel string
	}{
		{name: "ignores permission under any", scope: FallbackAny, exclude: []string{"p-openai"}, wantModel: "deepseek-chat"},
		{name: "ascending priority only", scope: FallbackAny, exclude: []string{"p-deepseek"}, wantModel: "gpt-4"},
		{name: "permitted scope", scope: FallbackPermitted, exclude: []string{"p-openai"}, wantModel: "degraded-model"},
		{name: "nothing left", scope: FallbackPermitted, exclude: []string{"p-openai", "p-degraded"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := newStore(t)
			rs := NewRouterService(store, store, RouterOptions{FallbackScope: tt.scope, Health: openSet{"p-tripped": true}})

			d, err := rs.Fallback(context.Background(), "c1", gateway.CapabilityTextGeneration, tt.exclude)
			if err != nil {
				t.Fatalf("Fallback: %v", err)
			}
			if tt.wantModel == "" {
				if d != nil {
					t.Fatalf("decision = %+v, want nil", d)
				}
				return
			}
			if d == nil {
				t.Fatal("decision = nil")
			}
			if d.Model != tt.wantModel {
				t.Errorf("model = %q, want %q", d.Model, tt.wantModel)
			}
			for _, id := range tt.exclude {
				if d.ProviderID == id {
					t.Errorf("fallback returned excluded provider %s", id)
				}
			}
			if d.FallbackEnabled {
				t.Error("fallback decision must not allow a second fallback")
			}
		})
	}
}

func TestFallbackNeverReturnsExcluded(t *testing.T) {
	t.Parallel()

	store := openDeepseek(t)
	permit(t, store, &gateway.CapabilityPermission{})
	rs := NewRouterService(store, store, RouterOptions{})
	ctx := context.Background()

	primary, err := rs.Route(ctx, "c1", gateway.CapabilityTextGeneration, "")
	if err != nil {
		t.Fatal(err)
	}
	for range 10 {
		d, err := rs.Fallback(ctx, "c1", gateway.CapabilityTextGeneration, []string{primary.ProviderID})
		if err != nil || d == nil {
			t.Fatalf("Fallback = %v, %v", d, err)
		}
		if d.ProviderID == primary.ProviderID {
			t.Fatalf("fallback reused %s", primary.ProviderID)
		}
	}
}

func TestPermitted(t *testing.T) {
	t.Parallel()

	store := openDeepseek(t)
	permit(t, store, &gateway.CapabilityPermission{AllowedProviders: []string{"deepseek"}})
	rs := NewRouterService(store, store, RouterOptions{})

	got, err := rs.Permitted(context.Background(), "c1", gateway.CapabilityTextGeneration)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Model.ModelName != "deepseek-chat" {
		t.Errorf("permitted = %+v", got)
	}
}
