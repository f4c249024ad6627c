package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/storage"
)

// seedNamespace derives stable IDs for seeded rows, so reseeding the same
// config yields the same keys.
var seedNamespace = uuid.MustParse("6f1c2a4e-8d3b-4c5a-9e7f-0a1b2c3d4e5f")

func seedID(kind, name string) string {
	return uuid.NewSHA1(seedNamespace, []byte(kind+":"+strings.ToLower(name))).String()
}

// Bootstrap seeds the store from the config file. Seeding is
// insert-if-absent: providers are matched by name (their models are only
// seeded with them), clients by API key and permissions by capability.
// Existing rows are never modified.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	if err := seedProviders(ctx, cfg.Providers, store); err != nil {
		return err
	}
	return seedClients(ctx, cfg.Clients, cfg.Auth.BcryptCost, store)
}

func seedProviders(ctx context.Context, entries []ProviderEntry, store storage.CatalogStore) error {
	existing, err := store.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, p := range existing {
		have[strings.ToLower(p.Name)] = true
	}

	for _, e := range entries {
		if have[strings.ToLower(e.Name)] {
			continue
		}
		p := &gateway.Provider{
			ID:           seedID("provider", e.Name),
			Name:         e.Name,
			Type:         e.ResolvedType(),
			BaseURL:      e.BaseURL,
			APIKey:       e.ResolvedAPIKey(),
			Enabled:      e.IsEnabled(),
			TimeoutMs:    e.TimeoutMs,
			RetryCount:   e.RetryCount,
			HealthStatus: gateway.HealthHealthy,
		}
		if err := store.UpsertProvider(ctx, p); err != nil {
			return fmt.Errorf("seed provider %s: %w", e.Name, err)
		}
		for _, m := range e.Models {
			if err := store.UpsertModel(ctx, modelConfig(p.ID, e.Name, m)); err != nil {
				return fmt.Errorf("seed model %s/%s: %w", e.Name, m.Name, err)
			}
		}
		slog.LogAttrs(ctx, slog.LevelInfo, "bootstrapped provider",
			slog.String("name", p.Name),
			slog.Int("models", len(e.Models)),
		)
	}
	return nil
}

func modelConfig(providerID, providerName string, m ModelEntry) *gateway.ModelConfig {
	capability := m.ResolvedCapability()
	mc := &gateway.ModelConfig{
		ID:         seedID("model", providerName+"/"+m.Name+"/"+capability),
		ProviderID: providerID,
		ModelName:  m.Name,
		Capability: capability,
		Enabled:    m.Enabled == nil || *m.Enabled,
		Priority:   m.Priority,
		Pricing: gateway.Pricing{
			InputCostPer1K:       m.Pricing.InputPer1K,
			OutputCostPer1K:      m.Pricing.OutputPer1K,
			CachedInputCostPer1K: m.Pricing.CachedInputPer1K,
			ImageCost:            m.Pricing.Image,
		},
		Limits:   gateway.ModelLimits{MaxTokens: m.MaxTokens, ContextWindow: m.ContextWindow},
		Features: m.Features,
	}
	if !mc.Pricing.IsZero() {
		mc.Pricing.Currency = "USD"
	}
	if m.Endpoint != "" || m.APIKey != "" || m.TimeoutMs != nil || m.Retries != nil {
		mc.Override = &gateway.ModelOverride{
			Endpoint:  m.Endpoint,
			APIKey:    m.APIKey,
			TimeoutMs: m.TimeoutMs,
			Retries:   m.Retries,
		}
	}
	return mc
}

func seedClients(ctx context.Context, entries []ClientEntry, cost int, store storage.Store) error {
	for _, e := range entries {
		c, err := store.GetClientByAPIKey(ctx, e.APIKey)
		switch {
		case errors.Is(err, gateway.ErrNotFound):
			if c, err = newClient(e, cost); err != nil {
				return err
			}
			if err := store.UpsertClient(ctx, c); err != nil {
				return fmt.Errorf("seed client %s: %w", e.Name, err)
			}
			slog.LogAttrs(ctx, slog.LevelInfo, "bootstrapped client",
				slog.String("name", c.Name),
				slog.String("id", c.ID),
			)
		case err != nil:
			return fmt.Errorf("look up client %s: %w", e.Name, err)
		}

		for _, pe := range e.Permissions {
			_, err := store.GetPermission(ctx, c.ID, pe.Capability)
			if err == nil {
				continue
			}
			if !errors.Is(err, gateway.ErrNotFound) {
				return fmt.Errorf("look up permission %s/%s: %w", e.Name, pe.Capability, err)
			}
			if err := store.UpsertPermission(ctx, permission(c.ID, pe)); err != nil {
				return fmt.Errorf("seed permission %s/%s: %w", e.Name, pe.Capability, err)
			}
		}
	}
	return nil
}

func newClient(e ClientEntry, cost int) (*gateway.Client, error) {
	hash := e.SecretHash
	if hash == "" {
		if cost == 0 {
			cost = bcrypt.DefaultCost
		}
		b, err := bcrypt.GenerateFromPassword([]byte(e.Secret), cost)
		if err != nil {
			return nil, fmt.Errorf("hash secret for client %s: %w", e.Name, err)
		}
		hash = string(b)
	}
	id := e.ID
	if id == "" {
		id = seedID("client", e.APIKey)
	}
	status := gateway.ClientStatus(e.Status)
	if status == "" {
		status = gateway.ClientActive
	}
	return &gateway.Client{
		ID:         id,
		Name:       e.Name,
		APIKey:     e.APIKey,
		SecretHash: hash,
		Status:     status,
		Quota: gateway.QuotaConfig{
			DailyQuotaUSD:      e.DailyQuotaUSD,
			MonthlyQuotaUSD:    e.MonthlyQuotaUSD,
			RateLimitPerMinute: e.RateLimitPerMinute,
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

func permission(clientID string, e PermissionEntry) *gateway.CapabilityPermission {
	return &gateway.CapabilityPermission{
		ID:                 seedID("permission", clientID+"/"+e.Capability),
		ClientID:           clientID,
		Capability:         e.Capability,
		Enabled:            e.Enabled == nil || *e.Enabled,
		RateLimitPerMinute: e.RateLimitPerMinute,
		QuotaLimit:         e.QuotaLimit,
		PreferredProvider:  e.PreferredProvider,
		AllowedProviders:   e.AllowedProviders,
		AllowedModels:      e.AllowedModels,
		Config: gateway.PermissionConfig{
			CostLimitPerRequestUSD: e.CostLimitPerRequestUSD,
			FallbackEnabled:        e.FallbackEnabled,
		},
	}
}
