package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/provider"
	"github.com/eugener/capgate/internal/storage"
)

// candidateCacheTTL bounds how long catalog edits take to reach routing.
const candidateCacheTTL = 10 * time.Second

// DefaultTimeout applies when neither the model override nor the provider
// sets a timeout.
const DefaultTimeout = 30 * time.Second

// FallbackScope controls which candidates a fallback may use.
type FallbackScope string

const (
	// FallbackAny considers every enabled, healthy provider.
	FallbackAny FallbackScope = "any"
	// FallbackPermitted keeps the original permission's allow-lists.
	FallbackPermitted FallbackScope = "permitted"
)

// HealthChecker reports providers that should not receive fallback traffic.
type HealthChecker interface {
	IsOpen(providerID string) bool
}

// RouterService selects a provider and model for a capability request.
type RouterService struct {
	catalog storage.CatalogStore
	perms   storage.PermissionStore
	health  HealthChecker
	scope   FallbackScope
	cache   *otter.Cache[string, []gateway.RouteCandidate]
}

// RouterOptions configures a RouterService.
type RouterOptions struct {
	FallbackScope FallbackScope // empty means FallbackAny
	Health        HealthChecker // may be nil
}

// NewRouterService returns a RouterService reading candidates from catalog
// and permissions from perms.
func NewRouterService(catalog storage.CatalogStore, perms storage.PermissionStore, opts RouterOptions) *RouterService {
	scope := opts.FallbackScope
	if scope == "" {
		scope = FallbackAny
	}
	return &RouterService{
		catalog: catalog,
		perms:   perms,
		health:  opts.Health,
		scope:   scope,
		cache: otter.Must(&otter.Options[string, []gateway.RouteCandidate]{
			MaximumSize:      256,
			ExpiryCalculator: otter.ExpiryWriting[string, []gateway.RouteCandidate](candidateCacheTTL),
		}),
	}
}

// Route returns the preferred decision for clientID's capability request.
// A requestedModel outside a non-empty allow-list fails with
// ErrModelNotAllowed before any candidate filtering.
func (rs *RouterService) Route(ctx context.Context, clientID, capability, requestedModel string) (*gateway.RoutingDecision, error) {
	perm, err := rs.permission(ctx, clientID, capability)
	if err != nil {
		return nil, err
	}

	if requestedModel != "" && len(perm.AllowedModels) > 0 && !slices.Contains(perm.AllowedModels, requestedModel) {
		return nil, fmt.Errorf("%w: %s", gateway.ErrModelNotAllowed, requestedModel)
	}

	all, err := rs.candidates(ctx, capability)
	if err != nil {
		return nil, err
	}
	eligible := permitted(all, perm)
	if requestedModel != "" {
		eligible = slices.DeleteFunc(eligible, func(c gateway.RouteCandidate) bool {
			return c.Model.ModelName != requestedModel
		})
	}
	if len(eligible) == 0 {
		if requestedModel != "" {
			return nil, fmt.Errorf("%w: model %s for %s", gateway.ErrNoRouteAvailable, requestedModel, capability)
		}
		return nil, fmt.Errorf("%w: %s", gateway.ErrNoRouteAvailable, capability)
	}

	slices.SortStableFunc(eligible, func(a, b gateway.RouteCandidate) int {
		ap := strings.EqualFold(a.Provider.Name, perm.PreferredProvider)
		bp := strings.EqualFold(b.Provider.Name, perm.PreferredProvider)
		if ap != bp {
			if ap {
				return -1
			}
			return 1
		}
		return compareCandidates(a, b)
	})
	return decide(eligible[0], capability, fallbackEnabled(perm)), nil
}

// Fallback returns the best candidate whose provider is not in exclude and
// is healthy, or nil when none exists. Under FallbackAny the permission's
// allow-lists and preferred provider do not apply.
func (rs *RouterService) Fallback(ctx context.Context, clientID, capability string, exclude []string) (*gateway.RoutingDecision, error) {
	all, err := rs.candidates(ctx, capability)
	if err != nil {
		return nil, err
	}

	eligible := slices.Clone(all)
	if rs.scope == FallbackPermitted {
		perm, err := rs.permission(ctx, clientID, capability)
		if err != nil {
			return nil, err
		}
		eligible = permitted(eligible, perm)
	}

	eligible = slices.DeleteFunc(eligible, func(c gateway.RouteCandidate) bool {
		return slices.Contains(exclude, c.Provider.ID) || !rs.healthy(c.Provider)
	})
	if len(eligible) == 0 {
		return nil, nil
	}

	slices.SortStableFunc(eligible, compareCandidates)
	// A fallback never falls back again.
	return decide(eligible[0], capability, false), nil
}

// Permitted returns the candidates clientID may route to for capability,
// in routing order without the preferred-provider boost.
func (rs *RouterService) Permitted(ctx context.Context, clientID, capability string) ([]gateway.RouteCandidate, error) {
	perm, err := rs.permission(ctx, clientID, capability)
	if err != nil {
		return nil, err
	}
	all, err := rs.candidates(ctx, capability)
	if err != nil {
		return nil, err
	}
	out := permitted(all, perm)
	slices.SortStableFunc(out, compareCandidates)
	return out, nil
}

func (rs *RouterService) permission(ctx context.Context, clientID, capability string) (*gateway.CapabilityPermission, error) {
	perm, err := rs.perms.GetPermission(ctx, clientID, capability)
	if errors.Is(err, gateway.ErrNotFound) || (err == nil && !perm.Enabled) {
		return nil, fmt.Errorf("%w: capability %s not permitted", gateway.ErrForbidden, capability)
	}
	if err != nil {
		return nil, fmt.Errorf("load permission: %w", err)
	}
	return perm, nil
}

// candidates returns the cached candidate list for capability. Callers
// must not mutate the returned slice.
func (rs *RouterService) candidates(ctx context.Context, capability string) ([]gateway.RouteCandidate, error) {
	if c, ok := rs.cache.GetIfPresent(capability); ok {
		return c, nil
	}
	c, err := rs.catalog.ListCandidates(ctx, capability)
	if err != nil {
		return nil, fmt.Errorf("list candidates for %s: %w", capability, err)
	}
	rs.cache.Set(capability, c)
	return c, nil
}

func (rs *RouterService) healthy(p *gateway.Provider) bool {
	if p.HealthStatus == gateway.HealthUnhealthy {
		return false
	}
	return rs.health == nil || !rs.health.IsOpen(p.ID)
}

// permitted returns a new slice of the candidates allowed by perm's
// provider (case-insensitive) and model allow-lists.
func permitted(all []gateway.RouteCandidate, perm *gateway.CapabilityPermission) []gateway.RouteCandidate {
	out := make([]gateway.RouteCandidate, 0, len(all))
	for _, c := range all {
		if len(perm.AllowedProviders) > 0 && !slices.ContainsFunc(perm.AllowedProviders, func(name string) bool {
			return strings.EqualFold(name, c.Provider.Name)
		}) {
			continue
		}
		if len(perm.AllowedModels) > 0 && !slices.Contains(perm.AllowedModels, c.Model.ModelName) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// compareCandidates orders by ascending priority, then provider and model
// name so equal priorities resolve deterministically.
func compareCandidates(a, b gateway.RouteCandidate) int {
	return cmp.Or(
		cmp.Compare(a.Model.Priority, b.Model.Priority),
		cmp.Compare(strings.ToLower(a.Provider.Name), strings.ToLower(b.Provider.Name)),
		cmp.Compare(a.Model.ModelName, b.Model.ModelName),
	)
}

func fallbackEnabled(perm *gateway.CapabilityPermission) bool {
	return perm.Config.FallbackEnabled == nil || *perm.Config.FallbackEnabled
}

// decide resolves connection settings, model override first.
func decide(c gateway.RouteCandidate, capability string, fallback bool) *gateway.RoutingDecision {
	p, m := c.Provider, c.Model
	d := &gateway.RoutingDecision{
		ProviderID:      p.ID,
		Provider:        p.Name,
		Model:           m.ModelName,
		ModelConfigID:   m.ID,
		Capability:      capability,
		Endpoint:        p.BaseURL,
		APIKey:          p.APIKey,
		Timeout:         DefaultTimeout,
		Retries:         p.RetryCount,
		Priority:        m.Priority,
		Pricing:         provider.EffectivePricing(m.Pricing, m.ModelName),
		FallbackEnabled: fallback,
	}
	if p.TimeoutMs > 0 {
		d.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	if o := m.Override; o != nil {
		if o.Endpoint != "" {
			d.Endpoint = o.Endpoint
		}
		if o.APIKey != "" {
			d.APIKey = o.APIKey
		}
		if o.TimeoutMs != nil && *o.TimeoutMs > 0 {
			d.Timeout = time.Duration(*o.TimeoutMs) * time.Millisecond
		}
		if o.Retries != nil {
			d.Retries = *o.Retries
		}
	}
	return d
}
