package testutil

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/storage"
)

var _ storage.Store = (*FakeStore)(nil)

// FakeStore is an in-memory storage.Store for testing.
type FakeStore struct {
	mu          sync.RWMutex
	clients     map[string]*gateway.Client // api key -> client
	permissions map[string]*gateway.CapabilityPermission
	providers   map[string]*gateway.Provider
	models      []*gateway.ModelConfig
	usage       []gateway.UsageRecord

	// InsertErr, when set, fails every InsertUsage call.
	InsertErr error
	// Calls counts store reads by method name.
	Calls map[string]int
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		clients:     make(map[string]*gateway.Client),
		permissions: make(map[string]*gateway.CapabilityPermission),
		providers:   make(map[string]*gateway.Provider),
		Calls:       make(map[string]int),
	}
}

func permKey(clientID, capability string) string { return clientID + "|" + capability }

func (s *FakeStore) count(method string) {
	s.Calls[method]++
}

// CallCount returns how many times method was called.
func (s *FakeStore) CallCount(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Calls[method]
}

// --- ClientStore ---

func (s *FakeStore) GetClientByAPIKey(_ context.Context, apiKey string) (*gateway.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("GetClientByAPIKey")
	c, ok := s.clients[apiKey]
	if !ok {
		return nil, fmt.Errorf("client: %w", gateway.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *FakeStore) UpsertClient(_ context.Context, c *gateway.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.clients {
		if v.ID == c.ID {
			delete(s.clients, k)
		}
	}
	cp := *c
	s.clients[c.APIKey] = &cp
	return nil
}

// --- PermissionStore ---

func (s *FakeStore) GetPermission(_ context.Context, clientID, capability string) (*gateway.CapabilityPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("GetPermission")
	p, ok := s.permissions[permKey(clientID, capability)]
	if !ok {
		return nil, fmt.Errorf("permission: %w", gateway.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *FakeStore) ListPermissions(_ context.Context, clientID string) ([]*gateway.CapabilityPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.CapabilityPermission
	for _, p := range s.permissions {
		if p.ClientID == clientID {
			cp := *p
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *gateway.CapabilityPermission) int {
		return strings.Compare(a.Capability, b.Capability)
	})
	return out, nil
}

func (s *FakeStore) UpsertPermission(_ context.Context, p *gateway.CapabilityPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.permissions[permKey(p.ClientID, p.Capability)] = &cp
	return nil
}

// --- CatalogStore ---

func (s *FakeStore) ListCandidates(_ context.Context, capability string) ([]gateway.RouteCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("ListCandidates")
	var out []gateway.RouteCandidate
	for _, m := range s.models {
		p, ok := s.providers[m.ProviderID]
		if !ok || !p.Enabled || !m.Enabled || m.Capability != capability {
			continue
		}
		pc, mc := *p, *m
		if pc.Type == "" {
			pc.Type = pc.Name
		}
		out = append(out, gateway.RouteCandidate{Provider: &pc, Model: &mc})
	}
	return out, nil
}

func (s *FakeStore) ListProviders(context.Context) ([]*gateway.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		cp := *p
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *gateway.Provider) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *FakeStore) UpsertProvider(_ context.Context, p *gateway.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.providers[p.ID] = &cp
	return nil
}

func (s *FakeStore) UpsertModel(_ context.Context, m *gateway.ModelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	for i, old := range s.models {
		if old.ProviderID == m.ProviderID && old.ModelName == m.ModelName && old.Capability == m.Capability {
			s.models[i] = &cp
			return nil
		}
	}
	s.models = append(s.models, &cp)
	return nil
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, records []gateway.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertErr != nil {
		return s.InsertErr
	}
	s.usage = append(s.usage, records...)
	return nil
}

func (s *FakeStore) SumCostSince(_ context.Context, clientID string, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("SumCostSince")
	var total float64
	for _, r := range s.usage {
		if r.ClientID == clientID && !r.CreatedAt.Before(since) {
			total += r.CostUSD
		}
	}
	return total, nil
}

func (s *FakeStore) SumUsageSince(_ context.Context, clientID, capability string, since time.Time) (storage.UsageTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("SumUsageSince")
	var t storage.UsageTotals
	for _, r := range s.usage {
		if r.ClientID == clientID && r.Capability == capability && !r.CreatedAt.Before(since) {
			t.Tokens += int64(r.TotalTokens)
			t.Images += int64(r.ImageCount)
		}
	}
	return t, nil
}

func (s *FakeStore) ListUsageByRequest(_ context.Context, requestID string) ([]gateway.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []gateway.UsageRecord
	for _, r := range s.usage {
		if r.RequestID == requestID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Usage returns a copy of every recorded usage row.
func (s *FakeStore) Usage() []gateway.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.usage)
}

// Ping always succeeds.
func (s *FakeStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }
