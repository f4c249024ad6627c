// Package storage defines the persistence interfaces the gateway reads its
// catalog from and appends its usage ledger to.
package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/capgate/internal"
)

// ClientStore reads and seeds API clients.
type ClientStore interface {
	GetClientByAPIKey(ctx context.Context, apiKey string) (*gateway.Client, error)
	UpsertClient(ctx context.Context, c *gateway.Client) error
}

// PermissionStore reads and seeds capability permissions.
type PermissionStore interface {
	// GetPermission returns the (clientID, capability) permission, enabled
	// or not, or gateway.ErrNotFound.
	GetPermission(ctx context.Context, clientID, capability string) (*gateway.CapabilityPermission, error)
	ListPermissions(ctx context.Context, clientID string) ([]*gateway.CapabilityPermission, error)
	UpsertPermission(ctx context.Context, p *gateway.CapabilityPermission) error
}

// CatalogStore reads and seeds providers and model configurations.
type CatalogStore interface {
	// ListCandidates returns every enabled model for capability joined
	// with its enabled provider.
	ListCandidates(ctx context.Context, capability string) ([]gateway.RouteCandidate, error)
	ListProviders(ctx context.Context) ([]*gateway.Provider, error)
	UpsertProvider(ctx context.Context, p *gateway.Provider) error
	UpsertModel(ctx context.Context, m *gateway.ModelConfig) error
}

// UsageTotals aggregates ledger usage over a period.
type UsageTotals struct {
	Tokens int64
	Images int64
}

// UsageStore is the append-only usage ledger and its aggregate read path.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	// SumCostSince returns the client's total cost recorded at or after since.
	SumCostSince(ctx context.Context, clientID string, since time.Time) (float64, error)
	// SumUsageSince returns the client's token and image totals for one
	// capability recorded at or after since.
	SumUsageSince(ctx context.Context, clientID, capability string, since time.Time) (UsageTotals, error)
	ListUsageByRequest(ctx context.Context, requestID string) ([]gateway.UsageRecord, error)
}

// Store combines all storage interfaces.
type Store interface {
	ClientStore
	PermissionStore
	CatalogStore
	UsageStore
	Ping(ctx context.Context) error
	Close() error
}
