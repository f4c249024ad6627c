// Package cache provides the short-lived lookaside cache used for admission
// aggregates (spend and usage sums). Entries are advisory: a miss or a
// backend failure falls through to the ledger.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque values with a per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}
