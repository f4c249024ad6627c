// Package auth authenticates API clients by key and secret. Secrets are
// stored as bcrypt hashes; verified pairs are cached briefly in an otter
// cache so bcrypt runs once per client per TTL rather than per request.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/crypto/bcrypt"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // bounds how long a suspension takes to apply
	cacheMaxLen = 10_000
)

// ClientAuth verifies client credentials against a ClientStore.
type ClientAuth struct {
	store storage.ClientStore
	cache *otter.Cache[string, *gateway.Client]
}

// NewClientAuth returns a ClientAuth backed by store.
func NewClientAuth(store storage.ClientStore) (*ClientAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.Client]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.Client](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &ClientAuth{store: store, cache: c}, nil
}

// Authenticate returns the active client owning apiKey whose secret
// matches. Any mismatch, unknown key or inactive client yields
// gateway.ErrUnauthorized; store failures are returned as-is.
func (a *ClientAuth) Authenticate(ctx context.Context, apiKey, secret string) (*gateway.Client, error) {
	if apiKey == "" || secret == "" {
		return nil, fmt.Errorf("%w: missing API key or secret", gateway.ErrUnauthorized)
	}

	ck := cacheKey(apiKey, secret)
	if c, ok := a.cache.GetIfPresent(ck); ok {
		return c, nil
	}

	c, err := a.store.GetClientByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid credentials", gateway.ErrUnauthorized)
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) != nil {
		return nil, fmt.Errorf("%w: invalid credentials", gateway.ErrUnauthorized)
	}
	if c.Status != gateway.ClientActive {
		return nil, fmt.Errorf("%w: client is %s", gateway.ErrUnauthorized, c.Status)
	}

	a.cache.Set(ck, c)
	return c, nil
}

// cacheKey digests the credential pair so plaintext secrets never sit in
// the cache.
func cacheKey(apiKey, secret string) string {
	h := sha256.New()
	h.Write([]byte(apiKey))
	h.Write([]byte{0})
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// HashSecret returns the bcrypt hash stored for a client secret.
func HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(b), nil
}
