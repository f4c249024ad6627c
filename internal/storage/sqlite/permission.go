package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	gateway "github.com/eugener/capgate/internal"
)

const permissionColumns = `id, client_id, capability, enabled, rate_limit_per_minute,
	quota_limit, preferred_provider, allowed_providers, allowed_models, config`

// GetPermission returns the permission row for (clientID, capability).
func (s *Store) GetPermission(ctx context.Context, clientID, capability string) (*gateway.CapabilityPermission, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+permissionColumns+` FROM capability_permissions
		 WHERE client_id = ? AND capability = ?`, clientID, capability)
	p, err := scanPermission(row)
	if err != nil {
		return nil, notFound(err, "permission")
	}
	return p, nil
}

// ListPermissions returns all permissions of a client ordered by capability.
func (s *Store) ListPermissions(ctx context.Context, clientID string) ([]*gateway.CapabilityPermission, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+permissionColumns+` FROM capability_permissions
		 WHERE client_id = ? ORDER BY capability`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.CapabilityPermission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPermission inserts p or replaces the row for its (client, capability).
func (s *Store) UpsertPermission(ctx context.Context, p *gateway.CapabilityPermission) error {
	providers, err := marshalJSON(p.AllowedProviders)
	if err != nil {
		return fmt.Errorf("marshal allowed providers: %w", err)
	}
	models, err := marshalJSON(p.AllowedModels)
	if err != nil {
		return fmt.Errorf("marshal allowed models: %w", err)
	}
	cfg, err := marshalJSON(p.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO capability_permissions (`+permissionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(client_id, capability) DO UPDATE SET
		 enabled = excluded.enabled, rate_limit_per_minute = excluded.rate_limit_per_minute,
		 quota_limit = excluded.quota_limit, preferred_provider = excluded.preferred_provider,
		 allowed_providers = excluded.allowed_providers, allowed_models = excluded.allowed_models,
		 config = excluded.config`,
		p.ID, p.ClientID, p.Capability, boolToInt(p.Enabled), nullInt(p.RateLimitPerMinute),
		nullInt(p.QuotaLimit), p.PreferredProvider, providers, models, cfg,
	)
	return err
}

func scanPermission(row scanner) (*gateway.CapabilityPermission, error) {
	var (
		p                      gateway.CapabilityPermission
		enabled                int
		rpm, quota             sql.NullInt64
		providers, models, cfg sql.NullString
	)
	err := row.Scan(&p.ID, &p.ClientID, &p.Capability, &enabled, &rpm,
		&quota, &p.PreferredProvider, &providers, &models, &cfg)
	if err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	p.RateLimitPerMinute = int64Ptr(rpm)
	p.QuotaLimit = int64Ptr(quota)
	if err := unmarshalJSON(providers, &p.AllowedProviders); err != nil {
		return nil, fmt.Errorf("decode allowed providers: %w", err)
	}
	if err := unmarshalJSON(models, &p.AllowedModels); err != nil {
		return nil, fmt.Errorf("decode allowed models: %w", err)
	}
	if err := unmarshalJSON(cfg, &p.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &p, nil
}
