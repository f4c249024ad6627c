package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	gateway "github.com/eugener/capgate/internal"
)

const providerColumns = `p.id, p.name, p.type, p.base_url, p.api_key, p.enabled,
	p.timeout_ms, p.retry_count, p.health_status`

const modelColumns = `m.id, m.provider_id, m.model_name, m.capability, m.enabled, m.priority,
	m.pricing, m.limits, m.features, m.override_endpoint, m.override_api_key,
	m.override_timeout_ms, m.override_retries`

// ListCandidates returns enabled models for capability whose provider is
// enabled, ordered by priority, provider name and model name.
func (s *Store) ListCandidates(ctx context.Context, capability string) ([]gateway.RouteCandidate, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+providerColumns+`, `+modelColumns+`
		 FROM model_configs m JOIN providers p ON p.id = m.provider_id
		 WHERE m.capability = ? AND m.enabled = 1 AND p.enabled = 1
		 ORDER BY m.priority, p.name, m.model_name`, capability)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.RouteCandidate
	for rows.Next() {
		var (
			pr providerRow
			mr modelRow
		)
		if err := rows.Scan(append(pr.dest(), mr.dest()...)...); err != nil {
			return nil, err
		}
		m, err := mr.value()
		if err != nil {
			return nil, err
		}
		out = append(out, gateway.RouteCandidate{Provider: pr.value(), Model: m})
	}
	return out, rows.Err()
}

// ListProviders returns all providers ordered by name.
func (s *Store) ListProviders(ctx context.Context) ([]*gateway.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM providers p ORDER BY p.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Provider
	for rows.Next() {
		var pr providerRow
		if err := rows.Scan(pr.dest()...); err != nil {
			return nil, err
		}
		out = append(out, pr.value())
	}
	return out, rows.Err()
}

// UpsertProvider inserts p or replaces the row with the same ID.
func (s *Store) UpsertProvider(ctx context.Context, p *gateway.Provider) error {
	health := p.HealthStatus
	if health == "" {
		health = gateway.HealthHealthy
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO providers (id, name, type, base_url, api_key, enabled, timeout_ms, retry_count, health_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 name = excluded.name, type = excluded.type, base_url = excluded.base_url,
		 api_key = excluded.api_key, enabled = excluded.enabled, timeout_ms = excluded.timeout_ms,
		 retry_count = excluded.retry_count, health_status = excluded.health_status`,
		p.ID, p.Name, p.Type, p.BaseURL, p.APIKey, boolToInt(p.Enabled),
		p.TimeoutMs, p.RetryCount, string(health),
	)
	return err
}

// UpsertModel inserts m or replaces the row for its (provider, model, capability).
func (s *Store) UpsertModel(ctx context.Context, m *gateway.ModelConfig) error {
	pricing, err := marshalJSON(m.Pricing)
	if err != nil {
		return fmt.Errorf("marshal pricing: %w", err)
	}
	limits, err := marshalJSON(m.Limits)
	if err != nil {
		return fmt.Errorf("marshal limits: %w", err)
	}
	features, err := marshalJSON(m.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}

	var (
		endpoint, apiKey sql.NullString
		timeout, retries sql.NullInt64
	)
	if o := m.Override; o != nil {
		endpoint = sql.NullString{String: o.Endpoint, Valid: o.Endpoint != ""}
		apiKey = sql.NullString{String: o.APIKey, Valid: o.APIKey != ""}
		if o.TimeoutMs != nil {
			timeout = sql.NullInt64{Int64: int64(*o.TimeoutMs), Valid: true}
		}
		if o.Retries != nil {
			retries = sql.NullInt64{Int64: int64(*o.Retries), Valid: true}
		}
	}

	_, err = s.write.ExecContext(ctx,
		`INSERT INTO model_configs (id, provider_id, model_name, capability, enabled, priority,
		 pricing, limits, features, override_endpoint, override_api_key, override_timeout_ms, override_retries)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider_id, model_name, capability) DO UPDATE SET
		 enabled = excluded.enabled, priority = excluded.priority, pricing = excluded.pricing,
		 limits = excluded.limits, features = excluded.features,
		 override_endpoint = excluded.override_endpoint, override_api_key = excluded.override_api_key,
		 override_timeout_ms = excluded.override_timeout_ms, override_retries = excluded.override_retries`,
		m.ID, m.ProviderID, m.ModelName, m.Capability, boolToInt(m.Enabled), m.Priority,
		pricing, limits, features, endpoint, apiKey, timeout, retries,
	)
	return err
}

// providerRow holds the scanned columns of one provider.
type providerRow struct {
	p       gateway.Provider
	enabled int
	health  string
}

func (r *providerRow) dest() []any {
	return []any{&r.p.ID, &r.p.Name, &r.p.Type, &r.p.BaseURL, &r.p.APIKey, &r.enabled,
		&r.p.TimeoutMs, &r.p.RetryCount, &r.health}
}

func (r *providerRow) value() *gateway.Provider {
	p := r.p
	p.Enabled = r.enabled != 0
	p.HealthStatus = gateway.HealthStatus(r.health)
	if p.Type == "" {
		p.Type = p.Name
	}
	return &p
}

// modelRow holds the scanned columns of one model configuration.
type modelRow struct {
	m                         gateway.ModelConfig
	enabled                   int
	pricing, limits, features sql.NullString
	endpoint, apiKey          sql.NullString
	timeout, retries          sql.NullInt64
}

func (r *modelRow) dest() []any {
	return []any{&r.m.ID, &r.m.ProviderID, &r.m.ModelName, &r.m.Capability, &r.enabled, &r.m.Priority,
		&r.pricing, &r.limits, &r.features, &r.endpoint, &r.apiKey, &r.timeout, &r.retries}
}

func (r *modelRow) value() (*gateway.ModelConfig, error) {
	m := r.m
	m.Enabled = r.enabled != 0
	if err := unmarshalJSON(r.pricing, &m.Pricing); err != nil {
		return nil, fmt.Errorf("decode pricing of model %s: %w", m.ID, err)
	}
	if err := unmarshalJSON(r.limits, &m.Limits); err != nil {
		return nil, fmt.Errorf("decode limits of model %s: %w", m.ID, err)
	}
	if err := unmarshalJSON(r.features, &m.Features); err != nil {
		return nil, fmt.Errorf("decode features of model %s: %w", m.ID, err)
	}
	if r.endpoint.Valid || r.apiKey.Valid || r.timeout.Valid || r.retries.Valid {
		m.Override = &gateway.ModelOverride{
			Endpoint:  r.endpoint.String,
			APIKey:    r.apiKey.String,
			TimeoutMs: intPtr(r.timeout),
			Retries:   intPtr(r.retries),
		}
	}
	return &m, nil
}
