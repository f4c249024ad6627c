package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/eugener/capgate/internal"
)

const clientColumns = `id, name, api_key, secret_hash, status,
	daily_quota_usd, monthly_quota_usd, rate_limit_per_minute, created_at`

// GetClientByAPIKey returns the client owning apiKey regardless of status.
func (s *Store) GetClientByAPIKey(ctx context.Context, apiKey string) (*gateway.Client, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE api_key = ?`, apiKey)
	c, err := scanClient(row)
	if err != nil {
		return nil, notFound(err, "client")
	}
	return c, nil
}

// UpsertClient inserts c or replaces the row with the same ID.
func (s *Store) UpsertClient(ctx context.Context, c *gateway.Client) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO clients (`+clientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 name = excluded.name, api_key = excluded.api_key, secret_hash = excluded.secret_hash,
		 status = excluded.status, daily_quota_usd = excluded.daily_quota_usd,
		 monthly_quota_usd = excluded.monthly_quota_usd,
		 rate_limit_per_minute = excluded.rate_limit_per_minute`,
		c.ID, c.Name, c.APIKey, c.SecretHash, string(c.Status),
		nullFloat(c.Quota.DailyQuotaUSD), nullFloat(c.Quota.MonthlyQuotaUSD),
		nullInt(c.Quota.RateLimitPerMinute), formatTime(c.CreatedAt),
	)
	return err
}

func scanClient(row scanner) (*gateway.Client, error) {
	var (
		c              gateway.Client
		status         string
		daily, monthly sql.NullFloat64
		rpm            sql.NullInt64
		createdAt      string
	)
	err := row.Scan(&c.ID, &c.Name, &c.APIKey, &c.SecretHash, &status,
		&daily, &monthly, &rpm, &createdAt)
	if err != nil {
		return nil, err
	}
	c.Status = gateway.ClientStatus(status)
	c.Quota = gateway.QuotaConfig{
		DailyQuotaUSD:      floatPtr(daily),
		MonthlyQuotaUSD:    floatPtr(monthly),
		RateLimitPerMinute: int64Ptr(rpm),
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}
