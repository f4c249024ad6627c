package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	gateway "github.com/eugener/capgate/internal"
	"github.com/eugener/capgate/internal/storage"
)

const usageColumns = `id, client_id, request_id, capability, provider, model, status,
	prompt_tokens, completion_tokens, total_tokens, image_count, cost_usd,
	response_time_ms, metadata, created_at`

// InsertUsage appends records in a single multi-row INSERT.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match usageColumns.
	const cols = 15
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", cols), ", ") + ")"
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		meta, err := marshalJSON(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata of %s: %w", r.ID, err)
		}
		placeholders[i] = row
		args = append(args,
			r.ID, r.ClientID, r.RequestID, r.Capability, r.Provider, r.Model, string(r.Status),
			r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.ImageCount, r.CostUSD,
			r.ResponseTimeMs, meta, formatTime(r.CreatedAt),
		)
	}

	_, err := s.write.ExecContext(ctx,
		`INSERT INTO usage_records (`+usageColumns+`) VALUES `+strings.Join(placeholders, ", "),
		args...)
	return err
}

// SumCostSince totals the client's cost across all capabilities.
func (s *Store) SumCostSince(ctx context.Context, clientID string, since time.Time) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records
		 WHERE client_id = ? AND created_at >= ?`, clientID, formatTime(since),
	).Scan(&total)
	return total, err
}

// SumUsageSince totals the client's tokens and images for one capability.
func (s *Store) SumUsageSince(ctx context.Context, clientID, capability string, since time.Time) (storage.UsageTotals, error) {
	var t storage.UsageTotals
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0), COALESCE(SUM(image_count), 0) FROM usage_records
		 WHERE client_id = ? AND capability = ? AND created_at >= ?`,
		clientID, capability, formatTime(since),
	).Scan(&t.Tokens, &t.Images)
	return t, err
}

// ListUsageByRequest returns every attempt recorded for one request in
// insertion order.
func (s *Store) ListUsageByRequest(ctx context.Context, requestID string) ([]gateway.UsageRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+usageColumns+` FROM usage_records WHERE request_id = ? ORDER BY created_at, rowid`,
		requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageRecord
	for rows.Next() {
		var (
			r         gateway.UsageRecord
			status    string
			meta      sql.NullString
			createdAt string
		)
		err := rows.Scan(&r.ID, &r.ClientID, &r.RequestID, &r.Capability, &r.Provider, &r.Model, &status,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.ImageCount, &r.CostUSD,
			&r.ResponseTimeMs, &meta, &createdAt)
		if err != nil {
			return nil, err
		}
		r.Status = gateway.UsageStatus(status)
		if err := unmarshalJSON(meta, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
		}
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
