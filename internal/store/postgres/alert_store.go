package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// AlertStore implements domain.AlertStore. Archived alerts are kept
// forever; re-archiving an alert refreshes its resolution fields.
type AlertStore struct {
	pool *pgxpool.Pool
}

// NewAlertStore creates a new AlertStore backed by the given pool.
func NewAlertStore(pool *pgxpool.Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

// Archive writes alerts in a single batch.
func (s *AlertStore) Archive(ctx context.Context, alerts []domain.RiskAlert) error {
	if len(alerts) == 0 {
		return nil
	}
	const query = `
		INSERT INTO risk_alerts (
			id, type, severity, symbol, message, recommendations,
			resolved, acknowledged, created_at, resolved_at, acknowledged_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			resolved = EXCLUDED.resolved,
			acknowledged = EXCLUDED.acknowledged,
			resolved_at = EXCLUDED.resolved_at,
			acknowledged_at = EXCLUDED.acknowledged_at,
			archived_at = NOW()`

	batch := &pgx.Batch{}
	for _, a := range alerts {
		recs, err := json.Marshal(a.Recommendations)
		if err != nil {
			return fmt.Errorf("postgres: marshal alert %s: %w", a.ID, err)
		}
		batch.Queue(query,
			a.ID, string(a.Type), string(a.Severity), a.Symbol, a.Message, recs,
			a.Resolved, a.Acknowledged, a.CreatedAt, a.ResolvedAt, a.AcknowledgedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range alerts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: archive alerts: %w", err)
		}
	}
	return nil
}
