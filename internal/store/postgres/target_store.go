package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// TargetStore implements domain.TargetStore using PostgreSQL.
type TargetStore struct {
	pool *pgxpool.Pool
}

// NewTargetStore creates a new TargetStore backed by the given pool.
func NewTargetStore(pool *pgxpool.Pool) *TargetStore {
	return &TargetStore{pool: pool}
}

// Upsert inserts the target or refreshes it. A completed or failed target
// keeps its terminal status.
func (s *TargetStore) Upsert(ctx context.Context, t domain.SnipeTarget) error {
	const query = `
		INSERT INTO snipe_targets (
			id, user_id, symbol, vcoin_id, quote_amount, confidence, status,
			execute_at, stop_loss_pct, take_profit_pct, attempts, last_error,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, NULLIF($4, ''), $5, $6, $7,
			$8, $9, $10, $11, NULLIF($12, ''),
			COALESCE($13, NOW()), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			quote_amount = EXCLUDED.quote_amount,
			confidence = EXCLUDED.confidence,
			execute_at = EXCLUDED.execute_at,
			stop_loss_pct = EXCLUDED.stop_loss_pct,
			take_profit_pct = EXCLUDED.take_profit_pct,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			status = CASE WHEN snipe_targets.status IN ('completed', 'failed')
				THEN snipe_targets.status ELSE EXCLUDED.status END,
			updated_at = NOW()`

	var created any
	if !t.CreatedAt.IsZero() {
		created = t.CreatedAt
	}
	_, err := s.pool.Exec(ctx, query,
		t.ID, t.UserID, t.Symbol, t.VcoinID, t.QuoteAmount, t.Confidence, string(t.Status),
		t.ExecuteAt, t.StopLossPct, t.TakeProfitPct, t.Attempts, t.LastError,
		created,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert target %s: %w", t.ID, err)
	}
	return nil
}

// ListByStatus returns a user's targets in any of the given statuses,
// earliest execution first. No statuses means all.
func (s *TargetStore) ListByStatus(ctx context.Context, userID string, statuses ...domain.TargetStatus) ([]domain.SnipeTarget, error) {
	query := `
		SELECT id, user_id, symbol, COALESCE(vcoin_id, ''), quote_amount, confidence,
			status, execute_at, stop_loss_pct, take_profit_pct, attempts,
			COALESCE(last_error, ''), created_at, updated_at
		FROM snipe_targets WHERE user_id = $1`
	args := []any{userID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, names)
	}
	query += ` ORDER BY execute_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list targets: %w", err)
	}
	defer rows.Close()

	var out []domain.SnipeTarget
	for rows.Next() {
		var t domain.SnipeTarget
		var status string
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.Symbol, &t.VcoinID, &t.QuoteAmount, &t.Confidence,
			&status, &t.ExecuteAt, &t.StopLossPct, &t.TakeProfitPct, &t.Attempts,
			&t.LastError, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan target: %w", err)
		}
		t.Status = domain.TargetStatus(status)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: target rows: %w", err)
	}
	return out, nil
}

// UpdateStatus moves a target to status and records lastErr.
func (s *TargetStore) UpdateStatus(ctx context.Context, id string, status domain.TargetStatus, lastErr string) error {
	const query = `
		UPDATE snipe_targets
		SET status = $2, last_error = NULLIF($3, ''),
			attempts = attempts + CASE WHEN $2 IN ('completed', 'failed') THEN 1 ELSE 0 END,
			updated_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status), lastErr)
	if err != nil {
		return fmt.Errorf("postgres: update target %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update target %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
