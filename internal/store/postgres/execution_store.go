package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore. Rows are only ever
// inserted; retention removes them in bulk.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore backed by the given pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionSelectCols = `id, user_id, COALESCE(target_id, ''), COALESCE(trigger_id, ''),
	symbol, side, action, quantity, price, notional, COALESCE(exchange_order_id, ''),
	status, COALESCE(error_kind, ''), COALESCE(message, ''), confidence, latency_ms, executed_at`

func scanExecutionRows(rows pgx.Rows) ([]domain.ExecutionRecord, error) {
	var out []domain.ExecutionRecord
	for rows.Next() {
		var r domain.ExecutionRecord
		var side, status, kind string
		if err := rows.Scan(
			&r.ID, &r.UserID, &r.TargetID, &r.TriggerID,
			&r.Symbol, &side, &r.Action, &r.Quantity, &r.Price, &r.Notional, &r.ExchangeOrderID,
			&status, &kind, &r.Message, &r.Confidence, &r.LatencyMs, &r.ExecutedAt,
		); err != nil {
			return nil, err
		}
		r.Side = domain.OrderSide(side)
		r.Status = domain.ExecutionStatus(status)
		r.ErrorKind = domain.ErrorKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Append inserts one history row. A repeated id is ignored.
func (s *ExecutionStore) Append(ctx context.Context, rec domain.ExecutionRecord) error {
	const query = `
		INSERT INTO execution_history (
			id, user_id, target_id, trigger_id, symbol, side, action,
			quantity, price, notional, exchange_order_id, status,
			error_kind, message, confidence, latency_ms, executed_at
		) VALUES (
			$1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7,
			$8, $9, $10, NULLIF($11, ''), $12,
			NULLIF($13, ''), NULLIF($14, ''), $15, $16, $17
		) ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.UserID, rec.TargetID, rec.TriggerID, rec.Symbol, string(rec.Side), rec.Action,
		rec.Quantity, rec.Price, rec.Notional, rec.ExchangeOrderID, string(rec.Status),
		string(rec.ErrorKind), rec.Message, rec.Confidence, rec.LatencyMs, rec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append execution %s: %w", rec.ID, err)
	}
	return nil
}

// ListRecent returns the newest rows of a user, newest first.
func (s *ExecutionStore) ListRecent(ctx context.Context, userID string, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + executionSelectCols + ` FROM execution_history
		WHERE user_id = $1 ORDER BY executed_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent executions: %w", err)
	}
	defer rows.Close()
	out, err := scanExecutionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan executions: %w", err)
	}
	return out, nil
}

// ListBefore returns up to limit rows older than before, oldest first.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + executionSelectCols + ` FROM execution_history
		WHERE executed_at < $1 ORDER BY executed_at ASC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions before: %w", err)
	}
	defer rows.Close()
	out, err := scanExecutionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan executions: %w", err)
	}
	return out, nil
}

// DeleteBefore removes rows older than before.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM execution_history WHERE executed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats counts outcomes since the given time.
func (s *ExecutionStore) Stats(ctx context.Context, since time.Time) (domain.TradeStats, error) {
	const query = `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $2)
		FROM execution_history WHERE executed_at >= $1`
	var st domain.TradeStats
	if err := s.pool.QueryRow(ctx, query, since, string(domain.ExecutionSuccess)).Scan(&st.Total, &st.Succeeded); err != nil {
		return domain.TradeStats{}, fmt.Errorf("postgres: execution stats: %w", err)
	}
	return st, nil
}
