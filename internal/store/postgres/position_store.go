package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, user_id, COALESCE(target_id, ''), symbol, side,
	COALESCE(entry_order_id, ''), entry_price, quantity, current_price,
	stop_loss_price, take_profit_price, status, opened_at, closed_at,
	exit_price, realized_pnl`

func scanPositionRows(rows pgx.Rows) ([]domain.ExecutionPosition, error) {
	var out []domain.ExecutionPosition
	for rows.Next() {
		var (
			p            domain.ExecutionPosition
			side, status string
			exit         decimal.NullDecimal
		)
		if err := rows.Scan(
			&p.ID, &p.UserID, &p.TargetID, &p.Symbol, &side,
			&p.EntryOrderID, &p.EntryPrice, &p.Quantity, &p.CurrentPrice,
			&p.StopLossPrice, &p.TakeProfitPrice, &status, &p.OpenedAt, &p.ClosedAt,
			&exit, &p.RealizedPnL,
		); err != nil {
			return nil, err
		}
		p.Side = domain.PositionSide(side)
		p.Status = domain.PositionStatus(status)
		if exit.Valid {
			v := exit.Decimal
			p.ExitPrice = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert inserts the position or replaces its mutable fields.
func (s *PositionStore) Upsert(ctx context.Context, p domain.ExecutionPosition) error {
	const query = `
		INSERT INTO execution_positions (
			id, user_id, target_id, symbol, side, entry_order_id,
			entry_price, quantity, current_price, stop_loss_price, take_profit_price,
			status, opened_at, closed_at, exit_price, realized_pnl, updated_at
		) VALUES (
			$1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''),
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			current_price = EXCLUDED.current_price,
			stop_loss_price = EXCLUDED.stop_loss_price,
			take_profit_price = EXCLUDED.take_profit_price,
			status = EXCLUDED.status,
			closed_at = EXCLUDED.closed_at,
			exit_price = EXCLUDED.exit_price,
			realized_pnl = EXCLUDED.realized_pnl,
			updated_at = NOW()`

	var exit decimal.NullDecimal
	if p.ExitPrice != nil {
		exit = decimal.NewNullDecimal(*p.ExitPrice)
	}
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.UserID, p.TargetID, p.Symbol, string(p.Side), p.EntryOrderID,
		p.EntryPrice, p.Quantity, p.CurrentPrice, p.StopLossPrice, p.TakeProfitPrice,
		string(p.Status), p.OpenedAt, p.ClosedAt, exit, p.RealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// ListOpen returns a user's open positions, oldest first.
func (s *PositionStore) ListOpen(ctx context.Context, userID string) ([]domain.ExecutionPosition, error) {
	query := `SELECT ` + positionSelectCols + ` FROM execution_positions
		WHERE user_id = $1 AND status = $2 ORDER BY opened_at ASC`
	rows, err := s.pool.Query(ctx, query, userID, string(domain.PositionStatusOpen))
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()
	out, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return out, nil
}

// DeleteClosedBefore removes positions closed before the given time.
func (s *PositionStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM execution_positions WHERE status = $1 AND closed_at < $2`,
		string(domain.PositionStatusClosed), before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed positions: %w", err)
	}
	return tag.RowsAffected(), nil
}
