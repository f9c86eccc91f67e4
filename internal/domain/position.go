package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// ExecutionPosition is a position opened by the orchestrator. Like Order it
// is a value: updates return a new instance.
type ExecutionPosition struct {
	ID              string
	UserID          string
	TargetID        string
	Symbol          string
	Side            PositionSide
	EntryOrderID    string
	EntryPrice      decimal.Decimal
	Quantity        decimal.Decimal
	CurrentPrice    decimal.Decimal
	StopLossPrice   decimal.Decimal
	TakeProfitPrice decimal.Decimal
	Status          PositionStatus
	OpenedAt        time.Time
	ClosedAt        *time.Time
	ExitPrice       *decimal.Decimal
	RealizedPnL     decimal.Decimal
}

// UnrealizedPnL is computed by side: long gains when price rises, short when
// it falls.
func (p ExecutionPosition) UnrealizedPnL() decimal.Decimal {
	if p.Status == PositionStatusClosed {
		return decimal.Zero
	}
	return pnl(p.Side, p.EntryPrice, p.CurrentPrice, p.Quantity)
}

// Value is the current notional of the position.
func (p ExecutionPosition) Value() decimal.Decimal {
	price := p.CurrentPrice
	if price.IsZero() {
		price = p.EntryPrice
	}
	return price.Mul(p.Quantity)
}

// WithPrice returns a copy marked to price.
func (p ExecutionPosition) WithPrice(price decimal.Decimal) ExecutionPosition {
	p.CurrentPrice = price
	return p
}

// Close returns the closed copy of p.
func (p ExecutionPosition) Close(exit decimal.Decimal, at time.Time) (ExecutionPosition, error) {
	if p.Status == PositionStatusClosed {
		return p, fmt.Errorf("position %s already closed: %w", p.ID, ErrInvalidTransition)
	}
	p.Status = PositionStatusClosed
	p.ClosedAt = &at
	p.ExitPrice = &exit
	p.CurrentPrice = exit
	p.RealizedPnL = pnl(p.Side, p.EntryPrice, exit, p.Quantity)
	return p, nil
}

// CloseSide is the order side that exits p.
func (p ExecutionPosition) CloseSide() OrderSide {
	if p.Side == PositionShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

func pnl(side PositionSide, entry, price, qty decimal.Decimal) decimal.Decimal {
	diff := price.Sub(entry)
	if side == PositionShort {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}
