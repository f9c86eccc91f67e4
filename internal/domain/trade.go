package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus is the outcome recorded for one execution attempt.
type ExecutionStatus string

const (
	ExecutionSuccess  ExecutionStatus = "success"
	ExecutionFailed   ExecutionStatus = "failed"
	ExecutionRejected ExecutionStatus = "rejected"
	ExecutionBusy     ExecutionStatus = "busy"
)

// ExecutionRecord is an append-only history row.
type ExecutionRecord struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	TargetID        string          `json:"target_id,omitempty"`
	TriggerID       string          `json:"trigger_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            OrderSide       `json:"side"`
	Action          string          `json:"action"` // open, close, emergency_close
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Notional        decimal.Decimal `json:"notional"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Status          ExecutionStatus `json:"status"`
	ErrorKind       ErrorKind       `json:"error_kind,omitempty"`
	Message         string          `json:"message,omitempty"`
	Confidence      float64         `json:"confidence"`
	LatencyMs       int64           `json:"latency_ms"`
	ExecutedAt      time.Time       `json:"executed_at"`
}

// TargetStatus tracks a snipe target through execution.
type TargetStatus string

const (
	TargetPending   TargetStatus = "pending"
	TargetReady     TargetStatus = "ready"
	TargetExecuting TargetStatus = "executing"
	TargetCompleted TargetStatus = "completed"
	TargetFailed    TargetStatus = "failed"
)

// SnipeTarget is a per-user target queued for execution at ExecuteAt.
type SnipeTarget struct {
	ID            string
	UserID        string
	Symbol        string
	VcoinID       string
	QuoteAmount   float64
	Confidence    float64
	Status        TargetStatus
	ExecuteAt     time.Time
	StopLossPct   float64
	TakeProfitPct float64
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TradeStats summarises trailing execution outcomes.
type TradeStats struct {
	Total     int
	Succeeded int
}

// SuccessRate returns Succeeded/Total in percent, or 0 with no samples.
func (s TradeStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total) * 100
}
