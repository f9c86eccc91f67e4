package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ExecutionStore persists the append-only execution history.
type ExecutionStore interface {
	Append(ctx context.Context, rec ExecutionRecord) error
	ListRecent(ctx context.Context, userID string, limit int) ([]ExecutionRecord, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]ExecutionRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	Stats(ctx context.Context, since time.Time) (TradeStats, error)
}

// TargetStore persists snipe targets keyed by user and symbol.
type TargetStore interface {
	Upsert(ctx context.Context, t SnipeTarget) error
	ListByStatus(ctx context.Context, userID string, statuses ...TargetStatus) ([]SnipeTarget, error)
	UpdateStatus(ctx context.Context, id string, status TargetStatus, lastErr string) error
}

// PositionStore persists execution positions keyed by user and symbol.
type PositionStore interface {
	Upsert(ctx context.Context, pos ExecutionPosition) error
	ListOpen(ctx context.Context, userID string) ([]ExecutionPosition, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// AlertStore archives alerts. Alerts are never deleted.
type AlertStore interface {
	Archive(ctx context.Context, alerts []RiskAlert) error
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
