package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/risk"
)

// scheduleTarget queues a future trigger as a snipe target.
func (o *Orchestrator) scheduleTarget(ctx context.Context, trig domain.ExecutionTrigger) error {
	now := o.now()
	id := trig.TargetID
	if id == "" {
		id = uuid.NewString()
	}
	t := domain.SnipeTarget{
		ID:            id,
		UserID:        trig.UserID,
		Symbol:        trig.Symbol,
		QuoteAmount:   trig.QuoteAmount,
		Confidence:    trig.Confidence,
		Status:        domain.TargetPending,
		ExecuteAt:     trig.ExecuteAt,
		StopLossPct:   trig.StopLossPct,
		TakeProfitPct: trig.TakeProfitPct,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o.mu.Lock()
	for _, existing := range o.targets {
		if existing.Symbol == t.Symbol && existing.UserID == t.UserID && existing.ID != t.ID {
			o.mu.Unlock()
			return fmt.Errorf("execution: target for %s: %w", t.Symbol, domain.ErrAlreadyExists)
		}
	}
	o.targets[t.ID] = t
	o.mu.Unlock()

	o.logger.Info("snipe target scheduled",
		slog.String("target_id", t.ID),
		slog.String("symbol", t.Symbol),
		slog.Time("execute_at", t.ExecuteAt),
		slog.Float64("confidence", t.Confidence),
	)
	if o.targetStore != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.targetStore.Upsert(sctx, t); err != nil {
			o.logger.Warn("target write failed", slog.String("target_id", t.ID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// ExecuteDueTargets launches every pending target whose execution time has
// come. Targets overdue by more than the grace period are failed instead.
// It returns the number of executions launched.
func (o *Orchestrator) ExecuteDueTargets(ctx context.Context) int {
	cfg := o.config()
	now := o.now()

	o.mu.Lock()
	if !o.state.AcceptsTriggers() {
		o.mu.Unlock()
		return 0
	}
	var due []domain.SnipeTarget
	for id, t := range o.targets {
		if t.Status != domain.TargetPending && t.Status != domain.TargetReady {
			continue
		}
		if t.ExecuteAt.After(now) {
			continue
		}
		t.Status = domain.TargetExecuting
		t.UpdatedAt = now
		o.targets[id] = t
		due = append(due, t)
	}
	o.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ExecuteAt.Before(due[j].ExecuteAt) })
	launched := 0
	for _, t := range due {
		if now.Sub(t.ExecuteAt) > cfg.TargetGrace {
			o.setTargetStatus(ctx, t.ID, domain.TargetFailed, "expired before execution")
			continue
		}
		o.setTargetStatus(ctx, t.ID, domain.TargetExecuting, "")
		trig := domain.ExecutionTrigger{
			ID:            uuid.NewString(),
			UserID:        t.UserID,
			TargetID:      t.ID,
			Symbol:        t.Symbol,
			Side:          domain.OrderSideBuy,
			QuoteAmount:   t.QuoteAmount,
			Confidence:    t.Confidence,
			Source:        domain.SourcePattern,
			ExecuteAt:     t.ExecuteAt,
			StopLossPct:   t.StopLossPct,
			TakeProfitPct: t.TakeProfitPct,
			CreatedAt:     now,
		}
		if !o.launch(trig) {
			o.setTargetStatus(ctx, t.ID, domain.TargetPending, "")
			continue
		}
		launched++
	}
	return launched
}

func (o *Orchestrator) finishTarget(ctx context.Context, id string, res TradeResult) {
	if res.Success {
		o.setTargetStatus(ctx, id, domain.TargetCompleted, "")
		return
	}
	o.setTargetStatus(ctx, id, domain.TargetFailed, res.Reason)
}

// setTargetStatus updates the in-memory target and persists the change.
// Terminal targets leave the in-memory set.
func (o *Orchestrator) setTargetStatus(ctx context.Context, id string, status domain.TargetStatus, lastErr string) {
	o.mu.Lock()
	t, ok := o.targets[id]
	if ok {
		t.Status = status
		t.LastError = lastErr
		t.UpdatedAt = o.now()
		if status == domain.TargetCompleted || status == domain.TargetFailed {
			t.Attempts++
			delete(o.targets, id)
		} else {
			o.targets[id] = t
		}
	}
	o.mu.Unlock()

	if o.targetStore == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.targetStore.UpdateStatus(sctx, id, status, lastErr); err != nil {
		o.logger.Warn("target status write failed",
			slog.String("target_id", id),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) failPendingTargets(ctx context.Context, reason string) int {
	o.mu.Lock()
	ids := make([]string, 0, len(o.targets))
	for id, t := range o.targets {
		if t.Status == domain.TargetPending || t.Status == domain.TargetReady {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.setTargetStatus(ctx, id, domain.TargetFailed, reason)
	}
	return len(ids)
}

// HandleTick marks open positions in the tick's symbol to market, pushes the
// marked profile to the risk engine and closes positions whose stop-loss or
// take-profit level was crossed.
func (o *Orchestrator) HandleTick(tick domain.Tick) {
	if tick.Price <= 0 {
		return
	}
	price := decimal.NewFromFloat(tick.Price)
	autoClose := o.config().AutoClose

	var (
		exits   []string
		matched bool
	)
	o.mu.Lock()
	for id, p := range o.positions {
		if p.Symbol != tick.Symbol {
			continue
		}
		matched = true
		p = p.WithPrice(price)
		o.positions[id] = p
		if autoClose && !o.closing[id] && crossed(p, price) {
			o.closing[id] = true
			exits = append(exits, id)
		}
	}
	o.mu.Unlock()
	if matched {
		o.syncRiskProfile(tick.Symbol)
	}

	for _, id := range exits {
		if !o.track(domain.StateActive, domain.StatePaused) {
			o.mu.Lock()
			delete(o.closing, id)
			o.mu.Unlock()
			continue
		}
		go func() {
			defer o.untrack()
			defer func() {
				o.mu.Lock()
				delete(o.closing, id)
				o.mu.Unlock()
			}()
			ctx, cancel := context.WithTimeout(context.Background(), o.tradeTimeout())
			defer cancel()
			o.logger.Info("protective exit triggered", slog.String("position_id", id), slog.Float64("price", tick.Price))
			o.closePosition(ctx, id, domain.PriorityClose, actionClose)
		}()
	}
}

func crossed(p domain.ExecutionPosition, price decimal.Decimal) bool {
	if p.Side == domain.PositionShort {
		return (p.StopLossPrice.IsPositive() && price.GreaterThanOrEqual(p.StopLossPrice)) ||
			(p.TakeProfitPrice.IsPositive() && price.LessThanOrEqual(p.TakeProfitPrice))
	}
	return (p.StopLossPrice.IsPositive() && price.LessThanOrEqual(p.StopLossPrice)) ||
		(p.TakeProfitPrice.IsPositive() && price.GreaterThanOrEqual(p.TakeProfitPrice))
}

// Positions returns the open positions ordered by open time.
func (o *Orchestrator) Positions() []domain.ExecutionPosition {
	o.mu.Lock()
	out := make([]domain.ExecutionPosition, 0, len(o.positions))
	for _, p := range o.positions {
		out = append(out, p)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Status is the operational snapshot returned by GetStatus.
type Status struct {
	State           domain.OrchestratorState `json:"state"`
	IsActive        bool                     `json:"is_active"`
	IsHealthy       bool                     `json:"is_healthy"`
	ActiveTargets   int                      `json:"active_targets"`
	ActivePositions int                      `json:"active_positions"`
	InFlight        int64                    `json:"in_flight"`
	Metrics         Metrics                  `json:"metrics"`
	LastError       string                   `json:"last_error,omitempty"`
	StartedAt       *time.Time               `json:"started_at,omitempty"`
	Emergency       domain.EmergencyState    `json:"emergency"`
	Breaker         risk.BreakerStats        `json:"breaker"`
	Locks           LockStats                `json:"locks"`
}

// GetStatus returns the current status.
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	st := Status{
		State:           o.state,
		IsActive:        o.state == domain.StateActive,
		IsHealthy:       o.healthy,
		ActiveTargets:   len(o.targets),
		ActivePositions: len(o.positions),
		LastError:       o.lastError,
		StartedAt:       o.startedAt,
	}
	o.mu.Unlock()
	st.InFlight = o.inflightN.Load()
	st.Metrics = o.met.snapshot(st.ActivePositions)
	st.Emergency = o.risk.EmergencyState()
	st.Breaker = o.breaker.Stats()
	st.Locks = o.locks.Stats()
	return st
}

// ExecutionReport summarises positions, history and alerts.
type ExecutionReport struct {
	ActivePositions  []domain.ExecutionPosition `json:"active_positions"`
	RecentExecutions []domain.ExecutionRecord   `json:"recent_executions"`
	ActiveAlerts     []domain.RiskAlert         `json:"active_alerts"`
	SuccessRate      float64                    `json:"success_rate"`
	RealizedPnL      decimal.Decimal            `json:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal            `json:"unrealized_pnl"`
	TotalProfit      decimal.Decimal            `json:"total_profit"`
	GeneratedAt      time.Time                  `json:"generated_at"`
}

const reportHistoryLimit = 50

// GetExecutionReport builds a report. Recent executions come from the
// execution store when one is configured, otherwise from memory.
func (o *Orchestrator) GetExecutionReport(ctx context.Context) ExecutionReport {
	positions := o.Positions()
	rep := ExecutionReport{
		ActivePositions: positions,
		ActiveAlerts:    o.risk.ActiveAlerts(),
		SuccessRate:     o.met.snapshot(len(positions)).SuccessRate,
		GeneratedAt:     o.now(),
	}
	for _, p := range positions {
		rep.UnrealizedPnL = rep.UnrealizedPnL.Add(p.UnrealizedPnL())
	}

	o.mu.Lock()
	rep.RealizedPnL = o.realizedPnL
	userID := o.userID
	local := make([]domain.ExecutionRecord, len(o.history))
	copy(local, o.history)
	o.mu.Unlock()
	rep.TotalProfit = rep.RealizedPnL.Add(rep.UnrealizedPnL)

	if o.executions != nil && userID != "" {
		recs, err := o.executions.ListRecent(ctx, userID, reportHistoryLimit)
		if err == nil {
			rep.RecentExecutions = recs
			return rep
		}
		o.logger.Warn("execution history read failed", slog.String("error", err.Error()))
	}
	for i, j := 0, len(local)-1; i < j; i, j = i+1, j-1 {
		local[i], local[j] = local[j], local[i]
	}
	if len(local) > reportHistoryLimit {
		local = local[:reportHistoryLimit]
	}
	rep.RecentExecutions = local
	return rep
}

// AcknowledgeAlert marks a risk alert as acknowledged.
func (o *Orchestrator) AcknowledgeAlert(id string) bool {
	return o.risk.AcknowledgeAlert(id)
}

// ClearAcknowledgedAlerts archives acknowledged alerts and removes them from
// the active set. On archive failure the alerts are restored.
func (o *Orchestrator) ClearAcknowledgedAlerts(ctx context.Context) (int, error) {
	alerts := o.risk.TakeAcknowledgedAlerts()
	if len(alerts) == 0 {
		return 0, nil
	}
	if o.alertStore != nil {
		if err := o.alertStore.Archive(ctx, alerts); err != nil {
			o.risk.RestoreAlerts(alerts)
			return 0, domain.NewKindError(domain.KindPersistence, "archive alerts", err)
		}
	}
	o.logger.Info("acknowledged alerts cleared", slog.Int("count", len(alerts)))
	return len(alerts), nil
}
