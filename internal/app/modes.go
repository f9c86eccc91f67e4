package app

import (
	"context"
	"fmt"
	"log/slog"
)

// TradeMode runs the full pipeline: detections flow through the bridge into
// the orchestrator and due targets are executed on schedule.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode",
		slog.Bool("auto_start", a.cfg.Execution.AutoStart),
		slog.Int("watch_symbols", len(a.cfg.MarketData.Symbols)),
	)
	e, err := BuildEngine(a.cfg, deps, a.logger)
	if err != nil {
		return fmt.Errorf("app: trade mode: %w", err)
	}
	return e.Run(ctx, true)
}

// MonitorMode scans listings and streams prices and events without placing
// orders.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	e, err := BuildEngine(a.cfg, deps, a.logger)
	if err != nil {
		return fmt.Errorf("app: monitor mode: %w", err)
	}
	return e.Run(ctx, false)
}
