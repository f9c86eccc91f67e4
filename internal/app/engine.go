package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/bridge"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/cache/redis"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/config"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/events"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/execution"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/marketdata"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/pattern"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/platform/mexc"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/risk"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/scheduler"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/scoring"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/server"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/server/handler"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/server/ws"
)

const (
	busMaxSubscribers = 16
	busBuffer         = 256
	stopTimeout       = 30 * time.Second
)

// Engine is the set of long-lived components of one process. Every
// component is constructed exactly once here and handed to its consumers.
type Engine struct {
	cfg    *config.Config
	deps   *Dependencies
	logger *slog.Logger

	Risk         *risk.Engine
	Analyzer     *pattern.Analyzer
	Scanner      *pattern.Scanner
	Bus          *events.Bus[domain.MarketEvent]
	Orchestrator *execution.Orchestrator
	Bridge       *bridge.Bridge
	Feed         *marketdata.Feed
	Scheduler    *scheduler.Scheduler
	Hub          *ws.Hub
	Mirror       *redis.EventMirror
	Server       *server.Server
}

// BuildEngine wires the decision and execution pipeline over deps.
func BuildEngine(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Engine, error) {
	e := &Engine{cfg: cfg, deps: deps, logger: logger}

	e.Risk = risk.NewEngine(riskConfig(cfg.Risk), logger)

	var scorerOpts []scoring.Option
	if cfg.Scoring.MarketAdjustment {
		scorerOpts = append(scorerOpts, scoring.WithMarketConditions(e.Risk))
	}
	scorer := scoring.New(logger, scorerOpts...)

	e.Bus = events.New[domain.MarketEvent](busMaxSubscribers, busBuffer, logger)
	e.Analyzer = pattern.NewAnalyzer(scorer, e.Bus, pattern.Config{
		ConfidenceThreshold: cfg.Pattern.ConfidenceThreshold,
		MinAdvanceHours:     cfg.Pattern.MinAdvanceHours,
	}, logger)

	locks := execution.NewLockRegistry(cfg.Execution.LockLease.Duration, deps.LockManager, logger)
	orch, err := execution.New(executionConfig(cfg.Execution, cfg.Exchange), execution.Deps{
		Exchange:    deps.Exchange,
		Risk:        e.Risk,
		Credentials: deps.Credentials,
		Session:     staticSession(cfg.Execution.UserID),
		Executions:  deps.Executions,
		Targets:     deps.Targets,
		Positions:   deps.Positions,
		Alerts:      deps.Alerts,
		Audit:       deps.Audit,
		Notifier:    deps.Notifier,
		Locks:       locks,
		Breaker:     e.Risk.Breaker(),
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: orchestrator: %w", err)
	}
	e.Orchestrator = orch

	e.Bridge = bridge.New(bridgeConfig(cfg.Bridge), orch, e.Risk, orch, logger, bridge.WithTickers(deps.Market))

	wsURL := cfg.Exchange.WSURL
	dialer := marketdata.DialerFunc(func(ctx context.Context, symbols []string) (marketdata.Stream, error) {
		c, err := mexc.DialWS(ctx, wsURL, symbols, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	e.Feed = marketdata.NewFeed(marketDataConfig(cfg.MarketData), dialer, e.Bus, logger)
	e.Feed.OnTick(e.handleTick)

	e.Scanner = pattern.NewScanner(deps.Listing, e.Analyzer, e.Feed.Watch, logger)
	e.Scheduler = scheduler.New(cfg.Scheduler.JobTimeout.Duration, logger)

	if deps.SignalBus != nil && cfg.Redis.MirrorEvents {
		e.Mirror = redis.NewEventMirror(deps.SignalBus, logger)
	}
	if cfg.Server.Enabled {
		e.Hub = ws.NewHub(logger)
		e.Server = server.NewServer(server.Config{
			Port:        cfg.Server.Port,
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.APIKey,
			RateLimit:   cfg.Server.RateLimit,
			RateWindow:  cfg.Server.RateWindow.Duration,
		}, e.handlers(), e.Hub, deps.RateLimiter, logger)
	}
	return e, nil
}

// handleTick fans a tick out to everything that tracks prices.
func (e *Engine) handleTick(ctx context.Context, t domain.Tick) {
	e.Risk.RecordPrice(t.Symbol, t.Price)
	if e.deps.Paper != nil {
		e.deps.Paper.SetPrice(t.Symbol, t.Price)
	}
	if e.deps.PriceCache != nil {
		if err := e.deps.PriceCache.SetPrice(ctx, t.Symbol, t.Price, t.At); err != nil {
			e.logger.Debug("price cache write failed", slog.String("symbol", t.Symbol), slog.String("error", err.Error()))
		}
	}
	e.Orchestrator.HandleTick(t)
}

func (e *Engine) handlers() server.Handlers {
	opts := []handler.StatusOption{
		handler.WithLocks(e.Orchestrator.Locks()),
		handler.WithTriggers(e.Feed.Triggers()),
		handler.WithSection("feed", func() any { return e.Feed.Stats() }),
		handler.WithSection("bridge", func() any { return e.Bridge.Stats() }),
		handler.WithSection("risk", func() any { return e.Risk.Stats() }),
		handler.WithSection("events", func() any { return e.Bus.Stats() }),
		handler.WithSection("scanner", func() any { return e.Scanner.Stats() }),
		handler.WithSection("scheduler", func() any { return e.Scheduler.Stats() }),
		handler.WithSection("websocket", func() any {
			return map[string]any{"clients": e.Hub.Clients(), "dropped": e.Hub.Dropped()}
		}),
	}
	if e.deps.AuditLog != nil {
		opts = append(opts, handler.WithAudit(e.deps.AuditLog))
	}
	status := handler.NewStatusHandler(e.Orchestrator, e.logger, opts...)
	return server.Handlers{
		Health: handler.NewHealthHandler(e.Orchestrator, e.deps.Probes, e.logger),
		Status: status,
	}
}

// schedule registers the background jobs. trading adds the jobs that act
// on targets and positions.
func (e *Engine) schedule(trading bool) error {
	sc := e.cfg.Scheduler
	type spec struct {
		when string
		job  scheduler.Job
	}
	specs := []spec{
		{sc.PatternScan, scheduler.JobFunc{JobName: "pattern_scan", Fn: func(ctx context.Context) error {
			_, err := e.Scanner.Scan(ctx)
			return err
		}}},
		{sc.Cleanup, scheduler.CountJob("lock_expiry", e.Orchestrator.Locks().ReleaseExpired, e.logger)},
		{sc.Cleanup, scheduler.CountJob("trigger_cleanup", e.Feed.CleanupTriggers, e.logger)},
		{sc.Cleanup, scheduler.CountJob("dedup_cleanup", e.Bridge.CleanupDedup, e.logger)},
		{sc.HealthCheck, scheduler.HealthJob(e.Orchestrator.HealthCheck)},
		{sc.AlertArchive, scheduler.JobFunc{JobName: "alert_archive", Fn: func(ctx context.Context) error {
			_, err := e.Orchestrator.ClearAcknowledgedAlerts(ctx)
			return err
		}}},
	}
	if trading {
		specs = append(specs, spec{sc.ExecuteDue, scheduler.JobFunc{JobName: "execute_due_targets", Fn: func(ctx context.Context) error {
			e.Orchestrator.ExecuteDueTargets(ctx)
			return nil
		}}})
	}
	if len(e.deps.Purgers) > 0 {
		retention := time.Duration(sc.RetentionDays) * 24 * time.Hour
		specs = append(specs, spec{sc.Retention, scheduler.RetentionJob(retention, nil, e.logger, e.deps.Purgers...)})
	}
	if e.deps.Archiver != nil {
		specs = append(specs, spec{sc.Archive, scheduler.ArchiveJob(e.deps.Archiver, sc.ArchiveAfter.Duration, nil)})
	}

	for _, s := range specs {
		if s.when == "" {
			continue
		}
		if _, err := e.Scheduler.Add(s.when, s.job); err != nil {
			return fmt.Errorf("app: schedule %s: %w", s.job.Name(), err)
		}
	}
	return nil
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails. trading enables automatic execution.
func (e *Engine) Run(ctx context.Context, trading bool) error {
	g, ctx := errgroup.WithContext(ctx)

	e.Risk.OnAlert(e.deps.Notifier.AlertHandler())
	e.Risk.OnEmergency(func(st domain.EmergencyState) {
		// EmergencyStop itself activates an external emergency.
		if st.Source == domain.EmergencyExternal {
			return
		}
		go func() {
			if _, err := e.Orchestrator.EmergencyStop(context.WithoutCancel(ctx), st.Reason); err != nil {
				e.logger.Error("emergency stop incomplete", slog.String("error", err.Error()))
			}
		}()
	})

	if e.Mirror != nil {
		if _, err := e.Bus.Subscribe("redis_mirror", e.Mirror.Handle); err != nil {
			return fmt.Errorf("app: subscribe mirror: %w", err)
		}
	}
	if e.Hub != nil {
		if _, err := e.Bus.Subscribe("ws_hub", e.Hub.Handle); err != nil {
			return fmt.Errorf("app: subscribe hub: %w", err)
		}
	}
	defer e.Bus.Close()

	if err := e.schedule(trading); err != nil {
		return err
	}

	if trading {
		if _, err := e.Bridge.Attach(ctx, e.Bus); err != nil {
			return fmt.Errorf("app: attach bridge: %w", err)
		}
		if e.cfg.Execution.AutoStart {
			res, err := e.Orchestrator.Start(ctx)
			if err != nil {
				return fmt.Errorf("app: start orchestrator: %w", err)
			}
			e.logger.Info("orchestrator started", slog.Bool("healthy", res.IsHealthy))
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := e.Orchestrator.Stop(stopCtx, "shutdown"); err != nil {
				e.logger.Warn("orchestrator stop", slog.String("error", err.Error()))
			}
		}()
	}

	e.Scheduler.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		e.Scheduler.Stop(stopCtx)
	}()

	g.Go(func() error {
		err := e.Feed.Run(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		// A dead feed leaves positions unmonitored; keep serving status
		// but make it loud.
		e.logger.Error("market data feed terminated", slog.String("error", err.Error()))
		e.Risk.RaiseAlert(domain.AlertExecution, domain.SeverityCritical, "",
			"market data feed terminated: "+err.Error(), "restart the process", "check exchange connectivity")
		return nil
	})
	if e.Server != nil {
		g.Go(func() error { return e.Hub.Run(ctx) })
		g.Go(func() error { return e.Server.Run(ctx) })
	}

	return g.Wait()
}

func riskConfig(c config.RiskConfig) risk.Config {
	return risk.Config{
		MaxPortfolioValue:           c.MaxPortfolioValue,
		MaxSinglePositionSize:       c.MaxSinglePositionSize,
		MaxPositionPercent:          c.MaxPositionPercent,
		MaxConcentration:            c.MaxConcentration,
		MaxCorrelation:              c.MaxCorrelation,
		MaxDrawdown:                 c.MaxDrawdown,
		MaxVaR:                      c.MaxVaR,
		CriticalRiskScore:           c.CriticalRiskScore,
		HighRiskScore:               c.HighRiskScore,
		EmergencyRiskThreshold:      c.EmergencyRiskThreshold,
		ExtremeVolatilityThreshold:  c.ExtremeVolatilityThreshold,
		VolatileSymbolsForEmergency: c.VolatileSymbolsForEmergency,
		MinLiquidity:                c.MinLiquidity,
		StressSurvivalDrawdown:      c.StressSurvivalDrawdown,
		PriceHistory:                c.PriceHistory,
		Breaker: risk.BreakerConfig{
			FailureThreshold: c.BreakerFailureThreshold,
			Cooldown:         c.BreakerCooldown.Duration,
			HalfOpenMaxCalls: c.BreakerHalfOpenMaxCalls,
		},
	}
}

func executionConfig(c config.ExecutionConfig, ex config.ExchangeConfig) execution.Config {
	out := execution.DefaultConfig()
	out.Provider = exchangeProvider
	out.LockTimeout = c.LockTimeout.Duration
	out.LockLease = c.LockLease.Duration
	out.RetryAttempts = c.RetryAttempts
	out.RetryBaseDelay = c.RetryBaseDelay.Duration
	out.RetryMaxDelay = c.RetryMaxDelay.Duration
	out.PingTimeout = ex.PingTimeout.Duration
	out.OrderTimeout = c.OrderTimeout.Duration
	out.MaxConcurrentPositions = c.MaxConcurrentPositions
	out.DefaultQuoteAmount = c.DefaultQuoteAmount
	out.StopLossPct = c.StopLossPct
	out.TakeProfitPct = c.TakeProfitPct
	out.AutoClose = c.AutoClose
	return out
}

func bridgeConfig(c config.BridgeConfig) bridge.Config {
	return bridge.Config{
		MinConfidence:         c.MinConfidence,
		BreakoutMinConfidence: c.BreakoutMinConfidence,
		MaxConcurrent:         c.MaxConcurrent,
		MinQuoteVolume24h:     c.MinQuoteVolume24h,
		ValidityWindow:        c.ValidityWindow.Duration,
		DedupTTL:              c.DedupTTL.Duration,
		QuoteAmount:           c.QuoteAmount,
		StopLossPct:           c.StopLossPct,
		TakeProfitPct:         c.TakeProfitPct,
		TradeBreakouts:        c.TradeBreakouts,
		SubmitTimeout:         c.SubmitTimeout.Duration,
	}
}

func marketDataConfig(c config.MarketDataConfig) marketdata.Config {
	return marketdata.Config{
		Symbols:          c.Symbols,
		Alpha:            c.Alpha,
		BreakoutMargin:   c.BreakoutMargin,
		ReconnectBase:    c.ReconnectBase.Duration,
		ReconnectMax:     c.ReconnectMax.Duration,
		MaxAttempts:      c.MaxAttempts,
		PingInterval:     c.PingInterval.Duration,
		PongGrace:        c.PongGrace.Duration,
		TriggerRetention: c.TriggerRetention.Duration,
	}
}
