// Package execution turns execution triggers into exchange orders. The
// Orchestrator owns the position book and the lifecycle state machine; every
// order for a trading resource is serialised through the LockRegistry.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/risk"
)

// RiskEngine is the subset of the risk engine the orchestrator consults.
type RiskEngine interface {
	AssessTradeRisk(ctx context.Context, req domain.TradeRiskRequest) domain.TradeRiskAssessment
	UpdatePosition(profile domain.PositionRiskProfile) error
	RemovePosition(symbol string) bool
	IsEmergencyModeActive() bool
	ActivateEmergencyMode(source domain.EmergencySource, reason string)
	EmergencyState() domain.EmergencyState
	ActiveAlerts() []domain.RiskAlert
	AcknowledgeAlert(id string) bool
	TakeAcknowledgedAlerts() []domain.RiskAlert
	RestoreAlerts(alerts []domain.RiskAlert)
	RaiseAlert(typ domain.AlertType, sev domain.AlertSeverity, symbol, msg string, recs ...string)
}

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Deps are the orchestrator collaborators. Exchange, Risk, Credentials and
// Session are required; the stores and Notifier are optional.
type Deps struct {
	Exchange    domain.TradeExecutor
	Risk        RiskEngine
	Credentials domain.CredentialStore
	Session     domain.SessionProvider
	Executions  domain.ExecutionStore
	Targets     domain.TargetStore
	Positions   domain.PositionStore
	Alerts      domain.AlertStore
	Audit       domain.AuditStore
	Notifier    Notifier
	Locks       *LockRegistry
	Breaker     *risk.CircuitBreaker
	Logger      *slog.Logger
	Now         func() time.Time
}

// StartResult reports the outcome of Start.
type StartResult struct {
	IsActive  bool `json:"is_active"`
	IsHealthy bool `json:"is_healthy"`
}

// Orchestrator is the execution state machine.
type Orchestrator struct {
	exchange    domain.TradeExecutor
	risk        RiskEngine
	creds       domain.CredentialStore
	session     domain.SessionProvider
	executions  domain.ExecutionStore
	targetStore domain.TargetStore
	posStore    domain.PositionStore
	alertStore  domain.AlertStore
	audit       domain.AuditStore
	notifier    Notifier
	locks       *LockRegistry
	breaker     *risk.CircuitBreaker
	logger      *slog.Logger
	now         func() time.Time

	startGroup singleflight.Group
	cfgMu      sync.RWMutex
	cfg        Config

	mu          sync.Mutex
	state       domain.OrchestratorState
	healthy     bool
	userID      string
	lastError   string
	startedAt   *time.Time
	positions   map[string]domain.ExecutionPosition
	opening     int // slots reserved by opens still in flight
	targets     map[string]domain.SnipeTarget
	closing     map[string]bool
	history     []domain.ExecutionRecord
	realizedPnL decimal.Decimal

	inflight  sync.WaitGroup
	inflightN atomic.Int64
	met       metrics
}

// New creates an idle orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Exchange == nil:
		return nil, fmt.Errorf("execution: exchange is required: %w", domain.ErrConfiguration)
	case deps.Risk == nil:
		return nil, fmt.Errorf("execution: risk engine is required: %w", domain.ErrConfiguration)
	case deps.Credentials == nil:
		return nil, fmt.Errorf("execution: credential store is required: %w", domain.ErrConfiguration)
	case deps.Session == nil:
		return nil, fmt.Errorf("execution: session provider is required: %w", domain.ErrConfiguration)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Locks == nil {
		deps.Locks = NewLockRegistry(cfg.LockLease, nil, logger)
	}
	if deps.Breaker == nil {
		deps.Breaker = risk.NewCircuitBreaker("exchange", risk.DefaultBreakerConfig())
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{
		exchange:    deps.Exchange,
		risk:        deps.Risk,
		creds:       deps.Credentials,
		session:     deps.Session,
		executions:  deps.Executions,
		targetStore: deps.Targets,
		posStore:    deps.Positions,
		alertStore:  deps.Alerts,
		audit:       deps.Audit,
		notifier:    deps.Notifier,
		locks:       deps.Locks,
		breaker:     deps.Breaker,
		logger:      logger.With(slog.String("component", "orchestrator")),
		now:         deps.Now,
		cfg:         cfg,
		state:       domain.StateIdle,
		positions:   make(map[string]domain.ExecutionPosition),
		targets:     make(map[string]domain.SnipeTarget),
		closing:     make(map[string]bool),
	}, nil
}

func (o *Orchestrator) config() Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// UpdateConfig applies patch and returns the resulting config. An invalid
// result leaves the current config untouched.
func (o *Orchestrator) UpdateConfig(patch ConfigPatch) (Config, error) {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	next := patch.apply(o.cfg)
	if err := next.Validate(); err != nil {
		return o.cfg, err
	}
	o.cfg = next
	o.logger.Info("config updated",
		slog.Duration("lock_timeout", next.LockTimeout),
		slog.Int("max_concurrent_positions", next.MaxConcurrentPositions),
		slog.Float64("default_quote_amount", next.DefaultQuoteAmount),
	)
	return next, nil
}

// Locks exposes the lock registry for maintenance jobs.
func (o *Orchestrator) Locks() *LockRegistry { return o.locks }

// State returns the current lifecycle state.
func (o *Orchestrator) State() domain.OrchestratorState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transitionLocked(to domain.OrchestratorState) error {
	if !o.state.CanTransitionTo(to) {
		return fmt.Errorf("execution: %s -> %s: %w", o.state, to, domain.ErrInvalidTransition)
	}
	o.logger.Debug("state transition", slog.String("from", string(o.state)), slog.String("to", string(to)))
	o.state = to
	return nil
}

// Start initialises the orchestrator. Concurrent callers share one
// initialisation; starting an active orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) (StartResult, error) {
	v, err, _ := o.startGroup.Do("start", func() (any, error) {
		return o.start(ctx)
	})
	if err != nil {
		return StartResult{}, err
	}
	return v.(StartResult), nil
}

func (o *Orchestrator) start(ctx context.Context) (StartResult, error) {
	o.mu.Lock()
	if o.state == domain.StateActive {
		res := StartResult{IsActive: true, IsHealthy: o.healthy}
		o.mu.Unlock()
		return res, nil
	}
	if !o.state.CanTransitionTo(domain.StateInitializing) {
		state := o.state
		o.mu.Unlock()
		return StartResult{}, fmt.Errorf("execution: start from %s: %w", state, domain.ErrInvalidTransition)
	}
	o.mu.Unlock()

	userID, err := o.session.CurrentUserID(ctx)
	if err != nil || userID == "" {
		if err == nil {
			err = errors.New("no session user")
		}
		return StartResult{}, domain.NewKindError(domain.KindConfiguration, "start",
			fmt.Errorf("%w: %v", domain.ErrAuthRequired, err))
	}
	if o.risk.IsEmergencyModeActive() {
		return StartResult{}, domain.NewKindError(domain.KindRiskRejection, "start", domain.ErrEmergencyMode)
	}

	o.mu.Lock()
	if err := o.transitionLocked(domain.StateInitializing); err != nil {
		o.mu.Unlock()
		return StartResult{}, err
	}
	o.mu.Unlock()

	if err := o.initialize(ctx, userID); err != nil {
		o.mu.Lock()
		o.state = domain.StateError
		o.healthy = false
		o.lastError = err.Error()
		o.mu.Unlock()
		o.logger.Error("start failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		o.auditLog(ctx, "orchestrator.start_failed", map[string]any{"user_id": userID, "error": err.Error()})
		return StartResult{}, err
	}

	now := o.now()
	o.mu.Lock()
	o.state = domain.StateActive
	o.healthy = true
	o.userID = userID
	o.lastError = ""
	o.startedAt = &now
	positions, targets := len(o.positions), len(o.targets)
	o.mu.Unlock()

	o.logger.Info("orchestrator started",
		slog.String("user_id", userID),
		slog.Int("positions", positions),
		slog.Int("targets", targets),
	)
	o.auditLog(ctx, "orchestrator.started", map[string]any{"user_id": userID})
	return StartResult{IsActive: true, IsHealthy: true}, nil
}

// initialize checks credentials and connectivity, then loads persisted state.
func (o *Orchestrator) initialize(ctx context.Context, userID string) error {
	cfg := o.config()
	creds, err := o.creds.GetUserCredentials(ctx, userID, cfg.Provider)
	if err != nil {
		return domain.NewKindError(domain.KindConfiguration, "start",
			fmt.Errorf("load %s credentials: %w: %v", cfg.Provider, domain.ErrConfiguration, err))
	}
	if creds == nil || creds.APIKey == "" || creds.SecretKey == "" {
		return domain.NewKindError(domain.KindConfiguration, "start",
			fmt.Errorf("no %s credentials for user %s: %w", cfg.Provider, userID, domain.ErrConfiguration))
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	err = o.exchange.Ping(pingCtx)
	cancel()
	if err != nil {
		return domain.NewKindError(domain.KindExchangeFault, "start",
			fmt.Errorf("exchange ping: %w: %v", domain.ErrExchange, err))
	}

	var targets []domain.SnipeTarget
	if o.targetStore != nil {
		targets, err = o.targetStore.ListByStatus(ctx, userID, domain.TargetPending, domain.TargetReady)
		if err != nil {
			o.logger.Warn("load snipe targets failed", slog.String("error", err.Error()))
		}
	}
	var positions []domain.ExecutionPosition
	if o.posStore != nil {
		positions, err = o.posStore.ListOpen(ctx, userID)
		if err != nil {
			o.logger.Warn("load open positions failed", slog.String("error", err.Error()))
		}
	}

	symbols := make(map[string]bool)
	o.mu.Lock()
	for _, t := range targets {
		o.targets[t.ID] = t
	}
	for _, p := range positions {
		o.positions[p.ID] = p
		symbols[p.Symbol] = true
	}
	o.mu.Unlock()
	for sym := range symbols {
		o.syncRiskProfile(sym)
	}
	return nil
}

// Stop halts trigger intake and waits for in-flight executions. Stopping an
// idle orchestrator is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, reason string) error {
	o.mu.Lock()
	switch o.state {
	case domain.StateIdle:
		o.mu.Unlock()
		return nil
	case domain.StateError:
		o.state = domain.StateIdle
		o.mu.Unlock()
		return nil
	case domain.StateStopping:
		o.mu.Unlock()
		return o.waitInflight(ctx)
	}
	if err := o.transitionLocked(domain.StateStopping); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	o.logger.Info("stopping orchestrator", slog.String("reason", reason), slog.Int64("in_flight", o.inflightN.Load()))
	err := o.waitInflight(ctx)

	o.mu.Lock()
	o.state = domain.StateIdle
	o.healthy = false
	o.mu.Unlock()

	o.auditLog(ctx, "orchestrator.stopped", map[string]any{"reason": reason})
	if err != nil {
		return fmt.Errorf("execution: stop: %w", err)
	}
	return nil
}

// Pause stops trigger intake without touching open positions.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == domain.StatePaused {
		return nil
	}
	return o.transitionLocked(domain.StatePaused)
}

// Resume re-enables trigger intake after Pause.
func (o *Orchestrator) Resume() error {
	if o.risk.IsEmergencyModeActive() {
		return domain.NewKindError(domain.KindRiskRejection, "resume", domain.ErrEmergencyMode)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == domain.StateActive {
		return nil
	}
	if o.state != domain.StatePaused {
		return fmt.Errorf("execution: resume from %s: %w", o.state, domain.ErrInvalidTransition)
	}
	return o.transitionLocked(domain.StateActive)
}

func (o *Orchestrator) waitInflight(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d in-flight executions: %w", o.inflightN.Load(), ctx.Err())
	}
}

// track registers background work while the orchestrator is in one of the
// given states. It returns false when the work must not start.
func (o *Orchestrator) track(states ...domain.OrchestratorState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range states {
		if o.state == s {
			o.inflight.Add(1)
			o.inflightN.Add(1)
			return true
		}
	}
	return false
}

func (o *Orchestrator) untrack() {
	o.inflightN.Add(-1)
	o.inflight.Done()
}

// ActiveExecutions counts in-flight executions plus open positions.
func (o *Orchestrator) ActiveExecutions() int {
	o.mu.Lock()
	n := len(o.positions)
	o.mu.Unlock()
	return n + int(o.inflightN.Load())
}

// EmergencyStopResult reports the outcome of an emergency stop.
type EmergencyStopResult struct {
	Reason         string    `json:"reason"`
	ClosedCount    int       `json:"closed_count"`
	Failed         []string  `json:"failed,omitempty"`
	CancelledWaits int       `json:"cancelled_waits"`
	FailedTargets  int       `json:"failed_targets"`
	PreviousState  string    `json:"previous_state"`
	CompletedAt    time.Time `json:"completed_at"`
}

// EmergencyStop blocks new trades, cancels queued lock waiters, closes every
// open position at emergency priority and returns to idle.
func (o *Orchestrator) EmergencyStop(ctx context.Context, reason string) (EmergencyStopResult, error) {
	o.mu.Lock()
	prev := o.state
	o.state = domain.StateEmergencyStop
	o.mu.Unlock()

	o.logger.Error("emergency stop", slog.String("reason", reason), slog.String("previous_state", string(prev)))
	o.risk.ActivateEmergencyMode(domain.EmergencyExternal, reason)

	res := EmergencyStopResult{Reason: reason, PreviousState: string(prev)}
	res.CancelledWaits = o.locks.CancelWaiters("emergency stop")
	if err := o.waitInflight(ctx); err != nil {
		o.logger.Warn("emergency stop proceeding with executions in flight", slog.String("error", err.Error()))
	}

	closed, failed := o.closeAll(ctx, domain.PriorityEmergency, actionEmergencyClose)
	res.ClosedCount = closed
	res.Failed = failed
	res.FailedTargets = o.failPendingTargets(ctx, "emergency stop: "+reason)

	o.mu.Lock()
	o.state = domain.StateIdle
	o.healthy = false
	o.lastError = "emergency stop: " + reason
	o.mu.Unlock()

	res.CompletedAt = o.now()
	o.auditLog(ctx, "orchestrator.emergency_stop", map[string]any{
		"reason": reason, "closed": res.ClosedCount, "failed": len(res.Failed),
	})
	o.notify(ctx, "emergency", "Emergency stop",
		fmt.Sprintf("%s: closed %d positions, %d failed", reason, res.ClosedCount, len(res.Failed)))
	if len(failed) > 0 {
		return res, fmt.Errorf("execution: emergency stop: %d positions failed to close", len(failed))
	}
	return res, nil
}

// HealthCheck pings the exchange and records the result.
func (o *Orchestrator) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, o.config().PingTimeout)
	defer cancel()
	err := o.exchange.Ping(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != domain.StateActive && o.state != domain.StatePaused {
		return err == nil
	}
	if err != nil {
		if o.healthy {
			o.logger.Warn("exchange degraded", slog.String("error", err.Error()))
		}
		o.healthy = false
		o.lastError = err.Error()
		return false
	}
	o.healthy = true
	return true
}

func (o *Orchestrator) auditLog(ctx context.Context, event string, detail map[string]any) {
	if o.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.audit.Log(ctx, event, detail); err != nil {
		o.logger.Warn("audit write failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) notify(ctx context.Context, event, title, message string) {
	if o.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.notifier.Notify(ctx, event, title, message); err != nil {
		o.logger.Warn("notification failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
