// Package risk owns per-position and portfolio risk state, gates every trade
// through a fail-closed assessment and holds the emergency switch.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// Config holds the tunable thresholds of the risk engine. Sizes are in quote
// currency (USDT); percentages are 0..100.
type Config struct {
	MaxPortfolioValue           float64
	MaxSinglePositionSize       float64
	MaxPositionPercent          float64
	MaxConcentration            float64
	MaxCorrelation              float64
	MaxDrawdown                 float64
	MaxVaR                      float64
	CriticalRiskScore           float64
	HighRiskScore               float64
	EmergencyRiskThreshold      float64
	ExtremeVolatilityThreshold  float64
	VolatileSymbolsForEmergency int
	MinLiquidity                float64
	StressSurvivalDrawdown      float64
	PriceHistory                int
	Breaker                     BreakerConfig
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxPortfolioValue:           10_000,
		MaxSinglePositionSize:       1_000,
		MaxPositionPercent:          10,
		MaxConcentration:            25,
		MaxCorrelation:              0.7,
		MaxDrawdown:                 15,
		MaxVaR:                      5,
		CriticalRiskScore:           80,
		HighRiskScore:               60,
		EmergencyRiskThreshold:      85,
		ExtremeVolatilityThreshold:  0.8,
		VolatileSymbolsForEmergency: 3,
		MinLiquidity:                10_000,
		StressSurvivalDrawdown:      30,
		PriceHistory:                120,
		Breaker:                     DefaultBreakerConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	fill := func(v *float64, d float64) {
		if *v <= 0 || math.IsNaN(*v) {
			*v = d
		}
	}
	fill(&c.MaxPortfolioValue, def.MaxPortfolioValue)
	fill(&c.MaxSinglePositionSize, def.MaxSinglePositionSize)
	fill(&c.MaxPositionPercent, def.MaxPositionPercent)
	fill(&c.MaxConcentration, def.MaxConcentration)
	fill(&c.MaxCorrelation, def.MaxCorrelation)
	fill(&c.MaxDrawdown, def.MaxDrawdown)
	fill(&c.MaxVaR, def.MaxVaR)
	fill(&c.CriticalRiskScore, def.CriticalRiskScore)
	fill(&c.HighRiskScore, def.HighRiskScore)
	fill(&c.EmergencyRiskThreshold, def.EmergencyRiskThreshold)
	fill(&c.ExtremeVolatilityThreshold, def.ExtremeVolatilityThreshold)
	fill(&c.StressSurvivalDrawdown, def.StressSurvivalDrawdown)
	if c.MinLiquidity < 0 {
		c.MinLiquidity = 0
	}
	if c.VolatileSymbolsForEmergency <= 0 {
		c.VolatileSymbolsForEmergency = def.VolatileSymbolsForEmergency
	}
	if c.PriceHistory < 3 {
		c.PriceHistory = def.PriceHistory
	}
	return c
}

// Stats counts assessment outcomes.
type Stats struct {
	Assessments int64        `json:"assessments"`
	Approved    int64        `json:"approved"`
	Rejected    int64        `json:"rejected"`
	Failures    int64        `json:"failures"`
	Breaker     BreakerStats `json:"breaker"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the risk engine. All state is owned here and mutated only through
// its methods; callers receive copies.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	breaker *CircuitBreaker
	now     func() time.Time
	checks  []tradeCheck

	mu         sync.RWMutex
	positions  map[string]domain.PositionRiskProfile
	prices     map[string]*priceSeries
	volatility map[string]float64
	conditions domain.MarketConditions
	alerts     []domain.RiskAlert
	emergency  domain.EmergencyState

	obsMu       sync.RWMutex
	onEmergency []func(domain.EmergencyState)
	onAlert     []func(domain.RiskAlert)

	assessments atomic.Int64
	approved    atomic.Int64
	rejected    atomic.Int64
	failures    atomic.Int64
}

// NewEngine creates a risk engine.
func NewEngine(cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "risk_engine")),
		breaker:    NewCircuitBreaker("risk_assessment", cfg.Breaker),
		now:        time.Now,
		positions:  make(map[string]domain.PositionRiskProfile),
		prices:     make(map[string]*priceSeries),
		volatility: make(map[string]float64),
	}
	e.checks = []tradeCheck{checkMarket, checkSize, checkConcentration, checkCorrelation}
	for _, o := range opts {
		o(e)
	}
	e.breaker.now = e.now
	e.breaker.OnStateChange(func(name string, from, to BreakerState) {
		e.logger.Warn("circuit breaker state change",
			slog.String("breaker", name),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
	})
	return e
}

// Config returns the active configuration.
func (e *Engine) Config() Config { return e.cfg }

// Breaker exposes the assessment circuit breaker for status reporting.
func (e *Engine) Breaker() *CircuitBreaker { return e.breaker }

// OnEmergency registers an observer called when emergency mode activates.
func (e *Engine) OnEmergency(fn func(domain.EmergencyState)) {
	e.obsMu.Lock()
	e.onEmergency = append(e.onEmergency, fn)
	e.obsMu.Unlock()
}

// OnAlert registers an observer called for every new alert.
func (e *Engine) OnAlert(fn func(domain.RiskAlert)) {
	e.obsMu.Lock()
	e.onAlert = append(e.onAlert, fn)
	e.obsMu.Unlock()
}

// AssessTradeRisk evaluates a proposed trade. It never returns an approval
// when emergency mode is active, the breaker is open, or any check fails.
func (e *Engine) AssessTradeRisk(ctx context.Context, req domain.TradeRiskRequest) domain.TradeRiskAssessment {
	e.assessments.Add(1)

	if e.IsEmergencyModeActive() {
		return e.reject(req, "emergency mode active: new trades are blocked")
	}
	if err := validateRequest(req); err != nil {
		return e.reject(req, err.Error())
	}
	if err := ctx.Err(); err != nil {
		return e.reject(req, "assessment cancelled: "+err.Error())
	}
	if err := e.breaker.Allow(); err != nil {
		return e.reject(req, "risk assessment unavailable: "+err.Error())
	}

	res, err := e.safeAssess(req)
	if err != nil {
		e.breaker.RecordFailure()
		e.failures.Add(1)
		e.logger.Error("trade assessment failed, rejecting",
			slog.String("symbol", req.Symbol),
			slog.String("error", err.Error()),
		)
		return e.reject(req, "assessment failed: "+err.Error())
	}
	e.breaker.RecordSuccess()

	if res.RiskScore >= e.cfg.CriticalRiskScore {
		res.Approved = false
		res.Reasons = append(res.Reasons, fmt.Sprintf("risk score %.1f at or above critical %.1f", res.RiskScore, e.cfg.CriticalRiskScore))
		e.raiseAlert(domain.AlertPositionLimit, domain.SeverityHigh, req.Symbol,
			fmt.Sprintf("trade on %s rejected with critical risk score %.1f", req.Symbol, res.RiskScore),
			[]string{"reduce order size", "wait for calmer market conditions"})
	} else {
		res.Approved = len(res.Reasons) == 0
	}

	if res.Approved {
		e.approved.Add(1)
	} else {
		e.rejected.Add(1)
	}
	e.logger.Debug("trade assessed",
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Bool("approved", res.Approved),
		slog.Float64("risk_score", res.RiskScore),
	)
	return res
}

func (e *Engine) reject(req domain.TradeRiskRequest, reason string) domain.TradeRiskAssessment {
	e.rejected.Add(1)
	return domain.TradeRiskAssessment{
		Approved:  false,
		RiskScore: 100,
		Reasons:   []string{reason},
	}
}

// safeAssess runs the check pipeline and converts panics and non-finite
// results into errors.
func (e *Engine) safeAssess(req domain.TradeRiskRequest) (res domain.TradeRiskAssessment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("risk: assess %s: panic: %v", req.Symbol, r)
		}
	}()

	tc := e.newTradeContext(req)
	for _, check := range e.checks {
		if err := check(tc); err != nil {
			return domain.TradeRiskAssessment{}, err
		}
	}

	score := tc.score()
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return domain.TradeRiskAssessment{}, fmt.Errorf("risk: assess %s: non-finite risk score", req.Symbol)
	}
	return domain.TradeRiskAssessment{
		RiskScore:       score,
		Reasons:         tc.reasons,
		Warnings:        tc.warnings,
		MaxAllowedSize:  tc.maxAllowed,
		EstimatedImpact: tc.impact(),
	}, nil
}

// UpdatePosition inserts or replaces the profile for its symbol and
// re-evaluates portfolio thresholds.
func (e *Engine) UpdatePosition(profile domain.PositionRiskProfile) error {
	if profile.Symbol == "" {
		return fmt.Errorf("risk: update position: empty symbol: %w", domain.ErrValidation)
	}
	if profile.Size < 0 || math.IsNaN(profile.Size) || math.IsInf(profile.Size, 0) {
		return fmt.Errorf("risk: update position %s: invalid size %v: %w", profile.Symbol, profile.Size, domain.ErrValidation)
	}

	e.mu.Lock()
	if sigma, ok := e.sigmaLocked(profile.Symbol); ok && profile.ValueAtRisk == 0 {
		profile.ValueAtRisk = profile.Size * z95 * sigma
	}
	e.positions[profile.Symbol] = profile
	e.mu.Unlock()

	if profile.MaxDrawdown > e.cfg.MaxDrawdown {
		e.raiseAlert(domain.AlertDrawdown, domain.SeverityHigh, profile.Symbol,
			fmt.Sprintf("%s drawdown %.1f%% exceeds %.1f%%", profile.Symbol, profile.MaxDrawdown, e.cfg.MaxDrawdown),
			[]string{"review stop-loss", "consider closing the position"})
	}
	e.evaluatePortfolio()
	return nil
}

// RemovePosition drops the profile for symbol.
func (e *Engine) RemovePosition(symbol string) bool {
	e.mu.Lock()
	_, ok := e.positions[symbol]
	delete(e.positions, symbol)
	e.mu.Unlock()
	if ok {
		e.evaluatePortfolio()
	}
	return ok
}

// Positions returns a copy of all position profiles sorted by symbol.
func (e *Engine) Positions() []domain.PositionRiskProfile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sortedPositionsLocked()
}

func (e *Engine) sortedPositionsLocked() []domain.PositionRiskProfile {
	out := make([]domain.PositionRiskProfile, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// evaluatePortfolio recomputes metrics and fires alerts or emergency mode.
func (e *Engine) evaluatePortfolio() {
	m := e.GetPortfolioRiskMetrics()

	if m.ConcentrationRisk > e.cfg.MaxConcentration {
		e.raiseAlert(domain.AlertConcentration, domain.SeverityMedium, "",
			fmt.Sprintf("largest position is %.1f%% of capacity (limit %.1f%%)", m.ConcentrationRisk, e.cfg.MaxConcentration),
			[]string{"diversify holdings"})
	}
	if m.RiskLevel >= e.cfg.EmergencyRiskThreshold {
		e.ActivateEmergencyMode(domain.EmergencyPortfolioRisk,
			fmt.Sprintf("portfolio risk level %.1f reached emergency threshold %.1f", m.RiskLevel, e.cfg.EmergencyRiskThreshold))
		return
	}
	if m.RiskLevel >= e.cfg.CriticalRiskScore {
		e.raiseAlert(domain.AlertPortfolioRisk, domain.SeverityCritical, "",
			fmt.Sprintf("portfolio risk level %.1f is critical", m.RiskLevel),
			[]string{"reduce exposure", "halt new entries"})
	}
}

// UpdateMarketConditions replaces the portfolio-wide market view.
func (e *Engine) UpdateMarketConditions(mc domain.MarketConditions) {
	if mc.UpdatedAt.IsZero() {
		mc.UpdatedAt = e.now()
	}
	e.mu.Lock()
	e.conditions = mc
	e.mu.Unlock()
	if mc.VolatilityIndex/100 >= e.cfg.ExtremeVolatilityThreshold {
		e.ActivateEmergencyMode(domain.EmergencyVolatility,
			fmt.Sprintf("market volatility index %.1f is extreme", mc.VolatilityIndex))
	}
}

// MarketConditions returns the current market view.
func (e *Engine) MarketConditions() domain.MarketConditions {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conditions
}

// SetSymbolVolatility records a normalised 0..1 volatility for symbol.
// Enough simultaneously extreme symbols activate emergency mode.
func (e *Engine) SetSymbolVolatility(symbol string, vol float64) {
	if math.IsNaN(vol) {
		return
	}
	vol = math.Max(0, math.Min(1, vol))
	e.mu.Lock()
	e.volatility[symbol] = vol
	extreme := e.extremeCountLocked()
	e.mu.Unlock()

	if vol >= e.cfg.ExtremeVolatilityThreshold {
		e.raiseAlert(domain.AlertVolatility, domain.SeverityHigh, symbol,
			fmt.Sprintf("%s volatility %.2f is extreme", symbol, vol),
			[]string{"avoid new entries on " + symbol})
	}
	if extreme >= e.cfg.VolatileSymbolsForEmergency {
		e.ActivateEmergencyMode(domain.EmergencyVolatility,
			fmt.Sprintf("%d symbols show extreme volatility", extreme))
	}
}

func (e *Engine) extremeCountLocked() int {
	n := 0
	for _, v := range e.volatility {
		if v >= e.cfg.ExtremeVolatilityThreshold {
			n++
		}
	}
	return n
}

// IsExtremeVolatility reports whether symbol currently shows extreme
// volatility.
func (e *Engine) IsExtremeVolatility(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.volatility[symbol] >= e.cfg.ExtremeVolatilityThreshold
}

// SymbolVolatility returns the last known normalised volatility of symbol.
func (e *Engine) SymbolVolatility(symbol string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.volatility[symbol]
	return v, ok
}

// ActivateEmergencyMode blocks all new trade approvals until reset. The first
// activation wins; later calls while active are no-ops.
func (e *Engine) ActivateEmergencyMode(source domain.EmergencySource, reason string) {
	e.mu.Lock()
	if e.emergency.Active {
		e.mu.Unlock()
		return
	}
	at := e.now()
	e.emergency = domain.EmergencyState{Active: true, Source: source, Reason: reason, ActivatedAt: &at}
	state := e.emergency
	e.mu.Unlock()

	e.logger.Error("emergency mode activated",
		slog.String("source", string(source)),
		slog.String("reason", reason),
	)
	e.raiseAlert(domain.AlertEmergency, domain.SeverityCritical, "", "emergency mode: "+reason,
		[]string{"close open positions", "investigate before resetting"})

	e.obsMu.RLock()
	obs := append([]func(domain.EmergencyState){}, e.onEmergency...)
	e.obsMu.RUnlock()
	for _, fn := range obs {
		fn(state)
	}
}

// ResetEmergencyMode leaves emergency mode. Extreme-volatility flags are
// cleared so the reset is not immediately undone by stale readings.
func (e *Engine) ResetEmergencyMode() bool {
	e.mu.Lock()
	was := e.emergency.Active
	e.emergency = domain.EmergencyState{}
	e.volatility = make(map[string]float64)
	now := e.now()
	for i := range e.alerts {
		if e.alerts[i].Type == domain.AlertEmergency && !e.alerts[i].Resolved {
			e.alerts[i].Resolved = true
			e.alerts[i].ResolvedAt = &now
		}
	}
	e.mu.Unlock()
	if was {
		e.logger.Info("emergency mode reset")
	}
	e.breaker.Reset()
	return was
}

// IsEmergencyModeActive reports whether emergency mode is on.
func (e *Engine) IsEmergencyModeActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.emergency.Active
}

// EmergencyState returns the current emergency status.
func (e *Engine) EmergencyState() domain.EmergencyState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.emergency
}

// raiseAlert records a new alert unless an unresolved one of the same type
// already exists for the symbol.
func (e *Engine) raiseAlert(typ domain.AlertType, sev domain.AlertSeverity, symbol, msg string, recs []string) {
	e.mu.Lock()
	for _, a := range e.alerts {
		if a.Type == typ && a.Symbol == symbol && !a.Resolved && !a.Acknowledged {
			e.mu.Unlock()
			return
		}
	}
	alert := domain.RiskAlert{
		ID:              uuid.NewString(),
		Type:            typ,
		Severity:        sev,
		Symbol:          symbol,
		Message:         msg,
		Recommendations: recs,
		CreatedAt:       e.now(),
	}
	e.alerts = append(e.alerts, alert)
	e.mu.Unlock()

	e.logger.Warn("risk alert raised",
		slog.String("alert_id", alert.ID),
		slog.String("type", string(typ)),
		slog.String("severity", string(sev)),
		slog.String("message", msg),
	)
	e.obsMu.RLock()
	obs := append([]func(domain.RiskAlert){}, e.onAlert...)
	e.obsMu.RUnlock()
	for _, fn := range obs {
		fn(alert)
	}
}

// RaiseAlert lets collaborators such as the orchestrator record execution
// alerts through the same store.
func (e *Engine) RaiseAlert(typ domain.AlertType, sev domain.AlertSeverity, symbol, msg string, recs ...string) {
	e.raiseAlert(typ, sev, symbol, msg, recs)
}

// ActiveAlerts returns alerts that are neither resolved nor acknowledged.
func (e *Engine) ActiveAlerts() []domain.RiskAlert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []domain.RiskAlert
	for _, a := range e.alerts {
		if !a.Resolved && !a.Acknowledged {
			out = append(out, a)
		}
	}
	return out
}

// ResolveAlert marks an alert resolved.
func (e *Engine) ResolveAlert(id string) bool {
	return e.updateAlert(id, func(a *domain.RiskAlert, now time.Time) {
		a.Resolved = true
		a.ResolvedAt = &now
	})
}

// AcknowledgeAlert marks an alert acknowledged.
func (e *Engine) AcknowledgeAlert(id string) bool {
	return e.updateAlert(id, func(a *domain.RiskAlert, now time.Time) {
		a.Acknowledged = true
		a.AcknowledgedAt = &now
	})
}

func (e *Engine) updateAlert(id string, fn func(*domain.RiskAlert, time.Time)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.alerts {
		if e.alerts[i].ID == id {
			fn(&e.alerts[i], e.now())
			return true
		}
	}
	return false
}

// TakeAcknowledgedAlerts removes acknowledged and resolved alerts from the
// live set and returns them for archiving.
func (e *Engine) TakeAcknowledgedAlerts() []domain.RiskAlert {
	e.mu.Lock()
	defer e.mu.Unlock()
	var taken []domain.RiskAlert
	kept := e.alerts[:0]
	for _, a := range e.alerts {
		if a.Acknowledged || a.Resolved {
			taken = append(taken, a)
			continue
		}
		kept = append(kept, a)
	}
	e.alerts = kept
	return taken
}

// RestoreAlerts puts alerts back into the live set, used when archiving
// fails so nothing is lost.
func (e *Engine) RestoreAlerts(alerts []domain.RiskAlert) {
	e.mu.Lock()
	e.alerts = append(e.alerts, alerts...)
	e.mu.Unlock()
}

// Stats returns assessment counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Assessments: e.assessments.Load(),
		Approved:    e.approved.Load(),
		Rejected:    e.rejected.Load(),
		Failures:    e.failures.Load(),
		Breaker:     e.breaker.Stats(),
	}
}

// Guard returns ErrEmergencyMode when new trades are blocked.
func (e *Engine) Guard() error {
	if st := e.EmergencyState(); st.Active {
		return fmt.Errorf("risk: %s: %w", st.Reason, domain.ErrEmergencyMode)
	}
	return nil
}

// IsRejection reports whether err came from a risk rejection rather than a
// system fault.
func IsRejection(err error) bool {
	return errors.Is(err, domain.ErrRiskRejected) || errors.Is(err, domain.ErrEmergencyMode)
}
