// Package bridge turns detection events into execution triggers. It sits
// between the event bus and the orchestrator and applies the eligibility
// filters that decide whether a signal is worth trading.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/events"
)

// TriggerSink accepts execution triggers. The orchestrator implements it.
type TriggerSink interface {
	SubmitTrigger(ctx context.Context, trig domain.ExecutionTrigger) error
}

// ExecutionCounter reports how many executions are in flight or open.
type ExecutionCounter interface {
	ActiveExecutions() int
}

// RiskGate is the slice of the risk engine the bridge consults.
type RiskGate interface {
	IsEmergencyModeActive() bool
}

// TickerSource supplies 24h volume for the volume floor.
type TickerSource interface {
	GetTicker(ctx context.Context, symbol string) (domain.Ticker, error)
}

// Config holds the eligibility filters.
type Config struct {
	MinConfidence         float64
	BreakoutMinConfidence float64
	MaxConcurrent         int
	MinQuoteVolume24h     float64
	ValidityWindow        time.Duration
	DedupTTL              time.Duration
	QuoteAmount           float64
	StopLossPct           float64
	TakeProfitPct         float64
	TradeBreakouts        bool
	SubmitTimeout         time.Duration
}

// DefaultConfig returns the default filters.
func DefaultConfig() Config {
	return Config{
		MinConfidence:         70,
		BreakoutMinConfidence: 75,
		MaxConcurrent:         5,
		ValidityWindow:        15 * time.Minute,
		DedupTTL:              10 * time.Minute,
		QuoteAmount:           100,
		StopLossPct:           5,
		TakeProfitPct:         15,
		TradeBreakouts:        true,
		SubmitTimeout:         10 * time.Second,
	}
}

// Skip reasons.
const (
	SkipEmergency      = "emergency_mode"
	SkipLowConfidence  = "low_confidence"
	SkipConcurrency    = "concurrency_cap"
	SkipLowVolume      = "low_volume"
	SkipExpired        = "expired"
	SkipDuplicate      = "duplicate"
	SkipInformational  = "informational"
	SkipDownBreakout   = "down_breakout"
	SkipNotifyOnly     = "notify_only"
	SkipSubmitRejected = "submit_rejected"
)

// Stats counts bridge decisions.
type Stats struct {
	Received int64            `json:"received"`
	Emitted  int64            `json:"emitted"`
	Skipped  map[string]int64 `json:"skipped"`
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// WithTickers enables the 24h volume floor.
func WithTickers(src TickerSource) Option {
	return func(b *Bridge) { b.tickers = src }
}

// Bridge is the DecisionBridge.
type Bridge struct {
	cfg     Config
	sink    TriggerSink
	risk    RiskGate
	counter ExecutionCounter
	tickers TickerSource
	dedup   *Dedup
	now     func() time.Time
	logger  *slog.Logger

	ctx context.Context

	received atomic.Int64
	emitted  atomic.Int64
	mu       sync.Mutex
	skipped  map[string]int64
}

// New creates a Bridge. risk and counter may be nil.
func New(cfg Config, sink TriggerSink, risk RiskGate, counter ExecutionCounter, logger *slog.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.BreakoutMinConfidence <= 0 {
		cfg.BreakoutMinConfidence = def.BreakoutMinConfidence
	}
	if cfg.ValidityWindow <= 0 {
		cfg.ValidityWindow = def.ValidityWindow
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	if cfg.QuoteAmount <= 0 {
		cfg.QuoteAmount = def.QuoteAmount
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	b := &Bridge{
		cfg:     cfg,
		sink:    sink,
		risk:    risk,
		counter: counter,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "decision_bridge")),
		ctx:     context.Background(),
		skipped: make(map[string]int64),
	}
	for _, o := range opts {
		o(b)
	}
	b.dedup = NewDedup(cfg.DedupTTL, b.now)
	return b
}

// Attach subscribes the bridge to bus. Submissions made from the handler use
// ctx; cancelling it aborts in-flight submissions.
func (b *Bridge) Attach(ctx context.Context, bus *events.Bus[domain.MarketEvent]) (cancel func(), err error) {
	b.ctx = ctx
	cancel, err = bus.Subscribe("decision_bridge", b.Handle)
	if err != nil {
		return nil, fmt.Errorf("bridge: subscribe: %w", err)
	}
	return cancel, nil
}

// Handle dispatches one event. Every concrete MarketEvent type is handled.
func (b *Bridge) Handle(ev domain.MarketEvent) {
	b.received.Add(1)
	switch e := ev.(type) {
	case domain.PatternsDetected:
		b.handlePatterns(e)
	case domain.BreakoutDetected:
		b.handleBreakout(e)
	case domain.PriceTriggerFired:
		b.handlePriceTrigger(e)
	default:
		b.logger.Warn("unhandled market event", slog.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (b *Bridge) handlePatterns(ev domain.PatternsDetected) {
	matches := append([]domain.PatternMatch(nil), ev.Matches...)
	// Highest confidence first so the concurrency cap keeps the best.
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Confidence > matches[j].Confidence })

	for _, m := range matches {
		trig, reason := b.fromPattern(m)
		if reason != "" {
			b.skip(reason, m.Symbol)
			continue
		}
		b.emit(trig)
	}
}

// fromPattern applies the filters to one match. A non-empty reason means the
// match was skipped.
func (b *Bridge) fromPattern(m domain.PatternMatch) (domain.ExecutionTrigger, string) {
	now := b.now()
	if reason := b.commonFilters(); reason != "" {
		return domain.ExecutionTrigger{}, reason
	}
	if m.PatternType == domain.PatternCorrelation {
		return domain.ExecutionTrigger{}, SkipInformational
	}
	if m.Confidence < b.cfg.MinConfidence {
		return domain.ExecutionTrigger{}, SkipLowConfidence
	}

	executeAt := now
	switch {
	case m.LaunchTime != nil && m.LaunchTime.After(now):
		executeAt = *m.LaunchTime
	case m.PatternType == domain.PatternPreReady && m.EstimatedTimeToReady > 0:
		executeAt = m.DetectedAt.Add(m.EstimatedTimeToReady)
	}
	validUntil := executeAt.Add(b.cfg.ValidityWindow)
	if !m.DetectedAt.IsZero() && m.PatternType == domain.PatternReadyState && now.Sub(m.DetectedAt) > b.cfg.ValidityWindow {
		return domain.ExecutionTrigger{}, SkipExpired
	}
	if !validUntil.After(now) {
		return domain.ExecutionTrigger{}, SkipExpired
	}

	if !executeAt.After(now) && b.belowVolumeFloor(m.Symbol) {
		return domain.ExecutionTrigger{}, SkipLowVolume
	}
	if b.dedup.IsDuplicate(dedupKey(m.Symbol, string(m.PatternType))) {
		return domain.ExecutionTrigger{}, SkipDuplicate
	}

	return domain.ExecutionTrigger{
		ID:            uuid.NewString(),
		Symbol:        m.Symbol,
		Side:          domain.OrderSideBuy,
		QuoteAmount:   b.cfg.QuoteAmount,
		Confidence:    m.Confidence,
		Source:        domain.SourcePattern,
		PatternType:   m.PatternType,
		ExecuteAt:     executeAt,
		ValidUntil:    validUntil,
		StopLossPct:   b.cfg.StopLossPct,
		TakeProfitPct: b.cfg.TakeProfitPct,
		CreatedAt:     now,
	}, ""
}

func (b *Bridge) handleBreakout(ev domain.BreakoutDetected) {
	if !b.cfg.TradeBreakouts || ev.Direction != domain.BreakoutUp {
		b.skip(SkipDownBreakout, ev.Symbol)
		return
	}
	if reason := b.commonFilters(); reason != "" {
		b.skip(reason, ev.Symbol)
		return
	}
	if ev.Confidence < b.cfg.BreakoutMinConfidence {
		b.skip(SkipLowConfidence, ev.Symbol)
		return
	}
	if b.belowVolumeFloor(ev.Symbol) {
		b.skip(SkipLowVolume, ev.Symbol)
		return
	}
	if b.dedup.IsDuplicate(dedupKey(ev.Symbol, "breakout")) {
		b.skip(SkipDuplicate, ev.Symbol)
		return
	}
	now := b.now()
	b.emit(domain.ExecutionTrigger{
		ID:            uuid.NewString(),
		Symbol:        ev.Symbol,
		Side:          domain.OrderSideBuy,
		QuoteAmount:   b.cfg.QuoteAmount,
		Confidence:    ev.Confidence,
		Source:        domain.SourceBreakout,
		ExecuteAt:     now,
		ValidUntil:    now.Add(b.cfg.ValidityWindow),
		StopLossPct:   b.cfg.StopLossPct,
		TakeProfitPct: b.cfg.TakeProfitPct,
		CreatedAt:     now,
	})
}

func (b *Bridge) handlePriceTrigger(ev domain.PriceTriggerFired) {
	t := ev.Trigger
	if t.Side == "" {
		b.logger.Info("price trigger fired",
			slog.String("symbol", t.Symbol),
			slog.String("trigger_id", t.ID),
			slog.String("type", string(t.Type)),
			slog.Float64("price", ev.Price),
		)
		b.skip(SkipNotifyOnly, t.Symbol)
		return
	}
	if b.risk != nil && b.risk.IsEmergencyModeActive() && t.Side == domain.OrderSideBuy {
		b.skip(SkipEmergency, t.Symbol)
		return
	}
	amount := t.QuoteAmount
	if amount <= 0 {
		amount = b.cfg.QuoteAmount
	}
	now := b.now()
	b.emit(domain.ExecutionTrigger{
		ID:            uuid.NewString(),
		Symbol:        t.Symbol,
		Side:          t.Side,
		QuoteAmount:   amount,
		Confidence:    100,
		Source:        domain.SourceManual,
		ExecuteAt:     now,
		ValidUntil:    now.Add(b.cfg.ValidityWindow),
		StopLossPct:   b.cfg.StopLossPct,
		TakeProfitPct: b.cfg.TakeProfitPct,
		CreatedAt:     now,
	})
}

func (b *Bridge) commonFilters() string {
	if b.risk != nil && b.risk.IsEmergencyModeActive() {
		return SkipEmergency
	}
	if b.counter != nil && b.cfg.MaxConcurrent > 0 && b.counter.ActiveExecutions() >= b.cfg.MaxConcurrent {
		return SkipConcurrency
	}
	return ""
}

// belowVolumeFloor is false when the floor is disabled or no ticker is known.
func (b *Bridge) belowVolumeFloor(symbol string) bool {
	if b.cfg.MinQuoteVolume24h <= 0 || b.tickers == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.SubmitTimeout)
	defer cancel()
	t, err := b.tickers.GetTicker(ctx, symbol)
	if err != nil {
		b.logger.Debug("ticker unavailable, volume floor not applied",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return false
	}
	return t.QuoteVolume < b.cfg.MinQuoteVolume24h
}

func (b *Bridge) emit(trig domain.ExecutionTrigger) {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.SubmitTimeout)
	defer cancel()
	if err := b.sink.SubmitTrigger(ctx, trig); err != nil {
		b.dedup.Forget(dedupKey(trig.Symbol, dedupSuffix(trig)))
		b.logger.Warn("trigger rejected by orchestrator",
			slog.String("symbol", trig.Symbol),
			slog.String("trigger_id", trig.ID),
			slog.String("error", err.Error()),
		)
		b.skip(SkipSubmitRejected, trig.Symbol)
		return
	}
	b.emitted.Add(1)
	b.logger.Info("execution trigger emitted",
		slog.String("symbol", trig.Symbol),
		slog.String("trigger_id", trig.ID),
		slog.String("source", string(trig.Source)),
		slog.Float64("confidence", trig.Confidence),
		slog.Time("execute_at", trig.ExecuteAt),
	)
}

func (b *Bridge) skip(reason, symbol string) {
	b.mu.Lock()
	b.skipped[reason]++
	b.mu.Unlock()
	b.logger.Debug("signal skipped", slog.String("symbol", symbol), slog.String("reason", reason))
}

// Stats returns a snapshot of the counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	skipped := make(map[string]int64, len(b.skipped))
	for k, v := range b.skipped {
		skipped[k] = v
	}
	b.mu.Unlock()
	return Stats{Received: b.received.Load(), Emitted: b.emitted.Load(), Skipped: skipped}
}

// CleanupDedup drops expired dedup entries; the scheduler calls it.
func (b *Bridge) CleanupDedup() int { return b.dedup.Cleanup() }

func dedupKey(symbol, kind string) string { return symbol + "|" + kind }

func dedupSuffix(t domain.ExecutionTrigger) string {
	if t.Source == domain.SourceBreakout {
		return "breakout"
	}
	return string(t.PatternType)
}
