package risk

import (
	"fmt"
	"math"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

const (
	z95                 = 1.645
	esRatio95           = 2.0627 / z95
	defaultSigma        = 0.02
	maxLiquidityShare   = 0.1
	wideSpreadPct       = 2.0
	thinLiquidityScore  = 20.0
	wideSpreadScore     = 10.0
	sizeScoreWeight     = 0.35
	concScoreWeight     = 0.25
	corrScoreWeight     = 0.15
	marketScoreWeight   = 0.25
	volatilitySizeScale = 0.5
)

// tradeCheck is one stage of the assessment pipeline. Business findings go
// into the context; a returned error aborts the assessment and counts as a
// failure on the breaker.
type tradeCheck func(tc *tradeContext) error

// tradeContext is the read snapshot a single assessment works on.
type tradeContext struct {
	req          domain.TradeRiskRequest
	cfg          Config
	buy          bool
	notional     float64
	capacity     float64
	existing     float64
	volatility   float64
	liquidityCap float64
	positions    []domain.PositionRiskProfile
	correlations map[string]float64
	conditions   domain.MarketConditions

	reasons    []string
	warnings   []string
	maxAllowed float64

	sizeScore   float64
	concScore   float64
	corrScore   float64
	marketScore float64
}

func validateRequest(req domain.TradeRiskRequest) error {
	bad := func(v float64) bool { return v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) }
	switch {
	case req.Symbol == "":
		return fmt.Errorf("invalid trade: empty symbol: %w", domain.ErrValidation)
	case req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell:
		return fmt.Errorf("invalid trade: unknown side %q: %w", req.Side, domain.ErrValidation)
	case bad(req.Quantity):
		return fmt.Errorf("invalid trade: quantity %v: %w", req.Quantity, domain.ErrValidation)
	case bad(req.Price):
		return fmt.Errorf("invalid trade: price %v: %w", req.Price, domain.ErrValidation)
	}
	return nil
}

// newTradeContext snapshots engine state under the read lock.
func (e *Engine) newTradeContext(req domain.TradeRiskRequest) *tradeContext {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tc := &tradeContext{
		req:        req,
		cfg:        e.cfg,
		buy:        req.Side == domain.OrderSideBuy,
		notional:   req.Quantity * req.Price,
		positions:  e.sortedPositionsLocked(),
		conditions: e.conditions,
	}
	var total float64
	for _, p := range tc.positions {
		total += p.Size
		if p.Symbol == req.Symbol {
			tc.existing = p.Size
		}
	}
	tc.capacity = math.Max(e.cfg.MaxPortfolioValue, total)

	switch {
	case req.Market != nil:
		tc.volatility = req.Market.Volatility
	default:
		if v, ok := e.volatility[req.Symbol]; ok {
			tc.volatility = v
		} else {
			tc.volatility = e.conditions.VolatilityIndex / 100
		}
	}

	if tc.buy && len(tc.positions) > 0 {
		tc.correlations = make(map[string]float64, len(tc.positions))
		for _, p := range tc.positions {
			if p.Symbol == req.Symbol {
				continue
			}
			if c, ok := e.correlationLocked(req.Symbol, p.Symbol); ok {
				tc.correlations[p.Symbol] = c
			}
		}
	}
	return tc
}

func checkMarket(tc *tradeContext) error {
	vol := tc.volatility
	if math.IsNaN(vol) {
		return fmt.Errorf("risk: market check %s: volatility is NaN", tc.req.Symbol)
	}
	vol = math.Max(0, math.Min(1, vol))
	tc.volatility = vol
	tc.marketScore = vol * 100

	if tc.buy && vol >= tc.cfg.ExtremeVolatilityThreshold {
		tc.reasons = append(tc.reasons, fmt.Sprintf("extreme volatility %.2f on %s", vol, tc.req.Symbol))
	}

	if m := tc.req.Market; m != nil {
		if m.Liquidity > 0 {
			tc.liquidityCap = m.Liquidity * maxLiquidityShare
			if m.Liquidity < tc.cfg.MinLiquidity {
				tc.warnings = append(tc.warnings, fmt.Sprintf("thin liquidity %.0f below %.0f", m.Liquidity, tc.cfg.MinLiquidity))
				tc.marketScore += thinLiquidityScore
			}
		}
		if m.SpreadPct > wideSpreadPct {
			tc.warnings = append(tc.warnings, fmt.Sprintf("wide spread %.2f%%", m.SpreadPct))
			tc.marketScore += wideSpreadScore
		}
	}
	tc.marketScore = math.Min(100, tc.marketScore)
	return nil
}

func checkSize(tc *tradeContext) error {
	hard := math.Min(tc.cfg.MaxSinglePositionSize, tc.cfg.MaxPositionPercent/100*tc.capacity)
	scaled := VolatilityAdjustedSize(hard, tc.volatility)
	if tc.liquidityCap > 0 {
		scaled = math.Min(scaled, tc.liquidityCap)
	}

	if !tc.buy {
		tc.maxAllowed = math.Max(scaled, tc.existing)
		return nil
	}
	tc.maxAllowed = scaled

	switch {
	case tc.notional > tc.cfg.MaxSinglePositionSize:
		tc.reasons = append(tc.reasons, fmt.Sprintf("order value %.2f exceeds max position size %.2f", tc.notional, tc.cfg.MaxSinglePositionSize))
	case tc.notional/tc.capacity*100 > tc.cfg.MaxPositionPercent:
		tc.reasons = append(tc.reasons, fmt.Sprintf("order value is %.1f%% of portfolio (limit %.1f%%)", tc.notional/tc.capacity*100, tc.cfg.MaxPositionPercent))
	case tc.notional > scaled:
		tc.reasons = append(tc.reasons, fmt.Sprintf("order value %.2f exceeds volatility/liquidity adjusted max %.2f", tc.notional, scaled))
	}
	if hard > 0 {
		tc.sizeScore = math.Min(100, tc.notional/hard*100)
	}
	return nil
}

func checkConcentration(tc *tradeContext) error {
	if !tc.buy {
		return nil
	}
	post := (tc.existing + tc.notional) / tc.capacity * 100
	if post > tc.cfg.MaxConcentration {
		tc.reasons = append(tc.reasons, fmt.Sprintf("position would be %.1f%% of portfolio (concentration limit %.1f%%)", post, tc.cfg.MaxConcentration))
	}
	tc.concScore = math.Min(100, post/tc.cfg.MaxConcentration*100)
	return nil
}

func checkCorrelation(tc *tradeContext) error {
	if !tc.buy || len(tc.positions) == 0 {
		return nil
	}
	maxCorr := 0.0
	var with string
	for sym, c := range tc.correlations {
		if c > maxCorr || (c == maxCorr && sym < with) {
			maxCorr, with = c, sym
		}
	}
	if with == "" {
		maxCorr = tc.conditions.CorrelationIndex
	}
	if maxCorr > tc.cfg.MaxCorrelation {
		msg := fmt.Sprintf("high correlation %.2f with existing holdings", maxCorr)
		if with != "" {
			msg = fmt.Sprintf("high correlation %.2f with %s", maxCorr, with)
		}
		tc.warnings = append(tc.warnings, msg)
	}
	tc.corrScore = math.Max(0, math.Min(100, maxCorr*100))
	return nil
}

func (tc *tradeContext) score() float64 {
	s := sizeScoreWeight*tc.sizeScore +
		concScoreWeight*tc.concScore +
		corrScoreWeight*tc.corrScore +
		marketScoreWeight*tc.marketScore
	return math.Max(0, math.Min(100, s))
}

// impact is the one-day 95% loss on this trade as a percent of portfolio
// capacity.
func (tc *tradeContext) impact() float64 {
	sigma := math.Max(tc.volatility, defaultSigma)
	return tc.notional * z95 * sigma / tc.capacity * 100
}
