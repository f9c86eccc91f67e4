package risk

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

const (
	minReturnSamples = 5
	volatilityScale  = 0.05
)

// priceSeries is a bounded ring of recent prices for one symbol.
type priceSeries struct {
	prices []float64
	limit  int
}

func (s *priceSeries) add(p float64) {
	s.prices = append(s.prices, p)
	if len(s.prices) > s.limit {
		s.prices = append(s.prices[:0], s.prices[len(s.prices)-s.limit:]...)
	}
}

func (s *priceSeries) returns() []float64 {
	if len(s.prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(s.prices)-1)
	for i := 1; i < len(s.prices); i++ {
		prev := s.prices[i-1]
		if prev <= 0 {
			continue
		}
		out = append(out, (s.prices[i]-prev)/prev)
	}
	return out
}

// RecordPrice appends a price observation for symbol and refreshes its
// realised volatility. Position profiles are left alone; their owner pushes
// marked profiles through UpdatePosition.
func (e *Engine) RecordPrice(symbol string, price float64) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	e.mu.Lock()
	ps, ok := e.prices[symbol]
	if !ok {
		ps = &priceSeries{limit: e.cfg.PriceHistory}
		e.prices[symbol] = ps
	}
	ps.add(price)
	sigma, hasSigma := e.sigmaLocked(symbol)
	e.mu.Unlock()

	if hasSigma {
		e.SetSymbolVolatility(symbol, math.Min(1, sigma/volatilityScale))
	}
}

// sigmaLocked is the sample standard deviation of returns for symbol.
func (e *Engine) sigmaLocked(symbol string) (float64, bool) {
	ps, ok := e.prices[symbol]
	if !ok {
		return 0, false
	}
	r := ps.returns()
	if len(r) < minReturnSamples {
		return 0, false
	}
	sd := stat.StdDev(r, nil)
	if math.IsNaN(sd) {
		return 0, false
	}
	return sd, true
}

// correlationLocked is the Pearson correlation of the most recent aligned
// returns of a and b.
func (e *Engine) correlationLocked(a, b string) (float64, bool) {
	pa, okA := e.prices[a]
	pb, okB := e.prices[b]
	if !okA || !okB {
		return 0, false
	}
	ra, rb := pa.returns(), pb.returns()
	n := len(ra)
	if len(rb) < n {
		n = len(rb)
	}
	if n < minReturnSamples {
		return 0, false
	}
	c := stat.Correlation(ra[len(ra)-n:], rb[len(rb)-n:], nil)
	if math.IsNaN(c) {
		return 0, false
	}
	return c, true
}

// GetPortfolioRiskMetrics derives the aggregate view from the current
// profiles. The result is a fresh value on every call.
func (e *Engine) GetPortfolioRiskMetrics() domain.PortfolioRiskMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	positions := e.sortedPositionsLocked()
	m := domain.PortfolioRiskMetrics{PositionCount: len(positions), ComputedAt: e.now()}
	if len(positions) == 0 {
		m.DiversificationScore = 100
		return m
	}

	var largest float64
	for _, p := range positions {
		m.TotalValue += p.Size
		m.UnrealizedPnL += p.UnrealizedPnL
		if p.Size > largest {
			largest = p.Size
		}
		if p.MaxDrawdown > m.MaxDrawdown {
			m.MaxDrawdown = p.MaxDrawdown
		}
		sigma, ok := e.sigmaLocked(p.Symbol)
		if !ok {
			sigma = defaultSigma
		}
		m.ValueAtRisk95 += p.Size * z95 * sigma
	}
	capacity := math.Max(e.cfg.MaxPortfolioValue, m.TotalValue)
	m.TotalExposure = m.TotalValue / capacity * 100
	m.ConcentrationRisk = largest / capacity * 100
	m.ExpectedShortfall = m.ValueAtRisk95 * esRatio95

	if m.TotalValue > 0 {
		var hhi float64
		for _, p := range positions {
			w := p.Size / m.TotalValue
			hhi += w * w
		}
		m.DiversificationScore = (1 - hhi) * 100
	}

	m.CorrelationRisk = e.averageCorrelationLocked(positions) * 100
	if e.conditions.LiquidityIndex > 0 {
		m.LiquidityRisk = math.Max(0, 100-e.conditions.LiquidityIndex)
	}

	varPct := m.ValueAtRisk95 / capacity * 100
	level := 0.3*math.Min(100, m.ConcentrationRisk/e.cfg.MaxConcentration*100) +
		0.25*math.Min(100, varPct/e.cfg.MaxVaR*100) +
		0.2*math.Min(100, m.MaxDrawdown/e.cfg.MaxDrawdown*100) +
		0.15*m.CorrelationRisk +
		0.1*m.LiquidityRisk
	m.RiskLevel = math.Max(0, math.Min(100, level))
	return m
}

// averageCorrelationLocked averages positive pairwise return correlations;
// with too little data it falls back to the market correlation index.
func (e *Engine) averageCorrelationLocked(positions []domain.PositionRiskProfile) float64 {
	if len(positions) < 2 {
		return 0
	}
	var sum float64
	var n int
	for i := 0; i < len(positions); i++ {
		for j := i + 1; j < len(positions); j++ {
			if c, ok := e.correlationLocked(positions[i].Symbol, positions[j].Symbol); ok {
				sum += math.Max(0, c)
				n++
			}
		}
	}
	if n == 0 {
		return math.Max(0, math.Min(1, e.conditions.CorrelationIndex))
	}
	return sum / float64(n)
}
