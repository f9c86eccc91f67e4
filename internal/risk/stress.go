package risk

import (
	"math"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// DefaultStressScenarios are the named shocks run when none are given.
func DefaultStressScenarios() []domain.StressScenario {
	return []domain.StressScenario{
		{Name: "flash_crash", PriceShock: -0.20, VolatilityMultiplier: 3, LiquidityReduction: 0.5},
		{Name: "liquidity_crisis", PriceShock: -0.10, VolatilityMultiplier: 2, LiquidityReduction: 0.8},
		{Name: "correlation_spike", PriceShock: -0.15, VolatilityMultiplier: 1.5, LiquidityReduction: 0.3, CorrelationOverride: 0.95},
		{Name: "volatility_explosion", PriceShock: -0.08, VolatilityMultiplier: 5, LiquidityReduction: 0.4},
	}
}

type stressPosition struct {
	profile domain.PositionRiskProfile
	sigma   float64
}

// PerformStressTest simulates each scenario against a copy of the position
// book. It reads engine state once and never writes it.
func (e *Engine) PerformStressTest(scenarios ...domain.StressScenario) domain.StressTestResult {
	if len(scenarios) == 0 {
		scenarios = DefaultStressScenarios()
	}

	e.mu.RLock()
	profiles := e.sortedPositionsLocked()
	book := make([]stressPosition, len(profiles))
	for i, p := range profiles {
		sigma, ok := e.sigmaLocked(p.Symbol)
		if !ok {
			sigma = defaultSigma
		}
		book[i] = stressPosition{profile: p, sigma: sigma}
	}
	e.mu.RUnlock()

	res := domain.StressTestResult{PortfolioSurvival: true}
	var correlationWorst bool
	for _, sc := range scenarios {
		r := e.runScenario(sc, book)
		res.Scenarios = append(res.Scenarios, r)
		if r.Drawdown > res.MaxDrawdown {
			res.MaxDrawdown = r.Drawdown
			correlationWorst = sc.CorrelationOverride > 0
		}
		if !r.Survives {
			res.PortfolioSurvival = false
		}
		if r.EmergencyActions > res.EmergencyActions {
			res.EmergencyActions = r.EmergencyActions
		}
	}

	if !res.PortfolioSurvival {
		res.Recommendations = append(res.Recommendations, "reduce overall exposure")
	}
	if res.MaxDrawdown > e.cfg.MaxDrawdown {
		res.Recommendations = append(res.Recommendations, "tighten stop-loss levels")
	}
	if correlationWorst {
		res.Recommendations = append(res.Recommendations, "diversify into less correlated assets")
	}
	return res
}

func (e *Engine) runScenario(sc domain.StressScenario, book []stressPosition) domain.StressScenarioResult {
	out := domain.StressScenarioResult{Scenario: sc.Name}
	var total float64
	for _, sp := range book {
		p := sp.profile
		total += p.Size

		corrMult := 1.0
		if sc.CorrelationOverride > 0 {
			corrMult += math.Max(0, sc.CorrelationOverride-p.CorrelationScore) * 0.5
		}
		volTerm := sp.sigma * math.Max(0, sc.VolatilityMultiplier-1)
		lossFrac := math.Abs(sc.PriceShock)*(1+0.5*sc.LiquidityReduction)*corrMult + volTerm
		lossFrac = math.Min(1, lossFrac)

		out.ProjectedLoss += p.Size * lossFrac
		if p.StopLossDistance > 0 && lossFrac*100 > p.StopLossDistance {
			out.EmergencyActions++
		}
	}
	if total > 0 {
		out.Drawdown = out.ProjectedLoss / total * 100
	}
	if out.Drawdown > e.cfg.MaxDrawdown {
		out.EmergencyActions++
	}
	out.Survives = out.Drawdown < e.cfg.StressSurvivalDrawdown
	return out
}
