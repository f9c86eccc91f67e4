package risk

import (
	"context"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

func newTestEngine(cfg Config) (*Engine, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)}
	return NewEngine(cfg, nil, WithClock(clk.Now)), clk
}

func buy(symbol string, qty, price float64) domain.TradeRiskRequest {
	return domain.TradeRiskRequest{Symbol: symbol, Side: domain.OrderSideBuy, Quantity: qty, Price: price}
}

func TestAssessTradeRisk(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(e *Engine)
		req          domain.TradeRiskRequest
		wantApproved bool
		wantReason   string
		description  string
	}{
		{
			name:         "small buy on empty book",
			req:          buy("AAAUSDT", 10, 10),
			wantApproved: true,
			description:  "100 USDT is well inside every limit",
		},
		{
			name:         "absolute size cap",
			req:          buy("AAAUSDT", 200, 10),
			wantReason:   "exceeds max position size",
			description:  "2000 USDT is above the 1000 USDT cap",
		},
		{
			name: "concentration limit",
			setup: func(e *Engine) {
				require.NoError(t, e.UpdatePosition(domain.PositionRiskProfile{Symbol: "AAAUSDT", Size: 2400}))
			},
			req:         buy("AAAUSDT", 20, 10),
			wantReason:  "concentration limit",
			description: "2600 of a 10000 capacity is above 25%",
		},
		{
			name:        "extreme volatility",
			req:         domain.TradeRiskRequest{Symbol: "AAAUSDT", Side: domain.OrderSideBuy, Quantity: 1, Price: 10, Market: &domain.MarketSnapshot{Volatility: 0.9}},
			wantReason:  "extreme volatility",
			description: "buys into an extremely volatile market are refused",
		},
		{
			name:         "sell skips concentration",
			setup:        func(e *Engine) { require.NoError(t, e.UpdatePosition(domain.PositionRiskProfile{Symbol: "AAAUSDT", Size: 3000})) },
			req:          domain.TradeRiskRequest{Symbol: "AAAUSDT", Side: domain.OrderSideSell, Quantity: 300, Price: 10},
			wantApproved: true,
			description:  "exits reduce risk and are not held to entry limits",
		},
		{
			name:        "invalid quantity",
			req:         buy("AAAUSDT", 0, 10),
			wantReason:  "quantity",
			description: "validation failures reject before any check runs",
		},
		{
			name: "volatility scaled maximum",
			req: domain.TradeRiskRequest{
				Symbol: "AAAUSDT", Side: domain.OrderSideBuy, Quantity: 90, Price: 10,
				Market: &domain.MarketSnapshot{Volatility: 0.5, Liquidity: 1_000_000},
			},
			wantReason:  "adjusted max",
			description: "900 USDT exceeds the 750 USDT volatility adjusted limit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(Config{})
			if tt.setup != nil {
				tt.setup(e)
			}
			res := e.AssessTradeRisk(context.Background(), tt.req)
			assert.Equal(t, tt.wantApproved, res.Approved, tt.description)
			if tt.wantReason != "" {
				assert.True(t, containsSubstring(res.Reasons, tt.wantReason), "reasons %v should mention %q", res.Reasons, tt.wantReason)
			}
			assert.GreaterOrEqual(t, res.RiskScore, 0.0)
			assert.LessOrEqual(t, res.RiskScore, 100.0)
		})
	}
}

func TestAssessTradeRiskReportsSizing(t *testing.T) {
	e, _ := newTestEngine(Config{})
	res := e.AssessTradeRisk(context.Background(), buy("AAAUSDT", 10, 10))
	require.True(t, res.Approved)
	assert.InDelta(t, 1000, res.MaxAllowedSize, 1e-9)
	assert.InDelta(t, 4.5, res.RiskScore, 1e-9)
	assert.InDelta(t, 100*z95*defaultSigma/10_000*100, res.EstimatedImpact, 1e-9)
}

func TestEmergencyModeRejectsEverything(t *testing.T) {
	e, _ := newTestEngine(Config{})
	e.ActivateEmergencyMode(domain.EmergencyExternal, "operator halt")

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		side := domain.OrderSideBuy
		if rng.Intn(2) == 0 {
			side = domain.OrderSideSell
		}
		res := e.AssessTradeRisk(context.Background(), domain.TradeRiskRequest{
			Symbol:   "S",
			Side:     side,
			Quantity: rng.Float64() * 10,
			Price:    rng.Float64() * 10,
		})
		require.False(t, res.Approved)
	}

	assert.True(t, e.ResetEmergencyMode())
	assert.True(t, e.AssessTradeRisk(context.Background(), buy("S", 1, 1)).Approved)
}

func TestCriticalScoreNeverApproved(t *testing.T) {
	e, _ := newTestEngine(Config{CriticalRiskScore: 20})
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 500; i++ {
		req := buy("S", 1+rng.Float64()*50, 1+rng.Float64()*10)
		req.Market = &domain.MarketSnapshot{
			Volatility: rng.Float64() * 0.7,
			Liquidity:  rng.Float64() * 50_000,
			SpreadPct:  rng.Float64() * 4,
		}
		res := e.AssessTradeRisk(context.Background(), req)
		if res.RiskScore >= 20 {
			require.False(t, res.Approved, "score %.2f approved", res.RiskScore)
		}
	}
}

func TestAssessmentFailsClosedAndTripsBreaker(t *testing.T) {
	e, clk := newTestEngine(Config{Breaker: BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}})
	healthy := e.checks
	e.checks = append(append([]tradeCheck{}, healthy...), func(*tradeContext) error { panic("pricing table corrupted") })

	for i := 0; i < 2; i++ {
		res := e.AssessTradeRisk(context.Background(), buy("S", 1, 1))
		assert.False(t, res.Approved)
		assert.Equal(t, 100.0, res.RiskScore)
		assert.True(t, containsSubstring(res.Reasons, "assessment failed"))
	}
	assert.Equal(t, StateOpen, e.Breaker().State())

	e.checks = healthy
	res := e.AssessTradeRisk(context.Background(), buy("S", 1, 1))
	assert.False(t, res.Approved, "open breaker forces rejection")
	assert.True(t, containsSubstring(res.Reasons, "unavailable"))

	clk.Advance(61 * time.Second)
	res = e.AssessTradeRisk(context.Background(), buy("S", 1, 1))
	assert.True(t, res.Approved, "half-open trial succeeds")
	assert.Equal(t, StateClosed, e.Breaker().State())

	st := e.Stats()
	assert.Equal(t, int64(2), st.Failures)
	assert.Equal(t, int64(1), st.Approved)
}

func TestPortfolioRiskTriggersEmergency(t *testing.T) {
	e, _ := newTestEngine(Config{EmergencyRiskThreshold: 50})
	var fired atomic.Int32
	e.OnEmergency(func(st domain.EmergencyState) {
		fired.Add(1)
		assert.Equal(t, domain.EmergencyPortfolioRisk, st.Source)
	})

	require.NoError(t, e.UpdatePosition(domain.PositionRiskProfile{Symbol: "AAAUSDT", Size: 5000, MaxDrawdown: 20}))

	assert.True(t, e.IsEmergencyModeActive())
	assert.Equal(t, int32(1), fired.Load())

	m := e.GetPortfolioRiskMetrics()
	assert.Equal(t, 1, m.PositionCount)
	assert.InDelta(t, 50, m.ConcentrationRisk, 1e-9)
	assert.GreaterOrEqual(t, m.RiskLevel, 50.0)

	var types []domain.AlertType
	for _, a := range e.ActiveAlerts() {
		types = append(types, a.Type)
	}
	assert.Contains(t, types, domain.AlertDrawdown)
	assert.Contains(t, types, domain.AlertEmergency)
}

func TestVolatilityTriggersEmergency(t *testing.T) {
	e, _ := newTestEngine(Config{VolatileSymbolsForEmergency: 2})
	e.SetSymbolVolatility("AAAUSDT", 0.9)
	assert.True(t, e.IsExtremeVolatility("AAAUSDT"))
	assert.False(t, e.IsEmergencyModeActive())

	e.SetSymbolVolatility("BBBUSDT", 0.95)
	st := e.EmergencyState()
	assert.True(t, st.Active)
	assert.Equal(t, domain.EmergencyVolatility, st.Source)

	e.ResetEmergencyMode()
	assert.False(t, e.IsEmergencyModeActive())
	assert.False(t, e.IsExtremeVolatility("AAAUSDT"))
}

func TestRecordPriceDerivesVolatilityAndCorrelation(t *testing.T) {
	e, _ := newTestEngine(Config{})
	base := []float64{100, 100.1, 100.05, 100.2, 100.1, 100.3, 100.25}
	for _, p := range base {
		e.RecordPrice("AAAUSDT", p)
		e.RecordPrice("BBBUSDT", p*2)
	}
	vol, ok := e.SymbolVolatility("AAAUSDT")
	require.True(t, ok)
	assert.Less(t, vol, 0.8)

	require.NoError(t, e.UpdatePosition(domain.PositionRiskProfile{Symbol: "BBBUSDT", Size: 500}))
	res := e.AssessTradeRisk(context.Background(), buy("AAAUSDT", 1, 100))
	assert.True(t, res.Approved, "correlation only warns")
	assert.True(t, containsSubstring(res.Warnings, "high correlation"))

	swing := []float64{100, 110, 100, 110, 100, 110, 100}
	for _, p := range swing {
		e.RecordPrice("CCCUSDT", p)
	}
	assert.True(t, e.IsExtremeVolatility("CCCUSDT"))
}

func TestStressTestIsDeterministicAndReadOnly(t *testing.T) {
	e, _ := newTestEngine(Config{})
	require.NoError(t, e.UpdatePosition(domain.PositionRiskProfile{Symbol: "AAAUSDT", Size: 600, StopLossDistance: 10}))
	require.NoError(t, e.UpdatePosition(domain.PositionRiskProfile{Symbol: "BBBUSDT", Size: 400, StopLossDistance: 10}))
	before := e.Positions()

	first := e.PerformStressTest()
	second := e.PerformStressTest()

	assert.Equal(t, first.MaxDrawdown, second.MaxDrawdown)
	assert.Equal(t, first.PortfolioSurvival, second.PortfolioSurvival)
	assert.Equal(t, first, second)
	assert.Equal(t, before, e.Positions(), "stress testing never mutates positions")

	require.Len(t, first.Scenarios, 4)
	assert.InDelta(t, 29.0, first.MaxDrawdown, 1e-9, "flash crash is the worst default scenario")
	assert.True(t, first.PortfolioSurvival)
	assert.Equal(t, 3, first.EmergencyActions)
	assert.Contains(t, first.Recommendations, "tighten stop-loss levels")
}

func TestStressTestCustomScenario(t *testing.T) {
	tests := []struct {
		name         string
		positions    []domain.PositionRiskProfile
		scenario     domain.StressScenario
		wantDrawdown float64
		wantSurvive  bool
		description  string
	}{
		{
			name:         "empty book",
			scenario:     domain.StressScenario{Name: "crash", PriceShock: -0.5},
			wantDrawdown: 0,
			wantSurvive:  true,
			description:  "nothing to lose",
		},
		{
			name:         "severe crash",
			positions:    []domain.PositionRiskProfile{{Symbol: "AAAUSDT", Size: 1000}},
			scenario:     domain.StressScenario{Name: "crash", PriceShock: -0.5, VolatilityMultiplier: 1},
			wantDrawdown: 50,
			wantSurvive:  false,
			description:  "a 50% drawdown is beyond the survival threshold",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(Config{})
			for _, p := range tt.positions {
				require.NoError(t, e.UpdatePosition(p))
			}
			res := e.PerformStressTest(tt.scenario)
			assert.InDelta(t, tt.wantDrawdown, res.MaxDrawdown, 1e-9, tt.description)
			assert.Equal(t, tt.wantSurvive, res.PortfolioSurvival, tt.description)
		})
	}
}

func TestAlertLifecycle(t *testing.T) {
	e, _ := newTestEngine(Config{})
	var seen []domain.RiskAlert
	e.OnAlert(func(a domain.RiskAlert) { seen = append(seen, a) })

	e.RaiseAlert(domain.AlertExecution, domain.SeverityMedium, "AAAUSDT", "order rejected")
	e.RaiseAlert(domain.AlertExecution, domain.SeverityMedium, "AAAUSDT", "order rejected again")
	require.Len(t, e.ActiveAlerts(), 1, "duplicate open alerts are suppressed")
	require.Len(t, seen, 1)

	id := seen[0].ID
	assert.True(t, e.AcknowledgeAlert(id))
	assert.False(t, e.AcknowledgeAlert("missing"))
	assert.Empty(t, e.ActiveAlerts())

	taken := e.TakeAcknowledgedAlerts()
	require.Len(t, taken, 1)
	assert.NotNil(t, taken[0].AcknowledgedAt)
	assert.Empty(t, e.TakeAcknowledgedAlerts())
}

func TestRemovePosition(t *testing.T) {
	e, _ := newTestEngine(Config{})
	require.NoError(t, e.UpdatePosition(domain.PositionRiskProfile{Symbol: "AAAUSDT", Size: 100}))
	assert.Error(t, e.UpdatePosition(domain.PositionRiskProfile{Size: 1}))
	assert.True(t, e.RemovePosition("AAAUSDT"))
	assert.False(t, e.RemovePosition("AAAUSDT"))
	assert.Zero(t, e.GetPortfolioRiskMetrics().PositionCount)
}

func containsSubstring(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
