package domain

import "time"

// PositionRiskProfile is the risk engine's per-position state.
type PositionRiskProfile struct {
	Symbol             string        `json:"symbol"`
	Size               float64       `json:"size"` // quote-currency notional
	UnrealizedPnL      float64       `json:"unrealized_pnl"`
	MaxDrawdown        float64       `json:"max_drawdown"` // percent
	CorrelationScore   float64       `json:"correlation_score"`
	Exposure           float64       `json:"exposure"` // percent of portfolio
	Leverage           float64       `json:"leverage"`
	ValueAtRisk        float64       `json:"value_at_risk"`
	TimeHeld           time.Duration `json:"time_held"`
	StopLossDistance   float64       `json:"stop_loss_distance"`   // percent
	TakeProfitDistance float64       `json:"take_profit_distance"` // percent
}

// PortfolioRiskMetrics is derived on demand from all profiles; it is never a
// source of truth.
type PortfolioRiskMetrics struct {
	TotalValue           float64   `json:"total_value"`
	TotalExposure        float64   `json:"total_exposure"`
	PositionCount        int       `json:"position_count"`
	DiversificationScore float64   `json:"diversification_score"`
	ConcentrationRisk    float64   `json:"concentration_risk"`
	ValueAtRisk95        float64   `json:"value_at_risk_95"`
	ExpectedShortfall    float64   `json:"expected_shortfall"`
	MaxDrawdown          float64   `json:"max_drawdown"`
	CorrelationRisk      float64   `json:"correlation_risk"`
	LiquidityRisk        float64   `json:"liquidity_risk"`
	UnrealizedPnL        float64   `json:"unrealized_pnl"`
	RiskLevel            float64   `json:"risk_level"` // 0..100
	ComputedAt           time.Time `json:"computed_at"`
}

// AlertSeverity grades a RiskAlert.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// AlertType names the threshold that was breached.
type AlertType string

const (
	AlertPositionLimit AlertType = "position_limit"
	AlertPortfolioRisk AlertType = "portfolio_risk"
	AlertDrawdown      AlertType = "drawdown"
	AlertVolatility    AlertType = "volatility"
	AlertConcentration AlertType = "concentration"
	AlertEmergency     AlertType = "emergency"
	AlertExecution     AlertType = "execution"
)

// RiskAlert is raised when a threshold is breached. Alerts are only ever
// resolved or acknowledged, never deleted.
type RiskAlert struct {
	ID              string        `json:"id"`
	Type            AlertType     `json:"type"`
	Severity        AlertSeverity `json:"severity"`
	Symbol          string        `json:"symbol,omitempty"`
	Message         string        `json:"message"`
	Recommendations []string      `json:"recommendations,omitempty"`
	Resolved        bool          `json:"resolved"`
	Acknowledged    bool          `json:"acknowledged"`
	CreatedAt       time.Time     `json:"created_at"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
	AcknowledgedAt  *time.Time    `json:"acknowledged_at,omitempty"`
}

// TradeRiskRequest is the input to a trade assessment.
type TradeRiskRequest struct {
	Symbol   string
	Side     OrderSide
	Quantity float64
	Price    float64
	Market   *MarketSnapshot
}

// TradeRiskAssessment is the risk engine verdict.
type TradeRiskAssessment struct {
	Approved        bool     `json:"approved"`
	RiskScore       float64  `json:"risk_score"`
	Reasons         []string `json:"reasons"`
	Warnings        []string `json:"warnings"`
	MaxAllowedSize  float64  `json:"max_allowed_size"`
	EstimatedImpact float64  `json:"estimated_impact"` // percent of portfolio value at risk
}

// StressScenario is a named shock applied to the position book.
type StressScenario struct {
	Name                 string  `json:"name"`
	PriceShock           float64 `json:"price_shock"`           // e.g. -0.20
	VolatilityMultiplier float64 `json:"volatility_multiplier"` // e.g. 3
	LiquidityReduction   float64 `json:"liquidity_reduction"`   // 0..1
	CorrelationOverride  float64 `json:"correlation_override"`  // 0 keeps profile correlation
}

// StressScenarioResult is the outcome of one scenario.
type StressScenarioResult struct {
	Scenario         string  `json:"scenario"`
	ProjectedLoss    float64 `json:"projected_loss"`
	Drawdown         float64 `json:"drawdown"` // percent
	Survives         bool    `json:"survives"`
	EmergencyActions int     `json:"emergency_actions"`
}

// StressTestResult aggregates all scenarios.
type StressTestResult struct {
	Scenarios         []StressScenarioResult `json:"scenarios"`
	MaxDrawdown       float64                `json:"max_drawdown"`
	PortfolioSurvival bool                   `json:"portfolio_survival"`
	EmergencyActions  int                    `json:"emergency_actions"`
	Recommendations   []string               `json:"recommendations"`
}

// EmergencySource identifies what put the engine into emergency mode.
type EmergencySource string

const (
	EmergencyExternal      EmergencySource = "external"
	EmergencyVolatility    EmergencySource = "extreme_volatility"
	EmergencyPortfolioRisk EmergencySource = "portfolio_risk"
)

// EmergencyState is the current emergency status.
type EmergencyState struct {
	Active      bool            `json:"active"`
	Source      EmergencySource `json:"source,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	ActivatedAt *time.Time      `json:"activated_at,omitempty"`
}
