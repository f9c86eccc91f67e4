package domain

import "time"

// StatusCodes is the exchange-reported state triple of a listed symbol.
type StatusCodes struct {
	StatusStage int `json:"sts"`
	State       int `json:"st"`
	TradingType int `json:"tt"`
}

// ReadyStateCodes is the triple reported once a symbol is fully tradable.
var ReadyStateCodes = StatusCodes{StatusStage: 2, State: 2, TradingType: 4}

// IsReady reports whether c exactly matches ReadyStateCodes.
func (c StatusCodes) IsReady() bool {
	return c == ReadyStateCodes
}

// ActivityType names a promotional activity attached to a listing.
type ActivityType string

const (
	ActivityLaunchpad   ActivityType = "launchpad"
	ActivityAirdrop     ActivityType = "airdrop"
	ActivitySunShine    ActivityType = "sun_shine"
	ActivityCompetition ActivityType = "trading_competition"
	ActivityPromotion   ActivityType = "promotion"
	ActivityDeposit     ActivityType = "deposit_bonus"
)

// ActivityRecord is one recent activity seen for a currency.
type ActivityRecord struct {
	ActivityID string       `json:"activity_id"`
	Currency   string       `json:"currency"`
	Type       ActivityType `json:"type"`
	StartsAt   time.Time    `json:"starts_at"`
}

// SymbolSnapshot is one observation of a symbol's listing state. Snapshots
// are immutable; a newer observation supersedes an older one.
type SymbolSnapshot struct {
	Symbol          string           `json:"symbol"`
	VcoinID         string           `json:"vcoin_id"`
	Codes           StatusCodes      `json:"codes"`
	CurrencyCode    string           `json:"cd,omitempty"`
	ContractAddress string           `json:"ca,omitempty"`
	PriceScale      *int             `json:"ps,omitempty"`
	QuantityScale   *int             `json:"qs,omitempty"`
	OpenTime        *time.Time       `json:"ot,omitempty"`
	Activities      []ActivityRecord `json:"activities,omitempty"`
	ObservedAt      time.Time        `json:"observed_at"`
}

// CalendarEntry is an upcoming listing announced by the exchange.
type CalendarEntry struct {
	VcoinID       string           `json:"vcoin_id"`
	Symbol        string           `json:"symbol"`
	ProjectName   string           `json:"project_name"`
	FirstOpenTime time.Time        `json:"first_open_time"`
	QuoteAsset    string           `json:"quote_asset,omitempty"`
	Tags          []string         `json:"tags,omitempty"`
	Activities    []ActivityRecord `json:"activities,omitempty"`
}

// Tick is a single market-data update for a symbol. Volume is the traded
// volume within the update interval, not a rolling 24h figure.
type Tick struct {
	Symbol string
	Price  float64
	Volume float64
	At     time.Time
}

// Ticker is the 24h summary returned by the exchange.
type Ticker struct {
	Symbol         string
	LastPrice      float64
	PriceChangePct float64
	Volume         float64
	QuoteVolume    float64
	HighPrice      float64
	LowPrice       float64
	BidPrice       float64
	AskPrice       float64
	ObservedAt     time.Time
}

// MarketSnapshot carries the optional market context for a risk assessment.
type MarketSnapshot struct {
	Volatility     float64 // 0..1 normalised
	Liquidity      float64 // order-book depth in quote currency
	SpreadPct      float64
	Volume24h      float64
	PriceChangePct float64
}

// MarketConditions is the portfolio-wide market view the risk engine keeps.
type MarketConditions struct {
	VolatilityIndex  float64 // 0..100
	LiquidityIndex   float64 // 0..100
	MarketSentiment  string
	CorrelationIndex float64 // 0..1
	UpdatedAt        time.Time
}

// Balance is an asset balance held on the exchange.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}
