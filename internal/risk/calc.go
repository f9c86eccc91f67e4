package risk

import (
	"fmt"
	"math"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// ProtectiveLevels are recommended exit prices for a new position.
type ProtectiveLevels struct {
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
}

// CalculateStopLossTakeProfit widens the stop with volatility (2%..15%) and
// places the target at riskReward times the stop distance.
func CalculateStopLossTakeProfit(entry float64, side domain.PositionSide, volatility, riskReward float64) ProtectiveLevels {
	if riskReward <= 0 {
		riskReward = 2
	}
	v := math.Max(0, math.Min(1, volatility))
	stopPct := math.Max(2, math.Min(15, 2+v*13))
	takePct := stopPct * riskReward

	lv := ProtectiveLevels{StopLossPct: stopPct, TakeProfitPct: takePct}
	if side == domain.PositionShort {
		lv.StopLoss = entry * (1 + stopPct/100)
		lv.TakeProfit = math.Max(0, entry*(1-takePct/100))
	} else {
		lv.StopLoss = entry * (1 - stopPct/100)
		lv.TakeProfit = entry * (1 + takePct/100)
	}
	return lv
}

// SizeLimits bounds a position size in quote currency.
type SizeLimits struct {
	Min            float64
	Max            float64
	AvailableQuote float64
}

// SizeValidation is the outcome of ValidatePositionSize.
type SizeValidation struct {
	Valid    bool    `json:"valid"`
	Adjusted float64 `json:"adjusted"`
	Reason   string  `json:"reason,omitempty"`
}

// ValidatePositionSize checks requested against limits and proposes the
// closest acceptable size.
func ValidatePositionSize(requested float64, lim SizeLimits) SizeValidation {
	if requested <= 0 || math.IsNaN(requested) || math.IsInf(requested, 0) {
		return SizeValidation{Reason: fmt.Sprintf("size %v must be positive", requested)}
	}
	adjusted := requested
	var reason string
	if lim.Max > 0 && adjusted > lim.Max {
		adjusted = lim.Max
		reason = fmt.Sprintf("size %.2f above maximum %.2f", requested, lim.Max)
	}
	if lim.AvailableQuote > 0 && adjusted > lim.AvailableQuote {
		adjusted = lim.AvailableQuote
		reason = fmt.Sprintf("size %.2f above available balance %.2f", requested, lim.AvailableQuote)
	}
	if lim.Min > 0 && adjusted < lim.Min {
		return SizeValidation{Adjusted: 0, Reason: fmt.Sprintf("size %.2f below minimum %.2f", adjusted, lim.Min)}
	}
	return SizeValidation{Valid: reason == "", Adjusted: adjusted, Reason: reason}
}

// VolatilityAdjustedSize scales base down linearly with normalised
// volatility, halving it at volatility 1.
func VolatilityAdjustedSize(base, volatility float64) float64 {
	if base <= 0 {
		return 0
	}
	v := math.Max(0, math.Min(1, volatility))
	return base * (1 - volatilitySizeScale*v)
}

// RecommendProtectiveLevels uses the symbol's last known volatility.
func (e *Engine) RecommendProtectiveLevels(symbol string, entry float64, side domain.PositionSide, riskReward float64) ProtectiveLevels {
	vol, _ := e.SymbolVolatility(symbol)
	return CalculateStopLossTakeProfit(entry, side, vol, riskReward)
}
