package domain

import "time"

// Priority orders lock waiters. Lower values are served first.
type Priority int

const (
	PriorityEmergency Priority = 0
	PriorityClose     Priority = 1
	PrioritySell      Priority = 2
	PriorityBuy       Priority = 5
)

// PriorityForSide returns the default lock priority for a trade side. Sells
// reduce risk and therefore jump ahead of buys.
func PriorityForSide(side OrderSide) Priority {
	if side == OrderSideSell {
		return PrioritySell
	}
	return PriorityBuy
}

// TriggerSource names what produced an ExecutionTrigger.
type TriggerSource string

const (
	SourcePattern  TriggerSource = "pattern"
	SourceBreakout TriggerSource = "breakout"
	SourceManual   TriggerSource = "manual"
)

// ExecutionTrigger is a command for the orchestrator to open a position.
type ExecutionTrigger struct {
	ID            string        `json:"id" validate:"required"`
	UserID        string        `json:"user_id"`
	TargetID      string        `json:"target_id"`
	Symbol        string        `json:"symbol" validate:"required"`
	Side          OrderSide     `json:"side" validate:"required,oneof=buy sell"`
	QuoteAmount   float64       `json:"quote_amount" validate:"gte=0"`
	Confidence    float64       `json:"confidence" validate:"gte=0,lte=100"`
	Source        TriggerSource `json:"source" validate:"required"`
	PatternType   PatternType   `json:"pattern_type,omitempty"`
	ExecuteAt     time.Time     `json:"execute_at"`
	ValidUntil    time.Time     `json:"valid_until"`
	StopLossPct   float64       `json:"stop_loss_pct" validate:"gte=0,lt=100"`
	TakeProfitPct float64       `json:"take_profit_pct" validate:"gte=0"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Immediate reports whether the trigger should run as soon as it is received.
func (t ExecutionTrigger) Immediate(now time.Time) bool {
	return t.ExecuteAt.IsZero() || !t.ExecuteAt.After(now)
}

// BreakoutDirection is the boundary a breakout crossed.
type BreakoutDirection string

const (
	BreakoutUp   BreakoutDirection = "resistance"
	BreakoutDown BreakoutDirection = "support"
)

// PriceTriggerType selects the condition a PriceTrigger evaluates.
type PriceTriggerType string

const (
	TriggerPriceAbove  PriceTriggerType = "price_above"
	TriggerPriceBelow  PriceTriggerType = "price_below"
	TriggerVolumeSpike PriceTriggerType = "volume_spike"
	TriggerMomentum    PriceTriggerType = "momentum"
)

// PriceTrigger fires at most once when its condition holds for a tick.
// An empty Side makes the trigger notify-only.
type PriceTrigger struct {
	ID          string           `json:"id"`
	Symbol      string           `json:"symbol"`
	Type        PriceTriggerType `json:"type"`
	TargetValue float64          `json:"target_value"`
	Side        OrderSide        `json:"side,omitempty"`
	QuoteAmount float64          `json:"quote_amount,omitempty"`
	Triggered   bool             `json:"triggered"`
	CreatedAt   time.Time        `json:"created_at"`
	TriggeredAt *time.Time       `json:"triggered_at,omitempty"`
}

// MarketEvent is the closed set of events carried on the internal event bus.
// Consumers switch exhaustively over the concrete types below.
type MarketEvent interface {
	EventSymbol() string
	marketEvent()
}

// PatternsDetected is published once per analysis batch.
type PatternsDetected struct {
	Matches             []PatternMatch `json:"matches"`
	AverageConfidence   float64        `json:"average_confidence"`
	AverageAdvanceHours float64        `json:"average_advance_hours"`
	DetectedAt          time.Time      `json:"detected_at"`
}

func (PatternsDetected) EventSymbol() string { return "" }
func (PatternsDetected) marketEvent()        {}

// BreakoutDetected is emitted when a tick crosses a smoothed boundary.
type BreakoutDetected struct {
	Symbol         string            `json:"symbol"`
	Direction      BreakoutDirection `json:"direction"`
	Price          float64           `json:"price"`
	Level          float64           `json:"level"`
	PriceChangePct float64           `json:"price_change_pct"`
	VolumeRatio    float64           `json:"volume_ratio"`
	Volume         float64           `json:"volume"`
	Confidence     float64           `json:"confidence"`
	At             time.Time         `json:"at"`
}

func (e BreakoutDetected) EventSymbol() string { return e.Symbol }
func (BreakoutDetected) marketEvent()          {}

// PriceTriggerFired is emitted the single time a PriceTrigger fires.
type PriceTriggerFired struct {
	Trigger PriceTrigger `json:"trigger"`
	Price   float64      `json:"price"`
	At      time.Time    `json:"at"`
}

func (e PriceTriggerFired) EventSymbol() string { return e.Trigger.Symbol }
func (PriceTriggerFired) marketEvent()          {}

// EventName is the stable wire name of an event kind.
func EventName(ev MarketEvent) string {
	switch ev.(type) {
	case PatternsDetected:
		return "patterns_detected"
	case BreakoutDetected:
		return "breakout_detected"
	case PriceTriggerFired:
		return "price_trigger_fired"
	}
	return "unknown"
}
