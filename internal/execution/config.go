package execution

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds the orchestrator tunables. All fields may be changed at
// runtime through UpdateConfig.
type Config struct {
	Provider               string        `validate:"required"`
	LockTimeout            time.Duration `validate:"gt=0"`
	LockLease              time.Duration `validate:"gt=0"`
	RetryAttempts          int           `validate:"gte=1,lte=10"`
	RetryBaseDelay         time.Duration `validate:"gte=0"`
	RetryMaxDelay          time.Duration `validate:"gte=0"`
	PingTimeout            time.Duration `validate:"gt=0"`
	OrderTimeout           time.Duration `validate:"gt=0"`
	MaxConcurrentPositions int           `validate:"gte=1"`
	DefaultQuoteAmount     float64       `validate:"gt=0"`
	StopLossPct            float64       `validate:"gt=0,lt=100"`
	TakeProfitPct          float64       `validate:"gt=0"`
	QuantityDecimals       int32         `validate:"gte=0,lte=12"`
	TargetGrace            time.Duration `validate:"gt=0"`
	AutoClose              bool
	CloseConcurrency       int `validate:"gte=1"`
	HistorySize            int `validate:"gte=1"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Provider:               "mexc",
		LockTimeout:            30 * time.Second,
		LockLease:              2 * time.Minute,
		RetryAttempts:          3,
		RetryBaseDelay:         500 * time.Millisecond,
		RetryMaxDelay:          5 * time.Second,
		PingTimeout:            3 * time.Second,
		OrderTimeout:           5 * time.Second,
		MaxConcurrentPositions: 5,
		DefaultQuoteAmount:     100,
		StopLossPct:            5,
		TakeProfitPct:          15,
		QuantityDecimals:       6,
		TargetGrace:            10 * time.Minute,
		AutoClose:              true,
		CloseConcurrency:       4,
		HistorySize:            100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Provider == "" {
		c.Provider = def.Provider
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.LockLease <= 0 {
		c.LockLease = def.LockLease
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = def.OrderTimeout
	}
	if c.MaxConcurrentPositions <= 0 {
		c.MaxConcurrentPositions = def.MaxConcurrentPositions
	}
	if c.DefaultQuoteAmount <= 0 {
		c.DefaultQuoteAmount = def.DefaultQuoteAmount
	}
	if c.StopLossPct <= 0 {
		c.StopLossPct = def.StopLossPct
	}
	if c.TakeProfitPct <= 0 {
		c.TakeProfitPct = def.TakeProfitPct
	}
	if c.QuantityDecimals <= 0 {
		c.QuantityDecimals = def.QuantityDecimals
	}
	if c.TargetGrace <= 0 {
		c.TargetGrace = def.TargetGrace
	}
	if c.CloseConcurrency <= 0 {
		c.CloseConcurrency = def.CloseConcurrency
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	return c
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("execution: config: %v: %w", err, domain.ErrValidation)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("execution: config: retry max delay %s below base %s: %w", c.RetryMaxDelay, c.RetryBaseDelay, domain.ErrValidation)
	}
	return nil
}

// ConfigPatch is a partial update. Nil fields are left unchanged.
type ConfigPatch struct {
	LockTimeout            *time.Duration `json:"lock_timeout,omitempty"`
	RetryAttempts          *int           `json:"retry_attempts,omitempty"`
	MaxConcurrentPositions *int           `json:"max_concurrent_positions,omitempty"`
	DefaultQuoteAmount     *float64       `json:"default_quote_amount,omitempty"`
	StopLossPct            *float64       `json:"stop_loss_pct,omitempty"`
	TakeProfitPct          *float64       `json:"take_profit_pct,omitempty"`
	AutoClose              *bool          `json:"auto_close,omitempty"`
}

func (p ConfigPatch) apply(c Config) Config {
	if p.LockTimeout != nil {
		c.LockTimeout = *p.LockTimeout
	}
	if p.RetryAttempts != nil {
		c.RetryAttempts = *p.RetryAttempts
	}
	if p.MaxConcurrentPositions != nil {
		c.MaxConcurrentPositions = *p.MaxConcurrentPositions
	}
	if p.DefaultQuoteAmount != nil {
		c.DefaultQuoteAmount = *p.DefaultQuoteAmount
	}
	if p.StopLossPct != nil {
		c.StopLossPct = *p.StopLossPct
	}
	if p.TakeProfitPct != nil {
		c.TakeProfitPct = *p.TakeProfitPct
	}
	if p.AutoClose != nil {
		c.AutoClose = *p.AutoClose
	}
	return c
}

func backoff(c Config, attempt int) time.Duration {
	d := c.RetryBaseDelay << (attempt - 1)
	if d > c.RetryMaxDelay || d <= 0 {
		d = c.RetryMaxDelay
	}
	return d
}
