package marketdata

import (
	"errors"
	"fmt"
	"time"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// Config holds the feed tunables.
type Config struct {
	Symbols          []string
	Alpha            float64
	BreakoutMargin   float64
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	MaxAttempts      int
	PingInterval     time.Duration
	PongGrace        time.Duration
	TriggerRetention time.Duration
	Triggers         []domain.PriceTrigger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:            DefaultAlpha,
		BreakoutMargin:   DefaultBreakoutMargin,
		ReconnectBase:    time.Second,
		ReconnectMax:     30 * time.Second,
		MaxAttempts:      10,
		PingInterval:     20 * time.Second,
		PongGrace:        10 * time.Second,
		TriggerRetention: DefaultTriggerRetention,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = def.Alpha
	}
	if c.BreakoutMargin <= 0 {
		c.BreakoutMargin = def.BreakoutMargin
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = def.ReconnectBase
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = max(def.ReconnectMax, c.ReconnectBase)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongGrace <= 0 {
		c.PongGrace = def.PongGrace
	}
	if c.TriggerRetention <= 0 {
		c.TriggerRetention = def.TriggerRetention
	}
	return c
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Alpha <= 0 || c.Alpha > 1 {
		errs = append(errs, fmt.Errorf("alpha must be in (0,1], got %v", c.Alpha))
	}
	if c.BreakoutMargin <= 0 || c.BreakoutMargin >= 1 {
		errs = append(errs, fmt.Errorf("breakout margin must be in (0,1), got %v", c.BreakoutMargin))
	}
	if c.ReconnectBase <= 0 || c.ReconnectMax < c.ReconnectBase {
		errs = append(errs, fmt.Errorf("reconnect delays invalid: base %s max %s", c.ReconnectBase, c.ReconnectMax))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max attempts must be positive"))
	}
	if c.PingInterval <= 0 || c.PongGrace <= 0 {
		errs = append(errs, errors.New("ping interval and pong grace must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("marketdata: %w: %w", domain.ErrValidation, errors.Join(errs...))
	}
	return nil
}

// reconnectDelay returns base*2^(failures-1) capped at the max delay.
func (c Config) reconnectDelay(failures int) time.Duration {
	d := c.ReconnectBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= c.ReconnectMax {
			return c.ReconnectMax
		}
	}
	return min(d, c.ReconnectMax)
}
