package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// BreakerState represents the circuit breaker state.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMaxCalls int
}

// DefaultBreakerConfig returns safe defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// BreakerStats is a read snapshot of the breaker.
type BreakerStats struct {
	Name                string       `json:"name"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	TotalFailures       int64        `json:"total_failures"`
	TotalRejected       int64        `json:"total_rejected"`
	LastTripAt          *time.Time   `json:"last_trip_at,omitempty"`
}

// CircuitBreaker isolates a failing dependency. After FailureThreshold
// consecutive failures it opens and rejects calls for Cooldown, then admits
// HalfOpenMaxCalls trial calls; a trial success closes it, a trial failure
// reopens it.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      int
	halfOpenInUse int
	lastTrip      time.Time
	totalFailures int64
	totalRejected int64
	onStateChange func(name string, from, to BreakerState)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now, state: StateClosed}
}

// OnStateChange registers a callback invoked synchronously on every state
// change. It must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to BreakerState)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) setState(to BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateOpen {
		cb.lastTrip = cb.now()
	}
	if to != StateHalfOpen {
		cb.halfOpenInUse = 0
	}
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by exactly one RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastTrip) < cb.cfg.Cooldown {
			cb.totalRejected++
			remaining := cb.cfg.Cooldown - cb.now().Sub(cb.lastTrip)
			return fmt.Errorf("%s: retry in %s: %w", cb.name, remaining.Round(time.Second), domain.ErrCircuitOpen)
		}
		cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.halfOpenInUse >= cb.cfg.HalfOpenMaxCalls {
			cb.totalRejected++
			return fmt.Errorf("%s: half-open trial in progress: %w", cb.name, domain.ErrCircuitOpen)
		}
		cb.halfOpenInUse++
	}
	return nil
}

// RecordSuccess reports a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
}

// RecordFailure reports a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.totalFailures++
	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateOpen)
	case StateClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen)
		}
	}
}

// Execute runs fn through the breaker. Errors for which countable returns
// false pass through without counting as failures.
func (cb *CircuitBreaker) Execute(fn func() error, countable func(error) bool) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return err
}

// State returns the current state, moving open to half-open once the
// cooldown has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastTrip) >= cb.cfg.Cooldown {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(StateClosed)
}

// Stats returns a snapshot.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := BreakerStats{
		Name:                cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		TotalFailures:       cb.totalFailures,
		TotalRejected:       cb.totalRejected,
	}
	if !cb.lastTrip.IsZero() {
		t := cb.lastTrip
		st.LastTripAt = &t
	}
	return st
}
