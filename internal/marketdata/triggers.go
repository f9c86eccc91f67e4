package marketdata

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// DefaultTriggerRetention is how long a fired trigger is kept for audit.
const DefaultTriggerRetention = time.Hour

// TriggerManager holds ad hoc price triggers. A trigger fires at most once
// and is then retained until the retention window passes.
type TriggerManager struct {
	mu        sync.Mutex
	triggers  map[string]*domain.PriceTrigger
	retention time.Duration
	now       func() time.Time
}

// NewTriggerManager creates an empty manager.
func NewTriggerManager(retention time.Duration, now func() time.Time) *TriggerManager {
	if retention <= 0 {
		retention = DefaultTriggerRetention
	}
	if now == nil {
		now = time.Now
	}
	return &TriggerManager{
		triggers:  make(map[string]*domain.PriceTrigger),
		retention: retention,
		now:       now,
	}
}

// Add registers a trigger and returns the stored copy. An empty ID is
// assigned.
func (m *TriggerManager) Add(t domain.PriceTrigger) (domain.PriceTrigger, error) {
	if t.Symbol == "" {
		return domain.PriceTrigger{}, fmt.Errorf("marketdata: add trigger: symbol is required: %w", domain.ErrValidation)
	}
	switch t.Type {
	case domain.TriggerPriceAbove, domain.TriggerPriceBelow, domain.TriggerVolumeSpike, domain.TriggerMomentum:
	default:
		return domain.PriceTrigger{}, fmt.Errorf("marketdata: add trigger: unknown type %q: %w", t.Type, domain.ErrValidation)
	}
	if !finitePositive(t.TargetValue) {
		return domain.PriceTrigger{}, fmt.Errorf("marketdata: add trigger: target must be positive: %w", domain.ErrValidation)
	}
	if t.Side != "" && t.Side != domain.OrderSideBuy && t.Side != domain.OrderSideSell {
		return domain.PriceTrigger{}, fmt.Errorf("marketdata: add trigger: invalid side %q: %w", t.Side, domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, dup := m.triggers[t.ID]; dup {
		return domain.PriceTrigger{}, fmt.Errorf("marketdata: add trigger %s: %w", t.ID, domain.ErrAlreadyExists)
	}
	t.Triggered = false
	t.TriggeredAt = nil
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	stored := t
	m.triggers[t.ID] = &stored
	return stored, nil
}

// Remove deletes a trigger regardless of its state.
func (m *TriggerManager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.triggers[id]
	delete(m.triggers, id)
	return ok
}

// Evaluate checks every armed trigger for the tick's symbol. Triggers that
// fire are marked in the same critical section so a concurrent evaluation
// can never fire them again.
func (m *TriggerManager) Evaluate(t domain.Tick, obs Observation) []domain.PriceTriggerFired {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fired []domain.PriceTriggerFired
	for _, trig := range m.triggers {
		if trig.Triggered || trig.Symbol != t.Symbol || !conditionMet(trig, t, obs) {
			continue
		}
		at := t.At
		if at.IsZero() {
			at = m.now()
		}
		trig.Triggered = true
		trig.TriggeredAt = &at
		fired = append(fired, domain.PriceTriggerFired{Trigger: *trig, Price: t.Price, At: at})
	}
	sort.Slice(fired, func(i, j int) bool {
		if !fired[i].Trigger.CreatedAt.Equal(fired[j].Trigger.CreatedAt) {
			return fired[i].Trigger.CreatedAt.Before(fired[j].Trigger.CreatedAt)
		}
		return fired[i].Trigger.ID < fired[j].Trigger.ID
	})
	return fired
}

func conditionMet(trig *domain.PriceTrigger, t domain.Tick, obs Observation) bool {
	switch trig.Type {
	case domain.TriggerPriceAbove:
		return t.Price >= trig.TargetValue
	case domain.TriggerPriceBelow:
		return t.Price <= trig.TargetValue
	case domain.TriggerVolumeSpike:
		return obs.VolumeRatio >= trig.TargetValue
	case domain.TriggerMomentum:
		return math.Abs(obs.ChangePct) >= trig.TargetValue
	}
	return false
}

// Cleanup drops fired triggers whose retention window has passed and
// returns how many were removed.
func (m *TriggerManager) Cleanup() int {
	cutoff := m.now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, trig := range m.triggers {
		if trig.Triggered && trig.TriggeredAt != nil && trig.TriggeredAt.Before(cutoff) {
			delete(m.triggers, id)
			n++
		}
	}
	return n
}

// List returns copies of the triggers for symbol, or all triggers when
// symbol is empty, oldest first.
func (m *TriggerManager) List(symbol string) []domain.PriceTrigger {
	m.mu.Lock()
	out := make([]domain.PriceTrigger, 0, len(m.triggers))
	for _, trig := range m.triggers {
		if symbol == "" || trig.Symbol == symbol {
			out = append(out, *trig)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Symbols returns the distinct symbols with armed triggers.
func (m *TriggerManager) Symbols() []string {
	m.mu.Lock()
	seen := make(map[string]struct{})
	for _, trig := range m.triggers {
		if !trig.Triggered {
			seen[trig.Symbol] = struct{}{}
		}
	}
	m.mu.Unlock()
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
