package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// EventStream is the stream every mirrored event is appended to.
const EventStream = keyPrefix + "events"

// mirroredEvent is the JSON envelope written to Redis.
type mirroredEvent struct {
	Type        string             `json:"type"`
	Symbol      string             `json:"symbol,omitempty"`
	Data        domain.MarketEvent `json:"data"`
	PublishedAt time.Time          `json:"published_at"`
}

// EventChannel is the Pub/Sub channel of one event kind.
func EventChannel(eventType string) string {
	return keyPrefix + "events:" + eventType
}

// EventMirror copies market events from the in-process bus to a SignalBus.
// Writes are best effort: failures are logged and dropped.
type EventMirror struct {
	bus     domain.SignalBus
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewEventMirror creates an EventMirror writing through bus.
func NewEventMirror(bus domain.SignalBus, logger *slog.Logger) *EventMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventMirror{
		bus:     bus,
		timeout: 2 * time.Second,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "event_mirror")),
	}
}

// Handle mirrors one event. It matches events.Handler so it can be
// subscribed to the bus directly.
func (m *EventMirror) Handle(ev domain.MarketEvent) {
	typ := domain.EventName(ev)
	payload, err := json.Marshal(mirroredEvent{
		Type:        typ,
		Symbol:      ev.EventSymbol(),
		Data:        ev,
		PublishedAt: m.now().UTC(),
	})
	if err != nil {
		m.logger.Warn("marshal event", slog.String("type", typ), slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.bus.Publish(ctx, EventChannel(typ), payload); err != nil {
		m.logger.Warn("publish event", slog.String("type", typ), slog.String("error", err.Error()))
	}
	if err := m.bus.StreamAppend(ctx, EventStream, payload); err != nil {
		m.logger.Warn("append event", slog.String("type", typ), slog.String("error", err.Error()))
	}
}
