package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

type recordingBus struct {
	published map[string][][]byte
	streamed  map[string][][]byte
	failAll   bool
}

func newRecordingBus() *recordingBus {
	return &recordingBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	if b.failAll {
		return errors.New("down")
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	if b.failAll {
		return errors.New("down")
	}
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestEventMirror(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		event       domain.MarketEvent
		wantType    string
		wantSymbol  string
		description string
	}{
		{
			name:        "breakout",
			event:       domain.BreakoutDetected{Symbol: "AAAUSDT", Direction: domain.BreakoutUp, Price: 100.3, Confidence: 80, At: at},
			wantType:    "breakout_detected",
			wantSymbol:  "AAAUSDT",
			description: "breakouts carry their symbol",
		},
		{
			name:        "trigger fired",
			event:       domain.PriceTriggerFired{Trigger: domain.PriceTrigger{ID: "t1", Symbol: "BBBUSDT"}, Price: 2, At: at},
			wantType:    "price_trigger_fired",
			wantSymbol:  "BBBUSDT",
			description: "fired triggers use the trigger symbol",
		},
		{
			name:        "pattern batch",
			event:       domain.PatternsDetected{AverageConfidence: 75, DetectedAt: at},
			wantType:    "patterns_detected",
			description: "batches have no single symbol",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newRecordingBus()
			m := NewEventMirror(bus, nil)
			m.now = func() time.Time { return at }
			m.Handle(tt.event)

			pub := bus.published[EventChannel(tt.wantType)]
			require.Len(t, pub, 1, tt.description)
			require.Len(t, bus.streamed[EventStream], 1, tt.description)
			assert.Equal(t, pub[0], bus.streamed[EventStream][0])

			var env struct {
				Type        string          `json:"type"`
				Symbol      string          `json:"symbol"`
				Data        json.RawMessage `json:"data"`
				PublishedAt time.Time       `json:"published_at"`
			}
			require.NoError(t, json.Unmarshal(pub[0], &env))
			assert.Equal(t, tt.wantType, env.Type)
			assert.Equal(t, tt.wantSymbol, env.Symbol, tt.description)
			assert.True(t, env.PublishedAt.Equal(at))
			assert.NotEmpty(t, env.Data)
		})
	}
}

func TestEventMirrorSwallowsErrors(t *testing.T) {
	bus := newRecordingBus()
	bus.failAll = true
	m := NewEventMirror(bus, nil)
	assert.NotPanics(t, func() { m.Handle(domain.BreakoutDetected{Symbol: "AAAUSDT"}) })
	assert.Empty(t, bus.published)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "sniper:lock:AAAUSDT:buy:*", lockKey("AAAUSDT:buy:*"))
	assert.Equal(t, "sniper:price:AAAUSDT", priceKey("AAAUSDT"))
	assert.Equal(t, "sniper:ratelimit:mexc:signed", rateLimitKey("mexc:signed"))
	assert.Equal(t, "sniper:events:breakout_detected", EventChannel("breakout_detected"))
	assert.True(t, hasPattern("sniper:events:*"))
	assert.False(t, hasPattern("sniper:events:breakout_detected"))
}

func TestParsePriceHash(t *testing.T) {
	tests := []struct {
		name   string
		vals   map[string]string
		wantOK bool
		want   float64
	}{
		{name: "complete", vals: map[string]string{"price": "2.5", "ts": "1700000000000000000"}, wantOK: true, want: 2.5},
		{name: "missing price", vals: map[string]string{"ts": "1"}},
		{name: "bad ts", vals: map[string]string{"price": "2.5", "ts": "x"}},
		{name: "empty", vals: map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, ts, ok := parsePriceHash(tt.vals)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, price)
				assert.Equal(t, time.Unix(0, 1700000000000000000).UTC(), ts)
			}
		})
	}
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
	assert.Contains(t, slidingWindowLua, "ARGV[4]")
}
