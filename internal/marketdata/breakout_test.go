package marketdata

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

func tick(sym string, price, vol float64) domain.Tick {
	return domain.Tick{Symbol: sym, Price: price, Volume: vol, At: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func TestBreakoutAboveResistanceWithDoubleVolume(t *testing.T) {
	d := NewBreakoutDetector(0.1, 0.002)
	first := d.Observe(tick("AAAUSDT", 100, 10))
	assert.Nil(t, first.Breakout, "the first tick only seeds the band")

	obs := d.Observe(tick("AAAUSDT", 100.3, 20))
	require.NotNil(t, obs.Breakout)
	assert.Equal(t, domain.BreakoutUp, obs.Breakout.Direction)
	assert.InDelta(t, 2.0, obs.VolumeRatio, 1e-9)
	assert.InDelta(t, 80.0, obs.Breakout.Confidence, 1e-9)
	assert.LessOrEqual(t, obs.Breakout.Confidence, 95.0)
	assert.InDelta(t, 100.0, obs.Breakout.Level, 1e-9)
	assert.InDelta(t, 0.3, obs.ChangePct, 1e-9)

	b, ok := d.Band("AAAUSDT")
	require.True(t, ok)
	assert.InDelta(t, 100.03, b.Resistance, 1e-9, "resistance moves a tenth of the way to the new high")
	assert.InDelta(t, 100.0, b.Support, 1e-9)
	assert.InDelta(t, 11.0, b.VolumeAvg, 1e-9)
}

func TestBreakoutCases(t *testing.T) {
	tests := []struct {
		name        string
		price       float64
		volume      float64
		wantDir     domain.BreakoutDirection
		wantConf    float64
		description string
	}{
		{
			name:        "inside margin",
			price:       100.1,
			volume:      50,
			description: "a move smaller than the margin is not a breakout",
		},
		{
			name:        "support break",
			price:       99.5,
			volume:      10,
			wantDir:     domain.BreakoutDown,
			wantConf:    60,
			description: "a drop below support is reported with base confidence at average volume",
		},
		{
			name:        "confidence capped",
			price:       101,
			volume:      100,
			wantDir:     domain.BreakoutUp,
			wantConf:    95,
			description: "a tenfold volume spike is capped at 95",
		},
		{
			name:        "thin volume",
			price:       101,
			volume:      0,
			wantDir:     domain.BreakoutUp,
			wantConf:    40,
			description: "no volume lowers confidence below the base",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewBreakoutDetector(0, 0)
			d.Observe(tick("AAAUSDT", 100, 10))
			obs := d.Observe(tick("AAAUSDT", tt.price, tt.volume))
			if tt.wantDir == "" {
				assert.Nil(t, obs.Breakout, tt.description)
				return
			}
			require.NotNil(t, obs.Breakout, tt.description)
			assert.Equal(t, tt.wantDir, obs.Breakout.Direction, tt.description)
			assert.InDelta(t, tt.wantConf, obs.Breakout.Confidence, 1e-9, tt.description)
		})
	}
}

func TestBreakoutConfidenceBounded(t *testing.T) {
	for _, ratio := range []float64{0, 0.5, 1, 2, 10, 1e12, math.Inf(1), math.NaN()} {
		c := breakoutConfidence(ratio)
		assert.False(t, math.IsNaN(c))
		assert.GreaterOrEqual(t, c, 0.0)
		assert.LessOrEqual(t, c, 95.0)
	}
}

func TestBreakoutIgnoresBadTicks(t *testing.T) {
	d := NewBreakoutDetector(0.1, 0.002)
	assert.Nil(t, d.Observe(tick("", 100, 1)).Breakout)
	assert.Nil(t, d.Observe(tick("AAAUSDT", 0, 1)).Breakout)
	assert.Nil(t, d.Observe(tick("AAAUSDT", math.NaN(), 1)).Breakout)
	_, ok := d.Band("AAAUSDT")
	assert.False(t, ok)

	d.Observe(tick("AAAUSDT", 1, 1))
	d.Forget("AAAUSDT")
	_, ok = d.Band("AAAUSDT")
	assert.False(t, ok)
}
