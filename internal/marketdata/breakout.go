// Package marketdata consumes the live ticker stream, keeps a smoothed
// support/resistance band per symbol, fires price triggers and fans ticks out
// to the rest of the engine.
package marketdata

import (
	"math"
	"sync"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

const (
	DefaultAlpha          = 0.1
	DefaultBreakoutMargin = 0.002

	maxBreakoutConfidence  = 95.0
	baseBreakoutConfidence = 60.0
	// Confidence points per unit of volume ratio above 1.
	volumeConfidenceSlope = 20.0
)

// Observation is the per-tick result of the detector.
type Observation struct {
	ChangePct   float64
	VolumeRatio float64
	Resistance  float64
	Support     float64
	Breakout    *domain.BreakoutDetected
}

type band struct {
	resistance float64
	support    float64
	volumeAvg  float64
	lastPrice  float64
}

// Band is a read-only copy of a symbol's smoothed levels.
type Band struct {
	Symbol     string  `json:"symbol"`
	Resistance float64 `json:"resistance"`
	Support    float64 `json:"support"`
	VolumeAvg  float64 `json:"volume_avg"`
	LastPrice  float64 `json:"last_price"`
}

// BreakoutDetector tracks an exponentially smoothed band per symbol.
type BreakoutDetector struct {
	mu     sync.Mutex
	alpha  float64
	margin float64
	bands  map[string]*band
}

// NewBreakoutDetector creates a detector. Out-of-range parameters fall back
// to the defaults.
func NewBreakoutDetector(alpha, margin float64) *BreakoutDetector {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	if margin <= 0 || margin >= 1 {
		margin = DefaultBreakoutMargin
	}
	return &BreakoutDetector{
		alpha:  alpha,
		margin: margin,
		bands:  make(map[string]*band),
	}
}

// Observe folds a tick into the symbol's band. The first tick for a symbol
// only seeds the band. A breakout is reported when the price clears the
// resistance or support level by more than the margin; at most one is
// reported per tick.
func (d *BreakoutDetector) Observe(t domain.Tick) Observation {
	if t.Symbol == "" || !finitePositive(t.Price) {
		return Observation{}
	}
	vol := t.Volume
	if vol < 0 || math.IsNaN(vol) || math.IsInf(vol, 0) {
		vol = 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.bands[t.Symbol]
	if !ok {
		d.bands[t.Symbol] = &band{
			resistance: t.Price,
			support:    t.Price,
			volumeAvg:  vol,
			lastPrice:  t.Price,
		}
		return Observation{VolumeRatio: 1, Resistance: t.Price, Support: t.Price}
	}

	obs := Observation{
		ChangePct:   (t.Price - b.lastPrice) / b.lastPrice * 100,
		VolumeRatio: 1,
		Resistance:  b.resistance,
		Support:     b.support,
	}
	if b.volumeAvg > 0 {
		obs.VolumeRatio = vol / b.volumeAvg
	}

	switch {
	case t.Price > b.resistance*(1+d.margin):
		obs.Breakout = d.breakout(t, domain.BreakoutUp, b.resistance, obs)
	case t.Price < b.support*(1-d.margin):
		obs.Breakout = d.breakout(t, domain.BreakoutDown, b.support, obs)
	}

	if t.Price > b.resistance {
		b.resistance += d.alpha * (t.Price - b.resistance)
	}
	if t.Price < b.support {
		b.support += d.alpha * (t.Price - b.support)
	}
	b.volumeAvg += d.alpha * (vol - b.volumeAvg)
	b.lastPrice = t.Price
	return obs
}

func (d *BreakoutDetector) breakout(t domain.Tick, dir domain.BreakoutDirection, level float64, obs Observation) *domain.BreakoutDetected {
	return &domain.BreakoutDetected{
		Symbol:         t.Symbol,
		Direction:      dir,
		Price:          t.Price,
		Level:          level,
		PriceChangePct: obs.ChangePct,
		VolumeRatio:    obs.VolumeRatio,
		Volume:         t.Volume,
		Confidence:     breakoutConfidence(obs.VolumeRatio),
		At:             t.At,
	}
}

func breakoutConfidence(volumeRatio float64) float64 {
	c := baseBreakoutConfidence + (volumeRatio-1)*volumeConfidenceSlope
	switch {
	case math.IsNaN(c):
		return baseBreakoutConfidence
	case c > maxBreakoutConfidence:
		return maxBreakoutConfidence
	case c < 0:
		return 0
	}
	return c
}

// Band returns the current levels for symbol.
func (d *BreakoutDetector) Band(symbol string) (Band, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bands[symbol]
	if !ok {
		return Band{}, false
	}
	return Band{
		Symbol:     symbol,
		Resistance: b.resistance,
		Support:    b.support,
		VolumeAvg:  b.volumeAvg,
		LastPrice:  b.lastPrice,
	}, true
}

// Forget drops the band for symbol.
func (d *BreakoutDetector) Forget(symbol string) {
	d.mu.Lock()
	delete(d.bands, symbol)
	d.mu.Unlock()
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
