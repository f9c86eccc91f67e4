package pattern

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/scoring"
)

type stubScorer struct {
	ready    float64
	advance  float64
	preReady scoring.PreReadyScore
	panicOn  string
}

func (s stubScorer) ScoreReadyState(domain.SymbolSnapshot) float64 {
	if s.panicOn == "ready" {
		panic("ready scorer exploded")
	}
	return s.ready
}

func (s stubScorer) ScoreAdvanceOpportunity(domain.CalendarEntry, float64) float64 {
	return s.advance
}

func (s stubScorer) ScorePreReady(domain.SymbolSnapshot) scoring.PreReadyScore {
	return s.preReady
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.MarketEvent
}

func (p *recordingPublisher) Publish(ev domain.MarketEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

var now = time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

func snapshots() []domain.SymbolSnapshot {
	return []domain.SymbolSnapshot{
		{Symbol: "AAAUSDT", Codes: domain.ReadyStateCodes},
		{Symbol: "BBBUSDT", Codes: domain.StatusCodes{StatusStage: 2, State: 1, TradingType: 4}},
		{Symbol: "CCCUSDT", Codes: domain.ReadyStateCodes},
	}
}

func TestDetectReadyStateThreshold(t *testing.T) {
	a := NewAnalyzer(stubScorer{ready: 72}, nil, Config{}, nil)

	got := a.DetectReadyState(snapshots(), nil)
	require.Len(t, got, 2)
	for _, m := range got {
		assert.Equal(t, domain.PatternReadyState, m.PatternType)
		assert.Equal(t, domain.RecommendImmediateAction, m.Recommendation)
	}

	high := 80.0
	assert.Empty(t, a.DetectReadyState(snapshots(), &high), "per-request override raises the floor")

	low := 50.0
	assert.Len(t, NewAnalyzer(stubScorer{ready: 60}, nil, Config{}, nil).DetectReadyState(snapshots(), &low), 2)
}

func TestDetectPreReady(t *testing.T) {
	a := NewAnalyzer(stubScorer{preReady: scoring.PreReadyScore{IsPreReady: true, Confidence: 85, EstimatedHoursToReady: 2}}, nil, Config{}, nil)
	got := a.DetectPreReady(snapshots()[1:2], nil)
	require.Len(t, got, 1)
	assert.Equal(t, domain.PatternPreReady, got[0].PatternType)
	assert.Equal(t, 2*time.Hour, got[0].EstimatedTimeToReady)
	assert.Equal(t, domain.RecommendMonitorClosely, got[0].Recommendation)
}

func TestDetectAdvanceOpportunities(t *testing.T) {
	a := NewAnalyzer(stubScorer{advance: 75}, nil, Config{}, nil)
	entries := []domain.CalendarEntry{
		{Symbol: "SOONUSDT", FirstOpenTime: now.Add(2 * time.Hour)},
		{Symbol: "PREPUSDT", FirstOpenTime: now.Add(6 * time.Hour)},
		{Symbol: "FARUSDT", FirstOpenTime: now.Add(30 * time.Hour)},
	}

	got := a.DetectAdvanceOpportunities(entries, now, nil)
	require.Len(t, got, 2, "entries under the minimum advance window are skipped")
	assert.Equal(t, "PREPUSDT", got[0].Symbol)
	assert.Equal(t, domain.RecommendPrepareEntry, got[0].Recommendation)
	assert.InDelta(t, 6.0, got[0].AdvanceNoticeHours, 1e-9)
	assert.Equal(t, domain.RecommendMonitorClosely, got[1].Recommendation)
	require.NotNil(t, got[1].LaunchTime)
}

func TestCategorizeAndBucket(t *testing.T) {
	assert.Equal(t, domain.RecommendImmediateAction, Categorize(0))
	assert.Equal(t, domain.RecommendPrepareEntry, Categorize(4))
	assert.Equal(t, domain.RecommendMonitorClosely, Categorize(24))

	b := Bucket([]domain.PatternMatch{
		{Recommendation: domain.RecommendImmediateAction},
		{Recommendation: domain.RecommendPrepareEntry},
		{Recommendation: domain.RecommendPrepareEntry},
	})
	assert.Len(t, b.Immediate, 1)
	assert.Len(t, b.Prepare, 2)
	assert.Empty(t, b.Monitor)
}

func TestAnalyzeCorrelations(t *testing.T) {
	a := NewAnalyzer(stubScorer{}, nil, Config{}, nil)
	got := a.AnalyzeCorrelations(snapshots())
	require.Len(t, got, 1)
	assert.Equal(t, []string{"AAAUSDT", "CCCUSDT"}, got[0].Symbols)
	assert.Equal(t, "launch_timing", got[0].CorrelationType)
	assert.InDelta(t, 2.0/3.0, got[0].Strength, 1e-9)

	assert.Empty(t, a.AnalyzeCorrelations(snapshots()[:1]))
}

func TestAnalyzeIsolatesFailingDetector(t *testing.T) {
	pub := &recordingPublisher{}
	a := NewAnalyzer(stubScorer{
		panicOn:  "ready",
		advance:  80,
		preReady: scoring.PreReadyScore{IsPreReady: true, Confidence: 90, EstimatedHoursToReady: 2},
	}, pub, Config{}, nil)

	res := a.Analyze(Request{
		Snapshots: snapshots(),
		Calendar:  []domain.CalendarEntry{{Symbol: "NEWUSDT", FirstOpenTime: now.Add(10 * time.Hour)}},
		Now:       now,
	})

	assert.Equal(t, int64(1), a.ErrorCount())
	assert.Zero(t, res.Summary.ReadyState)
	assert.Equal(t, 3, res.Summary.PreReady, "stub marks every snapshot as pre-ready")
	assert.Equal(t, 1, res.Summary.Advance)
	assert.Equal(t, int64(1), a.BatchCount())

	require.Len(t, pub.events, 1)
	ev, ok := pub.events[0].(domain.PatternsDetected)
	require.True(t, ok)
	assert.Len(t, ev.Matches, res.Summary.Total)
	assert.InDelta(t, res.Summary.AverageConfidence, ev.AverageConfidence, 1e-9)
	assert.InDelta(t, res.Summary.AverageAdvanceHours, ev.AverageAdvanceHours, 1e-9)
}

func TestAnalyzeWithoutMatchesDoesNotPublish(t *testing.T) {
	pub := &recordingPublisher{}
	a := NewAnalyzer(stubScorer{ready: 10, advance: 10}, pub, Config{}, nil)
	res := a.Analyze(Request{Snapshots: snapshots()[:1], Now: now})
	assert.Zero(t, res.Summary.Total)
	assert.Empty(t, pub.events)
}
