// Package pattern applies the listing detection rules across symbol and
// calendar batches and publishes the matches on the event bus.
package pattern

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/scoring"
)

const (
	DefaultConfidenceThreshold = 70.0
	DefaultMinAdvanceHours     = 3.5
	// Advance opportunities further out than this are only monitored.
	monitorHorizonHours = 12.0
	// Correlation groups weaker than this are not reported.
	minCorrelationStrength = 0.2
)

// Scorer is the subset of the confidence scorer the analyzer uses.
type Scorer interface {
	ScoreReadyState(snap domain.SymbolSnapshot) float64
	ScoreAdvanceOpportunity(entry domain.CalendarEntry, advanceHours float64) float64
	ScorePreReady(snap domain.SymbolSnapshot) scoring.PreReadyScore
}

// Publisher receives the batch event.
type Publisher interface {
	Publish(ev domain.MarketEvent)
}

// Config holds analyzer thresholds.
type Config struct {
	ConfidenceThreshold float64
	MinAdvanceHours     float64
}

// Request is one analysis batch. A non-nil ConfidenceThreshold overrides
// the configured threshold for this call only.
type Request struct {
	Snapshots           []domain.SymbolSnapshot
	Calendar            []domain.CalendarEntry
	ConfidenceThreshold *float64
	Now                 time.Time
}

// Summary aggregates a batch.
type Summary struct {
	Total               int
	ReadyState          int
	PreReady            int
	Advance             int
	Correlation         int
	AverageConfidence   float64
	AverageAdvanceHours float64
}

// Result is the outcome of Analyze.
type Result struct {
	Matches      []domain.PatternMatch
	Correlations []domain.CorrelationAnalysis
	Summary      Summary
	Duration     time.Duration
}

// Analyzer is stateless apart from counters.
type Analyzer struct {
	scorer    Scorer
	publisher Publisher
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	errors  atomic.Int64
	batches atomic.Int64
}

// NewAnalyzer creates an Analyzer. publisher may be nil.
func NewAnalyzer(scorer Scorer, publisher Publisher, cfg Config, logger *slog.Logger) *Analyzer {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.MinAdvanceHours <= 0 {
		cfg.MinAdvanceHours = DefaultMinAdvanceHours
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		scorer:    scorer,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "pattern_analyzer")),
	}
}

// ErrorCount returns the number of detector failures so far.
func (a *Analyzer) ErrorCount() int64 { return a.errors.Load() }

// BatchCount returns the number of completed Analyze calls.
func (a *Analyzer) BatchCount() int64 { return a.batches.Load() }

func (a *Analyzer) threshold(override *float64) float64 {
	if override != nil {
		return *override
	}
	return a.cfg.ConfidenceThreshold
}

// guard converts a detector panic into an empty result and counts it.
func guard[T any](a *Analyzer, name string, fn func() []T) (out []T) {
	defer func() {
		if r := recover(); r != nil {
			a.errors.Add(1)
			a.logger.Error("detector failed",
				slog.String("detector", name),
				slog.String("error", fmt.Sprint(r)),
			)
			out = []T{}
		}
	}()
	out = fn()
	if out == nil {
		out = []T{}
	}
	return out
}

// DetectReadyState returns snapshots that exactly match the ready triple and
// score at or above the threshold.
func (a *Analyzer) DetectReadyState(snaps []domain.SymbolSnapshot, threshold *float64) []domain.PatternMatch {
	floor := a.threshold(threshold)
	return guard(a, "ready_state", func() []domain.PatternMatch {
		var out []domain.PatternMatch
		for _, s := range snaps {
			if !s.Codes.IsReady() {
				continue
			}
			conf := a.scorer.ScoreReadyState(s)
			if conf < floor {
				continue
			}
			out = append(out, domain.PatternMatch{
				ID:             uuid.NewString(),
				Symbol:         s.Symbol,
				VcoinID:        s.VcoinID,
				PatternType:    domain.PatternReadyState,
				Confidence:     conf,
				Recommendation: domain.RecommendImmediateAction,
				ActivityInfo:   scoring.ActivitySummary(s.Activities),
				DetectedAt:     a.now(),
			})
		}
		return out
	})
}

// DetectPreReady returns snapshots that are approaching the ready state.
func (a *Analyzer) DetectPreReady(snaps []domain.SymbolSnapshot, threshold *float64) []domain.PatternMatch {
	floor := a.threshold(threshold)
	return guard(a, "pre_ready", func() []domain.PatternMatch {
		var out []domain.PatternMatch
		for _, s := range snaps {
			res := a.scorer.ScorePreReady(s)
			if !res.IsPreReady || res.Confidence < floor {
				continue
			}
			eta := time.Duration(res.EstimatedHoursToReady * float64(time.Hour))
			out = append(out, domain.PatternMatch{
				ID:                   uuid.NewString(),
				Symbol:               s.Symbol,
				VcoinID:              s.VcoinID,
				PatternType:          domain.PatternPreReady,
				Confidence:           res.Confidence,
				AdvanceNoticeHours:   res.EstimatedHoursToReady,
				EstimatedTimeToReady: eta,
				Recommendation:       domain.RecommendMonitorClosely,
				ActivityInfo:         scoring.ActivitySummary(s.Activities),
				DetectedAt:           a.now(),
			})
		}
		return out
	})
}

// DetectAdvanceOpportunities returns calendar entries announced far enough
// ahead of their open time.
func (a *Analyzer) DetectAdvanceOpportunities(entries []domain.CalendarEntry, now time.Time, threshold *float64) []domain.PatternMatch {
	floor := a.threshold(threshold)
	return guard(a, "advance_opportunity", func() []domain.PatternMatch {
		var out []domain.PatternMatch
		for _, e := range entries {
			hours := e.FirstOpenTime.Sub(now).Hours()
			if hours < a.cfg.MinAdvanceHours {
				continue
			}
			conf := a.scorer.ScoreAdvanceOpportunity(e, hours)
			if conf < floor {
				continue
			}
			launch := e.FirstOpenTime
			out = append(out, domain.PatternMatch{
				ID:                   uuid.NewString(),
				Symbol:               e.Symbol,
				VcoinID:              e.VcoinID,
				PatternType:          domain.PatternLaunchSequence,
				Confidence:           conf,
				AdvanceNoticeHours:   hours,
				EstimatedTimeToReady: launch.Sub(now),
				Recommendation:       Categorize(hours),
				LaunchTime:           &launch,
				ActivityInfo:         scoring.ActivitySummary(e.Activities),
				DetectedAt:           a.now(),
			})
		}
		return out
	})
}

// Categorize maps hours-until-launch to a recommendation bucket.
func Categorize(advanceHours float64) domain.Recommendation {
	switch {
	case advanceHours <= 0:
		return domain.RecommendImmediateAction
	case advanceHours > monitorHorizonHours:
		return domain.RecommendMonitorClosely
	default:
		return domain.RecommendPrepareEntry
	}
}

// Buckets groups matches by recommendation.
type Buckets struct {
	Immediate []domain.PatternMatch
	Monitor   []domain.PatternMatch
	Prepare   []domain.PatternMatch
}

// Bucket splits matches by their recommendation tag.
func Bucket(matches []domain.PatternMatch) Buckets {
	var b Buckets
	for _, m := range matches {
		switch m.Recommendation {
		case domain.RecommendImmediateAction:
			b.Immediate = append(b.Immediate, m)
		case domain.RecommendMonitorClosely:
			b.Monitor = append(b.Monitor, m)
		case domain.RecommendPrepareEntry:
			b.Prepare = append(b.Prepare, m)
		}
	}
	return b
}

// AnalyzeCorrelations groups symbols that share a listing state and reports
// groups large enough to suggest a coordinated launch wave.
func (a *Analyzer) AnalyzeCorrelations(snaps []domain.SymbolSnapshot) []domain.CorrelationAnalysis {
	return guard(a, "correlation", func() []domain.CorrelationAnalysis {
		if len(snaps) < 2 {
			return nil
		}
		groups := make(map[domain.StatusCodes][]string)
		for _, s := range snaps {
			groups[s.Codes] = append(groups[s.Codes], s.Symbol)
		}

		var out []domain.CorrelationAnalysis
		for codes, symbols := range groups {
			if len(symbols) < 2 {
				continue
			}
			strength := float64(len(symbols)) / float64(len(snaps))
			if strength < minCorrelationStrength {
				continue
			}
			sort.Strings(symbols)
			ca := domain.CorrelationAnalysis{
				Symbols:         symbols,
				CorrelationType: "status_sync",
				Strength:        strength,
				Insights: []string{fmt.Sprintf("%d symbols share state sts:%d st:%d tt:%d",
					len(symbols), codes.StatusStage, codes.State, codes.TradingType)},
			}
			if codes.IsReady() {
				ca.CorrelationType = "launch_timing"
				ca.Recommendations = append(ca.Recommendations, "stagger entries to limit correlated exposure")
			} else {
				ca.Recommendations = append(ca.Recommendations, "monitor the group for a simultaneous launch")
			}
			out = append(out, ca)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Strength != out[j].Strength {
				return out[i].Strength > out[j].Strength
			}
			return out[i].Symbols[0] < out[j].Symbols[0]
		})
		return out
	})
}

// Analyze runs every detector over the batch. A failing detector contributes
// nothing but does not stop the others. The filtered matches are published
// as a single PatternsDetected event.
func (a *Analyzer) Analyze(req Request) Result {
	start := time.Now()
	now := req.Now
	if now.IsZero() {
		now = a.now()
	}

	ready := a.DetectReadyState(req.Snapshots, req.ConfidenceThreshold)
	pre := a.DetectPreReady(req.Snapshots, req.ConfidenceThreshold)
	adv := a.DetectAdvanceOpportunities(req.Calendar, now, req.ConfidenceThreshold)
	corr := a.AnalyzeCorrelations(req.Snapshots)

	matches := make([]domain.PatternMatch, 0, len(ready)+len(pre)+len(adv)+len(corr))
	matches = append(matches, ready...)
	matches = append(matches, pre...)
	matches = append(matches, adv...)

	floor := a.threshold(req.ConfidenceThreshold)
	var corrMatches int
	for _, c := range corr {
		conf := c.Strength * 100
		if conf < floor {
			continue
		}
		corrMatches++
		for _, sym := range c.Symbols {
			matches = append(matches, domain.PatternMatch{
				ID:             uuid.NewString(),
				Symbol:         sym,
				PatternType:    domain.PatternCorrelation,
				Confidence:     conf,
				Recommendation: domain.RecommendMonitorClosely,
				DetectedAt:     now,
			})
		}
	}

	sum := Summary{
		Total:       len(matches),
		ReadyState:  len(ready),
		PreReady:    len(pre),
		Advance:     len(adv),
		Correlation: corrMatches,
	}
	sum.AverageConfidence, sum.AverageAdvanceHours = averages(matches)

	res := Result{
		Matches:      matches,
		Correlations: corr,
		Summary:      sum,
		Duration:     time.Since(start),
	}
	a.batches.Add(1)

	if a.publisher != nil && len(matches) > 0 {
		a.publisher.Publish(domain.PatternsDetected{
			Matches:             matches,
			AverageConfidence:   sum.AverageConfidence,
			AverageAdvanceHours: sum.AverageAdvanceHours,
			DetectedAt:          now,
		})
	}

	a.logger.Debug("analysis complete",
		slog.Int("matches", sum.Total),
		slog.Int("ready", sum.ReadyState),
		slog.Int("pre_ready", sum.PreReady),
		slog.Int("advance", sum.Advance),
		slog.Duration("took", res.Duration),
	)
	return res
}

func averages(matches []domain.PatternMatch) (conf, advance float64) {
	if len(matches) == 0 {
		return 0, 0
	}
	for _, m := range matches {
		conf += m.Confidence
		advance += m.AdvanceNoticeHours
	}
	n := float64(len(matches))
	return conf / n, advance / n
}
