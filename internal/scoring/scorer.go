// Package scoring computes bounded [0,100] confidence scores for listing
// candidates. Scoring is pure computation over its inputs plus a small cache
// of trailing trade statistics; it never performs I/O and never fails.
package scoring

import (
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

const (
	readyBase             = 50.0
	readyExactMatchBonus  = 30.0
	advanceBase           = 40.0
	preReadyBase          = 50.0
	maxCompletenessBonus  = 25.0
	maxActivityBoost      = 20.0
	highPriorityBonus     = 5.0
	advanceActivityScale  = 0.8
	advanceHighPriorityUp = 8.0
	historicalWeight      = 0.1
	minHistorySamples     = 10
	fallbackSuccessRate   = 65.0
	defaultCategoryScore  = 60.0
	categoryWeight        = 0.1
	maxMarketPenalty      = 25.0
	volatilityPenalty     = 15.0
	weekdayBonus          = 3.0
	peakSessionBonus      = 4.0
)

// activityWeights gives each activity type its boost contribution.
var activityWeights = map[domain.ActivityType]float64{
	domain.ActivityLaunchpad:   10,
	domain.ActivityAirdrop:     8,
	domain.ActivitySunShine:    8,
	domain.ActivityCompetition: 6,
	domain.ActivityPromotion:   4,
	domain.ActivityDeposit:     3,
}

var highPriorityActivities = map[domain.ActivityType]bool{
	domain.ActivityLaunchpad: true,
	domain.ActivityAirdrop:   true,
	domain.ActivitySunShine:  true,
}

// categoryKeywords maps project keywords to a category score.
var categoryKeywords = []struct {
	keywords []string
	score    float64
}{
	{[]string{"ai", "agent", "gpt", "neural"}, 90},
	{[]string{"defi", "swap", "dex", "lend", "yield"}, 85},
	{[]string{"layer", "chain", "protocol", "network", "infra"}, 80},
	{[]string{"game", "gaming", "metaverse", "play"}, 75},
	{[]string{"nft", "art", "collectible"}, 70},
	{[]string{"meme", "inu", "doge", "pepe", "cat"}, 65},
}

// MarketConditions supplies the non-positive market adjustment. The risk
// engine implements it.
type MarketConditions interface {
	IsEmergencyModeActive() bool
	IsExtremeVolatility(symbol string) bool
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithMarketConditions enables the market-conditions adjustment.
func WithMarketConditions(mc MarketConditions) Option {
	return func(s *Scorer) { s.market = mc }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// Scorer is the confidence calculator. The zero value is not usable; use New.
type Scorer struct {
	market MarketConditions
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	history *domain.TradeStats
}

// New creates a Scorer.
func New(logger *slog.Logger, opts ...Option) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scorer{
		now:    time.Now,
		logger: logger.With(slog.String("component", "confidence_scorer")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetHistory replaces the cached trailing trade statistics. A scheduled job
// refreshes it from the execution store.
func (s *Scorer) SetHistory(stats domain.TradeStats) {
	s.mu.Lock()
	s.history = &stats
	s.mu.Unlock()
}

// PreReadyScore is the result of ScorePreReady.
type PreReadyScore struct {
	IsPreReady            bool
	Confidence            float64
	EstimatedHoursToReady float64
}

// ScoreReadyState scores a snapshot for the fully-ready pattern.
func (s *Scorer) ScoreReadyState(snap domain.SymbolSnapshot) (score float64) {
	defer s.degrade("ready_state", snap.Symbol, readyBase, &score)

	score = readyBase
	if snap.Codes.IsReady() {
		score += readyExactMatchBonus
	}
	score += snapshotCompleteness(snap)
	if len(snap.Activities) > 0 {
		boost, _ := activityBoost(snap.Activities)
		score += boost
	}
	score += s.historicalBoost()
	score += s.marketAdjustment(snap.Symbol)
	return clamp(score)
}

// ScoreAdvanceOpportunity scores a calendar entry announced advanceHours
// before its open time.
func (s *Scorer) ScoreAdvanceOpportunity(entry domain.CalendarEntry, advanceHours float64) (score float64) {
	defer s.degrade("advance_opportunity", entry.Symbol, readyBase, &score)

	score = advanceBase
	score += advanceTierBonus(advanceHours)
	score += CategoryScore(entry.ProjectName, entry.Tags) * categoryWeight
	score += calendarCompleteness(entry)
	if len(entry.Activities) > 0 {
		boost, high := activityBoost(entry.Activities)
		score += boost * advanceActivityScale
		if high && advanceHours <= 48 {
			score += advanceHighPriorityUp
		}
	}
	score += timingBonus(entry.FirstOpenTime)
	score += s.marketAdjustment(entry.Symbol)
	return clamp(score)
}

// ScorePreReady estimates whether a snapshot is approaching the ready state.
func (s *Scorer) ScorePreReady(snap domain.SymbolSnapshot) (res PreReadyScore) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("pre-ready scoring failed, using base score",
				slog.String("symbol", snap.Symbol), slog.Any("panic", r))
			res = PreReadyScore{Confidence: readyBase}
		}
		res.Confidence = clamp(res.Confidence)
	}()

	if snap.Codes.IsReady() {
		return PreReadyScore{Confidence: preReadyBase}
	}

	conf := preReadyBase
	var hours float64
	switch {
	case snap.Codes.StatusStage == 2 && snap.Codes.State == 1:
		conf += 30
		hours = 2
	case snap.Codes.StatusStage == 1 && snap.Codes.State == 1:
		conf += 20
		hours = 6
	case snap.Codes.StatusStage == 1:
		conf += 10
		hours = 12
	}
	if hours > 0 && snap.Codes.TradingType == domain.ReadyStateCodes.TradingType {
		conf += 5
	}
	conf += snapshotCompleteness(snap) / 2
	if snap.OpenTime != nil {
		if until := snap.OpenTime.Sub(s.now()).Hours(); until > 0 && (hours == 0 || until < hours) {
			hours = until
		}
	}
	conf += s.marketAdjustment(snap.Symbol)

	return PreReadyScore{
		IsPreReady:            hours > 0 && conf > 60,
		Confidence:            conf,
		EstimatedHoursToReady: hours,
	}
}

// degrade replaces a panicking or non-finite score with fallback.
func (s *Scorer) degrade(kind, symbol string, fallback float64, score *float64) {
	if r := recover(); r != nil {
		s.logger.Warn("scoring failed, using base score",
			slog.String("kind", kind),
			slog.String("symbol", symbol),
			slog.Any("panic", r),
		)
		*score = fallback
		return
	}
	if math.IsNaN(*score) || math.IsInf(*score, 0) {
		*score = fallback
	}
}

func (s *Scorer) historicalBoost() float64 {
	s.mu.RLock()
	h := s.history
	s.mu.RUnlock()
	if h == nil {
		return 0
	}
	rate := fallbackSuccessRate
	if h.Total >= minHistorySamples {
		rate = h.SuccessRate()
	}
	return rate * historicalWeight
}

// marketAdjustment is always <= 0.
func (s *Scorer) marketAdjustment(symbol string) float64 {
	if s.market == nil {
		return 0
	}
	if s.market.IsEmergencyModeActive() {
		return -maxMarketPenalty
	}
	if s.market.IsExtremeVolatility(symbol) {
		return -volatilityPenalty
	}
	return 0
}

func snapshotCompleteness(snap domain.SymbolSnapshot) float64 {
	var b float64
	if strings.TrimSpace(snap.CurrencyCode) != "" {
		b += 5
	}
	if strings.TrimSpace(snap.ContractAddress) != "" {
		b += 3
	}
	if snap.PriceScale != nil {
		b += 3
	}
	if snap.QuantityScale != nil {
		b += 3
	}
	if snap.OpenTime != nil && !snap.OpenTime.IsZero() {
		b += 3
	}
	return math.Min(b, maxCompletenessBonus)
}

func calendarCompleteness(e domain.CalendarEntry) float64 {
	var b float64
	if strings.TrimSpace(e.Symbol) != "" {
		b += 5
	}
	if strings.TrimSpace(e.ProjectName) != "" {
		b += 5
	}
	if strings.TrimSpace(e.VcoinID) != "" {
		b += 3
	}
	if !e.FirstOpenTime.IsZero() {
		b += 5
	}
	if e.QuoteAsset != "" {
		b += 2
	}
	return math.Min(b, maxCompletenessBonus)
}

// activityBoost returns the 0..20 boost, +5 when a high-priority activity is
// present, and whether one was found.
func activityBoost(acts []domain.ActivityRecord) (float64, bool) {
	var boost float64
	var high bool
	for _, a := range acts {
		boost += activityWeights[a.Type]
		if highPriorityActivities[a.Type] {
			high = true
		}
	}
	boost = math.Min(boost, maxActivityBoost)
	if high {
		boost += highPriorityBonus
	}
	return boost, high
}

// ActivitySummary builds the ActivityInfo attached to pattern matches.
func ActivitySummary(acts []domain.ActivityRecord) *domain.ActivityInfo {
	if len(acts) == 0 {
		return nil
	}
	boost, high := activityBoost(acts)
	info := &domain.ActivityInfo{
		Count:           len(acts),
		HasHighPriority: high,
		ActivityBoost:   boost,
	}
	seen := make(map[domain.ActivityType]bool, len(acts))
	for _, a := range acts {
		if !seen[a.Type] {
			seen[a.Type] = true
			info.Types = append(info.Types, a.Type)
		}
	}
	return info
}

func advanceTierBonus(hours float64) float64 {
	switch {
	case hours >= 12:
		return 20
	case hours >= 6:
		return 15
	case hours >= 3.5:
		return 10
	}
	return 0
}

// CategoryScore classifies a project by keyword. Unknown projects score 60.
func CategoryScore(projectName string, tags []string) float64 {
	text := strings.ToLower(projectName + " " + strings.Join(tags, " "))
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, cat := range categoryKeywords {
		for _, kw := range cat.keywords {
			for _, w := range words {
				if w == kw {
					return cat.score
				}
			}
		}
	}
	return defaultCategoryScore
}

// timingBonus rewards launches on weekdays and inside the 08:00-16:00 UTC
// peak session.
func timingBonus(open time.Time) float64 {
	if open.IsZero() {
		return 0
	}
	t := open.UTC()
	var b float64
	if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
		b += weekdayBonus
	}
	if h := t.Hour(); h >= 8 && h < 16 {
		b += peakSessionBonus
	}
	return b
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return readyBase
	}
	return math.Max(0, math.Min(100, v))
}
