package domain

import "time"

// PatternType identifies the rule that produced a PatternMatch.
type PatternType string

const (
	PatternReadyState     PatternType = "ready_state"
	PatternPreReady       PatternType = "pre_ready"
	PatternLaunchSequence PatternType = "launch_sequence"
	PatternCorrelation    PatternType = "correlation"
)

// Recommendation is the action bucket attached to a match.
type Recommendation string

const (
	RecommendImmediateAction Recommendation = "immediate_action"
	RecommendMonitorClosely  Recommendation = "monitor_closely"
	RecommendPrepareEntry    Recommendation = "prepare_entry"
)

// ActivityInfo summarises the activities that contributed to a score.
type ActivityInfo struct {
	Count           int            `json:"count"`
	Types           []ActivityType `json:"types"`
	HasHighPriority bool           `json:"has_high_priority"`
	ActivityBoost   float64        `json:"activity_boost"`
}

// PatternMatch is a single detection result. It is not mutated after
// creation; a newer match for the same symbol supersedes it.
type PatternMatch struct {
	ID                   string         `json:"id"`
	Symbol               string         `json:"symbol"`
	VcoinID              string         `json:"vcoin_id,omitempty"`
	PatternType          PatternType    `json:"pattern_type"`
	Confidence           float64        `json:"confidence"`
	AdvanceNoticeHours   float64        `json:"advance_notice_hours"`
	EstimatedTimeToReady time.Duration  `json:"estimated_time_to_ready"`
	Recommendation       Recommendation `json:"recommendation"`
	LaunchTime           *time.Time     `json:"launch_time,omitempty"`
	ActivityInfo         *ActivityInfo  `json:"activity_info,omitempty"`
	DetectedAt           time.Time      `json:"detected_at"`
}

// CorrelationAnalysis describes symbols that move through listing states
// together.
type CorrelationAnalysis struct {
	Symbols         []string `json:"symbols"`
	CorrelationType string   `json:"correlation_type"`
	Strength        float64  `json:"strength"`
	Insights        []string `json:"insights"`
	Recommendations []string `json:"recommendations"`
}
