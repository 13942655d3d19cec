// Package policy holds the tunable integrity policy: severity weights,
// escalation thresholds, score decay, and the cadence of ingestion
// debouncing and heartbeat supervision.  All score arithmetic is in
// integer centipoints (100 cp = 1 point on the 0-100 scale) so a
// replayed event log reproduces the exact score trajectory.
package policy

import (
	"time"

	"github.com/invigil-io/invigil/internal/proctor/types"
)

// Scale is the number of centipoints per score point.
const Scale = 100

// MaxScoreCp is the score ceiling (100 points) in centipoints.
const MaxScoreCp = 100 * Scale

// Policy is the complete tunable policy surface.  Values are plain data
// loaded from a TOML file; nothing here is business logic baked in code.
type Policy struct {
	// Weights maps severity to the base point delta an event of that
	// severity contributes at confidence 1.0.
	Weights map[types.Severity]int

	// FlagThreshold is the score (points) at or above which a submitted
	// session is flagged for review, and above which the decay floor
	// becomes sticky.
	FlagThreshold int

	// TerminateThreshold is the score (points) at or above which an
	// in-progress session is terminated automatically.
	TerminateThreshold int

	// AutoDisqualify enables the hard auto-disqualify rule.  When off,
	// termination only ends the session and the decision stays with a
	// human reviewer.
	AutoDisqualify bool

	// DisqualifyThreshold is the score (points) at or above which the
	// auto-disqualify rule, when enabled, writes decision=disqualified.
	DisqualifyThreshold int

	// DecayPerMinute is how many points the score decays toward the
	// floor per minute without new events.  0 disables decay.
	DecayPerMinute int

	// DecayFloor is the baseline (points) the score decays toward.
	DecayFloor int

	// DebounceWindow merges events of the same kind and detector that
	// arrive within this window of each other.
	DebounceWindow time.Duration

	// HeartbeatInterval is the expected client pulse cadence.
	HeartbeatInterval time.Duration

	// SweepInterval is how often the liveness supervisor runs.
	SweepInterval time.Duration

	// StallIntervals is how many missed heartbeat intervals produce a
	// synthetic heartbeat_timeout event.
	StallIntervals int

	// AbandonIntervals is how many missed heartbeat intervals terminate
	// the session as abandoned.  0 disables hard abandonment.
	AbandonIntervals int
}

// Default returns the documented default policy.
func Default() Policy {
	return Policy{
		Weights: map[types.Severity]int{
			types.SeverityLow:      2,
			types.SeverityMedium:   5,
			types.SeverityHigh:     12,
			types.SeverityCritical: 25,
		},
		FlagThreshold:       50,
		TerminateThreshold:  75,
		AutoDisqualify:      false,
		DisqualifyThreshold: 90,
		DecayPerMinute:      1,
		DecayFloor:          0,
		DebounceWindow:      2 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		SweepInterval:       10 * time.Second,
		StallIntervals:      3,
		AbandonIntervals:    6,
	}
}

// DeltaCp is the score contribution of one event in centipoints:
// the severity weight scaled by the detector confidence (per-mille).
// Low-confidence detections cannot cross thresholds on their own.
func (p Policy) DeltaCp(sev types.Severity, confidencePm int64) int64 {
	if confidencePm < 0 {
		confidencePm = 0
	}
	if confidencePm > 1000 {
		confidencePm = 1000
	}
	return int64(p.Weights[sev]) * Scale * confidencePm / 1000
}

// DecayCp returns the decay (centipoints) accumulated over elapsed time.
func (p Policy) DecayCp(elapsed time.Duration) int64 {
	if p.DecayPerMinute <= 0 || elapsed <= 0 {
		return 0
	}
	// Integer math on whole seconds keeps replays exact.
	return int64(p.DecayPerMinute) * Scale * int64(elapsed/time.Second) / 60
}

// FlagThresholdCp, TerminateThresholdCp and DisqualifyThresholdCp are
// the point thresholds in centipoints.
func (p Policy) FlagThresholdCp() int64       { return int64(p.FlagThreshold) * Scale }
func (p Policy) TerminateThresholdCp() int64  { return int64(p.TerminateThreshold) * Scale }
func (p Policy) DisqualifyThresholdCp() int64 { return int64(p.DisqualifyThreshold) * Scale }
func (p Policy) DecayFloorCp() int64          { return int64(p.DecayFloor) * Scale }

// StallAfter is how long a session may go without a pulse before the
// supervisor records a heartbeat_timeout violation.
func (p Policy) StallAfter() time.Duration {
	return time.Duration(p.StallIntervals) * p.HeartbeatInterval
}

// AbandonAfter is how long a session may go without a pulse before it
// is terminated as abandoned.  Zero means never.
func (p Policy) AbandonAfter() time.Duration {
	if p.AbandonIntervals <= 0 {
		return 0
	}
	return time.Duration(p.AbandonIntervals) * p.HeartbeatInterval
}

// Recommendation bands, shared by the report builder and anything that
// renders risk to humans.  The bands are the same thresholds the state
// machine escalates on, so UI and automated policy never disagree.
const (
	RecommendationHighRisk   = "High Risk"
	RecommendationMediumRisk = "Medium Risk"
	RecommendationLowRisk    = "Low Risk"
	RecommendationClean      = "Clean"
)

// Recommendation maps a final score (centipoints) and the presence of
// critical events to a review recommendation.  A session that ever saw
// a critical event is never rated below High Risk.
func (p Policy) Recommendation(scoreCp int64, criticalSeen bool) string {
	if criticalSeen || scoreCp >= p.TerminateThresholdCp() {
		return RecommendationHighRisk
	}
	switch {
	case scoreCp >= p.FlagThresholdCp():
		return RecommendationMediumRisk
	case scoreCp >= 25*Scale:
		return RecommendationLowRisk
	default:
		return RecommendationClean
	}
}

// Source provides the current policy to long-running components.  A
// hot-reloading loader satisfies this; tests use Static.
type Source interface {
	Current() Policy
}

type staticSource struct{ p Policy }

func (s staticSource) Current() Policy { return s.p }

// Static wraps a fixed policy as a Source.
func Static(p Policy) Source { return staticSource{p: p} }
