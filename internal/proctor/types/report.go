package types

import "time"

// KindSummary aggregates a session's events of one kind for review.
type KindSummary struct {
	Kind        ViolationKind `json:"kind"`
	Count       int           `json:"count"`
	MaxSeverity Severity      `json:"max_severity"`
	FirstAt     time.Time     `json:"first_at"`
	LastAt      time.Time     `json:"last_at"`
}

// TimelinePoint is one step of the score trajectory in report form.
type TimelinePoint struct {
	At      time.Time `json:"at"`
	Score   float64   `json:"score"`
	EventID string    `json:"event_id,omitempty"`
}

// Report is the human-review summary of a session.
type Report struct {
	SessionID string       `json:"session_id"`
	StudentID string       `json:"student_id"`
	ExamID    string       `json:"exam_id"`
	State     SessionState `json:"state"`

	Score        float64   `json:"score"`
	PeakScore    float64   `json:"peak_score"`
	CriticalSeen bool      `json:"critical_seen"`
	Decision     *Decision `json:"decision,omitempty"`
	EndReason    string    `json:"end_reason,omitempty"`

	EventsByKind []KindSummary   `json:"events_by_kind"`
	Timeline     []TimelinePoint `json:"timeline"`

	// Recommendation is computed by the same policy function the state
	// machine thresholds come from, so UI and automation agree.
	Recommendation string `json:"recommendation"`
}
