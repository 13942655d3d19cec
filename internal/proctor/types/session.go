package types

import "time"

// SessionState is the lifecycle state of a monitored exam attempt.
type SessionState string

const (
	StatePending    SessionState = "pending"
	StateVerified   SessionState = "verified"
	StateInProgress SessionState = "in_progress"
	StateCompleted  SessionState = "completed"
	StateFlagged    SessionState = "flagged"
	StateTerminated SessionState = "terminated"
)

// Terminal reports whether no further lifecycle transition is possible.
// Flagged and terminated sessions still accept exactly one decision write.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFlagged, StateTerminated:
		return true
	}
	return false
}

// Decision is the final disposition of a session, written exactly once
// by a reviewer (or by the optional auto-disqualify policy).
type Decision string

const (
	DecisionCleared          Decision = "cleared"
	DecisionWarning          Decision = "warning"
	DecisionFlaggedForReview Decision = "flagged_for_review"
	DecisionDisqualified     Decision = "disqualified"
)

// ParseDecision validates a reviewer-supplied decision string.
func ParseDecision(s string) (Decision, bool) {
	switch Decision(s) {
	case DecisionCleared, DecisionWarning, DecisionFlaggedForReview, DecisionDisqualified:
		return Decision(s), true
	}
	return "", false
}

// Session is one exam attempt under integrity monitoring.  The score
// fields are integer centipoints (100 cp = 1 point on the 0-100 scale)
// so replayed event logs reproduce scores exactly.
type Session struct {
	ID        string       `json:"id"`
	StudentID string       `json:"student_id"`
	ExamID    string       `json:"exam_id"`
	State     SessionState `json:"state"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	FaceVerified       bool       `json:"face_verified"`
	EnvironmentChecked bool       `json:"environment_checked"`
	VerifiedAt         *time.Time `json:"verified_at,omitempty"`

	ScoreCp      int64 `json:"score_cp"`
	PeakScoreCp  int64 `json:"peak_score_cp"`
	CriticalSeen bool  `json:"critical_seen"`

	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	Decision *Decision `json:"decision,omitempty"`

	// EndReason carries the human-readable explanation for an early
	// termination.  Sessions are never ended silently.
	EndReason string `json:"end_reason,omitempty"`
}

// Score returns the suspicion score in points on the 0-100 scale.
func (s Session) Score() float64 { return float64(s.ScoreCp) / 100 }

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	StudentID string `json:"student_id"`
	ExamID    string `json:"exam_id"`
}

// DecisionRequest is the body of POST /v1/sessions/{id}/decision.
type DecisionRequest struct {
	Decision string `json:"decision"`
	Reviewer string `json:"reviewer,omitempty"`
}

// HeartbeatRequest is the body of POST /v1/sessions/{id}/heartbeat.
type HeartbeatRequest struct {
	ObservedStatus string `json:"observed_status,omitempty"`
}
