package types

import "time"

// Severity grades how serious a single violation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a caller-supplied severity string.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), true
	}
	return "", false
}

// rank orders severities for max-merge during deduplication.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// MaxSeverity returns the more serious of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ViolationKind is the closed set of classified incident kinds.
type ViolationKind string

const (
	KindFaceNotDetected    ViolationKind = "face_not_detected"
	KindMultipleFaces      ViolationKind = "multiple_faces"
	KindFaceMismatch       ViolationKind = "face_mismatch"
	KindGazeAway           ViolationKind = "gaze_away"
	KindTabSwitch          ViolationKind = "tab_switch"
	KindCopyPaste          ViolationKind = "copy_paste"
	KindUnauthorizedAction ViolationKind = "unauthorized_action"
	KindAudioAnomaly       ViolationKind = "audio_anomaly"
	KindMultipleVoices     ViolationKind = "multiple_voices"
	KindHeartbeatTimeout   ViolationKind = "heartbeat_timeout"
	KindCameraBlocked      ViolationKind = "camera_blocked"
	KindUnauthorizedObject ViolationKind = "unauthorized_object"
)

// ParseKind validates a caller-supplied kind string against the closed set.
func ParseKind(s string) (ViolationKind, bool) {
	switch ViolationKind(s) {
	case KindFaceNotDetected, KindMultipleFaces, KindFaceMismatch,
		KindGazeAway, KindTabSwitch, KindCopyPaste,
		KindUnauthorizedAction, KindAudioAnomaly, KindMultipleVoices,
		KindHeartbeatTimeout, KindCameraBlocked, KindUnauthorizedObject:
		return ViolationKind(s), true
	}
	return "", false
}

// ViolationEvent is one classified incident in a session's audit log.
// ConfidencePm is the detector confidence in per-mille (0-1000) so score
// contributions stay in integer arithmetic.  Events are immutable once
// their debounce window has closed, except for the review fields.
type ViolationEvent struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Seq       uint64        `json:"seq"`
	At        time.Time     `json:"at"`
	Kind      ViolationKind `json:"kind"`
	Severity  Severity      `json:"severity"`

	ConfidencePm int64 `json:"confidence_pm"`

	Detector    string `json:"detector,omitempty"`
	Description string `json:"description,omitempty"`
	EvidenceRef string `json:"evidence_ref,omitempty"`

	Reviewed      bool `json:"reviewed"`
	FalsePositive bool `json:"false_positive"`
}

// Confidence returns the detector confidence on the 0-1 scale.
func (e ViolationEvent) Confidence() float64 { return float64(e.ConfidencePm) / 1000 }

// EventRequest is the body of POST /v1/sessions/{id}/events.  Severity
// and confidence are optional; the classifier fills per-kind defaults.
type EventRequest struct {
	Kind        string   `json:"kind"`
	Severity    string   `json:"severity,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
	Detector    string   `json:"detector,omitempty"`
	Description string   `json:"description,omitempty"`
	EvidenceRef string   `json:"evidence_ref,omitempty"`
	DetectedAt  string   `json:"detected_at,omitempty"` // RFC3339; server time when absent
}

// IngestResult reports what ingestion did with an accepted event.
type IngestResult struct {
	EventID string `json:"event_id"`
	Seq     uint64 `json:"seq"`
	// Merged is true when the event was folded into an earlier event of
	// the same kind and detector inside the debounce window.
	Merged bool `json:"merged"`
}

// ReviewRequest is the body of POST /v1/events/{id}/review.
type ReviewRequest struct {
	Reviewed      bool `json:"reviewed"`
	FalsePositive bool `json:"false_positive"`
}

// ScoreSample is one point of the score trajectory, kept for audit and
// replay verification.
type ScoreSample struct {
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	ScoreCp   int64     `json:"score_cp"`
	EventID   string    `json:"event_id,omitempty"`
}
