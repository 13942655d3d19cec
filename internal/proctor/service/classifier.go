package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/invigil-io/invigil/internal/proctor/types"
)

// kindDefault is the classification applied when a detector reports a
// raw observation without grading it.
type kindDefault struct {
	severity     types.Severity
	confidencePm int64
}

// Detector adapters report what they saw; how serious that is lives
// here, in one table, rather than scattered across detectors.
var kindDefaults = map[types.ViolationKind]kindDefault{
	types.KindFaceNotDetected:    {types.SeverityHigh, 800},
	types.KindMultipleFaces:      {types.SeverityCritical, 800},
	types.KindFaceMismatch:       {types.SeverityCritical, 700},
	types.KindGazeAway:           {types.SeverityLow, 600},
	types.KindTabSwitch:          {types.SeverityMedium, 1000},
	types.KindCopyPaste:          {types.SeverityHigh, 1000},
	types.KindUnauthorizedAction: {types.SeverityMedium, 1000},
	types.KindAudioAnomaly:       {types.SeverityLow, 500},
	types.KindMultipleVoices:     {types.SeverityHigh, 600},
	types.KindHeartbeatTimeout:   {types.SeverityHigh, 1000},
	types.KindCameraBlocked:      {types.SeverityHigh, 900},
	types.KindUnauthorizedObject: {types.SeverityCritical, 700},
}

// Classify turns a raw classified-event request into a ViolationEvent,
// filling per-kind defaults for severity and confidence when the
// detector did not grade the observation itself.  ID, SessionID and Seq
// are assigned by ingestion.
func Classify(req types.EventRequest, now time.Time) (types.ViolationEvent, error) {
	kind, ok := types.ParseKind(strings.TrimSpace(req.Kind))
	if !ok {
		return types.ViolationEvent{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, req.Kind)
	}

	def := kindDefaults[kind]

	sev := def.severity
	if req.Severity != "" {
		sev, ok = types.ParseSeverity(req.Severity)
		if !ok {
			return types.ViolationEvent{}, fmt.Errorf("%w: unknown severity %q", ErrMalformedEvent, req.Severity)
		}
	}

	confPm := def.confidencePm
	if req.Confidence != nil {
		c := *req.Confidence
		if c < 0 || c > 1 {
			return types.ViolationEvent{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedEvent, c)
		}
		confPm = int64(c * 1000)
	}

	at := now.UTC()
	if t := parseOptionalTimestamp(req.DetectedAt); t != nil {
		at = *t
	}

	return types.ViolationEvent{
		At:           at,
		Kind:         kind,
		Severity:     sev,
		ConfidencePm: confPm,
		Detector:     strings.TrimSpace(req.Detector),
		Description:  strings.TrimSpace(req.Description),
		EvidenceRef:  strings.TrimSpace(req.EvidenceRef),
	}, nil
}

// parseOptionalTimestamp attempts to parse a detector-reported timestamp.
// Returns nil if the string is empty or unparseable.
func parseOptionalTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		u := t.UTC()
		return &u
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		u := t.UTC()
		return &u
	}
	return nil
}
