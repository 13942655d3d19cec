package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/invigil-io/invigil/internal/proctor/types"
)

// Observation is one raw sighting from a detector, before classification.
type Observation struct {
	Kind        types.ViolationKind
	Confidence  float64
	Detail      string
	EvidenceRef string
	At          time.Time
}

// Detector is the capability boundary toward the sensing side: a CV
// model, an audio classifier, a browser-focus watcher.  The pipeline
// only ever consumes Observations; a real model can be substituted
// without touching classification or scoring.
type Detector interface {
	// Name identifies the detector in dedup keys and the audit log.
	Name() string

	// Detect reports at most one observation per call.  ok is false
	// when nothing noteworthy was observed.
	Detect(ctx context.Context) (obs Observation, ok bool, err error)
}

// RunDetector polls d on a fixed cadence and feeds its observations
// into the ingestion pipeline for the given session.  It returns when
// ctx is cancelled or the session stops accepting events.  Detector and
// ingestion errors are logged, never fatal: sensing must not end an
// exam by itself.
func RunDetector(ctx context.Context, svc *Service, d Detector, sessionID string, every time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		obs, ok, err := d.Detect(ctx)
		if err != nil {
			logger.Printf("detector %s: %v", d.Name(), err)
			continue
		}
		if !ok {
			continue
		}

		req := types.EventRequest{
			Kind:        string(obs.Kind),
			Detector:    d.Name(),
			Description: obs.Detail,
			EvidenceRef: obs.EvidenceRef,
		}
		if obs.Confidence > 0 {
			c := obs.Confidence
			req.Confidence = &c
		}
		if !obs.At.IsZero() {
			req.DetectedAt = obs.At.UTC().Format(time.RFC3339Nano)
		}

		if _, err := svc.Ingest(ctx, sessionID, req); err != nil {
			if errors.Is(err, ErrStaleSession) || ctx.Err() != nil {
				return
			}
			logger.Printf("detector %s ingest: %v", d.Name(), err)
		}
	}
}
