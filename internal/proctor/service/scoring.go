package service

import (
	"time"

	"github.com/invigil-io/invigil/internal/proctor/policy"
	"github.com/invigil-io/invigil/internal/proctor/types"
)

// scoreState is the per-session suspicion accumulator.  It is owned by
// the session's worker; readers get snapshots.  All arithmetic is in
// centipoints and driven by event timestamps, never wall clock, so a
// replayed log yields the same trajectory.
type scoreState struct {
	scoreCp      int64
	peakCp       int64
	criticalSeen bool

	// lastAt is when decay was last applied.  Zero until the first
	// event establishes the baseline.
	lastAt time.Time
}

// floorCp is the current decay floor.  Once the score has crossed the
// flag threshold at any point, the floor rises to it permanently:
// stale decay cannot talk a flagged session back down below review.
func (st *scoreState) floorCp(p policy.Policy) int64 {
	floor := p.DecayFloorCp()
	if st.peakCp >= p.FlagThresholdCp() && floor < p.FlagThresholdCp() {
		floor = p.FlagThresholdCp()
	}
	return floor
}

// decayTo applies decay for the time elapsed since the last application.
// Timestamps that run backwards (detector clock skew) apply no decay.
func (st *scoreState) decayTo(p policy.Policy, at time.Time) {
	if st.lastAt.IsZero() || at.Before(st.lastAt) {
		if st.lastAt.IsZero() {
			st.lastAt = at
		}
		return
	}
	if dec := p.DecayCp(at.Sub(st.lastAt)); dec > 0 {
		st.scoreCp -= dec
		if floor := st.floorCp(p); st.scoreCp < floor {
			st.scoreCp = floor
		}
	}
	st.lastAt = at
}

// add applies a contribution already scaled by confidence, clamping to
// the score range.
func (st *scoreState) add(deltaCp int64) {
	st.scoreCp += deltaCp
	if st.scoreCp > policy.MaxScoreCp {
		st.scoreCp = policy.MaxScoreCp
	}
	if st.scoreCp < 0 {
		st.scoreCp = 0
	}
	if st.scoreCp > st.peakCp {
		st.peakCp = st.scoreCp
	}
}

// applyEvent folds one event into the score: decay to the event time,
// then add its severity-weighted, confidence-scaled contribution.
func (st *scoreState) applyEvent(p policy.Policy, ev types.ViolationEvent) {
	st.decayTo(p, ev.At)
	st.add(p.DeltaCp(ev.Severity, ev.ConfidencePm))
	if ev.Severity == types.SeverityCritical {
		st.criticalSeen = true
	}
}

// previewAt returns the score decayed to the given instant without
// mutating state.  Used for read-side snapshots.
func (st scoreState) previewAt(p policy.Policy, at time.Time) int64 {
	st.decayTo(p, at)
	return st.scoreCp
}
