package service

import (
	"context"
	"sort"

	"github.com/invigil-io/invigil/internal/proctor/policy"
	"github.com/invigil-io/invigil/internal/proctor/store"
	"github.com/invigil-io/invigil/internal/proctor/types"
)

// Reporter assembles the read-side review summary for a session.  It
// only ever reads snapshots; once a session is terminal the stores are
// the historical record and the reporter their read-only owner.
type Reporter struct {
	sessions store.SessionStore
	events   store.EventStore
	samples  store.SampleStore
	policy   policy.Source
}

func NewReporter(sessions store.SessionStore, events store.EventStore, samples store.SampleStore, pol policy.Source) *Reporter {
	return &Reporter{sessions: sessions, events: events, samples: samples, policy: pol}
}

// BuildReport summarizes a session's events and score trajectory.  The
// recommendation comes from the same policy thresholds the state
// machine escalates on.
func (r *Reporter) BuildReport(ctx context.Context, sessionID string) (types.Report, error) {
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return types.Report{}, err
	}

	events, err := r.events.BySession(ctx, sessionID)
	if err != nil {
		return types.Report{}, err
	}

	samples, err := r.samples.BySession(ctx, sessionID)
	if err != nil {
		return types.Report{}, err
	}

	byKind := make(map[types.ViolationKind]*types.KindSummary)
	for _, ev := range events {
		sum, ok := byKind[ev.Kind]
		if !ok {
			sum = &types.KindSummary{
				Kind:        ev.Kind,
				MaxSeverity: ev.Severity,
				FirstAt:     ev.At,
				LastAt:      ev.At,
			}
			byKind[ev.Kind] = sum
		}
		sum.Count++
		sum.MaxSeverity = types.MaxSeverity(sum.MaxSeverity, ev.Severity)
		if ev.At.Before(sum.FirstAt) {
			sum.FirstAt = ev.At
		}
		if ev.At.After(sum.LastAt) {
			sum.LastAt = ev.At
		}
	}

	kinds := make([]types.KindSummary, 0, len(byKind))
	for _, sum := range byKind {
		kinds = append(kinds, *sum)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Kind < kinds[j].Kind })

	timeline := make([]types.TimelinePoint, 0, len(samples))
	for _, s := range samples {
		timeline = append(timeline, types.TimelinePoint{
			At:      s.At,
			Score:   float64(s.ScoreCp) / policy.Scale,
			EventID: s.EventID,
		})
	}

	pol := r.policy.Current()

	return types.Report{
		SessionID:      sess.ID,
		StudentID:      sess.StudentID,
		ExamID:         sess.ExamID,
		State:          sess.State,
		Score:          sess.Score(),
		PeakScore:      float64(sess.PeakScoreCp) / policy.Scale,
		CriticalSeen:   sess.CriticalSeen,
		Decision:       sess.Decision,
		EndReason:      sess.EndReason,
		EventsByKind:   kinds,
		Timeline:       timeline,
		Recommendation: pol.Recommendation(sess.ScoreCp, sess.CriticalSeen),
	}, nil
}
