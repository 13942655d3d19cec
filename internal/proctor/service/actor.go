package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/invigil-io/invigil/internal/proctor/policy"
	"github.com/invigil-io/invigil/internal/proctor/types"
)

// actorQueueSize bounds a session's ingestion queue.  Detectors at a
// few events per second stay far below this; hitting the cap returns
// ErrQueueFull rather than blocking the caller.
const actorQueueSize = 1024

type dedupKey struct {
	kind     types.ViolationKind
	detector string
}

type dedupEntry struct {
	eventID      string
	at           time.Time
	severity     types.Severity
	confidencePm int64
}

// envelope is one unit of work for a session worker: either a fresh
// event to append and score, or an upgrade of an event still inside its
// debounce window.
type envelope struct {
	ev    types.ViolationEvent
	merge bool
	// adjustCp is the positive score correction for a merge: the new
	// contribution minus what the original event already contributed.
	adjustCp int64
}

// actor owns exactly one in-progress session: its queue, its score
// state, and its row.  All mutation of the session happens either on
// the worker goroutine or under mu, so transitions are serialized per
// session without any global lock.
type actor struct {
	sessionID string

	mu     sync.Mutex
	sess   types.Session
	score  scoreState
	closed bool
	seq    uint64
	dedup  map[dedupKey]dedupEntry

	ch   chan envelope
	done chan struct{}
}

func newActor(sess types.Session) *actor {
	a := &actor{
		sessionID: sess.ID,
		sess:      sess,
		dedup:     make(map[dedupKey]dedupEntry),
		ch:        make(chan envelope, actorQueueSize),
		done:      make(chan struct{}),
	}
	a.score = scoreState{
		scoreCp:      sess.ScoreCp,
		peakCp:       sess.PeakScoreCp,
		criticalSeen: sess.CriticalSeen,
	}
	return a
}

// run drains the queue until the channel is closed by a terminal
// transition, then exits.  Events queued before the close are still
// processed so the audit log stays complete.
func (s *Service) run(a *actor) {
	defer close(a.done)
	defer s.removeActor(a.sessionID)

	for env := range a.ch {
		s.process(a, env)
	}
}

func (s *Service) process(a *actor, env envelope) {
	ctx := context.Background()
	pol := s.policy.Current()

	// Durable log first.  A write failure is retried and, if it
	// exhausts, alarmed, but it never propagates to the detector.
	if env.merge {
		s.withRetry("merge event", func() error {
			return s.events.Merge(ctx, env.ev.ID, env.ev.Severity, env.ev.ConfidencePm)
		})
	} else {
		s.withRetry("append event", func() error {
			return s.events.Append(ctx, env.ev)
		})
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Terminal already: this is drain work, log-only.
	if a.sess.State != types.StateInProgress {
		return
	}

	if env.merge {
		a.score.decayTo(pol, env.ev.At)
		a.score.add(env.adjustCp)
		if env.ev.Severity == types.SeverityCritical {
			a.score.criticalSeen = true
		}
	} else {
		a.score.applyEvent(pol, env.ev)
	}

	a.sess.ScoreCp = a.score.scoreCp
	a.sess.PeakScoreCp = a.score.peakCp
	a.sess.CriticalSeen = a.score.criticalSeen

	s.withRetry("persist session score", func() error {
		return s.sessions.Update(ctx, a.sess)
	})
	s.withRetry("record score sample", func() error {
		return s.samples.Append(ctx, types.ScoreSample{
			SessionID: a.sessionID,
			At:        env.ev.At,
			ScoreCp:   a.score.scoreCp,
			EventID:   env.ev.ID,
		})
	})

	s.escalateLocked(a, pol, env.ev.At)
}

// escalateLocked applies the automatic escalation policy after a score
// update.  Caller holds a.mu.
func (s *Service) escalateLocked(a *actor, pol policy.Policy, at time.Time) {
	if a.score.scoreCp < pol.TerminateThresholdCp() {
		return
	}

	reason := fmt.Sprintf(
		"suspicion score %.0f reached the automatic termination threshold (%d)",
		float64(a.score.scoreCp)/policy.Scale, pol.TerminateThreshold,
	)

	var decision *types.Decision
	if pol.AutoDisqualify && a.score.scoreCp >= pol.DisqualifyThresholdCp() {
		d := types.DecisionDisqualified
		decision = &d
		reason = fmt.Sprintf(
			"suspicion score %.0f reached the auto-disqualify threshold (%d)",
			float64(a.score.scoreCp)/policy.Scale, pol.DisqualifyThreshold,
		)
	}

	s.finishLocked(a, types.StateTerminated, reason, decision, at)
}

// finishLocked moves an in-progress session to a terminal state, stops
// the actor from accepting new work, and persists the final row.
// Caller holds a.mu; the state must still be in_progress.
func (s *Service) finishLocked(a *actor, state types.SessionState, reason string, decision *types.Decision, at time.Time) {
	now := at.UTC()
	a.sess.State = state
	a.sess.EndedAt = &now
	a.sess.EndReason = reason
	a.sess.ScoreCp = a.score.scoreCp
	a.sess.PeakScoreCp = a.score.peakCp
	a.sess.CriticalSeen = a.score.criticalSeen
	if decision != nil {
		a.sess.Decision = decision
	}

	if !a.closed {
		a.closed = true
		close(a.ch)
	}

	s.withRetry("persist terminal session", func() error {
		return s.sessions.Update(context.Background(), a.sess)
	})

	if reason != "" {
		s.logger.Printf("session %s -> %s: %s", a.sessionID, state, reason)
	} else {
		s.logger.Printf("session %s -> %s", a.sessionID, state)
	}
}

// withRetry runs op a few times with a short backoff.  This is the
// ScoringFailure recovery path: the caller already got its answer, so
// the only correct moves are retry and, on exhaustion, a loud log line
// for the discrepancy alarm.
func (s *Service) withRetry(op string, fn func() error) {
	const attempts = 3

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return
		}
		time.Sleep(time.Duration(i+1) * 25 * time.Millisecond)
	}
	s.logger.Printf("DISCREPANCY %s failed after %d attempts: %v", op, attempts, err)
}
