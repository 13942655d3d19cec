package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/invigil-io/invigil/internal/proctor/policy"
	"github.com/invigil-io/invigil/internal/proctor/store"
	"github.com/invigil-io/invigil/internal/proctor/types"
)

// VerifyResult is what an external identity/environment checker reports.
type VerifyResult struct {
	FaceVerified       bool
	EnvironmentChecked bool
}

// Verifier is the external pre-exam check (face match, room scan).
// Implementations must respect ctx; expiry counts as a failed check.
type Verifier interface {
	VerifySession(ctx context.Context, sess types.Session) (VerifyResult, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, sess types.Session) (VerifyResult, error)

func (f VerifierFunc) VerifySession(ctx context.Context, sess types.Session) (VerifyResult, error) {
	return f(ctx, sess)
}

// Dependencies wires a Service.
type Dependencies struct {
	Logger   *log.Logger
	Sessions store.SessionStore
	Events   store.EventStore
	Samples  store.SampleStore
	Policy   policy.Source
	Verifier Verifier

	// VerifyTimeout bounds the external verification call.  Defaults
	// to 10s.
	VerifyTimeout time.Duration

	// Clock defaults to time.Now; tests pin it.
	Clock func() time.Time
}

// Service owns session lifecycles and the per-session monitoring
// actors.  One worker goroutine per in-progress session processes that
// session's events in acceptance order; nothing here takes a lock
// across sessions while scoring.
type Service struct {
	logger        *log.Logger
	sessions      store.SessionStore
	events        store.EventStore
	samples       store.SampleStore
	policy        policy.Source
	verifier      Verifier
	verifyTimeout time.Duration
	now           func() time.Time

	mu     sync.Mutex
	actors map[string]*actor
}

func NewService(d Dependencies) *Service {
	if d.VerifyTimeout <= 0 {
		d.VerifyTimeout = 10 * time.Second
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Service{
		logger:        d.Logger,
		sessions:      d.Sessions,
		events:        d.Events,
		samples:       d.Samples,
		policy:        d.Policy,
		verifier:      d.Verifier,
		verifyTimeout: d.VerifyTimeout,
		now:           d.Clock,
		actors:        make(map[string]*actor),
	}
}

// ── lifecycle ────────────────────────────────────────────────────────────────

// Create mints a pending session for one exam attempt.
func (s *Service) Create(ctx context.Context, studentID, examID string) (types.Session, error) {
	studentID = strings.TrimSpace(studentID)
	examID = strings.TrimSpace(examID)
	if studentID == "" || examID == "" {
		return types.Session{}, fmt.Errorf("%w: student_id and exam_id are required", ErrMalformedEvent)
	}

	sess := types.Session{
		ID:        uuid.NewString(),
		StudentID: studentID,
		ExamID:    examID,
		State:     types.StatePending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return types.Session{}, err
	}
	return sess, nil
}

// Get returns a read snapshot of a session.
func (s *Service) Get(ctx context.Context, id string) (types.Session, error) {
	if a := s.actor(id); a != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.sess, nil
	}
	return s.sessions.Get(ctx, id)
}

// Verify runs the external identity/environment check and moves a
// pending session to verified.  A check that fails, errors, or times
// out leaves the session pending and returns ErrVerificationFailed;
// no session is left stuck without an explicit failure signal.
func (s *Service) Verify(ctx context.Context, id string) (types.Session, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return types.Session{}, err
	}
	if sess.State != types.StatePending {
		return types.Session{}, fmt.Errorf("%w: verify in state %s", ErrInvalidTransition, sess.State)
	}

	// The external check runs outside any lock; only the transition
	// itself is serialized.
	vctx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	defer cancel()

	res, err := s.verifier.VerifySession(vctx, sess)
	if err != nil {
		return types.Session{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if !res.FaceVerified || !res.EnvironmentChecked {
		return types.Session{}, fmt.Errorf("%w: face_verified=%t environment_checked=%t",
			ErrVerificationFailed, res.FaceVerified, res.EnvironmentChecked)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err = s.sessions.Get(ctx, id)
	if err != nil {
		return types.Session{}, err
	}
	if sess.State != types.StatePending {
		return types.Session{}, fmt.Errorf("%w: verify in state %s", ErrInvalidTransition, sess.State)
	}

	now := s.now().UTC()
	sess.State = types.StateVerified
	sess.FaceVerified = true
	sess.EnvironmentChecked = true
	sess.VerifiedAt = &now

	if err := s.sessions.Update(ctx, sess); err != nil {
		return types.Session{}, err
	}
	return sess, nil
}

// Start moves a verified session to in_progress and spawns its worker.
func (s *Service) Start(ctx context.Context, id string) (types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return types.Session{}, err
	}
	if sess.State != types.StateVerified {
		return types.Session{}, fmt.Errorf("%w: start in state %s", ErrInvalidTransition, sess.State)
	}

	now := s.now().UTC()
	sess.State = types.StateInProgress
	sess.StartedAt = &now
	sess.LastHeartbeatAt = &now

	if err := s.sessions.Update(ctx, sess); err != nil {
		return types.Session{}, err
	}

	a := newActor(sess)
	s.actors[id] = a
	go s.run(a)

	return sess, nil
}

// Submit ends an in-progress session at the student's request.  The
// final state is completed for a clean session, flagged when the score
// is at or above the flag threshold or any critical event occurred.
func (s *Service) Submit(ctx context.Context, id string) (types.Session, error) {
	a := s.actor(id)
	if a == nil {
		return s.rejectLifecycle(ctx, id, "submit")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess.State != types.StateInProgress {
		return types.Session{}, fmt.Errorf("%w: submit in state %s", ErrInvalidTransition, a.sess.State)
	}

	pol := s.policy.Current()
	now := s.now().UTC()

	// Settle decay up to the submission instant before judging.
	a.score.decayTo(pol, now)

	state := types.StateCompleted
	reason := ""
	if a.score.criticalSeen || a.score.scoreCp >= pol.FlagThresholdCp() {
		state = types.StateFlagged
		reason = fmt.Sprintf(
			"submitted with suspicion score %.0f (flag threshold %d, critical events: %t); review required",
			float64(a.score.scoreCp)/policy.Scale, pol.FlagThreshold, a.score.criticalSeen,
		)
	}

	s.finishLocked(a, state, reason, nil, now)
	return a.sess, nil
}

// Terminate force-ends an in-progress session with a human-readable
// reason.  Used by the liveness supervisor and operator tooling; the
// score-threshold path terminates from inside the worker.
func (s *Service) Terminate(ctx context.Context, id, reason string) (types.Session, error) {
	a := s.actor(id)
	if a == nil {
		return s.rejectLifecycle(ctx, id, "terminate")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess.State != types.StateInProgress {
		return types.Session{}, fmt.Errorf("%w: terminate in state %s", ErrInvalidTransition, a.sess.State)
	}

	s.finishLocked(a, types.StateTerminated, reason, nil, s.now().UTC())
	return a.sess, nil
}

// rejectLifecycle reports the right error for a lifecycle call on a
// session with no running actor: not found, or a state that does not
// allow the transition.
func (s *Service) rejectLifecycle(ctx context.Context, id, op string) (types.Session, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return types.Session{}, err
	}
	return types.Session{}, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, op, sess.State)
}

// SetDecision writes the final disposition.  Exactly once, terminal
// states only.
func (s *Service) SetDecision(ctx context.Context, id string, d types.Decision) (types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return types.Session{}, err
	}
	if !sess.State.Terminal() {
		return types.Session{}, fmt.Errorf("%w: decision in state %s", ErrInvalidTransition, sess.State)
	}
	if sess.Decision != nil {
		return types.Session{}, ErrDecisionAlreadySet
	}

	sess.Decision = &d
	if err := s.sessions.Update(ctx, sess); err != nil {
		return types.Session{}, err
	}
	s.logger.Printf("session %s decision: %s", id, d)
	return sess, nil
}

// Review sets the human-review flags on one event.  The pipeline never
// touches these fields.
func (s *Service) Review(ctx context.Context, eventID string, reviewed, falsePositive bool) error {
	return s.events.SetReview(ctx, eventID, reviewed, falsePositive)
}

// ── ingestion ────────────────────────────────────────────────────────────────

// Ingest accepts one classified event for an in-progress session.  It
// validates, deduplicates, enqueues to the session's worker, and
// returns without waiting for persistence or scoring.
func (s *Service) Ingest(ctx context.Context, id string, req types.EventRequest) (types.IngestResult, error) {
	ev, err := Classify(req, s.now())
	if err != nil {
		return types.IngestResult{}, err
	}

	a := s.actor(id)
	if a == nil {
		if _, err := s.sessions.Get(ctx, id); err != nil {
			return types.IngestResult{}, err
		}
		return types.IngestResult{}, ErrStaleSession
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.sess.State != types.StateInProgress {
		return types.IngestResult{}, ErrStaleSession
	}

	pol := s.policy.Current()
	key := dedupKey{kind: ev.Kind, detector: ev.Detector}

	// One continuous condition (sustained gaze-away, a long tab switch)
	// arrives as a burst of identical observations.  Inside the
	// debounce window they form a single event carrying the max
	// severity and confidence seen; the score is corrected by the
	// difference, never double-charged.
	if prev, ok := a.dedup[key]; ok && absDuration(ev.At.Sub(prev.at)) <= pol.DebounceWindow {
		mergedSev := types.MaxSeverity(prev.severity, ev.Severity)
		mergedConf := prev.confidencePm
		if ev.ConfidencePm > mergedConf {
			mergedConf = ev.ConfidencePm
		}

		res := types.IngestResult{EventID: prev.eventID, Merged: true}
		if mergedSev == prev.severity && mergedConf == prev.confidencePm {
			// Pure duplicate: already counted, nothing to do.
			return res, nil
		}

		adjust := pol.DeltaCp(mergedSev, mergedConf) - pol.DeltaCp(prev.severity, prev.confidencePm)
		if adjust < 0 {
			adjust = 0
		}

		env := envelope{
			ev: types.ViolationEvent{
				ID:           prev.eventID,
				SessionID:    id,
				At:           ev.At,
				Severity:     mergedSev,
				ConfidencePm: mergedConf,
			},
			merge:    true,
			adjustCp: adjust,
		}
		if !s.enqueueLocked(a, env) {
			return types.IngestResult{}, ErrQueueFull
		}
		prev.severity = mergedSev
		prev.confidencePm = mergedConf
		a.dedup[key] = prev
		return res, nil
	}

	ev.ID = uuid.NewString()
	ev.SessionID = id
	ev.Seq = a.seq + 1

	if !s.enqueueLocked(a, envelope{ev: ev}) {
		return types.IngestResult{}, ErrQueueFull
	}

	// Commit the sequence and the dedup entry only once the event is
	// queued; a rejected event must leave nothing to merge into.
	a.seq = ev.Seq
	a.dedup[key] = dedupEntry{
		eventID:      ev.ID,
		at:           ev.At,
		severity:     ev.Severity,
		confidencePm: ev.ConfidencePm,
	}
	return types.IngestResult{EventID: ev.ID, Seq: ev.Seq}, nil
}

// enqueueLocked never blocks: the queue is bounded and overload is a
// rejection.  Caller holds a.mu, which also serializes against the
// close in finishLocked.
func (s *Service) enqueueLocked(a *actor, env envelope) bool {
	select {
	case a.ch <- env:
		return true
	default:
		return false
	}
}

// ── heartbeats ───────────────────────────────────────────────────────────────

// Pulse records a client liveness beat.  Only in-progress sessions
// accept pulses: a session that has not started yet is a transition
// error the client can recover from, a terminal one is gone for good.
func (s *Service) Pulse(ctx context.Context, id, observedStatus string) error {
	a := s.actor(id)
	if a == nil {
		sess, err := s.sessions.Get(ctx, id)
		if err != nil {
			return err
		}
		if sess.State.Terminal() {
			return ErrStaleSession
		}
		return fmt.Errorf("%w: heartbeat for session in state %s", ErrInvalidTransition, sess.State)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess.State != types.StateInProgress {
		return ErrStaleSession
	}

	now := s.now().UTC()
	a.sess.LastHeartbeatAt = &now
	if err := s.sessions.Update(ctx, a.sess); err != nil {
		return err
	}
	if observedStatus != "" && observedStatus != "ok" {
		s.logger.Printf("session %s heartbeat status: %s", id, observedStatus)
	}
	return nil
}

// LivenessSnapshot is what the supervisor sweeps over.
type LivenessSnapshot struct {
	SessionID       string
	LastHeartbeatAt time.Time
}

// ActiveSessions snapshots the liveness of every in-progress session.
func (s *Service) ActiveSessions() []LivenessSnapshot {
	s.mu.Lock()
	actors := make([]*actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	out := make([]LivenessSnapshot, 0, len(actors))
	for _, a := range actors {
		a.mu.Lock()
		if a.sess.State == types.StateInProgress {
			last := a.sess.CreatedAt
			if a.sess.LastHeartbeatAt != nil {
				last = *a.sess.LastHeartbeatAt
			} else if a.sess.StartedAt != nil {
				last = *a.sess.StartedAt
			}
			out = append(out, LivenessSnapshot{SessionID: a.sessionID, LastHeartbeatAt: last})
		}
		a.mu.Unlock()
	}
	return out
}

// CurrentScore returns the suspicion score in points, decayed to now
// for in-progress sessions.
func (s *Service) CurrentScore(ctx context.Context, id string) (float64, error) {
	if a := s.actor(id); a != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		return float64(a.score.previewAt(s.policy.Current(), s.now().UTC())) / policy.Scale, nil
	}

	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return sess.Score(), nil
}

// ── maintenance ──────────────────────────────────────────────────────────────

// ResumeActive respawns workers for sessions that were in progress when
// the server last stopped.
func (s *Service) ResumeActive(ctx context.Context) error {
	active, err := s.sessions.InState(ctx, types.StateInProgress)
	if err != nil {
		return fmt.Errorf("resume active sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range active {
		if _, ok := s.actors[sess.ID]; ok {
			continue
		}
		a := newActor(sess)

		// Reseed the ingestion sequence and the dedup window from the
		// durable log.  A fresh actor starting at seq 0 would collide
		// with the session's existing rows and the colliding events
		// would never reach the audit log.
		evs, err := s.events.BySession(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("resume session %s events: %w", sess.ID, err)
		}
		for _, ev := range evs {
			if ev.Seq > a.seq {
				a.seq = ev.Seq
			}
			a.dedup[dedupKey{kind: ev.Kind, detector: ev.Detector}] = dedupEntry{
				eventID:      ev.ID,
				at:           ev.At,
				severity:     ev.Severity,
				confidencePm: ev.ConfidencePm,
			}
		}

		s.actors[sess.ID] = a
		go s.run(a)
		s.logger.Printf("resumed monitoring for session %s (%d events on record)", sess.ID, len(evs))
	}
	return nil
}

// Close stops all session workers after they drain.  Sessions remain
// in_progress in the store and are resumed on the next start.
func (s *Service) Close() {
	s.mu.Lock()
	actors := make([]*actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	for _, a := range actors {
		a.mu.Lock()
		if !a.closed {
			a.closed = true
			close(a.ch)
		}
		a.mu.Unlock()
	}
	for _, a := range actors {
		<-a.done
	}
}

func (s *Service) actor(id string) *actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actors[id]
}

func (s *Service) removeActor(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actors, id)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
