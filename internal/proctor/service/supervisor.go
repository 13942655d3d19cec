package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/invigil-io/invigil/internal/proctor/policy"
	"github.com/invigil-io/invigil/internal/proctor/types"
)

// Supervisor watches session liveness in the background.  A session
// silent past the stall window gets a synthetic heartbeat_timeout
// violation through the ordinary ingest path, so liveness failure is
// just another signal: one policy surface, one audit trail.  A session
// silent past the abandon window is terminated with a stated reason.
//
// Supervision of a session ends with the session: terminal sessions
// drop out of ActiveSessions and are never swept again.
type Supervisor struct {
	svc    *Service
	policy policy.Source
	logger *log.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu sync.Mutex
	// reported remembers, per session, the heartbeat a stall was
	// already recorded against, so one silent stretch yields one
	// violation rather than one per sweep.
	reported map[string]time.Time
}

// NewSupervisor creates a supervisor but does not start it.
func NewSupervisor(svc *Service, pol policy.Source, logger *log.Logger) *Supervisor {
	return &Supervisor{
		svc:      svc,
		policy:   pol,
		logger:   logger,
		done:     make(chan struct{}),
		reported: make(map[string]time.Time),
	}
}

// Start begins the background sweep loop.  The loop exits when ctx is
// cancelled or Stop is called.
func (sv *Supervisor) Start(ctx context.Context) {
	pol := sv.policy.Current()
	if pol.HeartbeatInterval <= 0 || pol.SweepInterval <= 0 || pol.StallIntervals <= 0 {
		sv.logger.Printf("liveness supervisor disabled (heartbeat, sweep, or stall intervals unset)")
		close(sv.done)
		return
	}

	ctx, sv.cancel = context.WithCancel(ctx)
	go sv.loop(ctx)

	sv.logger.Printf("liveness supervisor started (interval=%s, stall after %s, abandon after %s)",
		pol.HeartbeatInterval, pol.StallAfter(), pol.AbandonAfter())
}

// Stop signals the supervisor to exit and waits for it to finish.
func (sv *Supervisor) Stop() {
	if sv.cancel != nil {
		sv.cancel()
	}
	<-sv.done
}

func (sv *Supervisor) loop(ctx context.Context) {
	defer close(sv.done)

	ticker := time.NewTicker(sv.policy.Current().SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.SweepOnce(ctx, time.Now().UTC())
		}
	}
}

// SweepOnce examines every in-progress session once, as of the given
// instant.  Exported so operator tooling and tests can drive a sweep
// directly.
func (sv *Supervisor) SweepOnce(ctx context.Context, now time.Time) {
	pol := sv.policy.Current()

	for _, ls := range sv.svc.ActiveSessions() {
		silent := now.Sub(ls.LastHeartbeatAt)

		if abandon := pol.AbandonAfter(); abandon > 0 && silent >= abandon {
			reason := fmt.Sprintf("abandoned: no heartbeat for %s (limit %s)",
				silent.Truncate(time.Second), abandon)
			if _, err := sv.svc.Terminate(ctx, ls.SessionID, reason); err != nil {
				sv.logger.Printf("supervisor terminate %s: %v", ls.SessionID, err)
			}
			sv.forget(ls.SessionID)
			continue
		}

		if silent < pol.StallAfter() {
			// A pulse arrived; the next stall is a fresh stretch.
			sv.forget(ls.SessionID)
			continue
		}

		if !sv.markStall(ls.SessionID, ls.LastHeartbeatAt) {
			continue // this stretch already produced its violation
		}

		req := types.EventRequest{
			Kind:     string(types.KindHeartbeatTimeout),
			Detector: "liveness-supervisor",
			Description: fmt.Sprintf("no heartbeat for %s (expected every %s)",
				silent.Truncate(time.Second), pol.HeartbeatInterval),
			DetectedAt: now.Format(time.RFC3339Nano),
		}
		if _, err := sv.svc.Ingest(ctx, ls.SessionID, req); err != nil {
			sv.logger.Printf("supervisor ingest %s: %v", ls.SessionID, err)
		}
	}
}

// markStall records a stall for the given silent stretch.  Returns
// false if this stretch was already reported.
func (sv *Supervisor) markStall(sessionID string, lastBeat time.Time) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if t, ok := sv.reported[sessionID]; ok && t.Equal(lastBeat) {
		return false
	}
	sv.reported[sessionID] = lastBeat
	return true
}

func (sv *Supervisor) forget(sessionID string) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	delete(sv.reported, sessionID)
}
