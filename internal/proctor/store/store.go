package store

import (
	"context"
	"errors"

	"github.com/invigil-io/invigil/internal/proctor/types"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrEventNotFound   = errors.New("event not found")
)

// SessionStore holds one mutable row per session.  A session's row is
// written only by its owning worker or the lifecycle service, never
// concurrently for the same session.
type SessionStore interface {
	Create(ctx context.Context, s types.Session) error
	Get(ctx context.Context, id string) (types.Session, error)
	Update(ctx context.Context, s types.Session) error

	// InState lists sessions in the given state, used to resume
	// monitoring of in-progress sessions after a restart.
	InState(ctx context.Context, state types.SessionState) ([]types.Session, error)
}

// EventStore persists classified violations as an append-only log per
// session, ordered by (timestamp, sequence number).
type EventStore interface {
	Append(ctx context.Context, ev types.ViolationEvent) error

	// Merge raises severity/confidence of an event still inside its
	// debounce window.  Part of event formation; after the window the
	// row is immutable except for review fields.
	Merge(ctx context.Context, eventID string, sev types.Severity, confidencePm int64) error

	// SetReview updates the human-review flags.  The pipeline never
	// calls this.
	SetReview(ctx context.Context, eventID string, reviewed, falsePositive bool) error

	BySession(ctx context.Context, sessionID string) ([]types.ViolationEvent, error)
}

// SampleStore keeps the score trajectory for audit and replay checks.
// Samples are derived data; losing them loses resolution, not truth.
type SampleStore interface {
	Append(ctx context.Context, s types.ScoreSample) error
	BySession(ctx context.Context, sessionID string) ([]types.ScoreSample, error)
}
