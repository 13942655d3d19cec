package service

import "errors"

var (
	// ErrStaleSession rejects events and pulses for sessions that are
	// not in progress.
	ErrStaleSession = errors.New("session is not accepting events")

	// ErrInvalidTransition rejects a lifecycle call the state machine
	// does not allow.  Never silently ignored; callers must observe it.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrVerificationFailed covers failed and timed-out identity or
	// environment checks.  The session stays pending.
	ErrVerificationFailed = errors.New("identity or environment verification failed")

	// ErrMalformedEvent rejects events whose kind, severity, or
	// confidence violate the schema.
	ErrMalformedEvent = errors.New("malformed violation event")

	// ErrDecisionAlreadySet guards the exactly-once decision write.
	ErrDecisionAlreadySet = errors.New("session decision already set")

	// ErrQueueFull is returned when a session's ingestion queue is at
	// capacity.  Ingestion never blocks the caller, so overload is a
	// rejection rather than a stall.
	ErrQueueFull = errors.New("session event queue is full")
)
