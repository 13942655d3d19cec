// Package memory provides in-memory store implementations for tests and
// dev environments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/invigil-io/invigil/internal/proctor/store"
	"github.com/invigil-io/invigil/internal/proctor/types"
)

// SessionStore is an in-memory session row store.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]types.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]types.Session)}
}

func (s *SessionStore) Create(_ context.Context, sess types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *SessionStore) Get(_ context.Context, id string) (types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return types.Session{}, store.ErrSessionNotFound
	}
	return sess, nil
}

func (s *SessionStore) Update(_ context.Context, sess types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return store.ErrSessionNotFound
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *SessionStore) InState(_ context.Context, state types.SessionState) ([]types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Session
	for _, sess := range s.sessions {
		if sess.State == state {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// EventStore is an in-memory append-only violation log.
type EventStore struct {
	mu     sync.Mutex
	events []types.ViolationEvent
}

func NewEventStore() *EventStore {
	return &EventStore{}
}

func (s *EventStore) Append(_ context.Context, ev types.ViolationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *EventStore) Merge(_ context.Context, eventID string, sev types.Severity, confidencePm int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == eventID {
			s.events[i].Severity = sev
			s.events[i].ConfidencePm = confidencePm
			return nil
		}
	}
	return store.ErrEventNotFound
}

func (s *EventStore) SetReview(_ context.Context, eventID string, reviewed, falsePositive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == eventID {
			s.events[i].Reviewed = reviewed
			s.events[i].FalsePositive = falsePositive
			return nil
		}
	}
	return store.ErrEventNotFound
}

func (s *EventStore) BySession(_ context.Context, sessionID string) ([]types.ViolationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ViolationEvent
	for _, ev := range s.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// Events returns a copy of every stored event.  Test-only helper.
func (s *EventStore) Events() []types.ViolationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ViolationEvent, len(s.events))
	copy(out, s.events)
	return out
}

// SampleStore is an in-memory score trajectory store.
type SampleStore struct {
	mu      sync.Mutex
	samples []types.ScoreSample
}

func NewSampleStore() *SampleStore {
	return &SampleStore{}
}

func (s *SampleStore) Append(_ context.Context, sample types.ScoreSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func (s *SampleStore) BySession(_ context.Context, sessionID string) ([]types.ScoreSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ScoreSample
	for _, sample := range s.samples {
		if sample.SessionID == sessionID {
			out = append(out, sample)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
