// Package session owns the current session: its state machine, the cache and the UI listeners.
package session

import (
	"sync"

	"github.com/and161185/taxi-session/internal/model"
)

// State is the lifecycle state of the session.
type State int

const (
	SignedOut State = iota
	Authenticating
	Resolving
	SignedIn
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Resolving:
		return "resolving"
	case SignedIn:
		return "signed-in"
	default:
		return "signed-out"
	}
}

// Listener is told about every session change; nil means the session was reset.
// It is called synchronously and must not call back into the controller.
type Listener interface {
	SessionChanged(s *model.SessionState)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(*model.SessionState)

func (f ListenerFunc) SessionChanged(s *model.SessionState) { f(s) }

// Store holds the in-memory session. It is created once and reset, never replaced, on sign-out.
type Store struct {
	mu        sync.RWMutex
	state     State
	current   *model.SessionState
	listeners []Listener
}

// NewStore returns a signed-out store.
func NewStore() *Store { return &Store{} }

// Subscribe registers l for session changes.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Current returns a copy of the session, or nil when signed out.
func (s *Store) Current() *model.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// State returns the lifecycle state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Store) signIn(sess *model.SessionState) {
	s.mu.Lock()
	s.state = SignedIn
	s.current = sess.Clone()
	ls := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range ls {
		l.SessionChanged(sess.Clone())
	}
}

// Reset clears the session and moves to SignedOut.
func (s *Store) Reset() {
	s.mu.Lock()
	s.state = SignedOut
	s.current = nil
	ls := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range ls {
		l.SessionChanged(nil)
	}
}
