// Package memory maintains bounded per-session conversation history.
// Sessions are independent; appends within one session are serialized.
package memory

import (
	"sync"

	"github.com/shoplens/shoplens/engine/domain"
)

// DefaultMaxTurns bounds a session's history when no limit is configured.
const DefaultMaxTurns = 20

// Store holds conversation history keyed by session ID. Each session keeps
// at most maxTurns turns; appending beyond the bound evicts the oldest
// turn first.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
	maxTurns int
}

type session struct {
	mu    sync.Mutex
	turns []domain.Turn
}

// NewStore creates a Store with the given per-session turn bound.
func NewStore(maxTurns int) *Store {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Store{
		sessions: make(map[string]*session),
		maxTurns: maxTurns,
	}
}

// session returns the session for id, creating it on first use.
func (s *Store) session(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{}
		s.sessions[id] = sess
	}
	return sess
}

// Append adds one turn to a session, evicting the oldest turn if the bound
// is exceeded.
func (s *Store) Append(sessionID string, turn domain.Turn) {
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.append(turn, s.maxTurns)
}

// AppendExchange commits a user turn and the assistant's reply as one unit.
// Concurrent exchanges for the same session cannot interleave between the
// two turns.
func (s *Store) AppendExchange(sessionID string, user, assistant domain.Turn) {
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.append(user, s.maxTurns)
	sess.append(assistant, s.maxTurns)
}

// append must be called with sess.mu held.
func (sess *session) append(turn domain.Turn, maxTurns int) {
	sess.turns = append(sess.turns, turn)
	if len(sess.turns) > maxTurns {
		over := len(sess.turns) - maxTurns
		sess.turns = append(sess.turns[:0:0], sess.turns[over:]...)
	}
}

// History returns a copy of the session's turns, oldest first. Unknown
// sessions return an empty history.
func (s *Store) History(sessionID string) []domain.Turn {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]domain.Turn, len(sess.turns))
	copy(out, sess.turns)
	return out
}

// Clear removes all history for a session.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Len reports the number of turns currently held for a session.
func (s *Store) Len(sessionID string) int {
	return len(s.History(sessionID))
}
