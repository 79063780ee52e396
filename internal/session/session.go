// Package session holds the state one user works with between prompts: the
// conversation history, the counters, the session log, and the last
// generated program.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/pymakebot/internal/conversation"
)

// Session is owned by exactly one front end at a time (the REPL, one CLI
// invocation, or the dashboard behind its action mutex).
type Session struct {
	ID        string
	StartedAt time.Time
	History   *conversation.History
	Metrics   *Metrics
	Log       *Log

	mu         sync.RWMutex
	lastCode   string
	lastScript string
}

// New creates a session with a fresh ID. log may be nil to disable the
// session log.
func New(maxHistory int, log *Log) *Session {
	return NewWithID(uuid.NewString(), maxHistory, log)
}

// NewWithID creates a session under an ID chosen by the caller, for when
// the ID must be known before the session is built.
func NewWithID(id string, maxHistory int, log *Log) *Session {
	return &Session{
		ID:        id,
		StartedAt: time.Now(),
		History:   conversation.NewHistory(maxHistory),
		Metrics:   NewMetrics(),
		Log:       log,
	}
}

// SetLast records the most recent program and where it was saved.
func (s *Session) SetLast(code, script string) {
	s.mu.Lock()
	s.lastCode, s.lastScript = code, script
	s.mu.Unlock()
}

// LastCode returns the most recent program, or "".
func (s *Session) LastCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCode
}

// LastScript returns the path of the most recent program, or "".
func (s *Session) LastScript() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastScript
}

// Clear forgets the conversation and the last program. Counters are kept.
func (s *Session) Clear() {
	s.History.Clear()
	s.SetLast("", "")
}

// Close closes the session log.
func (s *Session) Close() error {
	return s.Log.Close()
}
