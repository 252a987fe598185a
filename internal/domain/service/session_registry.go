package service

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Session registry sentinel errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionRunning  = errors.New("session has a task in flight")
	ErrSessionExists   = errors.New("session already exists")
)

// SessionRegistry owns every live session, keyed by an opaque,
// transport-neutral session id. Reads vastly outnumber writes; the write
// lock is held only for map mutation, never across anything that can block.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *zap.Logger
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(logger *zap.Logger) *SessionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// GetOrCreate returns the session for id, building it with factory on first
// use. The factory runs outside the write lock; on a create race the first
// insert wins and the loser's session is discarded.
func (r *SessionRegistry) GetOrCreate(id string, factory func() *Session) *Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	created := factory()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[id]; ok {
		return existing
	}
	r.sessions[id] = created
	r.logger.Info("session created", zap.String("session_id", id))
	return created
}

// Get returns the session for id, or nil when absent.
func (r *SessionRegistry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Insert registers a pre-built session. Fails when the id is taken.
func (r *SessionRegistry) Insert(id string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return ErrSessionExists
	}
	r.sessions[id] = s
	return nil
}

// IsRunning reports whether the session has a run in flight, without
// blocking. An absent session is not running.
func (r *SessionRegistry) IsRunning(id string) bool {
	s := r.Get(id)
	if s == nil {
		return false
	}
	return s.IsRunning()
}

// Cancel broadcasts cancellation to the session's token and all child tokens
// derived from it. Idempotent; a missing session is an error so callers can
// report it.
func (r *SessionRegistry) Cancel(id string) error {
	s := r.Get(id)
	if s == nil {
		return ErrSessionNotFound
	}
	s.Cancel()
	return nil
}

// RenewCancellationToken replaces a session's (typically cancelled) token
// with a fresh one so the next run starts clean.
func (r *SessionRegistry) RenewCancellationToken(id string) error {
	s := r.Get(id)
	if s == nil {
		return ErrSessionNotFound
	}
	s.RenewToken()
	return nil
}

// Reset clears the session's memory and todos. Fails with ErrSessionRunning
// when a task is in flight; the sandbox handle persists by design.
func (r *SessionRegistry) Reset(id string) error {
	s := r.Get(id)
	if s == nil {
		return ErrSessionNotFound
	}
	return s.Reset()
}

// ClearTodos drops only the session's todo list. Never blocks a running task.
func (r *SessionRegistry) ClearTodos(id string) error {
	s := r.Get(id)
	if s == nil {
		return ErrSessionNotFound
	}
	s.ClearTodos()
	return nil
}

// Remove destroys the session, cancelling whatever it may still be running.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.Cancel()
		r.logger.Info("session removed", zap.String("session_id", id))
	}
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
