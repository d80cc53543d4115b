package relay

import (
	"fmt"
	"sync"
)

// Registry maps connection ids to live sessions.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a new session under id in [StateConnecting]. It returns
// [ErrDuplicateSession] when id is already taken; params.Link is not touched
// in that case.
func (r *Registry) Create(id string, params SessionParams) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	s := newSession(id, params, r)
	r.sessions[id] = s
	return s, nil
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops the entry for id without tearing the session down. Removing
// an absent id is a no-op. A live session that loses its entry is closed by
// its forwarding loop at the next audio chunk; use [Manager.Disconnect] to
// tear a session down.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// release removes s only if it is still the session registered under its id,
// so a late teardown never evicts a newer session that reused the id.
func (r *Registry) release(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

// holds reports whether s is the session currently registered under its id.
func (r *Registry) holds(s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[s.id] == s
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions at the time of the call.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll tears down every registered session with reason and returns them
// so the caller can wait for their workers.
func (r *Registry) CloseAll(reason string) []*Session {
	sessions := r.Snapshot()
	for _, s := range sessions {
		s.close(reason)
	}
	return sessions
}
