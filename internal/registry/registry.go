// Package registry is the peer registry (C5): name -> session lifecycle and
// the dedup invariant that at most one Virgil session exists per peer name.
package registry

import (
	"sync"

	"github.com/da-penguin-guy/Virgil/internal/session"
)

// Registry maps peer name to its live session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

// New returns an empty peer registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*session.Session)}
}

// Get returns the session bound to name, if any.
func (r *Registry) Get(name string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Register attempts to bind s under name. It returns false — the dedup
// rejection — if an existing session for name is already a live Virgil
// device; the caller must then close the new connection rather than adopt
// it. Otherwise s replaces whatever was there (a dead or never-handshaken
// prior entry) and true is returned.
func (r *Registry) Register(name string, s *session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[name]; ok && existing.IsVirgilDevice() {
		return false
	}
	r.sessions[name] = s
	return true
}

// Remove deregisters name, but only if the currently-registered session is
// exactly s — a late teardown of a superseded session must not evict the
// session that replaced it.
func (r *Registry) Remove(name string, s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[name]; ok && current == s {
		delete(r.sessions, name)
	}
}

// Names returns every currently-registered peer name.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		out = append(out, name)
	}
	return out
}

// Snapshot returns a copy of the name -> session map for introspection
// (the debug API's peer listing uses this).
func (r *Registry) Snapshot() map[string]*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*session.Session, len(r.sessions))
	for k, v := range r.sessions {
		out[k] = v
	}
	return out
}
