// Package sessions tracks the one live voice cipher per connected user.
package sessions

import (
	"sync"

	"github.com/DMShort/DadLink/internal/cipher"
)

// Registry maps a user ID to its current voice Session. A user has at most
// one live voice cipher at a time; re-keying (a fresh handshake) replaces
// the prior entry outright rather than layering state on top of it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint32]*cipher.Session
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[uint32]*cipher.Session)}
}

// Set installs (or replaces) the voice session for userID.
func (r *Registry) Set(userID uint32, s *cipher.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = s
}

// Get returns the voice session for userID, if any.
func (r *Registry) Get(userID uint32) (*cipher.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Remove drops userID's voice session. It is a no-op if none exists.
func (r *Registry) Remove(userID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}

// Contains reports whether userID currently has a keyed voice session.
func (r *Registry) Contains(userID uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

// Count returns the number of keyed voice sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
