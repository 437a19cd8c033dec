package mcp

import "sync"

// SessionRegistry maps roles to MCP session IDs. Populated automatically when
// a role acts through any tool, so push notifications can reach whoever is
// currently speaking for the role.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // role → sessionID
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a role with a session ID. A role reconnecting through a
// new session overwrites the old mapping.
func (r *SessionRegistry) Register(role, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[role] = sessionID
}

// SessionFor returns the session ID currently acting for the role.
func (r *SessionRegistry) SessionFor(role string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[role]
	return sid, ok
}

// Remove deletes all role mappings for a disconnected session.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for role, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, role)
		}
	}
}
