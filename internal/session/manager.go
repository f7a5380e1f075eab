package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Manager owns every Session record for the life of the daemon process.
// In-memory map behind a reader/writer mutex, per §5 "Shared resources".
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Create allocates a new session with a fresh UUID.
func (m *Manager) Create(tool string, argv []string, cwd, label string) *Session {
	s := NewSession(uuid.NewString(), tool, argv, cwd, label)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// MustGet returns a session by ID or an error if unknown.
func (m *Manager) MustGet(id string) (*Session, error) {
	if s, ok := m.Get(id); ok {
		return s, nil
	}
	return nil, fmt.Errorf("session %q not found", id)
}

// List returns all sessions, in no particular order.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Remove deletes a session record, e.g. after its process has fully
// terminated and its trace has been flushed.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}
