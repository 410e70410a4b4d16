package session

import (
	"log/slog"
	"sync"
)

// Manager tracks the live sessions of a process. Sessions share nothing but
// their Config.
type Manager struct {
	log      *slog.Logger
	cfg      Config
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager whose sessions use cfg. If cfg.Log is nil,
// slog.Default() is used.
func NewManager(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Manager{
		log:      cfg.Log.With("component", "session-manager"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new idle session.
func (m *Manager) Create() *Session {
	s := New(m.cfg)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Info("session created", "session", s.ID)
	return s
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove forgets a session. It does not stop it.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		m.log.Info("session removed", "session", id)
	}
}

// List returns all registered sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}
