// Package session tracks crawl sessions and their budget usage.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/foofork/riptide/internal/budget"
	"github.com/foofork/riptide/internal/core"
)

// ErrNotFound is returned when a session ID is unknown.
var ErrNotFound = errors.New("session not found")

// Session describes one crawl session.
type Session struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	SeedCount int       `json:"seed_count"`
}

// View combines session metadata with its budget usage.
type View struct {
	Session
	Usage budget.Snapshot `json:"usage"`
}

// Manager creates and looks up sessions. Budget usage is read from the
// budget manager, which owns the counters.
type Manager struct {
	ids    core.IDGenerator
	clock  core.Clock
	budget *budget.Manager

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager constructs a session Manager.
func NewManager(ids core.IDGenerator, clock core.Clock, budgets *budget.Manager) *Manager {
	return &Manager{
		ids:      ids,
		clock:    clock,
		budget:   budgets,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session and returns it.
func (m *Manager) Create(label string, seedCount int) (Session, error) {
	id, err := m.ids.NewID()
	if err != nil {
		return Session{}, err
	}
	s := &Session{
		ID:        id,
		Label:     label,
		CreatedAt: m.clock.Now(),
		SeedCount: seedCount,
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return *s, nil
}

// AddSeeds bumps the seed counter for an existing session.
func (m *Manager) AddSeeds(id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.SeedCount += n
	return nil
}

// Get returns the session view including budget usage.
func (m *Manager) Get(id string) (View, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.RUnlock()
		return View{}, ErrNotFound
	}
	view := View{Session: *s}
	m.mu.RUnlock()

	if m.budget != nil {
		if snap, ok := m.budget.SessionSnapshot(id); ok {
			view.Usage = snap
		}
	}
	return view, nil
}

// List returns all sessions ordered by creation time, newest first.
func (m *Manager) List() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
