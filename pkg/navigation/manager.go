package navigation

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/geo"
	"transit_nav/pkg/routing"
)

// ErrUnknownSurface is returned for a surface that has no session.
var ErrUnknownSurface = errors.New("unknown surface")

// DepsFunc builds the collaborators of a new surface.
type DepsFunc func(surface string) (Deps, error)

// ActiveGauge tracks how many sessions are tracking.
type ActiveGauge interface {
	SetActiveSessions(n int)
}

// Manager owns one session per rendering surface, so two trips never draw
// on the same surface at once.
type Manager struct {
	cfg     Config
	newDeps DepsFunc
	gauge   ActiveGauge

	mu       sync.Mutex
	sessions map[string]*Session
	release  func(surface string)
}

// NewManager creates a manager. gauge may be nil.
func NewManager(cfg Config, newDeps DepsFunc, gauge ActiveGauge) *Manager {
	return &Manager{
		cfg:      cfg,
		newDeps:  newDeps,
		gauge:    gauge,
		sessions: make(map[string]*Session),
	}
}

// OnRelease registers fn to drop whatever newDeps built for a surface. fn
// runs under the manager lock while the surface is removed, so it cannot
// race a new session being created on the same surface.
func (m *Manager) OnRelease(fn func(surface string)) {
	m.mu.Lock()
	m.release = fn
	m.mu.Unlock()
}

// Session returns the session of surface, creating it on first use.
func (m *Manager) Session(surface string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[surface]; ok {
		return s, nil
	}
	deps, err := m.newDeps(surface)
	if err != nil {
		return nil, err
	}
	s := NewSession(surface, m.cfg, deps)
	m.sessions[surface] = s
	log.Printf("navigation surface %s opened", surface)
	return s, nil
}

// Get returns an existing session.
func (m *Manager) Get(surface string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[surface]
	return s, ok
}

// Navigate sets both ends of a trip on surface and starts it. A trip
// already running on the surface is cancelled first.
func (m *Manager) Navigate(ctx context.Context, surface string, from, to geo.Waypoint, mode catalog.Mode) (*Session, error) {
	s, err := m.Session(surface)
	if err != nil {
		return nil, err
	}
	if err := s.SetCurrentLocation(from); err != nil {
		return s, err
	}
	if err := s.SetDestination(to); err != nil {
		return s, err
	}
	err = s.Start(ctx, mode)
	m.updateGauge()
	return s, err
}

// NavigatePath starts a trip along a chosen path.
func (m *Manager) NavigatePath(ctx context.Context, surface string, from, to geo.Waypoint, path routing.CandidatePath, mode catalog.Mode) (*Session, error) {
	s, err := m.Session(surface)
	if err != nil {
		return nil, err
	}
	if err := s.SetCurrentLocation(from); err != nil {
		return s, err
	}
	if err := s.SetDestination(to); err != nil {
		return s, err
	}
	err = s.StartWithPath(ctx, path, mode)
	m.updateGauge()
	return s, err
}

// Stop cancels the trip on surface.
func (m *Manager) Stop(surface string) (bool, error) {
	s, ok := m.Get(surface)
	if !ok {
		return false, ErrUnknownSurface
	}
	stopped := s.Stop()
	m.updateGauge()
	return stopped, nil
}

// Close removes the surface and releases its session.
func (m *Manager) Close(surface string) {
	m.mu.Lock()
	s, ok := m.sessions[surface]
	delete(m.sessions, surface)
	if ok && m.release != nil {
		m.release(surface)
	}
	m.mu.Unlock()
	if ok {
		s.Close()
		log.Printf("navigation surface %s closed", surface)
	}
	m.updateGauge()
}

// Surfaces lists the open surfaces in name order.
func (m *Manager) Surfaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Active returns the number of sessions currently tracking.
func (m *Manager) Active() int {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	n := 0
	for _, s := range sessions {
		if s.State() == StateTracking {
			n++
		}
	}
	return n
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	if m.release != nil {
		for surface := range sessions {
			m.release(surface)
		}
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	m.updateGauge()
}

func (m *Manager) updateGauge() {
	if m.gauge != nil {
		m.gauge.SetActiveSessions(m.Active())
	}
}
