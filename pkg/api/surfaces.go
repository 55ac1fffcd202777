package api

import (
	"errors"
	"sync"

	"transit_nav/pkg/navigation"
	"transit_nav/pkg/provider"
)

// ErrNoPushFeed is returned when positions of a surface arrive another way.
var ErrNoPushFeed = errors.New("surface positions are not fed over HTTP")

// Surfaces creates the renderer and position feed of each surface and keeps
// them reachable for the HTTP handlers.
type Surfaces struct {
	base    navigation.Deps
	walker  provider.WalkingRouter
	watcher func(surface string) provider.PositionWatcher

	mu        sync.Mutex
	renderers map[string]*provider.LayerRenderer
	pushers   map[string]*provider.PushWatcher
}

// NewSurfaces uses base for the shared collaborators. watcher, when not nil,
// supplies the position feed; otherwise positions are posted over HTTP.
func NewSurfaces(base navigation.Deps, walker provider.WalkingRouter, watcher func(surface string) provider.PositionWatcher) *Surfaces {
	return &Surfaces{
		base:      base,
		walker:    walker,
		watcher:   watcher,
		renderers: make(map[string]*provider.LayerRenderer),
		pushers:   make(map[string]*provider.PushWatcher),
	}
}

// Deps is a navigation.DepsFunc.
func (s *Surfaces) Deps(surface string) (navigation.Deps, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deps := s.base
	r := provider.NewLayerRenderer(s.walker)
	s.renderers[surface] = r
	deps.Renderer = r
	if s.watcher != nil {
		deps.Watcher = s.watcher(surface)
	} else {
		w := provider.NewPushWatcher()
		s.pushers[surface] = w
		deps.Watcher = w
	}
	return deps, nil
}

// Renderer returns the layers of surface.
func (s *Surfaces) Renderer(surface string) (*provider.LayerRenderer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.renderers[surface]
	return r, ok
}

// Push feeds a position to surface.
func (s *Surfaces) Push(surface string, fix provider.PositionFix) error {
	s.mu.Lock()
	w, ok := s.pushers[surface]
	s.mu.Unlock()
	if !ok {
		return ErrNoPushFeed
	}
	w.Push(fix)
	return nil
}

// Forget drops a closed surface. Register it with Manager.OnRelease so it
// runs atomically with the session's removal.
func (s *Surfaces) Forget(surface string) {
	s.mu.Lock()
	delete(s.renderers, surface)
	delete(s.pushers, surface)
	s.mu.Unlock()
}
