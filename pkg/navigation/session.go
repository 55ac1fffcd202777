package navigation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/fare"
	"transit_nav/pkg/geo"
	"transit_nav/pkg/provider"
	"transit_nav/pkg/routing"
)

// ErrSessionClosed is returned by Start after Close.
var ErrSessionClosed = errors.New("session closed")

// Session is the navigation state of one rendering surface. Every
// transition, command and position update is serialised by mu.
type Session struct {
	surface string
	cfg     Config
	deps    Deps
	queue   *renderQueue
	now     func() time.Time

	mu          sync.Mutex
	id          string
	state       State
	mode        catalog.Mode
	current     *geo.Waypoint
	destination *geo.Waypoint
	path        *routing.CandidatePath
	remaining   []geo.Waypoint
	tracking    bool
	reached     bool
	nearing     bool
	displayHeld bool
	gen         uint64
	watch       provider.WatchHandle
	stopTicker  chan struct{}
	eta         *fare.Estimate
	etaPending  *fare.Pending
	updated     time.Time
	closed      bool

	subs    map[int]chan Event
	nextSub int
}

// NewSession creates an idle session for surface.
func NewSession(surface string, cfg Config, deps Deps) *Session {
	return &Session{
		surface: surface,
		cfg:     cfg,
		deps:    deps,
		queue:   newRenderQueue(deps.Renderer, cfg.RenderQueueSize),
		now:     time.Now,
		state:   StateIdle,
		subs:    make(map[int]chan Event),
	}
}

// Surface returns the rendering surface the session draws on.
func (s *Session) Surface() string { return s.surface }

// ID returns the id of the current trip, empty before the first Start.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetCurrentLocation sets the trip origin.
func (s *Session) SetCurrentLocation(p geo.Waypoint) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	s.mu.Lock()
	s.current = &p
	s.mu.Unlock()
	return nil
}

// SetDestination sets the trip destination.
func (s *Session) SetDestination(p geo.Waypoint) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	s.mu.Lock()
	s.destination = &p
	s.mu.Unlock()
	return nil
}

// Start navigates from the current location to the destination. Walking
// draws a direct walking path; taxi a direct path in the taxi colour. Any
// other mode resolves the nearest stops and rides the best path, restricted
// to mode unless mode is empty. On failure the session is back in idle and
// a single error notice has been emitted.
func (s *Session) Start(ctx context.Context, mode catalog.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.beginLocked(mode); err != nil {
		return s.failLocked(err)
	}

	switch mode {
	case catalog.ModeWalking:
		s.renderDirectLocked(catalog.ModeWalking, "walking", s.cfg.WalkingColor)
	case catalog.ModeTaxi:
		s.renderDirectLocked(catalog.ModeTaxi, "taxi", s.cfg.TaxiColor)
	default:
		path, err := s.matchLocked(ctx, mode)
		if err != nil {
			return s.failLocked(err)
		}
		if path.Degenerate() {
			log.Printf("navigation %s: both ends resolve to one stop, walking instead", s.surface)
			s.renderDirectLocked(catalog.ModeWalking, "walking", s.cfg.WalkingColor)
		} else {
			s.renderTransitLocked(path)
		}
	}

	if err := s.trackLocked(); err != nil {
		return s.failLocked(err)
	}
	return nil
}

// StartWithPath navigates along a path the caller already chose, e.g. one of
// the alternatives from FindAllRoutePaths. An empty mode uses the path's kind.
func (s *Session) StartWithPath(ctx context.Context, path routing.CandidatePath, mode catalog.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == "" {
		mode = path.Kind
	}
	if err := s.beginLocked(mode); err != nil {
		return s.failLocked(err)
	}
	if len(path.Waypoints) == 0 {
		return s.failLocked(fmt.Errorf("%w: empty path", ErrInvalidRequest))
	}
	if path.Degenerate() {
		s.renderDirectLocked(catalog.ModeWalking, "walking", s.cfg.WalkingColor)
	} else {
		s.renderTransitLocked(path)
	}
	if err := s.trackLocked(); err != nil {
		return s.failLocked(err)
	}
	return nil
}

// Stop cancels tracking. It reports whether anything was stopped; calling
// it outside tracking, twice, or after arrival does nothing.
func (s *Session) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked()
}

// OnVisibilityChange tells the session the surface became visible or
// hidden. The display keep-awake is dropped by the platform when hidden and
// re-acquired here when visible again.
func (s *Session) OnVisibilityChange(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tracking || s.deps.Display == nil {
		return
	}
	if !visible {
		s.displayHeld = false
		return
	}
	s.acquireDisplayLocked()
}

// Flush waits until every render command issued so far has run.
func (s *Session) Flush(ctx context.Context) error {
	return s.queue.flush(ctx)
}

// Subscribe returns a stream of state changes, notices and positions.
// Events are dropped for a subscriber whose buffer is full. The returned
// func unsubscribes and closes the channel.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:        s.id,
		Surface:   s.surface,
		State:     s.state,
		Mode:      s.mode,
		Tracking:  s.tracking,
		Reached:   s.reached,
		UpdatedAt: s.updated,
	}
	if s.current != nil {
		c := *s.current
		snap.Current = &c
	}
	if s.destination != nil {
		d := *s.destination
		snap.Destination = &d
	}
	if s.path != nil {
		p := *s.path
		p.Waypoints = append([]geo.Waypoint(nil), s.path.Waypoints...)
		snap.Path = &p
	}
	snap.Remaining = append([]geo.Waypoint(nil), s.remaining...)
	if s.eta != nil {
		e := *s.eta
		snap.ETA = &e
	}
	return snap
}

// Close stops tracking, closes subscriptions and the render queue.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cancelLocked()
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
	s.queue.close()
}

// beginLocked resets the session for a new trip and validates the request.
func (s *Session) beginLocked(mode catalog.Mode) error {
	if s.closed {
		return ErrSessionClosed
	}
	// A new trip replaces a running one.
	s.cancelLocked()

	s.id = uuid.NewString()
	s.mode = mode
	s.path = nil
	s.remaining = nil
	s.reached = false
	s.nearing = false
	s.eta = nil
	s.setStateLocked(StateValidating)

	if mode != "" && !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, mode)
	}
	if s.current == nil || s.destination == nil {
		return ErrInvalidRequest
	}
	if !s.cfg.Bounds.IsZero() {
		if !s.cfg.Bounds.Contains(*s.current) {
			return fmt.Errorf("%w: current location %s", ErrOutOfBounds, *s.current)
		}
		if !s.cfg.Bounds.Contains(*s.destination) {
			return fmt.Errorf("%w: destination %s", ErrOutOfBounds, *s.destination)
		}
	}

	s.setStateLocked(StateRendering)
	s.queue.clear()
	return nil
}

func (s *Session) matchLocked(ctx context.Context, mode catalog.Mode) (routing.CandidatePath, error) {
	start, ok := s.deps.Network.Nearest(*s.current)
	if !ok {
		return routing.CandidatePath{}, fmt.Errorf("%w: current location", ErrNoNearbyStop)
	}
	end, ok := s.deps.Network.Nearest(*s.destination)
	if !ok {
		return routing.CandidatePath{}, fmt.Errorf("%w: destination", ErrNoNearbyStop)
	}

	var kinds []catalog.Mode
	if mode == catalog.ModeJeepney || mode == catalog.ModeBus {
		kinds = []catalog.Mode{mode}
	}
	return s.deps.Network.FindBestPath(ctx, start, end, kinds...)
}

// renderDirectLocked draws a straight trip from the current location to the
// destination.
func (s *Session) renderDirectLocked(mode catalog.Mode, id, color string) {
	from, to := *s.current, *s.destination
	pts := []geo.Waypoint{from, to}
	s.path = &routing.CandidatePath{
		RouteID:        id,
		RouteName:      string(mode),
		Kind:           mode,
		Color:          color,
		Waypoints:      pts,
		DistanceMeters: geo.Distance(from, to),
	}
	s.remaining = append([]geo.Waypoint(nil), pts...)

	if mode == catalog.ModeWalking {
		s.queue.walking(from, to, color)
	} else {
		s.queue.path(pts, color)
	}
	s.queue.moveSelf(from)
	s.queue.panTo(from)
}

// renderTransitLocked draws the walking leg to the path, the path itself and
// the walking leg from the path to the destination.
func (s *Session) renderTransitLocked(path routing.CandidatePath) {
	s.path = &path
	s.remaining = append([]geo.Waypoint(nil), path.Waypoints...)
	if s.mode == "" {
		s.mode = path.Kind
	}

	s.queue.walking(*s.current, path.Waypoints[0], s.cfg.WalkingColor)
	s.renderRemainingLocked()
	s.queue.moveSelf(*s.current)
	s.queue.panTo(*s.current)
}

func (s *Session) renderRemainingLocked() {
	s.queue.path(s.remaining, s.path.Color)
	end := s.remaining[len(s.remaining)-1]
	if !geo.IsNearby(end, *s.destination, s.cfg.DestinationSnapKm) {
		s.queue.walking(end, *s.destination, s.cfg.WalkingColor)
	}
}

// failLocked aborts to idle and reports err once.
func (s *Session) failLocked(err error) error {
	log.Printf("navigation %s: %v", s.surface, err)
	s.teardownLocked()
	s.path = nil
	s.remaining = nil
	s.setStateLocked(StateIdle)
	s.noticeLocked(Notice{Kind: NoticeError, Message: userMessage(err), Err: err})
	return err
}

// cancelLocked ends a running trip without an arrival.
func (s *Session) cancelLocked() bool {
	if s.state != StateTracking {
		return false
	}
	s.teardownLocked()
	s.setStateLocked(StateCancelled)
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionEnded(StateCancelled)
	}
	return true
}

// teardownLocked releases everything a trip holds. Callbacks issued for the
// old trip see a different generation and are ignored.
func (s *Session) teardownLocked() {
	s.gen++
	if s.tracking {
		s.deps.Watcher.ClearWatch(s.watch)
		close(s.stopTicker)
		s.stopTicker = nil
		s.tracking = false
	}
	if s.displayHeld {
		s.deps.Display.Release()
		s.displayHeld = false
	}
	if s.etaPending != nil {
		s.etaPending.Cancel()
		s.etaPending = nil
	}
}

func (s *Session) acquireDisplayLocked() {
	if s.deps.Display == nil || s.displayHeld {
		return
	}
	if err := s.deps.Display.Acquire(); err != nil {
		log.Printf("navigation %s: keep display awake failed: %v", s.surface, err)
		return
	}
	s.displayHeld = true
}

func (s *Session) setStateLocked(st State) {
	s.state = st
	s.updated = s.now()
	s.emitLocked(Event{Type: EventState, State: st})
}

func (s *Session) noticeLocked(n Notice) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.NoticeEmitted(n.Kind)
	}
	s.emitLocked(Event{Type: EventNotice, Notice: &n})
}

func (s *Session) emitLocked(ev Event) {
	ev.SessionID = s.id
	ev.Surface = s.surface
	ev.Time = s.now()
	if s.deps.Sink != nil {
		s.deps.Sink.SessionEvent(ev)
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "Set your current location and destination first."
	case errors.Is(err, ErrOutOfBounds):
		return "Navigation is only available inside the service area."
	case errors.Is(err, ErrNoNearbyStop):
		return "No transit stop found near your location or destination."
	case errors.Is(err, ErrNoRouteFound):
		return "No route connects these points."
	case errors.Is(err, ErrGeolocationUnavailable):
		return "Your location is unavailable. Check location permissions."
	case errors.Is(err, ErrSessionClosed):
		return "This navigation session has ended."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Navigation request timed out."
	}
	return "Navigation failed. Please try again."
}
