package navigation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/geo"
	"transit_nav/pkg/provider"
	"transit_nav/pkg/routing"
)

// fakeWatcher keeps every callback, cleared or not, so tests can deliver
// late fixes to a trip that has already ended.
type fakeWatcher struct {
	mu          sync.Mutex
	unavailable bool
	next        provider.WatchHandle
	cbs         map[provider.WatchHandle]func(provider.PositionFix)
	active      map[provider.WatchHandle]bool
	cleared     int
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		cbs:    make(map[provider.WatchHandle]func(provider.PositionFix)),
		active: make(map[provider.WatchHandle]bool),
	}
}

func (w *fakeWatcher) WatchPosition(cb func(provider.PositionFix)) (provider.WatchHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unavailable {
		return 0, errors.New("permission denied")
	}
	w.next++
	w.cbs[w.next] = cb
	w.active[w.next] = true
	return w.next, nil
}

func (w *fakeWatcher) ClearWatch(h provider.WatchHandle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, h)
	w.cleared++
}

// send delivers fix to the active watches only.
func (w *fakeWatcher) send(fix provider.PositionFix) {
	for _, cb := range w.callbacks(true) {
		cb(fix)
	}
}

// sendLate delivers fix to every watch ever opened.
func (w *fakeWatcher) sendLate(fix provider.PositionFix) {
	for _, cb := range w.callbacks(false) {
		cb(fix)
	}
}

func (w *fakeWatcher) callbacks(activeOnly bool) []func(provider.PositionFix) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []func(provider.PositionFix)
	for h, cb := range w.cbs {
		if activeOnly && !w.active[h] {
			continue
		}
		out = append(out, cb)
	}
	return out
}

func (w *fakeWatcher) counts() (active, cleared int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active), w.cleared
}

type fakeDisplay struct {
	mu                 sync.Mutex
	acquired, released int
}

func (d *fakeDisplay) Acquire() error {
	d.mu.Lock()
	d.acquired++
	d.mu.Unlock()
	return nil
}

func (d *fakeDisplay) Release() {
	d.mu.Lock()
	d.released++
	d.mu.Unlock()
}

func (d *fakeDisplay) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired, d.released
}

type fakeAlerter struct {
	mu               sync.Mutex
	nearing, arrived int
}

func (a *fakeAlerter) Nearing() { a.mu.Lock(); a.nearing++; a.mu.Unlock() }
func (a *fakeAlerter) Arrived() { a.mu.Lock(); a.arrived++; a.mu.Unlock() }

type fakeMetrics struct {
	mu      sync.Mutex
	started []catalog.Mode
	ended   []State
	stale   int
	fresh   int
	notices []NoticeKind
}

func (m *fakeMetrics) SessionStarted(mode catalog.Mode) {
	m.mu.Lock()
	m.started = append(m.started, mode)
	m.mu.Unlock()
}

func (m *fakeMetrics) SessionEnded(st State) {
	m.mu.Lock()
	m.ended = append(m.ended, st)
	m.mu.Unlock()
}

func (m *fakeMetrics) PositionProcessed(stale bool) {
	m.mu.Lock()
	if stale {
		m.stale++
	} else {
		m.fresh++
	}
	m.mu.Unlock()
}

func (m *fakeMetrics) NoticeEmitted(k NoticeKind) {
	m.mu.Lock()
	m.notices = append(m.notices, k)
	m.mu.Unlock()
}

type harness struct {
	session  *Session
	renderer *provider.LayerRenderer
	watcher  *fakeWatcher
	display  *fakeDisplay
	alerter  *fakeAlerter
	metrics  *fakeMetrics
	events   <-chan Event
}

var (
	origin      = geo.Waypoint{Lat: 14.6001, Lng: 121.000}
	destination = geo.Waypoint{Lat: 14.6001, Lng: 121.010}
)

func testCatalog() *catalog.Catalog {
	return catalog.New("test", []*catalog.Route{
		{
			ID:    "J1",
			Name:  "Quiapo - Cubao",
			Kind:  catalog.ModeJeepney,
			Color: "#e53935",
			Waypoints: []geo.Waypoint{
				{Lat: 14.600, Lng: 121.000},
				{Lat: 14.600, Lng: 121.0025},
				{Lat: 14.600, Lng: 121.005},
				{Lat: 14.600, Lng: 121.0075},
				{Lat: 14.600, Lng: 121.010},
			},
		},
	}, &catalog.TaxiFallback{ID: "TAXI", Name: "Taxi", Color: "#fdd835"})
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		renderer: provider.NewLayerRenderer(nil),
		watcher:  newFakeWatcher(),
		display:  &fakeDisplay{},
		alerter:  &fakeAlerter{},
		metrics:  &fakeMetrics{},
	}
	h.session = NewSession("main", cfg, Deps{
		Network:  routing.NewIndex(testCatalog(), routing.DefaultOptions(), nil),
		Renderer: h.renderer,
		Watcher:  h.watcher,
		Display:  h.display,
		Alerter:  h.alerter,
		Metrics:  h.metrics,
	})
	events, cancel := h.session.Subscribe(64)
	h.events = events
	t.Cleanup(func() {
		cancel()
		h.session.Close()
	})
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RefreshInterval = 0
	return cfg
}

func (h *harness) start(t *testing.T, mode catalog.Mode) {
	t.Helper()
	require.NoError(t, h.session.SetCurrentLocation(origin))
	require.NoError(t, h.session.SetDestination(destination))
	require.NoError(t, h.session.Start(context.Background(), mode))
	require.Equal(t, StateTracking, h.session.State())
}

// notices drains the buffered events and returns the notices among them.
func (h *harness) notices() []Notice {
	var out []Notice
	for {
		select {
		case ev := <-h.events:
			if ev.Type == EventNotice {
				out = append(out, *ev.Notice)
			}
		default:
			return out
		}
	}
}

func fix(lat, lng float64) provider.PositionFix {
	return provider.PositionFix{Point: geo.Waypoint{Lat: lat, Lng: lng}, Timestamp: time.Now()}
}

func TestStartJeepneyRendersAndTracks(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, catalog.ModeJeepney)

	snap := h.session.Snapshot()
	require.NotNil(t, snap.Path)
	assert.Equal(t, "J1", snap.Path.RouteID)
	assert.Equal(t, catalog.ModeJeepney, snap.Mode)
	assert.True(t, snap.Tracking)
	assert.NotEmpty(t, snap.ID)
	assert.Len(t, snap.Path.Waypoints, 5)

	require.NoError(t, h.session.Flush(context.Background()))
	fc := h.renderer.FeatureCollection()
	var transit, markers int
	for _, f := range fc.Features {
		switch f.Properties["layer"] {
		case provider.LayerTransit:
			transit++
		case provider.LayerMarker:
			markers++
		}
	}
	assert.Equal(t, 1, transit)
	assert.Equal(t, 1, markers)

	active, _ := h.watcher.counts()
	assert.Equal(t, 1, active)
	acquired, _ := h.display.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, []catalog.Mode{catalog.ModeJeepney}, h.metrics.started)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, catalog.ModeJeepney)

	assert.True(t, h.session.Stop())
	assert.Equal(t, StateCancelled, h.session.State())
	assert.False(t, h.session.Stop())
	assert.False(t, h.session.Stop())

	active, cleared := h.watcher.counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, cleared)
	_, released := h.display.counts()
	assert.Equal(t, 1, released)
	assert.Equal(t, []State{StateCancelled}, h.metrics.ended)
}

func TestNearingFiresOnceThenArrives(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, catalog.ModeJeepney)
	h.notices()

	// About 43 m short of the destination, twice.
	h.watcher.send(fix(14.6001, 121.0096))
	h.watcher.send(fix(14.6001, 121.0097))
	notices := h.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeNearing, notices[0].Kind)
	assert.Equal(t, 1, h.alerter.nearing)
	assert.Equal(t, StateTracking, h.session.State())

	// About 5 m away.
	h.watcher.send(fix(14.6001, 121.01005))
	notices = h.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeArrived, notices[0].Kind)
	assert.Equal(t, 1, h.alerter.arrived)

	snap := h.session.Snapshot()
	assert.Equal(t, StateArrived, snap.State)
	assert.True(t, snap.Reached)
	assert.False(t, snap.Tracking)
	active, cleared := h.watcher.counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, cleared)

	// Stop after arrival is a no-op.
	assert.False(t, h.session.Stop())
	_, cleared = h.watcher.counts()
	assert.Equal(t, 1, cleared)
	assert.Equal(t, []State{StateArrived}, h.metrics.ended)
}

func TestArrivalAtFirstFix(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, catalog.ModeJeepney)
	h.notices()

	h.watcher.send(fix(destination.Lat, destination.Lng))
	assert.Equal(t, StateArrived, h.session.State())
	notices := h.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeArrived, notices[0].Kind)
}

func TestNearingAtExactRadiusThenLateFixAfterArrival(t *testing.T) {
	edge := geo.Waypoint{Lat: 14.6001, Lng: 121.0091}
	cfg := testConfig()
	cfg.NearingRadiusMeters = geo.Distance(edge, destination)

	h := newHarness(t, cfg)
	h.start(t, catalog.ModeJeepney)
	h.notices()

	// Exactly on the nearing radius, twice.
	h.watcher.send(fix(edge.Lat, edge.Lng))
	h.watcher.send(fix(edge.Lat, edge.Lng))
	notices := h.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeNearing, notices[0].Kind)
	assert.Equal(t, 1, h.alerter.nearing)

	// About 9 m away.
	h.watcher.send(fix(14.6001, 121.00992))
	require.Equal(t, StateArrived, h.session.State())
	notices = h.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeArrived, notices[0].Kind)

	// A fix delivered after arrival is dropped.
	h.watcher.sendLate(fix(edge.Lat, edge.Lng))
	assert.Equal(t, StateArrived, h.session.State())
	assert.Empty(t, h.notices())
	assert.Equal(t, 1, h.alerter.nearing)
	assert.Equal(t, 1, h.alerter.arrived)
	assert.Equal(t, 1, h.metrics.stale)
}

func TestStaleUpdateDiscarded(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, catalog.ModeJeepney)
	require.True(t, h.session.Stop())
	h.notices()

	h.watcher.sendLate(fix(destination.Lat, destination.Lng))

	assert.Equal(t, StateCancelled, h.session.State())
	assert.False(t, h.session.Snapshot().Reached)
	assert.Empty(t, h.notices())
	assert.Equal(t, 1, h.metrics.stale)
	assert.Equal(t, 0, h.alerter.arrived)
}

func TestStaleUpdateFromReplacedTrip(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, catalog.ModeJeepney)
	firstID := h.session.ID()
	h.start(t, catalog.ModeJeepney)
	assert.NotEqual(t, firstID, h.session.ID())

	active, cleared := h.watcher.counts()
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, cleared)
	h.notices()

	// The first trip's watch is still registered in the fake; only the
	// second trip may react.
	h.watcher.sendLate(fix(14.6001, 121.0096))
	notices := h.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeNearing, notices[0].Kind)
	assert.Equal(t, 1, h.metrics.stale)
}

func TestFixErrorKeepsTracking(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, catalog.ModeJeepney)
	h.notices()

	h.watcher.send(provider.PositionFix{Err: errors.New("timeout")})
	assert.Equal(t, StateTracking, h.session.State())
	assert.Empty(t, h.notices())
}

func TestStartFailures(t *testing.T) {
	far := geo.Waypoint{Lat: 10, Lng: 10}
	tests := []struct {
		name    string
		from    *geo.Waypoint
		to      *geo.Waypoint
		cfg     func(*Config)
		watcher func(*fakeWatcher)
		mode    catalog.Mode
		want    error
	}{
		{name: "missing locations", want: ErrInvalidRequest, mode: catalog.ModeJeepney},
		{name: "unknown mode", from: &origin, to: &destination, mode: "boat", want: ErrInvalidRequest},
		{
			name: "out of bounds",
			from: &origin, to: &far,
			cfg: func(c *Config) {
				c.Bounds = geo.NewBounds(14.35, 120.90, 14.80, 121.15)
			},
			mode: catalog.ModeJeepney,
			want: ErrOutOfBounds,
		},
		{name: "no route", from: &origin, to: &far, mode: catalog.ModeBus, want: ErrNoRouteFound},
		{
			name: "geolocation unavailable",
			from: &origin, to: &destination,
			watcher: func(w *fakeWatcher) { w.unavailable = true },
			mode:    catalog.ModeJeepney,
			want:    ErrGeolocationUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			h := newHarness(t, cfg)
			if tt.watcher != nil {
				tt.watcher(h.watcher)
			}
			if tt.from != nil {
				require.NoError(t, h.session.SetCurrentLocation(*tt.from))
			}
			if tt.to != nil {
				require.NoError(t, h.session.SetDestination(*tt.to))
			}

			err := h.session.Start(context.Background(), tt.mode)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, StateIdle, h.session.State())

			notices := h.notices()
			require.Len(t, notices, 1)
			assert.Equal(t, NoticeError, notices[0].Kind)
			assert.NotEmpty(t, notices[0].Message)

			active, _ := h.watcher.counts()
			assert.Equal(t, 0, active)
			acquired, released := h.display.counts()
			assert.Equal(t, acquired, released)
			assert.Empty(t, h.metrics.started)
		})
	}
}

func TestNoNearbyStop(t *testing.T) {
	h := &harness{watcher: newFakeWatcher(), metrics: &fakeMetrics{}}
	h.session = NewSession("empty", testConfig(), Deps{
		Network:  routing.NewIndex(catalog.New("empty", nil, nil), routing.DefaultOptions(), nil),
		Renderer: provider.NewLayerRenderer(nil),
		Watcher:  h.watcher,
		Metrics:  h.metrics,
	})
	defer h.session.Close()

	require.NoError(t, h.session.SetCurrentLocation(origin))
	require.NoError(t, h.session.SetDestination(destination))
	err := h.session.Start(context.Background(), catalog.ModeJeepney)
	require.ErrorIs(t, err, ErrNoNearbyStop)
	assert.Equal(t, StateIdle, h.session.State())
	assert.Equal(t, []NoticeKind{NoticeError}, h.metrics.notices)
}

func TestWalkingMode(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, catalog.ModeWalking)

	snap := h.session.Snapshot()
	require.NotNil(t, snap.Path)
	assert.Equal(t, catalog.ModeWalking, snap.Path.Kind)
	assert.Equal(t, []geo.Waypoint{origin, destination}, snap.Path.Waypoints)

	require.NoError(t, h.session.Flush(context.Background()))
	var walking int
	for _, f := range h.renderer.FeatureCollection().Features {
		if f.Properties["layer"] == provider.LayerWalking {
			walking++
		}
	}
	assert.Equal(t, 1, walking)
}

func TestTaxiMode(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, catalog.ModeTaxi)

	snap := h.session.Snapshot()
	require.NotNil(t, snap.Path)
	assert.Equal(t, catalog.ModeTaxi, snap.Path.Kind)
	assert.Equal(t, DefaultConfig().TaxiColor, snap.Path.Color)
	assert.Len(t, snap.Path.Waypoints, 2)
}

func TestDegenerateMatchFallsBackToWalking(t *testing.T) {
	h := newHarness(t, testConfig())
	near := geo.Waypoint{Lat: 14.6002, Lng: 121.0001}
	require.NoError(t, h.session.SetCurrentLocation(origin))
	require.NoError(t, h.session.SetDestination(near))
	require.NoError(t, h.session.Start(context.Background(), catalog.ModeJeepney))

	snap := h.session.Snapshot()
	require.NotNil(t, snap.Path)
	assert.Equal(t, catalog.ModeWalking, snap.Path.Kind)
}

func TestStartWithPath(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.session.SetCurrentLocation(origin))
	require.NoError(t, h.session.SetDestination(destination))

	paths, err := routing.NewIndex(testCatalog(), routing.DefaultOptions(), nil).
		FindAllRoutePaths(context.Background(), testCatalog().Jeepneys()[0].Waypoints[0], destination)
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	require.NoError(t, h.session.StartWithPath(context.Background(), paths[0], ""))
	snap := h.session.Snapshot()
	assert.Equal(t, StateTracking, snap.State)
	assert.Equal(t, catalog.ModeJeepney, snap.Mode)
}

func TestProgressTruncatesRemaining(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, catalog.ModeJeepney)
	require.Len(t, h.session.Snapshot().Remaining, 5)

	// Between the third and fourth waypoint.
	h.watcher.send(fix(14.6000, 121.006))
	rem := h.session.Snapshot().Remaining
	require.Len(t, rem, 3)
	assert.Equal(t, geo.Waypoint{Lat: 14.600, Lng: 121.005}, rem[0])

	// Close to the first waypoint nothing is dropped.
	h2 := newHarness(t, testConfig())
	h2.start(t, catalog.ModeJeepney)
	h2.watcher.send(fix(14.6000, 121.0002))
	assert.Len(t, h2.session.Snapshot().Remaining, 5)
}

func TestVisibilityReacquiresDisplay(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, catalog.ModeJeepney)

	h.session.OnVisibilityChange(false)
	h.session.OnVisibilityChange(true)
	acquired, _ := h.display.counts()
	assert.Equal(t, 2, acquired)

	// Visible again without having been hidden keeps the single hold.
	h.session.OnVisibilityChange(true)
	acquired, _ = h.display.counts()
	assert.Equal(t, 2, acquired)

	require.True(t, h.session.Stop())
	h.session.OnVisibilityChange(true)
	acquired, released := h.display.counts()
	assert.Equal(t, 2, acquired)
	assert.Equal(t, 1, released)
}

func TestRefreshLoopMovesMarker(t *testing.T) {
	cfg := testConfig()
	cfg.RefreshInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	h.start(t, catalog.ModeJeepney)
	require.NoError(t, h.session.Flush(context.Background()))
	v := h.renderer.Version()

	assert.Eventually(t, func() bool {
		return h.renderer.Version() > v
	}, time.Second, 10*time.Millisecond)
}

func TestStartAfterClose(t *testing.T) {
	h := newHarness(t, testConfig())
	h.session.Close()
	require.NoError(t, h.session.SetCurrentLocation(origin))
	require.NoError(t, h.session.SetDestination(destination))
	err := h.session.Start(context.Background(), catalog.ModeJeepney)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, StateIdle, h.session.State())
}

func TestSetLocationValidates(t *testing.T) {
	h := newHarness(t, testConfig())
	err := h.session.SetCurrentLocation(geo.Waypoint{Lat: 91, Lng: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	err = h.session.SetDestination(geo.Waypoint{Lat: 0, Lng: 181})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
