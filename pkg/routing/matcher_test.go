package routing

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/geo"
)

type recordingMetrics struct {
	calls      int
	candidates int
}

func (m *recordingMetrics) MatchObserve(_ time.Duration, candidates int) {
	m.calls++
	m.candidates = candidates
}

func TestEndToEndLine(t *testing.T) {
	c := lineCatalog()
	l := NewLocator(c)
	m := NewMatcher(c, DefaultOptions(), nil)

	start, ok := l.Nearest(wp(0, 0.01))
	if !ok || start != wp(0, 0) {
		t.Fatalf("start stop = %v", start)
	}
	end, ok := l.Nearest(wp(0, 1.99))
	if !ok || end != wp(0, 2) {
		t.Fatalf("end stop = %v", end)
	}

	paths, err := m.FindAllRoutePaths(context.Background(), start, end)
	if err != nil {
		t.Fatalf("FindAllRoutePaths: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("got %d candidates, want 1", len(paths))
	}
	p := paths[0]
	if p.RouteID != "J1" || p.Color != "#e53935" || p.Kind != catalog.ModeJeepney {
		t.Errorf("candidate = %+v", p)
	}
	want := []geo.Waypoint{wp(0, 0), wp(0, 1), wp(0, 2)}
	if !reflect.DeepEqual(p.Waypoints, want) {
		t.Errorf("waypoints = %v, want %v", p.Waypoints, want)
	}
	if p.DistanceMeters < 222000 || p.DistanceMeters > 223000 {
		t.Errorf("distance = %.0f, want ~222390", p.DistanceMeters)
	}
}

func TestReverseDirection(t *testing.T) {
	m := NewMatcher(lineCatalog(), DefaultOptions(), nil)

	p, err := m.FindBestPath(context.Background(), wp(0, 2), wp(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	want := []geo.Waypoint{wp(0, 2), wp(0, 1), wp(0, 0)}
	if !reflect.DeepEqual(p.Waypoints, want) {
		t.Errorf("waypoints = %v, want %v", p.Waypoints, want)
	}
}

func TestSameStartAndEnd(t *testing.T) {
	m := NewMatcher(lineCatalog(), DefaultOptions(), nil)

	paths, err := m.FindAllRoutePaths(context.Background(), wp(0, 1), wp(0, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || len(paths[0].Waypoints) != 1 || paths[0].Waypoints[0] != wp(0, 1) {
		t.Fatalf("paths = %+v, want one single-waypoint candidate", paths)
	}
	if !paths[0].Degenerate() || paths[0].DistanceMeters != 0 {
		t.Errorf("single-waypoint candidate should be degenerate with zero distance")
	}
}

func TestNoRouteFound(t *testing.T) {
	metrics := &recordingMetrics{}
	m := NewMatcher(lineCatalog(), DefaultOptions(), metrics)

	_, err := m.FindAllRoutePaths(context.Background(), wp(0, 0), wp(5, 5))
	if !errors.Is(err, ErrNoRouteFound) {
		t.Errorf("err = %v, want ErrNoRouteFound", err)
	}
	_, err = m.FindBestPath(context.Background(), wp(5, 5), wp(0, 0))
	if !errors.Is(err, ErrNoRouteFound) {
		t.Errorf("best err = %v, want ErrNoRouteFound", err)
	}
	if metrics.calls != 2 || metrics.candidates != 0 {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestCancelledContext(t *testing.T) {
	m := NewMatcher(lineCatalog(), DefaultOptions(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.FindAllRoutePaths(ctx, wp(0, 0), wp(0, 2))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestExtensionSplicedAfterAnchor(t *testing.T) {
	c := catalog.New("v1", []*catalog.Route{{
		ID:        "J2",
		Kind:      catalog.ModeJeepney,
		Waypoints: []geo.Waypoint{wp(0, 0), wp(0, 0.01), wp(0, 0.02)},
		Extensions: []catalog.Extension{{
			StartPoint: wp(0, 0.01),
			Waypoints:  []geo.Waypoint{wp(0.005, 0.01), wp(0.01, 0.01)},
		}},
	}}, nil)
	m := NewMatcher(c, DefaultOptions(), nil)

	p, err := m.FindBestPath(context.Background(), wp(0, 0), wp(0.01, 0.01))
	if err != nil {
		t.Fatal(err)
	}
	want := []geo.Waypoint{wp(0, 0), wp(0, 0.01), wp(0.005, 0.01), wp(0.01, 0.01)}
	if !reflect.DeepEqual(p.Waypoints, want) {
		t.Errorf("waypoints = %v, want %v", p.Waypoints, want)
	}

	// The extension is only spliced for queries that touch it.
	p, err = m.FindBestPath(context.Background(), wp(0, 0), wp(0, 0.02))
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Waypoints) != 3 {
		t.Errorf("unrelated query spliced the extension: %v", p.Waypoints)
	}
}

func TestExtensionWithoutAnchorIsAppended(t *testing.T) {
	ext := catalog.Extension{
		StartPoint: wp(5, 5),
		Waypoints:  []geo.Waypoint{wp(0, 0.03)},
	}
	main := []geo.Waypoint{wp(0, 0), wp(0, 0.01)}

	got := spliceExtension(main, ext, geo.DefaultNearbyKm)
	want := []geo.Waypoint{wp(0, 0), wp(0, 0.01), wp(0, 0.03)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splice = %v, want %v", got, want)
	}
	if len(main) != 2 {
		t.Error("splice modified its input")
	}

	c := catalog.New("v1", []*catalog.Route{{
		ID: "J3", Kind: catalog.ModeJeepney, Waypoints: main, Extensions: []catalog.Extension{ext},
	}}, nil)
	p, err := NewMatcher(c, DefaultOptions(), nil).FindBestPath(context.Background(), wp(0, 0), wp(0, 0.03))
	if err != nil {
		t.Fatalf("FindBestPath: %v", err)
	}
	if !reflect.DeepEqual(p.Waypoints, want) {
		t.Errorf("waypoints = %v, want %v", p.Waypoints, want)
	}
}

func TestSpliceAnchorPicksNearest(t *testing.T) {
	// Both main waypoints are within the anchor radius; the closer one wins.
	main := []geo.Waypoint{wp(0, 0), wp(0, 0.0005), wp(0, 0.01)}
	ext := catalog.Extension{StartPoint: wp(0, 0.0004), Waypoints: []geo.Waypoint{wp(1, 1)}}

	got := spliceExtension(main, ext, geo.DefaultNearbyKm)
	want := []geo.Waypoint{wp(0, 0), wp(0, 0.0005), wp(1, 1), wp(0, 0.01)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splice = %v, want %v", got, want)
	}
}

func TestBestPathPicksShortest(t *testing.T) {
	c := catalog.New("v1", []*catalog.Route{
		{
			ID:        "LONG",
			Kind:      catalog.ModeJeepney,
			Waypoints: []geo.Waypoint{wp(0, 0), wp(0.02, 0.01), wp(0, 0.02)},
		},
		{
			ID:        "SHORT",
			Kind:      catalog.ModeBus,
			Waypoints: []geo.Waypoint{wp(0, 0), wp(0, 0.01), wp(0, 0.02)},
		},
	}, nil)
	m := NewMatcher(c, DefaultOptions(), nil)

	all, err := m.FindAllRoutePaths(context.Background(), wp(0, 0), wp(0, 0.02))
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].RouteID != "LONG" || all[1].RouteID != "SHORT" {
		t.Fatalf("all = %+v", all)
	}

	best, err := m.FindBestPath(context.Background(), wp(0, 0), wp(0, 0.02))
	if err != nil {
		t.Fatal(err)
	}
	if best.RouteID != "SHORT" {
		t.Errorf("best = %s, want SHORT", best.RouteID)
	}

	jeepneyOnly, err := m.FindAllRoutePaths(context.Background(), wp(0, 0), wp(0, 0.02), catalog.ModeJeepney)
	if err != nil {
		t.Fatal(err)
	}
	if len(jeepneyOnly) != 1 || jeepneyOnly[0].RouteID != "LONG" {
		t.Errorf("jeepney filter = %+v", jeepneyOnly)
	}
}

func TestSortByProximity(t *testing.T) {
	far := catalog.Extension{StartPoint: wp(1, 1), Waypoints: []geo.Waypoint{wp(1, 1.001)}}
	near := catalog.Extension{StartPoint: wp(0, 0.001), Waypoints: []geo.Waypoint{wp(0, 0.002)}}
	exts := []catalog.Extension{far, near}

	sortByProximity(exts, wp(0, 0), wp(2, 2))
	if exts[0].StartPoint != near.StartPoint {
		t.Errorf("sorted = %v, want nearest first", exts)
	}
}
