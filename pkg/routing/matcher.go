package routing

import (
	"context"
	"errors"
	"math"
	"time"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/geo"
)

// ErrNoRouteFound is returned when no route connects the two stops.
var ErrNoRouteFound = errors.New("no route found")

// CandidatePath is the part of one route that connects two stops.
type CandidatePath struct {
	RouteID        string         `json:"route_id"`
	RouteName      string         `json:"route_name"`
	Kind           catalog.Mode   `json:"kind"`
	Color          string         `json:"color"`
	Waypoints      []geo.Waypoint `json:"waypoints"`
	DistanceMeters float64        `json:"distance_meters"`
}

// Degenerate reports whether the path has no transit leg, i.e. start and
// end resolved to the same waypoint. Callers should walk instead.
func (p CandidatePath) Degenerate() bool {
	return len(p.Waypoints) < 2
}

// PathFinder is the interface for route matching queries.
type PathFinder interface {
	FindAllRoutePaths(ctx context.Context, start, end geo.Waypoint, kinds ...catalog.Mode) ([]CandidatePath, error)
	FindBestPath(ctx context.Context, start, end geo.Waypoint, kinds ...catalog.Mode) (CandidatePath, error)
}

// Options holds the proximity thresholds of each matching step. They are
// kept apart on purpose; see DESIGN.md.
type Options struct {
	// ExtensionSelectKm decides whether an extension touches a query point.
	ExtensionSelectKm float64
	// SpliceAnchorKm decides which main waypoints an extension may attach to.
	SpliceAnchorKm float64
	// EndpointKm locates the start and end indices on the spliced sequence.
	EndpointKm float64
	// SortExtensions splices qualifying extensions nearest-first instead of
	// catalog order.
	SortExtensions bool
}

// DefaultOptions uses the 90 m threshold everywhere.
func DefaultOptions() Options {
	return Options{
		ExtensionSelectKm: geo.DefaultNearbyKm,
		SpliceAnchorKm:    geo.DefaultNearbyKm,
		EndpointKm:        geo.DefaultNearbyKm,
	}
}

// MatchMetrics observes match latency and outcome.
type MatchMetrics interface {
	MatchObserve(d time.Duration, candidates int)
}

// Matcher implements PathFinder over a catalog.
type Matcher struct {
	catalog *catalog.Catalog
	opts    Options
	metrics MatchMetrics
}

// NewMatcher creates a matcher. metrics may be nil.
func NewMatcher(c *catalog.Catalog, opts Options, m MatchMetrics) *Matcher {
	return &Matcher{catalog: c, opts: opts, metrics: m}
}

// FindAllRoutePaths returns one candidate per route that passes near both
// start and end, in catalog order. kinds restricts the routes considered.
func (m *Matcher) FindAllRoutePaths(ctx context.Context, start, end geo.Waypoint, kinds ...catalog.Mode) ([]CandidatePath, error) {
	began := time.Now()
	var out []CandidatePath

	for _, entry := range m.entries(kinds) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, ok := entry.Route()
		if !ok {
			// Taxi has no waypoints to match against.
			continue
		}
		if p, ok := m.matchRoute(r, start, end); ok {
			out = append(out, p)
		}
	}

	if m.metrics != nil {
		m.metrics.MatchObserve(time.Since(began), len(out))
	}
	if len(out) == 0 {
		return nil, ErrNoRouteFound
	}
	return out, nil
}

// FindBestPath returns the candidate with the shortest travelled distance.
// Ties keep the earlier route.
func (m *Matcher) FindBestPath(ctx context.Context, start, end geo.Waypoint, kinds ...catalog.Mode) (CandidatePath, error) {
	all, err := m.FindAllRoutePaths(ctx, start, end, kinds...)
	if err != nil {
		return CandidatePath{}, err
	}
	best := 0
	bestDist := math.Inf(1)
	for i, p := range all {
		if p.DistanceMeters < bestDist {
			best, bestDist = i, p.DistanceMeters
		}
	}
	return all[best], nil
}

func (m *Matcher) entries(kinds []catalog.Mode) []catalog.Entry {
	if len(kinds) == 0 {
		return m.catalog.Entries()
	}
	var out []catalog.Entry
	for _, r := range m.catalog.Routes(kinds...) {
		out = append(out, catalog.RouteEntry(r))
	}
	return out
}

// matchRoute splices the relevant extensions into r and extracts the
// sub-path between start and end.
func (m *Matcher) matchRoute(r *catalog.Route, start, end geo.Waypoint) (CandidatePath, bool) {
	exts := selectExtensions(r.Extensions, start, end, m.opts.ExtensionSelectKm)
	if m.opts.SortExtensions {
		sortByProximity(exts, start, end)
	}
	seq := r.Waypoints
	for _, ext := range exts {
		seq = spliceExtension(seq, ext, m.opts.SpliceAnchorKm)
	}

	startIdx := firstNearby(seq, start, m.opts.EndpointKm)
	endIdx := firstNearby(seq, end, m.opts.EndpointKm)
	if startIdx < 0 || endIdx < 0 {
		return CandidatePath{}, false
	}

	path := subPath(seq, startIdx, endIdx)
	return CandidatePath{
		RouteID:        r.ID,
		RouteName:      r.Name,
		Kind:           r.Kind,
		Color:          r.Color,
		Waypoints:      path,
		DistanceMeters: geo.PathLength(path),
	}, true
}

func firstNearby(seq []geo.Waypoint, p geo.Waypoint, thresholdKm float64) int {
	for i, w := range seq {
		if geo.IsNearby(w, p, thresholdKm) {
			return i
		}
	}
	return -1
}

// subPath copies seq[from..to] inclusive, reversed when from > to since
// routes run in both directions.
func subPath(seq []geo.Waypoint, from, to int) []geo.Waypoint {
	if from <= to {
		out := make([]geo.Waypoint, to-from+1)
		copy(out, seq[from:to+1])
		return out
	}
	out := make([]geo.Waypoint, 0, from-to+1)
	for i := from; i >= to; i-- {
		out = append(out, seq[i])
	}
	return out
}
