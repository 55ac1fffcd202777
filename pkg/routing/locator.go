package routing

import (
	"errors"
	"math"

	"github.com/tidwall/rtree"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/geo"
)

// ErrNoNearbyStop is returned when no stop can be resolved for a point.
var ErrNoNearbyStop = errors.New("no nearby stop")

// Initial search half-width in degrees. 0.01° ≈ 1.1 km at the equator,
// enough for almost every query inside a city catalog.
const initialWindowDeg = 0.01

// StopLocator resolves an arbitrary coordinate to the nearest catalog stop.
type StopLocator interface {
	Nearest(p geo.Waypoint) (geo.Waypoint, bool)
}

// Locator indexes every stop of a catalog in an R-tree. Each entry stores
// its scan position so ties resolve to the first-seen stop.
type Locator struct {
	tr    rtree.RTreeG[int]
	stops []geo.Waypoint
}

// NewLocator indexes stops in scan order: extension waypoints of jeepney
// routes first, then main waypoints of jeepney and bus routes. Taxi has no
// stops.
func NewLocator(c *catalog.Catalog) *Locator {
	l := &Locator{}
	for _, r := range c.Jeepneys() {
		for _, ext := range r.Extensions {
			for _, w := range ext.Waypoints {
				l.add(w)
			}
		}
	}
	for _, r := range c.Routes(catalog.ModeJeepney, catalog.ModeBus) {
		for _, w := range r.Waypoints {
			l.add(w)
		}
	}
	return l
}

func (l *Locator) add(w geo.Waypoint) {
	seq := len(l.stops)
	l.stops = append(l.stops, w)
	pt := [2]float64{w.Lng, w.Lat}
	l.tr.Insert(pt, pt, seq)
}

// Len returns the number of indexed stops, duplicates included.
func (l *Locator) Len() int {
	return len(l.stops)
}

// Nearest returns the closest stop to p, or false on an empty catalog.
func (l *Locator) Nearest(p geo.Waypoint) (geo.Waypoint, bool) {
	if len(l.stops) == 0 {
		return geo.Waypoint{}, false
	}

	// Widen a lat/lng window until the best hit inside it is closer than
	// anything outside it could be. A window of 360° holds every stop.
	for w := initialWindowDeg; ; w *= 2 {
		best, bestDist := -1, math.Inf(1)
		visit := func(_, _ [2]float64, seq int) bool {
			d := geo.Distance(p, l.stops[seq])
			if d < bestDist || (d == bestDist && seq < best) {
				best, bestDist = seq, d
			}
			return true
		}
		for _, shift := range wrapShifts(p.Lng, w) {
			l.tr.Search(
				[2]float64{p.Lng + shift - w, p.Lat - w},
				[2]float64{p.Lng + shift + w, p.Lat + w},
				visit,
			)
		}
		if best >= 0 && (w >= 360 || bestDist <= outsideLowerBound(p, w)) {
			return l.stops[best], true
		}
		if w >= 360 {
			return l.linearNearest(p), true
		}
	}
}

// wrapShifts returns the longitude offsets to search so a window crossing
// the antimeridian also covers the stops on the other side.
func wrapShifts(lng, w float64) []float64 {
	shifts := []float64{0}
	if lng+w > 180 {
		shifts = append(shifts, -360)
	}
	if lng-w < -180 {
		shifts = append(shifts, 360)
	}
	return shifts
}

// outsideLowerBound is a lower bound, in meters, on the distance from p to
// any point outside the window of half-width w degrees around it.
//
// Outside in latitude: at least w degrees of arc. Outside in longitude
// only: hav(d) >= cos²(φmax)·hav(Δλ), so d >= (2/π)·cos(φmax)·Δλ.
func outsideLowerBound(p geo.Waypoint, w float64) float64 {
	maxLat := math.Abs(p.Lat) + w
	if maxLat >= 90 {
		return 0
	}
	latBound := w * geo.DegToMeters
	lngBound := 2 / math.Pi * math.Cos(maxLat*math.Pi/180) * w * geo.DegToMeters
	return math.Min(latBound, lngBound)
}

// linearNearest scans every stop. Only reached when the window has grown to
// the whole globe without a provable winner, e.g. near a pole.
func (l *Locator) linearNearest(p geo.Waypoint) geo.Waypoint {
	best, bestDist := 0, math.Inf(1)
	for i, s := range l.stops {
		if d := geo.Distance(p, s); d < bestDist {
			best, bestDist = i, d
		}
	}
	return l.stops[best]
}
