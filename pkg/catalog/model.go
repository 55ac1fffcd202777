// Package catalog holds the static set of transit routes a commuter can ride.
//
// A Catalog is built once per process, published atomically and never
// mutated afterwards, so it may be shared by any number of goroutines.
package catalog

import (
	"strings"

	"transit_nav/pkg/geo"
)

// Mode is a way of travelling between two points.
type Mode string

const (
	ModeWalking Mode = "walking"
	ModeJeepney Mode = "jeepney"
	ModeBus     Mode = "bus"
	ModeTaxi    Mode = "taxi"
)

// ParseMode normalises a user supplied mode. Unknown values are returned
// as-is so callers can apply their own fallback.
func ParseMode(s string) Mode {
	return Mode(strings.ToLower(strings.TrimSpace(s)))
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeWalking, ModeJeepney, ModeBus, ModeTaxi:
		return true
	}
	return false
}

// Extension is an optional branch a vehicle may take off its main line.
type Extension struct {
	StartPoint geo.Waypoint
	Waypoints  []geo.Waypoint
}

// Route is a named, coloured, ordered sequence of waypoints for one vehicle type.
type Route struct {
	ID         string
	Name       string
	Kind       Mode
	Color      string
	Waypoints  []geo.Waypoint
	Extensions []Extension
}

// TaxiFallback is the any-to-any taxi mode. It has no waypoints.
type TaxiFallback struct {
	ID    string
	Name  string
	Color string
}

// Entry is either a Route or the TaxiFallback.
type Entry struct {
	route *Route
	taxi  *TaxiFallback
}

// RouteEntry wraps a route.
func RouteEntry(r *Route) Entry { return Entry{route: r} }

// TaxiEntry wraps the taxi fallback.
func TaxiEntry(t *TaxiFallback) Entry { return Entry{taxi: t} }

// Route returns the wrapped route, if this entry is one.
func (e Entry) Route() (*Route, bool) { return e.route, e.route != nil }

// Taxi returns the wrapped taxi fallback, if this entry is one.
func (e Entry) Taxi() (*TaxiFallback, bool) { return e.taxi, e.taxi != nil }

// Catalog is the immutable set of all routes.
type Catalog struct {
	Version string

	jeepney []*Route
	bus     []*Route
	taxi    *TaxiFallback
}

// New builds a catalog from already validated routes.
func New(version string, routes []*Route, taxi *TaxiFallback) *Catalog {
	c := &Catalog{Version: version, taxi: taxi}
	for _, r := range routes {
		switch r.Kind {
		case ModeJeepney:
			c.jeepney = append(c.jeepney, r)
		case ModeBus:
			c.bus = append(c.bus, r)
		}
	}
	return c
}

// Jeepneys returns jeepney routes in catalog order.
func (c *Catalog) Jeepneys() []*Route { return c.jeepney }

// Buses returns bus routes in catalog order.
func (c *Catalog) Buses() []*Route { return c.bus }

// Taxi returns the taxi fallback if the catalog defines one.
func (c *Catalog) Taxi() (*TaxiFallback, bool) { return c.taxi, c.taxi != nil }

// Routes returns jeepney then bus routes, restricted to kinds when given.
func (c *Catalog) Routes(kinds ...Mode) []*Route {
	want := func(k Mode) bool {
		if len(kinds) == 0 {
			return true
		}
		for _, m := range kinds {
			if m == k {
				return true
			}
		}
		return false
	}
	var out []*Route
	if want(ModeJeepney) {
		out = append(out, c.jeepney...)
	}
	if want(ModeBus) {
		out = append(out, c.bus...)
	}
	return out
}

// Entries returns every route followed by the taxi fallback.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.jeepney)+len(c.bus)+1)
	for _, r := range c.Routes() {
		out = append(out, RouteEntry(r))
	}
	if c.taxi != nil {
		out = append(out, TaxiEntry(c.taxi))
	}
	return out
}

// Route looks up a route by id.
func (c *Catalog) Route(id string) (*Route, bool) {
	for _, r := range c.Routes() {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// Stats summarises the catalog for logs and the stats endpoint.
type Stats struct {
	Version    string `json:"version"`
	Jeepneys   int    `json:"jeepneys"`
	Buses      int    `json:"buses"`
	Extensions int    `json:"extensions"`
	Waypoints  int    `json:"waypoints"`
	HasTaxi    bool   `json:"has_taxi"`
}

// Stats counts routes, extensions and waypoints.
func (c *Catalog) Stats() Stats {
	s := Stats{Version: c.Version, Jeepneys: len(c.jeepney), Buses: len(c.bus), HasTaxi: c.taxi != nil}
	for _, r := range c.Routes() {
		s.Waypoints += len(r.Waypoints)
		s.Extensions += len(r.Extensions)
		for _, e := range r.Extensions {
			s.Waypoints += len(e.Waypoints)
		}
	}
	return s
}
