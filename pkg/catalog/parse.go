package catalog

import (
	"encoding/json"
	"errors"
	"fmt"

	"transit_nav/pkg/geo"
)

// ErrInvalidCatalog is returned when catalog JSON is malformed.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Document is the catalog wire format.
type Document struct {
	Version string        `json:"version"`
	Jeepney []RouteRecord `json:"jeepney"`
	Bus     []RouteRecord `json:"bus"`
	Taxi    []RouteRecord `json:"taxi"`
}

// RouteRecord is one route as stored in catalog JSON.
type RouteRecord struct {
	RouteID    string            `json:"routeId"`
	Name       string            `json:"name"`
	Color      string            `json:"color"`
	Waypoints  []string          `json:"waypoints,omitempty"`
	Extensions []ExtensionRecord `json:"extensions,omitempty"`
}

// ExtensionRecord is one extension as stored in catalog JSON.
type ExtensionRecord struct {
	StartPoint string   `json:"startPoint"`
	Waypoints  []string `json:"waypoints"`
}

// PeekVersion reads only the version tag of a catalog document.
func PeekVersion(data []byte) (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if v.Version == "" {
		return "", fmt.Errorf("%w: missing version", ErrInvalidCatalog)
	}
	return v.Version, nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return FromDocument(doc)
}

// FromDocument converts a decoded document into a Catalog.
func FromDocument(doc Document) (*Catalog, error) {
	if doc.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidCatalog)
	}

	seen := make(map[string]bool)
	var routes []*Route
	for _, group := range []struct {
		kind    Mode
		records []RouteRecord
	}{
		{ModeJeepney, doc.Jeepney},
		{ModeBus, doc.Bus},
	} {
		for _, rec := range group.records {
			r, err := rec.toRoute(group.kind)
			if err != nil {
				return nil, err
			}
			if seen[r.ID] {
				return nil, fmt.Errorf("%w: duplicate routeId %q", ErrInvalidCatalog, r.ID)
			}
			seen[r.ID] = true
			routes = append(routes, r)
		}
	}

	var taxi *TaxiFallback
	if len(doc.Taxi) > 0 {
		t := doc.Taxi[0]
		taxi = &TaxiFallback{ID: t.RouteID, Name: t.Name, Color: t.Color}
		if taxi.ID == "" {
			taxi.ID = "taxi"
		}
	}

	return New(doc.Version, routes, taxi), nil
}

func (rec RouteRecord) toRoute(kind Mode) (*Route, error) {
	if rec.RouteID == "" {
		return nil, fmt.Errorf("%w: %s route without routeId", ErrInvalidCatalog, kind)
	}
	wps, err := parseWaypoints(rec.Waypoints)
	if err != nil {
		return nil, fmt.Errorf("%w: route %s: %v", ErrInvalidCatalog, rec.RouteID, err)
	}
	if len(wps) < 2 {
		return nil, fmt.Errorf("%w: route %s has %d waypoints, need at least 2", ErrInvalidCatalog, rec.RouteID, len(wps))
	}

	r := &Route{
		ID:        rec.RouteID,
		Name:      rec.Name,
		Kind:      kind,
		Color:     rec.Color,
		Waypoints: wps,
	}
	for i, er := range rec.Extensions {
		start, err := geo.ParseWaypoint(er.StartPoint)
		if err != nil {
			return nil, fmt.Errorf("%w: route %s extension %d: %v", ErrInvalidCatalog, rec.RouteID, i, err)
		}
		ewps, err := parseWaypoints(er.Waypoints)
		if err != nil {
			return nil, fmt.Errorf("%w: route %s extension %d: %v", ErrInvalidCatalog, rec.RouteID, i, err)
		}
		r.Extensions = append(r.Extensions, Extension{StartPoint: start, Waypoints: ewps})
	}
	return r, nil
}

func parseWaypoints(tokens []string) ([]geo.Waypoint, error) {
	out := make([]geo.Waypoint, 0, len(tokens))
	for _, tok := range tokens {
		w, err := geo.ParseWaypoint(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// ToDocument converts a route list back to the wire format.
func ToDocument(version string, routes []*Route, taxi *TaxiFallback) Document {
	doc := Document{Version: version}
	for _, r := range routes {
		rec := RouteRecord{RouteID: r.ID, Name: r.Name, Color: r.Color}
		for _, w := range r.Waypoints {
			rec.Waypoints = append(rec.Waypoints, w.String())
		}
		for _, e := range r.Extensions {
			er := ExtensionRecord{StartPoint: e.StartPoint.String()}
			for _, w := range e.Waypoints {
				er.Waypoints = append(er.Waypoints, w.String())
			}
			rec.Extensions = append(rec.Extensions, er)
		}
		switch r.Kind {
		case ModeJeepney:
			doc.Jeepney = append(doc.Jeepney, rec)
		case ModeBus:
			doc.Bus = append(doc.Bus, rec)
		}
	}
	if taxi != nil {
		doc.Taxi = []RouteRecord{{RouteID: taxi.ID, Name: taxi.Name, Color: taxi.Color}}
	}
	return doc
}
