// Package osm builds a route catalog from the public transport relations of
// an OpenStreetMap PBF extract.
package osm

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/geo"
)

// ExtensionRole marks member ways that form a route extension.
const ExtensionRole = "extension"

// ParseOptions configures the importer.
type ParseOptions struct {
	// Bounds drops waypoints outside the operating area. Zero keeps all.
	Bounds geo.Bounds
	// MinSpacingMeters thins consecutive waypoints closer than this.
	MinSpacingMeters float64
	// DefaultColors colours routes whose relation has no colour tag.
	DefaultColors map[catalog.Mode]string
}

// DefaultParseOptions keeps a waypoint roughly every 50 m.
func DefaultParseOptions() ParseOptions {
	return ParseOptions{
		MinSpacingMeters: 50,
		DefaultColors: map[catalog.Mode]string{
			catalog.ModeJeepney: "#e53935",
			catalog.ModeBus:     "#1e88e5",
		},
	}
}

// Classify returns the catalog kind of a route relation.
func Classify(tags osm.Tags) (catalog.Mode, bool) {
	if tags.Find("type") != "route" {
		return "", false
	}
	switch tags.Find("route") {
	case "jeepney", "share_taxi", "minibus":
		return catalog.ModeJeepney, true
	case "bus":
		if tags.Find("bus") == "jeepney" {
			return catalog.ModeJeepney, true
		}
		return catalog.ModeBus, true
	}
	return "", false
}

// relationInfo holds a route relation collected during pass 1.
type relationInfo struct {
	ID         osm.RelationID
	Kind       catalog.Mode
	Name       string
	Color      string
	Ways       []osm.WayID
	Extensions []osm.WayID
	Stops      []osm.NodeID
}

func collectRelation(r *osm.Relation) (relationInfo, bool) {
	kind, ok := Classify(r.Tags)
	if !ok {
		return relationInfo{}, false
	}
	info := relationInfo{
		ID:    r.ID,
		Kind:  kind,
		Name:  firstTag(r.Tags, "name", "ref"),
		Color: r.Tags.Find("colour"),
	}
	for _, m := range r.Members {
		switch m.Type {
		case osm.TypeWay:
			switch m.Role {
			case "", "forward", "backward":
				info.Ways = append(info.Ways, osm.WayID(m.Ref))
			case ExtensionRole:
				info.Extensions = append(info.Extensions, osm.WayID(m.Ref))
			}
		case osm.TypeNode:
			switch m.Role {
			case "stop", "stop_entry_only", "stop_exit_only", "platform":
				info.Stops = append(info.Stops, osm.NodeID(m.Ref))
			}
		}
	}
	return info, true
}

func firstTag(tags osm.Tags, keys ...string) string {
	for _, k := range keys {
		if v := tags.Find(k); v != "" {
			return v
		}
	}
	return ""
}

// Parse reads an OSM PBF file and returns one route per transit relation.
// The reader is consumed three times (relations, ways, nodes), so it must
// implement io.ReadSeeker.
func Parse(ctx context.Context, rs io.ReadSeeker, opts ParseOptions) ([]*catalog.Route, error) {
	// Pass 1: Scan relations for transit routes.
	var rels []relationInfo
	neededWays := make(map[osm.WayID]struct{})
	neededNodes := make(map[osm.NodeID]struct{})

	scanner := osmpbf.New(ctx, rs, 1)
	scanner.SkipNodes = true
	scanner.SkipWays = true
	for scanner.Scan() {
		r, ok := scanner.Object().(*osm.Relation)
		if !ok {
			continue
		}
		info, ok := collectRelation(r)
		if !ok {
			continue
		}
		for _, id := range info.Ways {
			neededWays[id] = struct{}{}
		}
		for _, id := range info.Extensions {
			neededWays[id] = struct{}{}
		}
		for _, id := range info.Stops {
			neededNodes[id] = struct{}{}
		}
		rels = append(rels, info)
	}
	if err := scanner.Err(); err != nil {
		scanner.Close()
		return nil, fmt.Errorf("pass 1 (relations): %w", err)
	}
	scanner.Close()

	log.Printf("Pass 1 complete: %d transit relations, %d member ways", len(rels), len(neededWays))

	// Pass 2: Scan ways for their node lists.
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek for pass 2: %w", err)
	}
	wayNodes := make(map[osm.WayID][]osm.NodeID, len(neededWays))

	scanner = osmpbf.New(ctx, rs, 1)
	scanner.SkipNodes = true
	scanner.SkipRelations = true
	for scanner.Scan() {
		w, ok := scanner.Object().(*osm.Way)
		if !ok {
			continue
		}
		if _, needed := neededWays[w.ID]; !needed {
			continue
		}
		ids := make([]osm.NodeID, len(w.Nodes))
		for i, wn := range w.Nodes {
			ids[i] = wn.ID
			neededNodes[wn.ID] = struct{}{}
		}
		wayNodes[w.ID] = ids
	}
	if err := scanner.Err(); err != nil {
		scanner.Close()
		return nil, fmt.Errorf("pass 2 (ways): %w", err)
	}
	scanner.Close()

	log.Printf("Pass 2 complete: %d ways, %d referenced nodes", len(wayNodes), len(neededNodes))

	// Pass 3: Scan nodes for coordinates.
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek for pass 3: %w", err)
	}
	coords := make(map[osm.NodeID]geo.Waypoint, len(neededNodes))

	scanner = osmpbf.New(ctx, rs, 1)
	scanner.SkipWays = true
	scanner.SkipRelations = true
	for scanner.Scan() {
		n, ok := scanner.Object().(*osm.Node)
		if !ok {
			continue
		}
		if _, needed := neededNodes[n.ID]; !needed {
			continue
		}
		coords[n.ID] = geo.Waypoint{Lat: n.Lat, Lng: n.Lon}
	}
	if err := scanner.Err(); err != nil {
		scanner.Close()
		return nil, fmt.Errorf("pass 3 (nodes): %w", err)
	}
	scanner.Close()

	log.Printf("Pass 3 complete: %d node coordinates collected", len(coords))

	routes := assemble(rels, wayNodes, coords, opts)
	log.Printf("Built %d routes", len(routes))
	return routes, nil
}

// assemble turns collected relations into routes. Relations that end up
// with fewer than two waypoints are skipped.
func assemble(rels []relationInfo, wayNodes map[osm.WayID][]osm.NodeID, coords map[osm.NodeID]geo.Waypoint, opts ParseOptions) []*catalog.Route {
	var routes []*catalog.Route
	var skipped int

	for _, rel := range rels {
		var segments [][]geo.Waypoint
		for _, id := range rel.Ways {
			if seg := resolve(wayNodes[id], coords); len(seg) >= 2 {
				segments = append(segments, seg)
			}
		}
		points := chain(segments)
		if len(points) < 2 {
			// No usable geometry; fall back to the stop sequence.
			points = resolve(rel.Stops, coords)
		}
		points = thin(clip(points, opts.Bounds), opts.MinSpacingMeters)
		if len(points) < 2 {
			skipped++
			continue
		}

		r := &catalog.Route{
			ID:        "osm-" + strconv.FormatInt(int64(rel.ID), 10),
			Name:      rel.Name,
			Kind:      rel.Kind,
			Color:     rel.Color,
			Waypoints: points,
		}
		if r.Name == "" {
			r.Name = r.ID
		}
		if r.Color == "" {
			r.Color = opts.DefaultColors[rel.Kind]
		}
		for _, id := range rel.Extensions {
			ext := thin(clip(resolve(wayNodes[id], coords), opts.Bounds), opts.MinSpacingMeters)
			if len(ext) < 2 || rel.Kind != catalog.ModeJeepney {
				continue
			}
			r.Extensions = append(r.Extensions, catalog.Extension{StartPoint: ext[0], Waypoints: ext})
		}
		routes = append(routes, r)
	}

	if skipped > 0 {
		log.Printf("Warning: skipped %d relations without usable geometry", skipped)
	}
	return routes
}

// resolve maps node ids to coordinates, dropping unknown nodes.
func resolve(ids []osm.NodeID, coords map[osm.NodeID]geo.Waypoint) []geo.Waypoint {
	out := make([]geo.Waypoint, 0, len(ids))
	for _, id := range ids {
		if p, ok := coords[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// chain joins way geometries in member order, reversing a way when its far
// end is the one touching the sequence built so far. The first way is
// reversed if that lets it meet the second.
func chain(segments [][]geo.Waypoint) []geo.Waypoint {
	if len(segments) == 0 {
		return nil
	}
	out := append([]geo.Waypoint(nil), segments[0]...)
	if len(segments) > 1 {
		next := segments[1]
		head, tail := out[0], out[len(out)-1]
		if nearestEnd(head, next) < nearestEnd(tail, next) {
			reverse(out)
		}
	}
	for _, seg := range segments[1:] {
		tail := out[len(out)-1]
		s := append([]geo.Waypoint(nil), seg...)
		if geo.Distance(tail, s[len(s)-1]) < geo.Distance(tail, s[0]) {
			reverse(s)
		}
		if s[0] == tail {
			s = s[1:]
		}
		out = append(out, s...)
	}
	return out
}

func nearestEnd(p geo.Waypoint, seg []geo.Waypoint) float64 {
	return min(geo.Distance(p, seg[0]), geo.Distance(p, seg[len(seg)-1]))
}

func reverse(s []geo.Waypoint) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func clip(points []geo.Waypoint, b geo.Bounds) []geo.Waypoint {
	if b.IsZero() {
		return points
	}
	out := points[:0:0]
	for _, p := range points {
		if b.Contains(p) {
			out = append(out, p)
		}
	}
	return out
}

// thin drops waypoints closer than minMeters to the last kept one. The
// final waypoint is always kept.
func thin(points []geo.Waypoint, minMeters float64) []geo.Waypoint {
	if minMeters <= 0 || len(points) < 3 {
		return points
	}
	out := []geo.Waypoint{points[0]}
	for _, p := range points[1 : len(points)-1] {
		if geo.Distance(out[len(out)-1], p) >= minMeters {
			out = append(out, p)
		}
	}
	last := points[len(points)-1]
	if len(out) > 1 && geo.Distance(out[len(out)-1], last) < minMeters {
		out[len(out)-1] = last
	} else {
		out = append(out, last)
	}
	return out
}
