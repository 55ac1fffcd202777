package routing

import (
	"math"
	"sort"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/geo"
)

// selectExtensions keeps extensions whose start point or any waypoint is
// near start or end, in catalog order.
func selectExtensions(exts []catalog.Extension, start, end geo.Waypoint, thresholdKm float64) []catalog.Extension {
	var out []catalog.Extension
	for _, ext := range exts {
		if extensionTouches(ext, start, thresholdKm) || extensionTouches(ext, end, thresholdKm) {
			out = append(out, ext)
		}
	}
	return out
}

func extensionTouches(ext catalog.Extension, p geo.Waypoint, thresholdKm float64) bool {
	if geo.IsNearby(ext.StartPoint, p, thresholdKm) {
		return true
	}
	for _, w := range ext.Waypoints {
		if geo.IsNearby(w, p, thresholdKm) {
			return true
		}
	}
	return false
}

// spliceExtension inserts the extension's waypoints right after the main
// waypoint nearest its start point. Only waypoints within thresholdKm of
// the start point qualify as anchors; without one the extension is
// appended. seq is never modified.
func spliceExtension(seq []geo.Waypoint, ext catalog.Extension, thresholdKm float64) []geo.Waypoint {
	anchor := -1
	bestDist := math.Inf(1)
	for i, w := range seq {
		d := geo.Distance(w, ext.StartPoint)
		if d <= thresholdKm*1000 && d < bestDist {
			anchor, bestDist = i, d
		}
	}

	out := make([]geo.Waypoint, 0, len(seq)+len(ext.Waypoints))
	if anchor < 0 {
		out = append(out, seq...)
		return append(out, ext.Waypoints...)
	}
	out = append(out, seq[:anchor+1]...)
	out = append(out, ext.Waypoints...)
	return append(out, seq[anchor+1:]...)
}

// sortByProximity orders extensions by how close they come to either query
// point, keeping catalog order among equals.
func sortByProximity(exts []catalog.Extension, start, end geo.Waypoint) {
	key := func(ext catalog.Extension) float64 {
		best := math.Min(geo.Distance(ext.StartPoint, start), geo.Distance(ext.StartPoint, end))
		for _, w := range ext.Waypoints {
			best = math.Min(best, math.Min(geo.Distance(w, start), geo.Distance(w, end)))
		}
		return best
	}
	keys := make([]float64, len(exts))
	for i, ext := range exts {
		keys[i] = key(ext)
	}
	idx := make([]int, len(exts))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return keys[idx[a]] < keys[idx[b]] })
	sorted := make([]catalog.Extension, len(exts))
	for i, j := range idx {
		sorted[i] = exts[j]
	}
	copy(exts, sorted)
}
