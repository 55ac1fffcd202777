package provider

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"transit_nav/pkg/geo"
)

// Layer kinds stored in the "layer" feature property.
const (
	LayerTransit = "transit"
	LayerWalking = "walking"
	LayerMarker  = "marker"
)

// LayerRenderer is a Renderer that keeps the surface contents as GeoJSON,
// for clients that draw the map themselves. Safe for concurrent use.
type LayerRenderer struct {
	walker WalkingRouter

	mu      sync.Mutex
	paths   []*geojson.Feature
	markers map[MarkerHandle]*geojson.Feature
	order   []MarkerHandle
	nextID  int
	center  *geo.Waypoint
	version uint64
}

// NewLayerRenderer creates an empty surface. walker may be nil, in which case
// walking legs are drawn as straight lines.
func NewLayerRenderer(walker WalkingRouter) *LayerRenderer {
	return &LayerRenderer{
		walker:  walker,
		markers: make(map[MarkerHandle]*geojson.Feature),
	}
}

// RenderPath adds a transit polyline.
func (r *LayerRenderer) RenderPath(_ context.Context, points []geo.Waypoint, color string) error {
	if len(points) == 0 {
		return nil
	}
	var g orb.Geometry = geo.LineString(points)
	if len(points) == 1 {
		g = points[0].Point()
	}
	f := geojson.NewFeature(g)
	f.Properties["layer"] = LayerTransit
	f.Properties["color"] = color

	r.mu.Lock()
	r.paths = append(r.paths, f)
	r.version++
	r.mu.Unlock()
	return nil
}

// RenderWalkingPath adds a walking leg. The street geometry is fetched
// outside the lock; on failure the leg is drawn straight.
func (r *LayerRenderer) RenderWalkingPath(ctx context.Context, from, to geo.Waypoint, color string) error {
	points := []geo.Waypoint{from, to}
	if r.walker != nil {
		street, err := r.walker.WalkingGeometry(ctx, from, to)
		switch {
		case err != nil:
			log.Printf("walking geometry %s -> %s failed, drawing straight leg: %v", from, to, err)
		case len(street) >= 2:
			points = append([]geo.Waypoint{from}, append(street, to)...)
		}
	}

	f := geojson.NewFeature(geo.LineString(points))
	f.Properties["layer"] = LayerWalking
	f.Properties["color"] = color

	r.mu.Lock()
	r.paths = append(r.paths, f)
	r.version++
	r.mu.Unlock()
	return nil
}

// ClearRendered removes every path. Markers stay.
func (r *LayerRenderer) ClearRendered(context.Context) error {
	r.mu.Lock()
	r.paths = nil
	r.version++
	r.mu.Unlock()
	return nil
}

// AddMarker places a labelled marker.
func (r *LayerRenderer) AddMarker(p geo.Waypoint, label string, isSelf bool) (MarkerHandle, error) {
	f := geojson.NewFeature(p.Point())
	f.Properties["layer"] = LayerMarker
	f.Properties["label"] = label
	f.Properties["self"] = isSelf

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	h := MarkerHandle("m" + strconv.Itoa(r.nextID))
	f.ID = string(h)
	r.markers[h] = f
	r.order = append(r.order, h)
	r.version++
	return h, nil
}

// UpdateMarker moves an existing marker.
func (r *LayerRenderer) UpdateMarker(h MarkerHandle, p geo.Waypoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.markers[h]
	if !ok {
		return fmt.Errorf("%w: unknown marker %q", ErrProviderUnavailable, h)
	}
	f.Geometry = p.Point()
	r.version++
	return nil
}

// RemoveMarker deletes a marker. Unknown handles are ignored.
func (r *LayerRenderer) RemoveMarker(h MarkerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.markers[h]; !ok {
		return
	}
	delete(r.markers, h)
	for i, o := range r.order {
		if o == h {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.version++
}

// PanTo recentres the surface.
func (r *LayerRenderer) PanTo(p geo.Waypoint) error {
	r.mu.Lock()
	r.center = &p
	r.version++
	r.mu.Unlock()
	return nil
}

// Center returns the last PanTo target.
func (r *LayerRenderer) Center() (geo.Waypoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.center == nil {
		return geo.Waypoint{}, false
	}
	return *r.center, true
}

// Version increases on every change.
func (r *LayerRenderer) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// FeatureCollection returns a snapshot of the surface: paths in render order,
// then markers in creation order.
func (r *LayerRenderer) FeatureCollection() *geojson.FeatureCollection {
	r.mu.Lock()
	defer r.mu.Unlock()

	fc := geojson.NewFeatureCollection()
	for _, f := range r.paths {
		fc.Append(cloneFeature(f))
	}
	for _, h := range r.order {
		fc.Append(cloneFeature(r.markers[h]))
	}
	return fc
}

func cloneFeature(f *geojson.Feature) *geojson.Feature {
	c := geojson.NewFeature(orb.Clone(f.Geometry))
	c.ID = f.ID
	for k, v := range f.Properties {
		c.Properties[k] = v
	}
	return c
}
