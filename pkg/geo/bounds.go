package geo

import "github.com/paulmach/orb"

// Bounds is a rectangular geofence.
type Bounds struct {
	orb.Bound
}

// NewBounds builds a geofence from its south-west and north-east corners.
func NewBounds(minLat, minLng, maxLat, maxLng float64) Bounds {
	return Bounds{Bound: orb.Bound{
		Min: orb.Point{minLng, minLat},
		Max: orb.Point{maxLng, maxLat},
	}}
}

// IsZero returns true if the bounds are unset.
func (b Bounds) IsZero() bool {
	return b.Min == (orb.Point{}) && b.Max == (orb.Point{})
}

// Contains returns true if the waypoint is inside the geofence, edges included.
func (b Bounds) Contains(w Waypoint) bool {
	return b.Bound.Contains(w.Point())
}
