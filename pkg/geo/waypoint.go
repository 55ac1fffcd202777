package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// Proximity thresholds in kilometres. Call sites pick one explicitly.
const (
	// DefaultNearbyKm absorbs GPS and catalog coordinate noise.
	DefaultNearbyKm = 0.09
	// LegacyNearbyKm is the tighter radius still used by the navigation
	// edge checks. See DESIGN.md before unifying the two.
	LegacyNearbyKm = 0.05
)

// ErrInvalidWaypoint is returned when a "lat,lng" token cannot be parsed.
var ErrInvalidWaypoint = errors.New("invalid waypoint")

// Waypoint is a latitude/longitude pair in degrees.
type Waypoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ParseWaypoint parses a catalog token of the form "lat,lng".
func ParseWaypoint(s string) (Waypoint, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Waypoint{}, fmt.Errorf("%w: %q", ErrInvalidWaypoint, s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Waypoint{}, fmt.Errorf("%w: %q", ErrInvalidWaypoint, s)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Waypoint{}, fmt.Errorf("%w: %q", ErrInvalidWaypoint, s)
	}
	w := Waypoint{Lat: lat, Lng: lng}
	if err := w.Validate(); err != nil {
		return Waypoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidWaypoint, s, err)
	}
	return w, nil
}

// Validate checks that the coordinates are finite and within range.
func (w Waypoint) Validate() error {
	if math.IsNaN(w.Lat) || math.IsNaN(w.Lng) || math.IsInf(w.Lat, 0) || math.IsInf(w.Lng, 0) {
		return errors.New("coordinates must be finite numbers")
	}
	if w.Lat < -90 || w.Lat > 90 || w.Lng < -180 || w.Lng > 180 {
		return errors.New("coordinates out of range")
	}
	return nil
}

// String formats the waypoint as a catalog token.
func (w Waypoint) String() string {
	return strconv.FormatFloat(w.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(w.Lng, 'f', -1, 64)
}

// Point returns the orb representation ([lng, lat]).
func (w Waypoint) Point() orb.Point {
	return orb.Point{w.Lng, w.Lat}
}

// FromPoint converts an orb point back to a waypoint.
func FromPoint(p orb.Point) Waypoint {
	return Waypoint{Lat: p.Lat(), Lng: p.Lon()}
}

// Distance returns the great-circle distance in meters between a and b.
func Distance(a, b Waypoint) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// IsNearby reports whether b lies within thresholdKm of a.
func IsNearby(a, b Waypoint, thresholdKm float64) bool {
	return Distance(a, b) <= thresholdKm*1000
}

// PathLength sums the distances between consecutive points.
func PathLength(points []Waypoint) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

// LineString converts a waypoint sequence to an orb line.
func LineString(points []Waypoint) orb.LineString {
	ls := make(orb.LineString, len(points))
	for i, p := range points {
		ls[i] = p.Point()
	}
	return ls
}
