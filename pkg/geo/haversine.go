package geo

import "math"

const earthRadiusMeters = 6_371_000.0

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1r := lat1 * math.Pi / 180
	lat2r := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1r)*math.Cos(lat2r)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// DegToMeters converts a degree of arc along a great circle to meters.
const DegToMeters = math.Pi / 180 * earthRadiusMeters

// PointToSegmentDist computes the perpendicular distance from point P to segment AB,
// and returns the projection ratio along AB (clamped to [0,1]).
// dist is in meters, ratio is in [0.0, 1.0].
func PointToSegmentDist(p, a, b Waypoint) (dist float64, ratio float64) {
	// Equirectangular projection, fine for segments between adjacent stops.
	cosLat := math.Cos((a.Lat + b.Lat) / 2 * math.Pi / 180)

	ax := a.Lng * cosLat
	ay := a.Lat
	bx := b.Lng * cosLat
	by := b.Lat
	px := p.Lng * cosLat
	py := p.Lat

	// Compare the original coordinates exactly; projected values of identical
	// points can differ by ~1e-15 after the cosLat multiplication.
	if a == b {
		ex := px - ax
		ey := py - ay
		return math.Sqrt(ex*ex+ey*ey) * DegToMeters, 0
	}

	dx := bx - ax
	dy := by - ay
	lenSq := dx*dx + dy*dy

	var t float64
	if lenSq > 0 {
		t = ((px-ax)*dx + (py-ay)*dy) / lenSq
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
	}

	ex := px - (ax + t*dx)
	ey := py - (ay + t*dy)
	return math.Sqrt(ex*ex+ey*ey) * DegToMeters, t
}
