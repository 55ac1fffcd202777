package api

import (
	"transit_nav/pkg/catalog"
	"transit_nav/pkg/fare"
	"transit_nav/pkg/geo"
	"transit_nav/pkg/routing"
)

// LatLngJSON represents a lat/lng pair in JSON.
type LatLngJSON struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (ll LatLngJSON) waypoint() geo.Waypoint { return geo.Waypoint{Lat: ll.Lat, Lng: ll.Lng} }

func toLatLng(w geo.Waypoint) LatLngJSON { return LatLngJSON{Lat: w.Lat, Lng: w.Lng} }

func toLatLngs(ws []geo.Waypoint) []LatLngJSON {
	out := make([]LatLngJSON, len(ws))
	for i, w := range ws {
		out[i] = toLatLng(w)
	}
	return out
}

// NearestStopResponse is the JSON response for GET /api/v1/stops/nearest.
type NearestStopResponse struct {
	Stop           LatLngJSON `json:"stop"`
	DistanceMeters float64    `json:"distance_meters"`
}

// RouteRequest is the JSON body for POST /api/v1/routes and /api/v1/routes/best.
type RouteRequest struct {
	Start LatLngJSON   `json:"start"`
	End   LatLngJSON   `json:"end"`
	Mode  catalog.Mode `json:"mode,omitempty"`
}

// PathJSON is a candidate path with its fare.
type PathJSON struct {
	RouteID        string       `json:"route_id"`
	RouteName      string       `json:"route_name"`
	Kind           catalog.Mode `json:"kind"`
	Color          string       `json:"color"`
	DistanceMeters float64      `json:"distance_meters"`
	Waypoints      []LatLngJSON `json:"waypoints"`
	Fare           fare.Quote   `json:"fare"`
}

// RouteResponse is the JSON response for a route query.
type RouteResponse struct {
	StartStop LatLngJSON `json:"start_stop"`
	EndStop   LatLngJSON `json:"end_stop"`
	Paths     []PathJSON `json:"paths"`
}

// FareRequest is the JSON body for POST /api/v1/fare. A missing or negative
// distance is measured along the path.
type FareRequest struct {
	Mode       catalog.Mode `json:"mode"`
	DistanceKm *float64     `json:"distance_km,omitempty"`
	Path       []LatLngJSON `json:"path,omitempty"`
}

// ETARequest is the JSON body for POST /api/v1/eta.
type ETARequest struct {
	From LatLngJSON   `json:"from"`
	To   LatLngJSON   `json:"to"`
	Mode catalog.Mode `json:"mode"`
}

// PlaceResponse is the JSON response for GET /api/v1/place.
type PlaceResponse struct {
	Name string `json:"name"`
}

// StartRequest is the JSON body for POST /api/v1/navigation/{surface}/start.
// RouteID picks one of the candidate paths; empty rides the best one.
type StartRequest struct {
	Current     LatLngJSON   `json:"current"`
	Destination LatLngJSON   `json:"destination"`
	Mode        catalog.Mode `json:"mode,omitempty"`
	RouteID     string       `json:"route_id,omitempty"`
}

// PositionRequest is the JSON body for POST /api/v1/navigation/{surface}/position.
type PositionRequest struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// VisibilityRequest is the JSON body for POST /api/v1/navigation/{surface}/visibility.
type VisibilityRequest struct {
	Visible bool `json:"visible"`
}

// StopResponse is the JSON response for POST /api/v1/navigation/{surface}/stop.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// ErrorResponse is the JSON response for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message,omitempty"`
}

// StatsResponse is the JSON response for GET /api/v1/stats.
type StatsResponse struct {
	Catalog        catalog.Stats `json:"catalog"`
	Stops          int           `json:"stops"`
	Surfaces       []string      `json:"surfaces"`
	ActiveSessions int           `json:"active_sessions"`
}

// HealthResponse is the JSON response for GET /api/v1/health.
type HealthResponse struct {
	Status string `json:"status"`
}

func pathJSON(p routing.CandidatePath, q fare.Quote) PathJSON {
	return PathJSON{
		RouteID:        p.RouteID,
		RouteName:      p.RouteName,
		Kind:           p.Kind,
		Color:          p.Color,
		DistanceMeters: p.DistanceMeters,
		Waypoints:      toLatLngs(p.Waypoints),
		Fare:           q,
	}
}
