package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"mime"
	"net/http"
	"regexp"
	"time"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/fare"
	"transit_nav/pkg/geo"
	"transit_nav/pkg/navigation"
	"transit_nav/pkg/provider"
	"transit_nav/pkg/routing"
)

const maxBodyBytes = 64 << 10

var surfaceName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// HandlerDeps are the collaborators of the handlers. ETA and Geocoder may
// be nil when no map provider is configured.
type HandlerDeps struct {
	Network  navigation.Network
	Catalog  *catalog.Catalog
	Stops    int
	Pricing  *fare.PricingService
	ETA      *fare.Estimator
	Geocoder provider.Geocoder
	Sessions *navigation.Manager
	Surfaces *Surfaces
}

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	d HandlerDeps
}

// NewHandlers creates handlers.
func NewHandlers(d HandlerDeps) *Handlers {
	return &Handlers{d: d}
}

// HandleNearestStop handles GET /api/v1/stops/nearest?at=lat,lng.
func (h *Handlers) HandleNearestStop(w http.ResponseWriter, r *http.Request) {
	at, err := geo.ParseWaypoint(r.URL.Query().Get("at"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_coordinates", "at")
		return
	}
	stop, ok := h.d.Network.Nearest(at)
	if !ok {
		writeError(w, http.StatusNotFound, "no_nearby_stop", "")
		return
	}
	writeJSON(w, http.StatusOK, NearestStopResponse{Stop: toLatLng(stop), DistanceMeters: geo.Distance(at, stop)})
}

// HandleRoutes handles POST /api/v1/routes: every candidate path between the
// stops nearest to start and end, each with its fare.
func (h *Handlers) HandleRoutes(w http.ResponseWriter, r *http.Request) {
	h.handleRoutes(w, r, false)
}

// HandleBestRoute handles POST /api/v1/routes/best.
func (h *Handlers) HandleBestRoute(w http.ResponseWriter, r *http.Request) {
	h.handleRoutes(w, r, true)
}

func (h *Handlers) handleRoutes(w http.ResponseWriter, r *http.Request, best bool) {
	var req RouteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validCoord(w, req.Start, "start") || !validCoord(w, req.End, "end") {
		return
	}
	var kinds []catalog.Mode
	switch req.Mode {
	case "":
	case catalog.ModeJeepney, catalog.ModeBus:
		kinds = []catalog.Mode{req.Mode}
	default:
		writeError(w, http.StatusBadRequest, "invalid_mode", "mode")
		return
	}

	startStop, endStop, ok := h.stops(w, req.Start.waypoint(), req.End.waypoint())
	if !ok {
		return
	}

	var paths []routing.CandidatePath
	var err error
	if best {
		var p routing.CandidatePath
		p, err = h.d.Network.FindBestPath(r.Context(), startStop, endStop, kinds...)
		paths = []routing.CandidatePath{p}
	} else {
		paths, err = h.d.Network.FindAllRoutePaths(r.Context(), startStop, endStop, kinds...)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := RouteResponse{StartStop: toLatLng(startStop), EndStop: toLatLng(endStop)}
	for _, p := range paths {
		resp.Paths = append(resp.Paths, pathJSON(p, h.d.Pricing.Quote(p.Waypoints, p.Kind, -1)))
	}
	writeJSON(w, http.StatusOK, resp)
}

// stops resolves the nearest stop of both ends, writing the error response
// when one has none.
func (h *Handlers) stops(w http.ResponseWriter, start, end geo.Waypoint) (geo.Waypoint, geo.Waypoint, bool) {
	s, ok := h.d.Network.Nearest(start)
	if !ok {
		writeError(w, http.StatusNotFound, "no_nearby_stop", "start")
		return geo.Waypoint{}, geo.Waypoint{}, false
	}
	e, ok := h.d.Network.Nearest(end)
	if !ok {
		writeError(w, http.StatusNotFound, "no_nearby_stop", "end")
		return geo.Waypoint{}, geo.Waypoint{}, false
	}
	return s, e, true
}

// HandleFare handles POST /api/v1/fare.
func (h *Handlers) HandleFare(w http.ResponseWriter, r *http.Request) {
	var req FareRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Mode == "" {
		writeError(w, http.StatusBadRequest, "invalid_mode", "mode")
		return
	}
	path := make([]geo.Waypoint, len(req.Path))
	for i, ll := range req.Path {
		if !validCoord(w, ll, "path") {
			return
		}
		path[i] = ll.waypoint()
	}
	km := -1.0
	if req.DistanceKm != nil {
		km = *req.DistanceKm
	}
	if km < 0 && len(path) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "distance_km")
		return
	}
	writeJSON(w, http.StatusOK, h.d.Pricing.Quote(path, req.Mode, km))
}

// HandleGetPricing handles GET /api/v1/pricing.
func (h *Handlers) HandleGetPricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Pricing.Table())
}

// HandlePutPricing handles PUT /api/v1/pricing.
func (h *Handlers) HandlePutPricing(w http.ResponseWriter, r *http.Request) {
	var t fare.Table
	if !decodeJSON(w, r, &t) {
		return
	}
	if err := h.d.Pricing.Update(r.Context(), t); err != nil {
		if errors.Is(err, fare.ErrInvalidPricing) {
			writeErrorMessage(w, http.StatusBadRequest, "invalid_pricing", err.Error())
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.d.Pricing.Table())
}

// HandleETA handles POST /api/v1/eta.
func (h *Handlers) HandleETA(w http.ResponseWriter, r *http.Request) {
	if h.d.ETA == nil {
		writeError(w, http.StatusServiceUnavailable, "provider_unavailable", "")
		return
	}
	var req ETARequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validCoord(w, req.From, "from") || !validCoord(w, req.To, "to") {
		return
	}
	if !req.Mode.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_mode", "mode")
		return
	}
	est, err := h.d.ETA.Estimate(r.Context(), req.From.waypoint(), req.To.waypoint(), req.Mode)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// HandlePlace handles GET /api/v1/place?at=lat,lng.
func (h *Handlers) HandlePlace(w http.ResponseWriter, r *http.Request) {
	at, err := geo.ParseWaypoint(r.URL.Query().Get("at"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_coordinates", "at")
		return
	}
	if h.d.Geocoder == nil {
		writeJSON(w, http.StatusOK, PlaceResponse{Name: provider.AddressNotFound})
		return
	}
	writeJSON(w, http.StatusOK, PlaceResponse{Name: provider.PlaceName(r.Context(), h.d.Geocoder, at)})
}

// HandleNavStart handles POST /api/v1/navigation/{surface}/start.
func (h *Handlers) HandleNavStart(w http.ResponseWriter, r *http.Request) {
	surface, ok := pathSurface(w, r)
	if !ok {
		return
	}
	var req StartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validCoord(w, req.Current, "current") || !validCoord(w, req.Destination, "destination") {
		return
	}
	from, to := req.Current.waypoint(), req.Destination.waypoint()

	var s *navigation.Session
	var err error
	if req.RouteID == "" {
		s, err = h.d.Sessions.Navigate(r.Context(), surface, from, to, req.Mode)
	} else {
		path, found := h.pathByRoute(r.Context(), w, from, to, req.RouteID)
		if !found {
			return
		}
		s, err = h.d.Sessions.NavigatePath(r.Context(), surface, from, to, path, req.Mode)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handlers) pathByRoute(ctx context.Context, w http.ResponseWriter, from, to geo.Waypoint, routeID string) (routing.CandidatePath, bool) {
	startStop, endStop, ok := h.stops(w, from, to)
	if !ok {
		return routing.CandidatePath{}, false
	}
	paths, err := h.d.Network.FindAllRoutePaths(ctx, startStop, endStop)
	if err != nil {
		writeDomainError(w, err)
		return routing.CandidatePath{}, false
	}
	for _, p := range paths {
		if p.RouteID == routeID {
			return p, true
		}
	}
	writeError(w, http.StatusNotFound, "no_route_found", "route_id")
	return routing.CandidatePath{}, false
}

// HandleNavStop handles POST /api/v1/navigation/{surface}/stop.
func (h *Handlers) HandleNavStop(w http.ResponseWriter, r *http.Request) {
	surface, ok := pathSurface(w, r)
	if !ok {
		return
	}
	stopped, err := h.d.Sessions.Stop(surface)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StopResponse{Stopped: stopped})
}

// HandleNavPosition handles POST /api/v1/navigation/{surface}/position.
func (h *Handlers) HandleNavPosition(w http.ResponseWriter, r *http.Request) {
	s, surface, ok := h.session(w, r)
	if !ok {
		return
	}
	var req PositionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	fix := provider.PositionFix{Accuracy: req.Accuracy, Timestamp: time.Now()}
	if req.Error != "" {
		fix.Err = errors.New(req.Error)
	} else {
		ll := LatLngJSON{Lat: req.Lat, Lng: req.Lng}
		if !validCoord(w, ll, "position") {
			return
		}
		fix.Point = ll.waypoint()
	}
	if err := h.d.Surfaces.Push(surface, fix); err != nil {
		writeErrorMessage(w, http.StatusConflict, "no_push_feed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// HandleNavVisibility handles POST /api/v1/navigation/{surface}/visibility.
func (h *Handlers) HandleNavVisibility(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.session(w, r)
	if !ok {
		return
	}
	var req VisibilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.OnVisibilityChange(req.Visible)
	w.WriteHeader(http.StatusNoContent)
}

// HandleNavSnapshot handles GET /api/v1/navigation/{surface}.
func (h *Handlers) HandleNavSnapshot(w http.ResponseWriter, r *http.Request) {
	s, _, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// HandleNavRender handles GET /api/v1/navigation/{surface}/render: the
// surface contents as a GeoJSON FeatureCollection.
func (h *Handlers) HandleNavRender(w http.ResponseWriter, r *http.Request) {
	s, surface, ok := h.session(w, r)
	if !ok {
		return
	}
	rd, ok := h.d.Surfaces.Renderer(surface)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_surface", "surface")
		return
	}
	if err := s.Flush(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	b, err := rd.FeatureCollection().MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Write(b)
}

// HandleNavClose handles DELETE /api/v1/navigation/{surface}.
func (h *Handlers) HandleNavClose(w http.ResponseWriter, r *http.Request) {
	surface, ok := pathSurface(w, r)
	if !ok {
		return
	}
	h.d.Sessions.Close(surface)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*navigation.Session, string, bool) {
	surface, ok := pathSurface(w, r)
	if !ok {
		return nil, "", false
	}
	s, ok := h.d.Sessions.Get(surface)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_surface", "surface")
		return nil, "", false
	}
	return s, surface, true
}

// HandleHealth handles GET /api/v1/health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// HandleStats handles GET /api/v1/stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Stops:          h.d.Stops,
		Surfaces:       h.d.Sessions.Surfaces(),
		ActiveSessions: h.d.Sessions.Active(),
	}
	if h.d.Catalog != nil {
		resp.Catalog = h.d.Catalog.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func pathSurface(w http.ResponseWriter, r *http.Request) (string, bool) {
	s := r.PathValue("surface")
	if !surfaceName.MatchString(s) {
		writeError(w, http.StatusBadRequest, "invalid_surface", "surface")
		return "", false
	}
	return s, true
}

// decodeJSON enforces the content type and decodes a bounded body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		writeError(w, http.StatusBadRequest, "invalid_request", "")
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "")
		return false
	}
	return true
}

func validCoord(w http.ResponseWriter, ll LatLngJSON, field string) bool {
	if err := validateCoord(ll); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_coordinates", field)
		return false
	}
	return true
}

func validateCoord(ll LatLngJSON) error {
	if math.IsNaN(ll.Lat) || math.IsNaN(ll.Lng) || math.IsInf(ll.Lat, 0) || math.IsInf(ll.Lng, 0) {
		return errors.New("coordinates must be finite numbers")
	}
	if ll.Lat < -90 || ll.Lat > 90 || ll.Lng < -180 || ll.Lng > 180 {
		return errors.New("coordinates out of range")
	}
	return nil
}

// writeDomainError maps engine errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, routing.ErrNoNearbyStop):
		writeError(w, http.StatusNotFound, "no_nearby_stop", "")
	case errors.Is(err, routing.ErrNoRouteFound):
		writeError(w, http.StatusNotFound, "no_route_found", "")
	case errors.Is(err, navigation.ErrUnknownSurface):
		writeError(w, http.StatusNotFound, "unknown_surface", "surface")
	case errors.Is(err, navigation.ErrOutOfBounds):
		writeError(w, http.StatusUnprocessableEntity, "out_of_bounds", "")
	case errors.Is(err, navigation.ErrInvalidRequest):
		writeErrorMessage(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, navigation.ErrSessionClosed):
		writeError(w, http.StatusConflict, "session_closed", "")
	case errors.Is(err, provider.ErrGeolocationUnavailable):
		writeError(w, http.StatusServiceUnavailable, "geolocation_unavailable", "")
	case errors.Is(err, provider.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, "provider_unavailable", "")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request_timeout", "")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, field string) {
	writeJSON(w, status, ErrorResponse{Error: code, Field: field})
}

func writeErrorMessage(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}
