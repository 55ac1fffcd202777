// Package provider defines the map and device collaborators the navigation
// engine talks to, and ships concrete implementations of them: a Google Maps
// client, a GeoJSON layer renderer and push-fed position watchers.
package provider

import (
	"context"
	"errors"
	"log"
	"time"

	"transit_nav/pkg/geo"
)

var (
	// ErrProviderUnavailable wraps any failed geocode, duration or render call.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrGeolocationUnavailable means no position source exists or access was denied.
	ErrGeolocationUnavailable = errors.New("geolocation unavailable")
)

// AddressNotFound is the place name used when reverse geocoding yields nothing.
const AddressNotFound = "Address not found"

// Place is a reverse geocoding result.
type Place struct {
	Name             string `json:"name"`
	FormattedAddress string `json:"formatted_address"`
}

// Geocoder resolves coordinates to places.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, p geo.Waypoint) (Place, error)
}

// PlaceName returns the best label for p: the place name, else the
// formatted address, else AddressNotFound. Errors are logged, not returned.
func PlaceName(ctx context.Context, g Geocoder, p geo.Waypoint) string {
	place, err := g.ReverseGeocode(ctx, p)
	if err != nil {
		log.Printf("reverse geocode %s failed: %v", p, err)
		return AddressNotFound
	}
	switch {
	case place.Name != "":
		return place.Name
	case place.FormattedAddress != "":
		return place.FormattedAddress
	}
	return AddressNotFound
}

// MarkerHandle identifies a marker on a rendering surface.
type MarkerHandle string

// Renderer draws paths and markers on one map surface.
type Renderer interface {
	RenderPath(ctx context.Context, points []geo.Waypoint, color string) error
	RenderWalkingPath(ctx context.Context, from, to geo.Waypoint, color string) error
	ClearRendered(ctx context.Context) error
	AddMarker(p geo.Waypoint, label string, isSelf bool) (MarkerHandle, error)
	UpdateMarker(h MarkerHandle, p geo.Waypoint) error
	PanTo(p geo.Waypoint) error
}

// PositionFix is one update from a position stream. Err is set for a
// failed fix; the stream keeps going.
type PositionFix struct {
	Point     geo.Waypoint `json:"point"`
	Accuracy  float64      `json:"accuracy"`
	Timestamp time.Time    `json:"timestamp"`
	Err       error        `json:"-"`
}

// WatchHandle identifies a position subscription.
type WatchHandle int64

// PositionWatcher streams the device position. WatchPosition returns
// ErrGeolocationUnavailable when no stream can be opened.
type PositionWatcher interface {
	WatchPosition(cb func(PositionFix)) (WatchHandle, error)
	ClearWatch(h WatchHandle)
}

// DisplayKeeper keeps the device display on while navigating.
type DisplayKeeper interface {
	Acquire() error
	Release()
}

// Alerter emits haptic or audible signals.
type Alerter interface {
	Nearing()
	Arrived()
}

// WalkingRouter returns street geometry for a walking leg.
type WalkingRouter interface {
	WalkingGeometry(ctx context.Context, from, to geo.Waypoint) ([]geo.Waypoint, error)
}
