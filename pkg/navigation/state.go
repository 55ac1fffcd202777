// Package navigation runs live navigation sessions: it validates a trip,
// renders the walking and transit legs, then follows the traveller's
// position until arrival or cancellation.
package navigation

import (
	"errors"
	"time"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/fare"
	"transit_nav/pkg/geo"
	"transit_nav/pkg/provider"
	"transit_nav/pkg/routing"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateRendering  State = "rendering"
	StateTracking   State = "tracking"
	StateArrived    State = "arrived"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether s ends a trip.
func (s State) Terminal() bool {
	return s == StateArrived || s == StateCancelled
}

var (
	ErrOutOfBounds            = errors.New("outside the operating area")
	ErrInvalidRequest         = errors.New("current location and destination are required")
	ErrGeolocationUnavailable = provider.ErrGeolocationUnavailable
	ErrNoNearbyStop           = routing.ErrNoNearbyStop
	ErrNoRouteFound           = routing.ErrNoRouteFound
)

// Config holds the session thresholds.
type Config struct {
	// Bounds is the operating area. A zero value disables the check.
	Bounds geo.Bounds
	// NearingRadiusMeters triggers the one-shot nearing signal.
	NearingRadiusMeters float64
	// ArrivedRadiusMeters ends the trip.
	ArrivedRadiusMeters float64
	// RefreshInterval forces a marker refresh and ETA update while tracking.
	RefreshInterval time.Duration
	// EdgeGuardKm suppresses path truncation near the first and last waypoint.
	EdgeGuardKm float64
	// DestinationSnapKm skips the final walking leg when the destination is
	// this close to the end of the transit path.
	DestinationSnapKm float64
	WalkingColor      string
	TaxiColor         string
	// RenderQueueSize bounds pending render commands; extra ones are dropped.
	RenderQueueSize int
}

// DefaultConfig returns the production thresholds with no geofence.
func DefaultConfig() Config {
	return Config{
		NearingRadiusMeters: 100,
		ArrivedRadiusMeters: 10,
		RefreshInterval:     10 * time.Second,
		EdgeGuardKm:         geo.LegacyNearbyKm,
		DestinationSnapKm:   geo.LegacyNearbyKm,
		WalkingColor:        "#757575",
		TaxiColor:           "#fdd835",
		RenderQueueSize:     64,
	}
}

// Network resolves stops and paths. *routing.Index implements it.
type Network interface {
	routing.StopLocator
	routing.PathFinder
}

// Metrics observes session activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	SessionStarted(mode catalog.Mode)
	SessionEnded(state State)
	PositionProcessed(stale bool)
	NoticeEmitted(kind NoticeKind)
}

// EventSink receives every event of every session, e.g. to publish them.
// Calls happen with the session lock held and must not block.
type EventSink interface {
	SessionEvent(ev Event)
}

// Deps are the collaborators of a session. Network, Renderer and Watcher
// are required.
type Deps struct {
	Network   Network
	Renderer  provider.Renderer
	Watcher   provider.PositionWatcher
	Display   provider.DisplayKeeper
	Alerter   provider.Alerter
	Estimator *fare.Estimator
	Sink      EventSink
	Metrics   Metrics
}

// NoticeKind classifies one-shot notifications.
type NoticeKind string

const (
	NoticeError   NoticeKind = "error"
	NoticeNearing NoticeKind = "nearing"
	NoticeArrived NoticeKind = "arrived"
)

// Notice is a one-shot, human readable notification.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	Err     error      `json:"-"`
}

// EventType distinguishes the payload of an Event.
type EventType string

const (
	EventState    EventType = "state"
	EventNotice   EventType = "notice"
	EventPosition EventType = "position"
)

// Event is delivered to subscribers and the event sink.
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"session_id"`
	Surface   string        `json:"surface"`
	State     State         `json:"state,omitempty"`
	Notice    *Notice       `json:"notice,omitempty"`
	Position  *geo.Waypoint `json:"position,omitempty"`
	Time      time.Time     `json:"time"`
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID          string                 `json:"id"`
	Surface     string                 `json:"surface"`
	State       State                  `json:"state"`
	Mode        catalog.Mode           `json:"mode,omitempty"`
	Current     *geo.Waypoint          `json:"current,omitempty"`
	Destination *geo.Waypoint          `json:"destination,omitempty"`
	Path        *routing.CandidatePath `json:"path,omitempty"`
	Remaining   []geo.Waypoint         `json:"remaining,omitempty"`
	Tracking    bool                   `json:"tracking"`
	Reached     bool                   `json:"destination_reached"`
	ETA         *fare.Estimate         `json:"eta,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}
