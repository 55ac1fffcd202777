package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"transit_nav/pkg/geo"
	"transit_nav/pkg/provider"
)

// FixSubject is the subject a device publishes its positions on.
func FixSubject(surface string) string {
	return fmt.Sprintf("nav.%s.fix", subjectToken(surface))
}

// FixMessage is the wire form of a device position.
type FixMessage struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// PositionWatcher is a provider.PositionWatcher fed by a NATS subject.
type PositionWatcher struct {
	conn    Conn
	subject string

	mu   sync.Mutex
	next provider.WatchHandle
	subs map[provider.WatchHandle]func() error
}

// NewPositionWatcher watches the positions of surface.
func NewPositionWatcher(conn Conn, surface string) *PositionWatcher {
	return &PositionWatcher{
		conn:    conn,
		subject: FixSubject(surface),
		subs:    make(map[provider.WatchHandle]func() error),
	}
}

// WatchPosition subscribes cb to the position subject. A malformed or
// invalid message is delivered as a failed fix.
func (w *PositionWatcher) WatchPosition(cb func(provider.PositionFix)) (provider.WatchHandle, error) {
	unsub, err := w.conn.Subscribe(w.subject, func(data []byte) {
		cb(decodeFix(data))
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", provider.ErrGeolocationUnavailable, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	w.subs[w.next] = unsub
	return w.next, nil
}

// ClearWatch unsubscribes. Unknown handles are ignored.
func (w *PositionWatcher) ClearWatch(h provider.WatchHandle) {
	w.mu.Lock()
	unsub, ok := w.subs[h]
	delete(w.subs, h)
	w.mu.Unlock()
	if !ok {
		return
	}
	if err := unsub(); err != nil {
		log.Printf("unsubscribe %s failed: %v", w.subject, err)
	}
}

func decodeFix(data []byte) provider.PositionFix {
	var msg FixMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return provider.PositionFix{Timestamp: time.Now(), Err: fmt.Errorf("decode fix: %w", err)}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Error != "" {
		return provider.PositionFix{Timestamp: msg.Timestamp, Err: errors.New(msg.Error)}
	}
	p := geo.Waypoint{Lat: msg.Lat, Lng: msg.Lng}
	if err := p.Validate(); err != nil {
		return provider.PositionFix{Timestamp: msg.Timestamp, Err: err}
	}
	return provider.PositionFix{Point: p, Accuracy: msg.Accuracy, Timestamp: msg.Timestamp}
}
