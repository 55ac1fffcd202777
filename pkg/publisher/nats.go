// Package publisher connects the navigation engine to NATS: session events
// go out, fare pricing changes fan out between instances and device
// positions come in.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"transit_nav/pkg/fare"
	"transit_nav/pkg/navigation"
)

// PricingSubject carries fare table changes.
const PricingSubject = "fare.pricing"

// PublisherMetrics receives publish outcomes.
type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Conn is the part of a NATS connection the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (unsubscribe func() error, err error)
}

type natsConn struct{ nc *nats.Conn }

func (c natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c natsConn) Subscribe(subject string, handler func(data []byte)) (func() error, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) { handler(m.Data) })
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

// Publisher publishes navigation events and pricing changes.
type Publisher struct {
	conn        Conn
	nc          *nats.Conn
	origin      string
	logSubjects bool
	metrics     PublisherMetrics
}

// Connect dials NATS and returns a publisher on that connection.
func Connect(url string, logSubjects bool, m PublisherMetrics) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("transit-nav"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := New(natsConn{nc: nc}, logSubjects, m)
	p.nc = nc
	return p, nil
}

// New creates a publisher on an existing connection.
func New(conn Conn, logSubjects bool, m PublisherMetrics) *Publisher {
	return &Publisher{
		conn:        conn,
		origin:      uuid.NewString(),
		logSubjects: logSubjects,
		metrics:     m,
	}
}

// Close drains and closes a connection opened by Connect.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// Conn returns the underlying connection.
func (p *Publisher) Conn() Conn { return p.conn }

// EventSubject is the subject a session event is published on.
func EventSubject(ev navigation.Event) string {
	return fmt.Sprintf("nav.%s.%s", subjectToken(ev.Surface), subjectToken(string(ev.Type)))
}

// SessionEvent publishes ev. It implements navigation.EventSink; failures
// are logged and counted.
func (p *Publisher) SessionEvent(ev navigation.Event) {
	if err := p.publishJSON(EventSubject(ev), ev); err != nil {
		log.Printf("publish %s event for %s failed: %v", ev.Type, ev.Surface, err)
	}
}

type pricingMessage struct {
	Origin string     `json:"origin"`
	Table  fare.Table `json:"table"`
	SentAt time.Time  `json:"sent_at"`
}

// BroadcastPricing announces a new fare table to other instances.
func (p *Publisher) BroadcastPricing(_ context.Context, t fare.Table) error {
	return p.publishJSON(PricingSubject, pricingMessage{Origin: p.origin, Table: t, SentAt: time.Now()})
}

// SubscribePricing applies fare tables broadcast by other instances to svc.
// Tables this publisher sent itself are skipped.
func (p *Publisher) SubscribePricing(svc *fare.PricingService) (func() error, error) {
	return p.conn.Subscribe(PricingSubject, func(data []byte) {
		var msg pricingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("bad pricing message: %v", err)
			return
		}
		if msg.Origin == p.origin {
			return
		}
		if err := svc.Apply(msg.Table); err != nil {
			log.Printf("rejected pricing from %s: %v", msg.Origin, err)
			return
		}
		log.Printf("pricing updated by %s", msg.Origin)
	})
}

func (p *Publisher) publishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.conn.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
