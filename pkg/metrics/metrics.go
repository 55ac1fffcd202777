// Package metrics exposes Prometheus metrics for the navigation engine on
// a private registry.
package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/navigation"
)

type Collector struct {
	reg *prometheus.Registry

	CatalogLoads        *prometheus.CounterVec // source label: fetch|cache
	CatalogLoadFailures prometheus.Counter
	CatalogLoadDuration prometheus.Histogram

	MatchDuration   prometheus.Histogram
	MatchCandidates prometheus.Histogram

	ActiveSessions  prometheus.Gauge
	SessionsStarted *prometheus.CounterVec // mode label
	SessionsEnded   *prometheus.CounterVec // state label: arrived|cancelled
	Positions       *prometheus.CounterVec // result label: accepted|stale
	Notices         *prometheus.CounterVec // kind label

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	NearingRadius prometheus.Gauge // meters
	ArrivedRadius prometheus.Gauge // meters
}

func NewCollector(nearingRadius, arrivedRadius float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		CatalogLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitnav_catalog_loads_total",
			Help: "Catalog loads by body source.",
		}, []string{"source"}),
		CatalogLoadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitnav_catalog_load_failures_total",
			Help: "Failed catalog loads.",
		}),
		CatalogLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transitnav_catalog_load_duration_seconds",
			Help:    "Duration of a catalog fetch and parse.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		MatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transitnav_match_duration_seconds",
			Help:    "Duration of candidate path enumeration.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		MatchCandidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transitnav_match_candidates",
			Help:    "Candidate paths found per match.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitnav_active_sessions",
			Help: "Sessions currently tracking.",
		}),
		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitnav_sessions_started_total",
			Help: "Sessions that entered tracking, by mode.",
		}, []string{"mode"}),
		SessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitnav_sessions_ended_total",
			Help: "Sessions that left tracking, by final state.",
		}, []string{"state"}),
		Positions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitnav_positions_total",
			Help: "Position updates processed.",
		}, []string{"result"}),
		Notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitnav_notices_total",
			Help: "Notices emitted to travellers.",
		}, []string{"kind"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitnav_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitnav_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitnav_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transitnav_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		NearingRadius: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitnav_nearing_radius_meters",
			Help: "Distance at which the nearing notice fires.",
		}),
		ArrivedRadius: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitnav_arrived_radius_meters",
			Help: "Distance at which a trip ends.",
		}),
	}

	reg.MustRegister(
		c.CatalogLoads, c.CatalogLoadFailures, c.CatalogLoadDuration,
		c.MatchDuration, c.MatchCandidates,
		c.ActiveSessions, c.SessionsStarted, c.SessionsEnded, c.Positions, c.Notices,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.NearingRadius, c.ArrivedRadius,
	)

	c.NearingRadius.Set(nearingRadius)
	c.ArrivedRadius.Set(arrivedRadius)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Registry returns the private registry, e.g. for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

// catalog.LoaderMetrics

func (c *Collector) CatalogLoaded(source string, d time.Duration) {
	c.CatalogLoads.WithLabelValues(source).Inc()
	c.CatalogLoadDuration.Observe(d.Seconds())
}

func (c *Collector) CatalogLoadFailed() { c.CatalogLoadFailures.Inc() }

// routing.MatchMetrics

func (c *Collector) MatchObserve(d time.Duration, candidates int) {
	c.MatchDuration.Observe(d.Seconds())
	c.MatchCandidates.Observe(float64(candidates))
}

// navigation.Metrics and navigation.ActiveGauge

func (c *Collector) SessionStarted(mode catalog.Mode) {
	c.SessionsStarted.WithLabelValues(string(mode)).Inc()
}

func (c *Collector) SessionEnded(state navigation.State) {
	c.SessionsEnded.WithLabelValues(string(state)).Inc()
}

func (c *Collector) PositionProcessed(stale bool) {
	result := "accepted"
	if stale {
		result = "stale"
	}
	c.Positions.WithLabelValues(result).Inc()
}

func (c *Collector) NoticeEmitted(kind navigation.NoticeKind) {
	c.Notices.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) SetActiveSessions(n int) { c.ActiveSessions.Set(float64(n)) }

// publisher.PublisherMetrics

func (c *Collector) NATSPublishedInc()  { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc() { c.NATSPublishErrs.Inc() }

func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
