package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/navigation"
)

// value reads a single counter or gauge.
func value(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	var m dto.Metric
	if err := (<-ch).Write(&m); err != nil {
		t.Fatal(err)
	}
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	t.Fatal("not a counter or gauge")
	return 0
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector(100, 10)

	c.CatalogLoaded("fetch", 20*time.Millisecond)
	c.CatalogLoaded("cache", time.Millisecond)
	c.CatalogLoadFailed()
	c.SessionStarted(catalog.ModeJeepney)
	c.SessionEnded(navigation.StateArrived)
	c.PositionProcessed(false)
	c.PositionProcessed(false)
	c.PositionProcessed(true)
	c.NoticeEmitted(navigation.NoticeNearing)
	c.SetActiveSessions(3)
	c.NATSSetConnected(true)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"fetch loads", value(t, c.CatalogLoads.WithLabelValues("fetch")), 1},
		{"load failures", value(t, c.CatalogLoadFailures), 1},
		{"jeepney sessions", value(t, c.SessionsStarted.WithLabelValues("jeepney")), 1},
		{"arrived sessions", value(t, c.SessionsEnded.WithLabelValues("arrived")), 1},
		{"accepted positions", value(t, c.Positions.WithLabelValues("accepted")), 2},
		{"stale positions", value(t, c.Positions.WithLabelValues("stale")), 1},
		{"nearing notices", value(t, c.Notices.WithLabelValues("nearing")), 1},
		{"active sessions", value(t, c.ActiveSessions), 3},
		{"nats connected", value(t, c.NATSConnected), 1},
		{"nearing radius", value(t, c.NearingRadius), 100},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	c := NewCollector(100, 10)
	c.MatchObserve(time.Millisecond, 2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"transitnav_match_duration_seconds", "transitnav_arrived_radius_meters"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
