package fare

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit_nav/pkg/cache"
	"transit_nav/pkg/catalog"
	"transit_nav/pkg/geo"
)

type fakeDurations struct {
	text  string
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (f *fakeDurations) EstimateDuration(ctx context.Context, _, _ geo.Waypoint, _ catalog.Mode) (string, string, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	return f.text, "", f.err
}

var (
	quiapo = geo.Waypoint{Lat: 14.5995, Lng: 120.9842}
	cubao  = geo.Waypoint{Lat: 14.6197, Lng: 121.0515}
)

func fixedEstimator(p DurationProvider, store cache.Store) *Estimator {
	e := NewEstimator(p, store, time.UTC)
	e.now = func() time.Time { return time.Date(2024, 6, 1, 13, 50, 0, 0, time.UTC) }
	return e
}

func TestParseMinutes(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"1 min", 1},
		{"12 mins", 12},
		{"1 hour 5 mins", 65},
		{"2 hours", 120},
		{"1 day 2 hours", 1560},
		{"45 minutes", 45},
		{"1 h 3 m", 63},
	}
	for _, tt := range tests {
		got, err := ParseMinutes(tt.text)
		if err != nil || got != tt.want {
			t.Errorf("ParseMinutes(%q) = %d, %v; want %d", tt.text, got, err, tt.want)
		}
	}
	if _, err := ParseMinutes("soon"); err == nil {
		t.Error("expected error for unrecognised text")
	}
}

func TestEstimate(t *testing.T) {
	p := &fakeDurations{text: "1 hour 15 mins"}
	e := fixedEstimator(p, cache.NewMemoryStore(16, 0))

	est, err := e.Estimate(context.Background(), quiapo, cubao, catalog.ModeJeepney)
	require.NoError(t, err)
	assert.Equal(t, 75, est.Minutes)
	assert.Equal(t, "3:05 PM", est.ArrivalClock)

	// Same request is served from the cache.
	_, err = e.Estimate(context.Background(), quiapo, cubao, catalog.ModeJeepney)
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.calls.Load())

	// A different mode is a different request.
	_, err = e.Estimate(context.Background(), quiapo, cubao, catalog.ModeBus)
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.calls.Load())
}

func TestEstimateProviderFailure(t *testing.T) {
	e := fixedEstimator(&fakeDurations{err: errors.New("quota exceeded")}, nil)
	_, err := e.Estimate(context.Background(), quiapo, cubao, catalog.ModeBus)
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	e = fixedEstimator(&fakeDurations{text: "eventually"}, nil)
	_, err = e.Estimate(context.Background(), quiapo, cubao, catalog.ModeBus)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestCalculateDurationCallback(t *testing.T) {
	e := fixedEstimator(&fakeDurations{text: "20 mins"}, nil)

	got := make(chan Estimate, 1)
	p := e.CalculateDuration(context.Background(), quiapo, cubao, catalog.ModeJeepney, func(est Estimate) { got <- est })

	select {
	case est := <-got:
		assert.Equal(t, 20, est.Minutes)
		assert.Equal(t, "2:10 PM", est.ArrivalClock)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
	est, err := p.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, est.Minutes)
}

func TestCalculateDurationFailureSkipsCallback(t *testing.T) {
	e := fixedEstimator(&fakeDurations{err: errors.New("boom")}, nil)

	var called atomic.Bool
	p := e.CalculateRemainingDuration(context.Background(), quiapo, cubao, catalog.ModeBus, func(Estimate) { called.Store(true) })
	_, err := p.Result(context.Background())
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.False(t, called.Load())
}

func TestCancelledEstimateSkipsCallback(t *testing.T) {
	f := &fakeDurations{text: "5 mins", gate: make(chan struct{})}
	e := fixedEstimator(f, nil)

	var mu sync.Mutex
	called := false
	p := e.CalculateDuration(context.Background(), quiapo, cubao, catalog.ModeBus, func(Estimate) {
		mu.Lock()
		called = true
		mu.Unlock()
	})

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	p.Cancel()
	p.Cancel()
	close(f.gate)

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("pending request did not finish")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, called, "cancelled request must not call back")
}
