package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/geo"
)

type fakeGeocoder struct {
	place Place
	err   error
}

func (f fakeGeocoder) ReverseGeocode(context.Context, geo.Waypoint) (Place, error) {
	return f.place, f.err
}

func TestPlaceNameFallbacks(t *testing.T) {
	tests := []struct {
		name string
		g    fakeGeocoder
		want string
	}{
		{"name", fakeGeocoder{place: Place{Name: "Quiapo Church", FormattedAddress: "Plaza Miranda, Manila"}}, "Quiapo Church"},
		{"formatted address", fakeGeocoder{place: Place{FormattedAddress: "Plaza Miranda, Manila"}}, "Plaza Miranda, Manila"},
		{"empty", fakeGeocoder{}, AddressNotFound},
		{"error", fakeGeocoder{err: errors.New("denied")}, AddressNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlaceName(context.Background(), tt.g, geo.Waypoint{Lat: 14.5986, Lng: 120.9836}); got != tt.want {
				t.Errorf("PlaceName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodePolyline(t *testing.T) {
	// Example from the encoded polyline format documentation.
	got := decodePolyline("_p~iF~ps|U_ulLnnqC_mqNvxq`@")
	want := []geo.Waypoint{{Lat: 38.5, Lng: -120.2}, {Lat: 40.7, Lng: -120.95}, {Lat: 43.252, Lng: -126.453}}
	if len(got) != len(want) {
		t.Fatalf("got %d points, want %d", len(got), len(want))
	}
	for i := range want {
		if geo.Distance(got[i], want[i]) > 1 {
			t.Errorf("point %d = %v, want %v", i, got[i], want[i])
		}
	}

	// Truncated input stops cleanly.
	if pts := decodePolyline("_p~iF~ps|U_ul"); len(pts) != 1 {
		t.Errorf("truncated polyline decoded %d points, want 1", len(pts))
	}
}

func newTestGoogle(t *testing.T, handler http.HandlerFunc) *Google {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	g := NewGoogle("test-key")
	g.baseURL = srv.URL
	return g
}

func TestGoogleEstimateDuration(t *testing.T) {
	var gotMode, gotTransit string
	g := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/directions/json" || r.URL.Query().Get("key") != "test-key" {
			http.NotFound(w, r)
			return
		}
		gotMode = r.URL.Query().Get("mode")
		gotTransit = r.URL.Query().Get("transit_mode")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "OK",
			"routes": []any{map[string]any{
				"legs": []any{map[string]any{
					"duration":     map[string]any{"text": "35 mins"},
					"arrival_time": map[string]any{"text": "2:25pm"},
				}},
			}},
		})
	})

	text, clock, err := g.EstimateDuration(context.Background(), geo.Waypoint{Lat: 14.6, Lng: 120.98}, geo.Waypoint{Lat: 14.62, Lng: 121.05}, catalog.ModeJeepney)
	if err != nil {
		t.Fatal(err)
	}
	if text != "35 mins" || clock != "2:25pm" {
		t.Errorf("got %q, %q", text, clock)
	}
	if gotMode != "transit" || gotTransit != "bus" {
		t.Errorf("mode = %q/%q, want transit/bus", gotMode, gotTransit)
	}
}

func TestGoogleErrors(t *testing.T) {
	g := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "OVER_QUERY_LIMIT"})
	})
	_, _, err := g.EstimateDuration(context.Background(), geo.Waypoint{}, geo.Waypoint{Lat: 1}, catalog.ModeTaxi)
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}

	down := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := down.WalkingGeometry(context.Background(), geo.Waypoint{}, geo.Waypoint{Lat: 1}); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}

	if _, err := NewGoogle("").ReverseGeocode(context.Background(), geo.Waypoint{}); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("missing key err = %v", err)
	}
}

func TestGoogleReverseGeocode(t *testing.T) {
	g := newTestGoogle(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("latlng") != "14.6042,120.9822" {
			t.Errorf("latlng = %q", r.URL.Query().Get("latlng"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "OK",
			"results": []any{map[string]any{
				"formatted_address": "Rizal Ave, Santa Cruz, Manila",
				"address_components": []any{
					map[string]any{"long_name": "Doroteo Jose", "types": []string{"transit_station", "establishment"}},
					map[string]any{"long_name": "Manila", "types": []string{"locality"}},
				},
			}},
		})
	})

	name := PlaceName(context.Background(), g, geo.Waypoint{Lat: 14.6042, Lng: 120.9822})
	if name != "Doroteo Jose" {
		t.Errorf("PlaceName = %q", name)
	}
}

type fakeWalker struct {
	points []geo.Waypoint
	err    error
}

func (f fakeWalker) WalkingGeometry(context.Context, geo.Waypoint, geo.Waypoint) ([]geo.Waypoint, error) {
	return f.points, f.err
}

func TestLayerRenderer(t *testing.T) {
	ctx := context.Background()
	r := NewLayerRenderer(fakeWalker{err: errors.New("offline")})

	path := []geo.Waypoint{{Lat: 14.60, Lng: 120.98}, {Lat: 14.61, Lng: 121.00}}
	if err := r.RenderPath(ctx, path, "#e53935"); err != nil {
		t.Fatal(err)
	}
	if err := r.RenderWalkingPath(ctx, geo.Waypoint{Lat: 14.59, Lng: 120.98}, path[0], "#757575"); err != nil {
		t.Fatal(err)
	}
	h, err := r.AddMarker(path[0], "You", true)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateMarker(h, path[1]); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateMarker("nope", path[1]); err == nil {
		t.Error("expected error for unknown marker")
	}

	fc := r.FeatureCollection()
	if len(fc.Features) != 3 {
		t.Fatalf("features = %d, want 3", len(fc.Features))
	}
	if fc.Features[0].Properties["layer"] != LayerTransit || fc.Features[1].Properties["layer"] != LayerWalking {
		t.Errorf("unexpected layer order")
	}
	if pt := fc.Features[2].Geometry.(interface{ Lat() float64 }); pt.Lat() != 14.61 {
		t.Errorf("marker not moved: %v", fc.Features[2].Geometry)
	}

	before := r.Version()
	if err := r.ClearRendered(ctx); err != nil {
		t.Fatal(err)
	}
	if r.Version() <= before {
		t.Error("version did not advance")
	}
	if fc := r.FeatureCollection(); len(fc.Features) != 1 {
		t.Errorf("after clear: %d features, want only the marker", len(fc.Features))
	}

	r.RemoveMarker(h)
	if fc := r.FeatureCollection(); len(fc.Features) != 0 {
		t.Errorf("after remove: %d features", len(fc.Features))
	}
}

func TestLayerRendererStreetGeometry(t *testing.T) {
	street := []geo.Waypoint{{Lat: 14.595, Lng: 120.981}, {Lat: 14.597, Lng: 120.982}}
	r := NewLayerRenderer(fakeWalker{points: street})

	from, to := geo.Waypoint{Lat: 14.59, Lng: 120.98}, geo.Waypoint{Lat: 14.60, Lng: 120.98}
	if err := r.RenderWalkingPath(context.Background(), from, to, "#757575"); err != nil {
		t.Fatal(err)
	}
	data, err := r.FeatureCollection().MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Features []struct {
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if n := len(doc.Features[0].Geometry.Coordinates); n != 4 {
		t.Errorf("walking leg has %d points, want 4", n)
	}
}

func TestPushWatcher(t *testing.T) {
	w := NewPushWatcher()
	var a, b []PositionFix
	ha, _ := w.WatchPosition(func(f PositionFix) { a = append(a, f) })
	var hb WatchHandle
	hb, _ = w.WatchPosition(func(f PositionFix) {
		b = append(b, f)
		// Unsubscribing from inside a callback must not deadlock.
		w.ClearWatch(hb)
	})

	w.Push(PositionFix{Point: geo.Waypoint{Lat: 1}})
	w.Push(PositionFix{Point: geo.Waypoint{Lat: 2}})

	if len(a) != 2 || len(b) != 1 {
		t.Errorf("a got %d, b got %d fixes", len(a), len(b))
	}
	w.ClearWatch(ha)
	if w.Watching() != 0 {
		t.Errorf("Watching = %d", w.Watching())
	}
	if last, ok := w.Last(); !ok || last.Point.Lat != 2 {
		t.Errorf("Last = %v, %v", last, ok)
	}
}
