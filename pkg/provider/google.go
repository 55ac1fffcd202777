package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/geo"
)

const googleBaseURL = "https://maps.googleapis.com/maps/api"

// Google talks to the Google Maps Directions and Geocoding APIs.
type Google struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewGoogle creates a client. An empty key makes every call fail with
// ErrProviderUnavailable.
func NewGoogle(apiKey string) *Google {
	return &Google{
		apiKey:  apiKey,
		baseURL: googleBaseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type directionsResponse struct {
	Status string `json:"status"`
	Routes []struct {
		Legs []struct {
			Distance struct {
				Value float64 `json:"value"`
			} `json:"distance"`
			Duration struct {
				Text string `json:"text"`
			} `json:"duration"`
			ArrivalTime struct {
				Text string `json:"text"`
			} `json:"arrival_time"`
			Steps []struct {
				Polyline struct {
					Points string `json:"points"`
				} `json:"polyline"`
			} `json:"steps"`
		} `json:"legs"`
	} `json:"routes"`
}

type geocodeResponse struct {
	Status  string `json:"status"`
	Results []struct {
		FormattedAddress  string   `json:"formatted_address"`
		Types             []string `json:"types"`
		AddressComponents []struct {
			LongName string   `json:"long_name"`
			Types    []string `json:"types"`
		} `json:"address_components"`
	} `json:"results"`
}

// EstimateDuration returns Google's duration text for the first leg. The
// arrival clock is only filled for transit queries.
func (g *Google) EstimateDuration(ctx context.Context, from, to geo.Waypoint, mode catalog.Mode) (string, string, error) {
	resp, err := g.directions(ctx, from, to, mode)
	if err != nil {
		return "", "", err
	}
	leg := resp.Routes[0].Legs[0]
	return leg.Duration.Text, leg.ArrivalTime.Text, nil
}

// WalkingGeometry returns the street path of a walking leg.
func (g *Google) WalkingGeometry(ctx context.Context, from, to geo.Waypoint) ([]geo.Waypoint, error) {
	resp, err := g.directions(ctx, from, to, catalog.ModeWalking)
	if err != nil {
		return nil, err
	}
	var points []geo.Waypoint
	for _, step := range resp.Routes[0].Legs[0].Steps {
		points = append(points, decodePolyline(step.Polyline.Points)...)
	}
	return points, nil
}

// ReverseGeocode returns the most specific named place at p.
func (g *Google) ReverseGeocode(ctx context.Context, p geo.Waypoint) (Place, error) {
	q := url.Values{}
	q.Set("latlng", p.String())

	var resp geocodeResponse
	if err := g.get(ctx, "/geocode/json", q, &resp); err != nil {
		return Place{}, err
	}
	if resp.Status == "ZERO_RESULTS" || len(resp.Results) == 0 {
		return Place{}, nil
	}
	if resp.Status != "OK" {
		return Place{}, fmt.Errorf("%w: geocode: %s", ErrProviderUnavailable, resp.Status)
	}

	first := resp.Results[0]
	place := Place{FormattedAddress: first.FormattedAddress}
	for _, c := range first.AddressComponents {
		if hasAny(c.Types, "point_of_interest", "establishment", "premise", "transit_station") {
			place.Name = c.LongName
			break
		}
	}
	return place, nil
}

func (g *Google) directions(ctx context.Context, from, to geo.Waypoint, mode catalog.Mode) (*directionsResponse, error) {
	q := url.Values{}
	q.Set("origin", from.String())
	q.Set("destination", to.String())
	switch mode {
	case catalog.ModeWalking:
		q.Set("mode", "walking")
	case catalog.ModeJeepney, catalog.ModeBus:
		q.Set("mode", "transit")
		q.Set("transit_mode", "bus")
	default:
		q.Set("mode", "driving")
	}

	var resp directionsResponse
	if err := g.get(ctx, "/directions/json", q, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "OK" {
		return nil, fmt.Errorf("%w: directions: %s", ErrProviderUnavailable, resp.Status)
	}
	if len(resp.Routes) == 0 || len(resp.Routes[0].Legs) == 0 {
		return nil, fmt.Errorf("%w: directions: no route", ErrProviderUnavailable)
	}
	return &resp, nil
}

func (g *Google) get(ctx context.Context, path string, q url.Values, out any) error {
	if g.apiKey == "" {
		return fmt.Errorf("%w: GOOGLE_API_KEY not configured", ErrProviderUnavailable)
	}
	q.Set("key", g.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read failed: %v", ErrProviderUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode failed: %v", ErrProviderUnavailable, err)
	}
	return nil
}

func hasAny(types []string, want ...string) bool {
	for _, t := range types {
		for _, w := range want {
			if t == w {
				return true
			}
		}
	}
	return false
}

// decodePolyline decodes a Google encoded polyline string.
func decodePolyline(encoded string) []geo.Waypoint {
	var points []geo.Waypoint
	lat, lng := 0, 0
	i := 0
	next := func() (int, bool) {
		shift, result := uint(0), 0
		for {
			if i >= len(encoded) {
				return 0, false
			}
			b := int(encoded[i]) - 63
			i++
			result |= (b & 0x1f) << shift
			shift += 5
			if b < 0x20 {
				break
			}
		}
		if result&1 != 0 {
			return ^(result >> 1), true
		}
		return result >> 1, true
	}
	for i < len(encoded) {
		dlat, ok := next()
		if !ok {
			break
		}
		dlng, ok := next()
		if !ok {
			break
		}
		lat += dlat
		lng += dlng
		points = append(points, geo.Waypoint{Lat: float64(lat) / 1e5, Lng: float64(lng) / 1e5})
	}
	return points
}
