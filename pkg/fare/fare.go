// Package fare prices candidate paths and estimates their travel time.
package fare

import (
	"math"

	"transit_nav/pkg/catalog"
	"transit_nav/pkg/geo"
)

// Rate is the pricing of one transport mode.
type Rate struct {
	Base   float64 `json:"base" yaml:"base" validate:"gte=0"`
	PerKm  float64 `json:"per_km" yaml:"per_km" validate:"gte=0"`
	FreeKm float64 `json:"free_km" yaml:"free_km" validate:"gte=0"`
}

// Table is the full pricing configuration.
type Table struct {
	Rates map[catalog.Mode]Rate `json:"rates" yaml:"rates" validate:"required,dive"`
	// StudentDiscount is applied to the base and additional fare separately.
	StudentDiscount float64 `json:"student_discount" yaml:"student_discount" validate:"gte=0,lt=1"`
	// RoundStep is the currency step regular fares are rounded to.
	RoundStep float64 `json:"round_step" yaml:"round_step" validate:"gt=0"`
	// StudentRoundStep is the step student fares are rounded to. The default
	// of 0.01 keeps a 13.00 jeepney fare at a 10.40 student fare.
	StudentRoundStep float64 `json:"student_round_step" yaml:"student_round_step" validate:"gt=0"`
}

// DefaultTable returns the published Metro Manila fares.
func DefaultTable() Table {
	return Table{
		Rates: map[catalog.Mode]Rate{
			catalog.ModeJeepney: {Base: 13.00, PerKm: 1.80, FreeKm: 4},
			catalog.ModeBus:     {Base: 15.00, PerKm: 2.65, FreeKm: 5},
			catalog.ModeTaxi:    {Base: 40.00, PerKm: 13.50, FreeKm: 0},
		},
		StudentDiscount:  0.20,
		RoundStep:        0.25,
		StudentRoundStep: 0.01,
	}
}

// RateFor returns the rate of mode. Unknown modes, walking included, are
// priced as bus.
func (t Table) RateFor(mode catalog.Mode) Rate {
	if r, ok := t.Rates[mode]; ok {
		return r
	}
	return t.Rates[catalog.ModeBus]
}

// clone returns a copy that does not share the rates map.
func (t Table) clone() Table {
	out := t
	out.Rates = make(map[catalog.Mode]Rate, len(t.Rates))
	for k, v := range t.Rates {
		out.Rates[k] = v
	}
	return out
}

// Quote is a priced trip.
type Quote struct {
	Mode        catalog.Mode `json:"mode"`
	DistanceKm  float64      `json:"distance_km"`
	Base        float64      `json:"base"`
	Additional  float64      `json:"additional"`
	Fare        float64      `json:"fare"`
	StudentFare float64      `json:"student_fare"`
}

// CalculateFare prices a trip of distanceKm on mode. A negative distanceKm
// means the distance is taken from path.
func CalculateFare(t Table, path []geo.Waypoint, mode catalog.Mode, distanceKm float64) Quote {
	if distanceKm < 0 {
		distanceKm = geo.PathLength(path) / 1000
	}
	r := t.RateFor(mode)

	additional := math.Max(0, distanceKm-r.FreeKm) * r.PerKm
	keep := 1 - t.StudentDiscount

	return Quote{
		Mode:        mode,
		DistanceKm:  distanceKm,
		Base:        r.Base,
		Additional:  additional,
		Fare:        roundTo(r.Base+additional, t.RoundStep),
		StudentFare: roundTo(r.Base*keep+additional*keep, t.StudentRoundStep),
	}
}

func roundTo(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	inv := 1 / step
	return math.Round(x*inv) / inv
}
