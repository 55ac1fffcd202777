package fare

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"sync"
	"time"

	"transit_nav/pkg/cache"
	"transit_nav/pkg/catalog"
	"transit_nav/pkg/geo"
	"transit_nav/pkg/provider"
)

// ErrProviderUnavailable is returned when the travel time lookup fails.
var ErrProviderUnavailable = provider.ErrProviderUnavailable

// DurationProvider looks up the travel time between two points. text is a
// human readable duration such as "1 hour 12 mins".
type DurationProvider interface {
	EstimateDuration(ctx context.Context, from, to geo.Waypoint, mode catalog.Mode) (text, arrivalClock string, err error)
}

// Estimate is a normalised travel time.
type Estimate struct {
	Mode         catalog.Mode `json:"mode"`
	Text         string       `json:"text"`
	Minutes      int          `json:"minutes"`
	Arrival      time.Time    `json:"arrival"`
	ArrivalClock string       `json:"arrival_clock"`
}

// Estimator wraps a DurationProvider with caching and normalisation.
type Estimator struct {
	provider DurationProvider
	store    cache.Store
	now      func() time.Time
	loc      *time.Location
}

// NewEstimator creates an estimator. store may be nil; loc defaults to local time.
func NewEstimator(p DurationProvider, store cache.Store, loc *time.Location) *Estimator {
	if loc == nil {
		loc = time.Local
	}
	return &Estimator{provider: p, store: store, now: time.Now, loc: loc}
}

type durationRequest struct {
	From geo.Waypoint `json:"from"`
	To   geo.Waypoint `json:"to"`
	Mode catalog.Mode `json:"mode"`
}

// Estimate looks up the travel time from -> to and computes the arrival
// time from now. Only the provider's duration text is cached; the arrival
// is always recomputed.
func (e *Estimator) Estimate(ctx context.Context, from, to geo.Waypoint, mode catalog.Mode) (Estimate, error) {
	key, err := cache.KeyOf("eta", durationRequest{From: from, To: to, Mode: mode})
	if err != nil {
		return Estimate{}, err
	}

	text, hit := e.cached(ctx, key)
	if !hit {
		text, _, err = e.provider.EstimateDuration(ctx, from, to, mode)
		if err != nil {
			if errors.Is(err, ErrProviderUnavailable) {
				return Estimate{}, err
			}
			return Estimate{}, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
		}
		if e.store != nil {
			if err := e.store.Put(ctx, key, []byte(text)); err != nil {
				log.Printf("eta cache write failed: %v", err)
			}
		}
	}

	minutes, err := ParseMinutes(text)
	if err != nil {
		return Estimate{}, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	arrival := e.now().In(e.loc).Add(time.Duration(minutes) * time.Minute)
	return Estimate{
		Mode:         mode,
		Text:         text,
		Minutes:      minutes,
		Arrival:      arrival,
		ArrivalClock: arrival.Format("3:04 PM"),
	}, nil
}

func (e *Estimator) cached(ctx context.Context, key string) (string, bool) {
	if e.store == nil {
		return "", false
	}
	b, ok, err := e.store.Get(ctx, key)
	if err != nil {
		log.Printf("eta cache read failed: %v", err)
		return "", false
	}
	return string(b), ok
}

// CalculateDuration estimates a trip in the background and calls cb with
// the result. cb is not called if the lookup fails or the request is
// cancelled first.
func (e *Estimator) CalculateDuration(ctx context.Context, from, to geo.Waypoint, mode catalog.Mode, cb func(Estimate)) *Pending {
	return e.start(ctx, "duration", from, to, mode, cb)
}

// CalculateRemainingDuration is CalculateDuration from a live position.
func (e *Estimator) CalculateRemainingDuration(ctx context.Context, current, dest geo.Waypoint, mode catalog.Mode, cb func(Estimate)) *Pending {
	return e.start(ctx, "remaining duration", current, dest, mode, cb)
}

func (e *Estimator) start(parent context.Context, what string, from, to geo.Waypoint, mode catalog.Mode, cb func(Estimate)) *Pending {
	ctx, cancel := context.WithCancel(parent)
	p := &Pending{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)
		defer cancel()

		est, err := e.Estimate(ctx, from, to, mode)
		p.mu.Lock()
		p.est, p.err = est, err
		p.mu.Unlock()

		if err != nil {
			if ctx.Err() == nil {
				log.Printf("%s lookup failed (%s): %v", what, mode, err)
			}
			return
		}
		if ctx.Err() != nil || cb == nil {
			return
		}
		cb(est)
	}()
	return p
}

// Pending is an in-flight estimate.
type Pending struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	est Estimate
	err error
}

// Cancel abandons the request. A callback that has not started yet will
// not run. Safe to call more than once.
func (p *Pending) Cancel() {
	p.cancel()
}

// Done is closed when the request has finished or was cancelled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result waits for the request and returns its outcome.
func (p *Pending) Result(ctx context.Context) (Estimate, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return Estimate{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.est, p.err
}

var durationPart = regexp.MustCompile(`(\d+)\s*(days?|hours?|hrs?|h|mins?|minutes?|m)\b`)

// ParseMinutes normalises a duration text such as "1 day 2 hours",
// "1 hour 5 mins" or "12 mins" to whole minutes.
func ParseMinutes(text string) (int, error) {
	matches := durationPart.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("unrecognised duration %q", text)
	}
	total := 0
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("unrecognised duration %q", text)
		}
		switch m[2][0] {
		case 'd':
			total += n * 24 * 60
		case 'h':
			total += n * 60
		default:
			total += n
		}
	}
	return total, nil
}
