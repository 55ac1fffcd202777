package navigation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"transit_nav/pkg/fare"
	"transit_nav/pkg/geo"
	"transit_nav/pkg/provider"
)

// radiusSlack absorbs floating point error at the radius boundaries.
const radiusSlack = 1e-6

// trackLocked opens the position stream and enters tracking.
func (s *Session) trackLocked() error {
	gen := s.gen
	h, err := s.deps.Watcher.WatchPosition(func(fix provider.PositionFix) {
		s.handleFix(gen, fix)
	})
	if err != nil {
		if errors.Is(err, ErrGeolocationUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrGeolocationUnavailable, err)
	}
	s.watch = h
	s.tracking = true
	s.acquireDisplayLocked()

	stop := make(chan struct{})
	s.stopTicker = stop
	go s.refreshLoop(gen, stop)

	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionStarted(s.path.Kind)
	}
	s.setStateLocked(StateTracking)
	s.requestETALocked()
	return nil
}

// handleFix processes one position update of trip gen.
func (s *Session) handleFix(gen uint64, fix provider.PositionFix) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := gen != s.gen || !s.tracking
	if s.deps.Metrics != nil {
		s.deps.Metrics.PositionProcessed(stale)
	}
	if stale {
		return
	}
	if fix.Err != nil {
		log.Printf("navigation %s: position fix failed, still tracking: %v", s.surface, fix.Err)
		return
	}

	p := fix.Point
	s.current = &p
	s.updated = s.now()
	s.queue.moveSelf(p)
	s.emitLocked(Event{Type: EventPosition, Position: &p})
	s.advanceLocked(p)

	d := geo.Distance(p, *s.destination)
	if d <= s.cfg.ArrivedRadiusMeters+radiusSlack {
		s.arriveLocked()
		return
	}
	if d <= s.cfg.NearingRadiusMeters+radiusSlack && !s.nearing {
		s.nearing = true
		if s.deps.Alerter != nil {
			s.deps.Alerter.Nearing()
		}
		s.noticeLocked(Notice{
			Kind:    NoticeNearing,
			Message: fmt.Sprintf("You are %.0f m from your destination.", d),
		})
	}
}

// advanceLocked drops the part of the remaining path the traveller has
// passed and re-renders what is left. Near either end of the path nothing
// is dropped, so GPS jitter at a stop does not make the path flicker.
func (s *Session) advanceLocked(p geo.Waypoint) {
	rem := s.remaining
	if len(rem) < 3 {
		return
	}
	if geo.IsNearby(p, rem[0], s.cfg.EdgeGuardKm) || geo.IsNearby(p, rem[len(rem)-1], s.cfg.EdgeGuardKm) {
		return
	}

	best, bestDist := 0, math.Inf(1)
	for i := 0; i+1 < len(rem); i++ {
		if d, _ := geo.PointToSegmentDist(p, rem[i], rem[i+1]); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best == 0 {
		return
	}

	s.remaining = append([]geo.Waypoint(nil), rem[best:]...)
	s.queue.clear()
	s.renderRemainingLocked()
}

// arriveLocked ends the trip at the destination.
func (s *Session) arriveLocked() {
	s.reached = true
	if s.deps.Alerter != nil {
		s.deps.Alerter.Arrived()
	}
	s.teardownLocked()
	s.setStateLocked(StateArrived)
	s.noticeLocked(Notice{Kind: NoticeArrived, Message: "You have arrived at your destination."})
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionEnded(StateArrived)
	}
}

func (s *Session) refreshLoop(gen uint64, stop <-chan struct{}) {
	if s.cfg.RefreshInterval <= 0 {
		return
	}
	t := time.NewTicker(s.cfg.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.refresh(gen)
		}
	}
}

// refresh redraws the live marker and renews the ETA, whether or not the
// position changed.
func (s *Session) refresh(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.tracking {
		return
	}
	if s.current != nil {
		s.queue.moveSelf(*s.current)
	}
	s.requestETALocked()
}

// requestETALocked asks for the remaining travel time unless a request is
// already in flight. The answer is dropped if the trip has changed.
func (s *Session) requestETALocked() {
	if s.deps.Estimator == nil || s.current == nil || s.destination == nil || s.path == nil {
		return
	}
	if s.etaPending != nil {
		select {
		case <-s.etaPending.Done():
		default:
			return
		}
	}

	gen := s.gen
	s.etaPending = s.deps.Estimator.CalculateRemainingDuration(context.Background(), *s.current, *s.destination, s.path.Kind,
		func(est fare.Estimate) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if gen != s.gen {
				return
			}
			s.eta = &est
		})
}
