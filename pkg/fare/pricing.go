package fare

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"

	"transit_nav/pkg/cache"
	"transit_nav/pkg/catalog"
	"transit_nav/pkg/geo"
)

// ErrInvalidPricing is returned when a pricing table fails validation.
var ErrInvalidPricing = errors.New("invalid pricing")

const pricingKey = "fare:pricing"

// Broadcaster announces a new pricing table to other processes.
type Broadcaster interface {
	BroadcastPricing(ctx context.Context, t Table) error
}

// PricingService owns the active pricing table. Reads are lock-free; updates
// are validated, persisted, then announced to local subscribers and the
// broadcaster.
type PricingService struct {
	store       cache.Store
	broadcaster Broadcaster
	validate    *validator.Validate

	current atomic.Pointer[Table]

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Table)
}

// NewPricingService starts with DefaultTable. store and b may be nil.
func NewPricingService(store cache.Store, b Broadcaster) *PricingService {
	s := &PricingService{
		store:       store,
		broadcaster: b,
		validate:    validator.New(),
		subs:        make(map[int]func(Table)),
	}
	t := DefaultTable()
	s.current.Store(&t)
	return s
}

// SetDefault replaces the starting table, e.g. with one from the config
// file. Call it before Load so a persisted table still wins. Subscribers are
// not notified.
func (s *PricingService) SetDefault(t Table) error {
	if err := s.check(t); err != nil {
		return err
	}
	t = t.clone()
	s.current.Store(&t)
	return nil
}

// Load restores the persisted table, if any.
func (s *PricingService) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	var t Table
	ok, err := cache.GetJSON(ctx, s.store, pricingKey, &t)
	if err != nil {
		return fmt.Errorf("load pricing: %w", err)
	}
	if !ok {
		return nil
	}
	if err := s.check(t); err != nil {
		log.Printf("persisted pricing ignored: %v", err)
		return nil
	}
	s.current.Store(&t)
	log.Printf("pricing restored (%d modes)", len(t.Rates))
	return nil
}

// Table returns a copy of the active table.
func (s *PricingService) Table() Table {
	return s.current.Load().clone()
}

// Quote prices a trip with the active table.
func (s *PricingService) Quote(path []geo.Waypoint, mode catalog.Mode, distanceKm float64) Quote {
	return CalculateFare(*s.current.Load(), path, mode, distanceKm)
}

// Update validates, persists and activates t, then notifies subscribers and
// the broadcaster. A broadcast failure is logged; the update still stands.
func (s *PricingService) Update(ctx context.Context, t Table) error {
	if err := s.check(t); err != nil {
		return err
	}
	t = t.clone()
	if s.store != nil {
		if err := cache.PutJSON(ctx, s.store, pricingKey, t); err != nil {
			return fmt.Errorf("persist pricing: %w", err)
		}
	}
	s.activate(t)

	if s.broadcaster != nil {
		if err := s.broadcaster.BroadcastPricing(ctx, t); err != nil {
			log.Printf("pricing broadcast failed: %v", err)
		}
	}
	return nil
}

// Apply activates a table received from another process. It is neither
// persisted nor re-broadcast.
func (s *PricingService) Apply(t Table) error {
	if err := s.check(t); err != nil {
		return err
	}
	s.activate(t.clone())
	return nil
}

// Subscribe registers fn to receive every new table. The returned func
// removes the subscription.
func (s *PricingService) Subscribe(fn func(Table)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *PricingService) activate(t Table) {
	s.current.Store(&t)

	s.mu.Lock()
	fns := make([]func(Table), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(t.clone())
	}
}

func (s *PricingService) check(t Table) error {
	if err := s.validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPricing, err)
	}
	if _, ok := t.Rates[catalog.ModeBus]; !ok {
		return fmt.Errorf("%w: bus rate is required as the fallback", ErrInvalidPricing)
	}
	for mode := range t.Rates {
		if !mode.Valid() || mode == catalog.ModeWalking {
			return fmt.Errorf("%w: no fare for mode %q", ErrInvalidPricing, mode)
		}
	}
	return nil
}
