package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"transit_nav/pkg/cache"
)

// ErrCatalogLoad wraps every network, parse or cache failure during Load.
var ErrCatalogLoad = errors.New("catalog load failed")

const (
	cacheKeyVersion = "catalog:version"
	cacheKeyBody    = "catalog:body"
)

// LoaderMetrics receives load outcomes. Implementations must be safe for
// concurrent use.
type LoaderMetrics interface {
	CatalogLoaded(source string, d time.Duration)
	CatalogLoadFailed()
}

// Loader fetches the catalog once and publishes it to every waiter.
type Loader struct {
	fetcher Fetcher
	store   cache.Store
	metrics LoaderMetrics

	group     singleflight.Group
	current   atomic.Pointer[Catalog]
	ready     chan struct{}
	readyOnce sync.Once
}

// NewLoader creates a loader. store may be nil to disable caching; metrics may be nil.
func NewLoader(f Fetcher, store cache.Store, m LoaderMetrics) *Loader {
	return &Loader{
		fetcher: f,
		store:   store,
		metrics: m,
		ready:   make(chan struct{}),
	}
}

// Load fetches, parses and publishes the catalog. The first successful call
// wins; later calls return the published catalog without fetching. Concurrent
// calls made before the first success share a single fetch.
func (l *Loader) Load(ctx context.Context, url string) (*Catalog, error) {
	if c := l.current.Load(); c != nil {
		return c, nil
	}

	v, err, _ := l.group.Do("catalog", func() (any, error) {
		if c := l.current.Load(); c != nil {
			return c, nil
		}
		c, err := l.load(ctx, url)
		if err != nil {
			if l.metrics != nil {
				l.metrics.CatalogLoadFailed()
			}
			return nil, err
		}
		l.current.Store(c)
		l.readyOnce.Do(func() { close(l.ready) })
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatalogLoad, err)
	}
	return v.(*Catalog), nil
}

// Ready is closed once a catalog has been published.
func (l *Loader) Ready() <-chan struct{} {
	return l.ready
}

// Current returns the published catalog, if any.
func (l *Loader) Current() (*Catalog, bool) {
	c := l.current.Load()
	return c, c != nil
}

// Wait blocks until the catalog is published or ctx is done.
func (l *Loader) Wait(ctx context.Context) (*Catalog, error) {
	select {
	case <-l.ready:
		return l.current.Load(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loader) load(ctx context.Context, url string) (*Catalog, error) {
	start := time.Now()

	body, err := l.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	version, err := PeekVersion(body)
	if err != nil {
		return nil, err
	}

	if c, ok := l.fromCache(ctx, version); ok {
		log.Printf("catalog %s loaded from cache (%d jeepney, %d bus routes)", c.Version, len(c.jeepney), len(c.bus))
		if l.metrics != nil {
			l.metrics.CatalogLoaded("cache", time.Since(start))
		}
		return c, nil
	}

	c, err := Parse(body)
	if err != nil {
		return nil, err
	}
	l.saveCache(ctx, version, body)

	log.Printf("catalog %s loaded from %s (%d jeepney, %d bus routes)", c.Version, url, len(c.jeepney), len(c.bus))
	if l.metrics != nil {
		l.metrics.CatalogLoaded("fetch", time.Since(start))
	}
	return c, nil
}

// fromCache returns the cached catalog when its version matches.
func (l *Loader) fromCache(ctx context.Context, version string) (*Catalog, bool) {
	if l.store == nil {
		return nil, false
	}
	cached, ok, err := l.store.Get(ctx, cacheKeyVersion)
	if err != nil {
		log.Printf("catalog cache read failed: %v", err)
		return nil, false
	}
	if !ok || string(cached) != version {
		return nil, false
	}
	body, ok, err := l.store.Get(ctx, cacheKeyBody)
	if err != nil || !ok {
		return nil, false
	}
	c, err := Parse(body)
	if err != nil {
		log.Printf("cached catalog %s unreadable, using fetched copy: %v", version, err)
		return nil, false
	}
	return c, true
}

func (l *Loader) saveCache(ctx context.Context, version string, body []byte) {
	if l.store == nil {
		return
	}
	// Body first: a failed version write leaves a mismatch, which only
	// costs a re-parse next time.
	if err := l.store.Put(ctx, cacheKeyBody, body); err != nil {
		log.Printf("catalog cache write failed: %v", err)
		return
	}
	if err := l.store.Put(ctx, cacheKeyVersion, []byte(version)); err != nil {
		log.Printf("catalog cache write failed: %v", err)
	}
}
