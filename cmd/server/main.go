package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"transit_nav/pkg/api"
	"transit_nav/pkg/cache"
	"transit_nav/pkg/catalog"
	"transit_nav/pkg/config"
	"transit_nav/pkg/fare"
	"transit_nav/pkg/metrics"
	"transit_nav/pkg/navigation"
	"transit_nav/pkg/provider"
	"transit_nav/pkg/publisher"
	"transit_nav/pkg/routing"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	corsOrigin := flag.String("cors-origin", "", "CORS allowed origin (empty = same-origin)")
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	start := time.Now()
	ctx := context.Background()

	nav := cfg.App.Navigation
	collector := metrics.NewCollector(nav.NearingRadiusMeters, nav.ArrivedRadiusMeters)

	// Cache: Postgres when configured, in-memory otherwise.
	var store cache.Store = cache.NewMemoryStore(cfg.CacheSize, 24*time.Hour)
	if cfg.DatabaseURL != "" {
		db, err := cache.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres open: %v", err)
		}
		defer db.Close()
		pg, err := cache.NewPostgresStore(ctx, db)
		if err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		store = pg
		log.Println("Using Postgres cache")
	}

	// Load the route catalog.
	log.Printf("Loading catalog from %s...", cfg.CatalogURL)
	loader := catalog.NewLoader(catalog.NewHTTPFetcher(), store, collector)
	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	cat, err := loader.Load(loadCtx, cfg.CatalogURL)
	cancel()
	if err != nil {
		log.Fatalf("Failed to load catalog: %v", err)
	}
	stats := cat.Stats()
	log.Printf("Loaded catalog %s: %d jeepneys, %d buses, %d extensions",
		stats.Version, stats.Jeepneys, stats.Buses, stats.Extensions)

	log.Println("Building stop index...")
	index := routing.NewIndex(cat, cfg.App.MatchOptions(), collector)

	// NATS is optional: events, pricing fan-out and position feeds.
	var pub *publisher.Publisher
	if cfg.NATSURL != "" {
		pub, err = publisher.Connect(cfg.NATSURL, cfg.LogNATSSubjects, collector)
		if err != nil {
			log.Fatalf("nats connect: %v", err)
		}
		defer pub.Close()
		log.Printf("Connected to NATS at %s", cfg.NATSURL)
	}

	var broadcaster fare.Broadcaster
	if pub != nil {
		broadcaster = pub
	}
	pricing := fare.NewPricingService(store, broadcaster)
	if cfg.App.Pricing != nil {
		if err := pricing.SetDefault(*cfg.App.Pricing); err != nil {
			log.Fatalf("pricing config: %v", err)
		}
	}
	// A table persisted through PUT /api/v1/pricing overrides the config file.
	if err := pricing.Load(ctx); err != nil {
		log.Printf("pricing load: %v (using defaults)", err)
	}
	if pub != nil {
		unsubscribe, err := pub.SubscribePricing(pricing)
		if err != nil {
			log.Fatalf("pricing subscribe: %v", err)
		}
		defer unsubscribe()
	}

	// Map provider.
	var (
		walker   provider.WalkingRouter
		geocoder provider.Geocoder
		eta      *fare.Estimator
	)
	if cfg.GoogleAPIKey != "" {
		g := provider.NewGoogle(cfg.GoogleAPIKey)
		walker, geocoder = g, g
		eta = fare.NewEstimator(g, store, cfg.Location)
	} else {
		log.Println("GOOGLE_API_KEY not set; ETA, geocoding and walking geometry disabled")
	}

	// Navigation sessions.
	base := navigation.Deps{
		Network:   index,
		Estimator: eta,
		Metrics:   collector,
	}
	var watcher func(surface string) provider.PositionWatcher
	if pub != nil {
		base.Sink = pub
		watcher = func(surface string) provider.PositionWatcher {
			return publisher.NewPositionWatcher(pub.Conn(), surface)
		}
	}
	surfaces := api.NewSurfaces(base, walker, watcher)
	sessions := navigation.NewManager(cfg.App.SessionConfig(), surfaces.Deps, collector)
	sessions.OnRelease(surfaces.Forget)
	defer sessions.Shutdown()

	log.Printf("Ready in %s", time.Since(start).Round(time.Millisecond))

	// Setup HTTP server.
	srvCfg := api.DefaultConfig(cfg.HTTPAddr)
	srvCfg.CORSOrigin = *corsOrigin
	if cfg.MetricsAddr != "" {
		msrv := collector.Serve(cfg.MetricsAddr)
		defer msrv.Close()
	} else {
		srvCfg.Metrics = collector.Handler()
	}

	handlers := api.NewHandlers(api.HandlerDeps{
		Network:  index,
		Catalog:  cat,
		Stops:    index.Len(),
		Pricing:  pricing,
		ETA:      eta,
		Geocoder: geocoder,
		Sessions: sessions,
		Surfaces: surfaces,
	})
	srv := api.NewServer(srvCfg, handlers)

	if err := api.ListenAndServe(srv); err != nil {
		log.Printf("Server stopped: %v", err)
		sessions.Shutdown()
		os.Exit(1)
	}
}
