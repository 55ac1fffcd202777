// Package config loads process settings from the environment (and .env)
// and tunables from an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"transit_nav/pkg/fare"
	"transit_nav/pkg/geo"
	"transit_nav/pkg/navigation"
	"transit_nav/pkg/routing"
)

type Config struct {
	HTTPAddr        string
	CatalogURL      string
	DatabaseURL     string
	NATSURL         string
	LogNATSSubjects bool
	MetricsAddr     string
	GoogleAPIKey    string
	CacheSize       int
	Location        *time.Location
	App             AppConfig
}

// Load reads the environment. CONFIG_FILE, when set, must name a readable
// YAML file; otherwise the built-in defaults are used.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:     getenvDefault("HTTP_ADDR", ":8080"),
		CatalogURL:   os.Getenv("CATALOG_URL"),
		DatabaseURL:  firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")),
		NATSURL:      os.Getenv("NATS_URL"),
		MetricsAddr:  os.Getenv("METRICS_ADDR"),
		GoogleAPIKey: os.Getenv("GOOGLE_API_KEY"),
	}
	if cfg.CatalogURL == "" {
		return nil, errors.New("CATALOG_URL must be set")
	}

	if v := os.Getenv("CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid CACHE_SIZE: %q", v)
		}
		cfg.CacheSize = n
	} else {
		cfg.CacheSize = 4096
	}

	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			cfg.LogNATSSubjects = true
		}
	}

	// Time zone for arrival clocks
	tzName := getenvDefault("TZ", "Asia/Manila")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid TZ: %v", err)
	}
	cfg.Location = loc

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		app, err := LoadApp(path)
		if err != nil {
			return nil, err
		}
		cfg.App = app
	} else {
		cfg.App = DefaultApp()
	}
	return cfg, nil
}

// AppConfig holds the tunables of the navigation engine.
type AppConfig struct {
	Bounds     BoundsConfig     `yaml:"bounds"`
	Matching   MatchingConfig   `yaml:"matching"`
	Navigation NavigationConfig `yaml:"navigation"`
	Pricing    *fare.Table      `yaml:"pricing"`
}

// BoundsConfig is the operating area. All zero disables the geofence.
type BoundsConfig struct {
	MinLat float64 `yaml:"min_lat" validate:"gte=-90,lte=90"`
	MinLng float64 `yaml:"min_lng" validate:"gte=-180,lte=180"`
	MaxLat float64 `yaml:"max_lat" validate:"gte=-90,lte=90,gtefield=MinLat"`
	MaxLng float64 `yaml:"max_lng" validate:"gte=-180,lte=180,gtefield=MinLng"`
}

type MatchingConfig struct {
	ExtensionSelectKm float64 `yaml:"extension_select_km" validate:"gt=0"`
	SpliceAnchorKm    float64 `yaml:"splice_anchor_km" validate:"gt=0"`
	EndpointKm        float64 `yaml:"endpoint_km" validate:"gt=0"`
	SortExtensions    bool    `yaml:"sort_extensions"`
}

type NavigationConfig struct {
	NearingRadiusMeters float64       `yaml:"nearing_radius_m" validate:"gt=0"`
	ArrivedRadiusMeters float64       `yaml:"arrived_radius_m" validate:"gt=0,ltefield=NearingRadiusMeters"`
	RefreshInterval     time.Duration `yaml:"refresh_interval" validate:"gte=0"`
	EdgeGuardKm         float64       `yaml:"edge_guard_km" validate:"gte=0"`
	DestinationSnapKm   float64       `yaml:"destination_snap_km" validate:"gte=0"`
	WalkingColor        string        `yaml:"walking_color" validate:"omitempty,hexcolor"`
	TaxiColor           string        `yaml:"taxi_color" validate:"omitempty,hexcolor"`
	RenderQueueSize     int           `yaml:"render_queue_size" validate:"gte=0"`
}

// DefaultApp covers Metro Manila with the production thresholds.
func DefaultApp() AppConfig {
	nav := navigation.DefaultConfig()
	opts := routing.DefaultOptions()
	return AppConfig{
		Bounds: BoundsConfig{MinLat: 14.35, MinLng: 120.90, MaxLat: 14.80, MaxLng: 121.15},
		Matching: MatchingConfig{
			ExtensionSelectKm: opts.ExtensionSelectKm,
			SpliceAnchorKm:    opts.SpliceAnchorKm,
			EndpointKm:        opts.EndpointKm,
			SortExtensions:    opts.SortExtensions,
		},
		Navigation: NavigationConfig{
			NearingRadiusMeters: nav.NearingRadiusMeters,
			ArrivedRadiusMeters: nav.ArrivedRadiusMeters,
			RefreshInterval:     nav.RefreshInterval,
			EdgeGuardKm:         nav.EdgeGuardKm,
			DestinationSnapKm:   nav.DestinationSnapKm,
			WalkingColor:        nav.WalkingColor,
			TaxiColor:           nav.TaxiColor,
			RenderQueueSize:     nav.RenderQueueSize,
		},
	}
}

// LoadApp reads a YAML file over the defaults and validates the result.
// Keys missing from the file keep their default value.
func LoadApp(path string) (AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, err
	}
	return ParseApp(data)
}

// ParseApp is LoadApp on an in-memory document.
func ParseApp(data []byte) (AppConfig, error) {
	cfg := DefaultApp()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("parse config: %w", err)
	}
	v := validator.New()
	if err := v.Struct(cfg.Bounds); err != nil {
		return AppConfig{}, fmt.Errorf("bounds: %w", err)
	}
	if err := v.Struct(cfg.Matching); err != nil {
		return AppConfig{}, fmt.Errorf("matching: %w", err)
	}
	if err := v.Struct(cfg.Navigation); err != nil {
		return AppConfig{}, fmt.Errorf("navigation: %w", err)
	}
	// pricing is optional; if present validate it
	if cfg.Pricing != nil {
		if err := v.Struct(cfg.Pricing); err != nil {
			return AppConfig{}, fmt.Errorf("pricing: %w", err)
		}
	}
	return cfg, nil
}

// GeoBounds returns the geofence, zero when disabled.
func (a AppConfig) GeoBounds() geo.Bounds {
	b := a.Bounds
	if b == (BoundsConfig{}) {
		return geo.Bounds{}
	}
	return geo.NewBounds(b.MinLat, b.MinLng, b.MaxLat, b.MaxLng)
}

// MatchOptions returns the matcher thresholds.
func (a AppConfig) MatchOptions() routing.Options {
	return routing.Options{
		ExtensionSelectKm: a.Matching.ExtensionSelectKm,
		SpliceAnchorKm:    a.Matching.SpliceAnchorKm,
		EndpointKm:        a.Matching.EndpointKm,
		SortExtensions:    a.Matching.SortExtensions,
	}
}

// SessionConfig returns the navigation session settings.
func (a AppConfig) SessionConfig() navigation.Config {
	n := a.Navigation
	cfg := navigation.DefaultConfig()
	cfg.Bounds = a.GeoBounds()
	cfg.NearingRadiusMeters = n.NearingRadiusMeters
	cfg.ArrivedRadiusMeters = n.ArrivedRadiusMeters
	cfg.RefreshInterval = n.RefreshInterval
	cfg.EdgeGuardKm = n.EdgeGuardKm
	cfg.DestinationSnapKm = n.DestinationSnapKm
	cfg.RenderQueueSize = n.RenderQueueSize
	if n.WalkingColor != "" {
		cfg.WalkingColor = n.WalkingColor
	}
	if n.TaxiColor != "" {
		cfg.TaxiColor = n.TaxiColor
	}
	return cfg
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
