// Package config handles configuration loading for the landplot server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Grid       GridConfig       `yaml:"grid"`
	Projection ProjectionConfig `yaml:"projection"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Map        MapConfig        `yaml:"map"`
	Cache      CacheConfig      `yaml:"cache"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// GridConfig contains hex grid settings.
type GridConfig struct {
	Resolution  int    `yaml:"resolution" json:"resolution"`
	Containment string `yaml:"containment" json:"containment"`
	// MaxCells caps the estimated cell count of one covering; 0 disables.
	MaxCells int `yaml:"max_cells" json:"max_cells"`
}

// ProjectionConfig contains viewport projection constants.
type ProjectionConfig struct {
	WidthPadding  float64 `yaml:"width_padding"`
	HeightPadding float64 `yaml:"height_padding"`
	Altitude      float64 `yaml:"altitude"`
}

// SchedulerConfig contains recompute throttling settings.
type SchedulerConfig struct {
	WindowMS       int     `yaml:"window_ms"`
	MinZoom        float64 `yaml:"min_zoom"`
	OverlayMinZoom float64 `yaml:"overlay_min_zoom"`
}

// Window returns the throttle window as a duration.
func (s SchedulerConfig) Window() time.Duration {
	return time.Duration(s.WindowMS) * time.Millisecond
}

// ViewportDefaults is the initial camera of a new session.
type ViewportDefaults struct {
	Longitude float64 `yaml:"longitude" json:"longitude"`
	Latitude  float64 `yaml:"latitude" json:"latitude"`
	Zoom      float64 `yaml:"zoom" json:"zoom"`
	Bearing   float64 `yaml:"bearing" json:"bearing"`
	Pitch     float64 `yaml:"pitch" json:"pitch"`
	Width     float64 `yaml:"width" json:"width"`
	Height    float64 `yaml:"height" json:"height"`
}

// MapConfig contains client map settings.
type MapConfig struct {
	Defaults   ViewportDefaults `yaml:"defaults"`
	MinZoom    float64          `yaml:"min_zoom"`
	MaxZoom    float64          `yaml:"max_zoom"`
	LocateZoom float64          `yaml:"locate_zoom"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	OverlaySizeMB     int `yaml:"overlay_size_mb"`
	OverlayTTLMinutes int `yaml:"overlay_ttl_minutes"`
	BoundaryCacheSize int `yaml:"boundary_cache_size"`
}

// SessionsConfig contains session lifecycle settings.
type SessionsConfig struct {
	MaxSessions        int    `yaml:"max_sessions"`
	IdleTimeoutMinutes int    `yaml:"idle_timeout_minutes"`
	SQLitePath         string `yaml:"sqlite_path"`
	RetentionDays      int    `yaml:"retention_days"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		cfg := DefaultConfig()
		applyEnv(cfg)
		return cfg, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	var keys fileKeys
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyDefaults(&cfg, keys)
	applyEnv(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173", "http://localhost:8081"},
			Title:       "Landplot",
		},
		Grid: GridConfig{
			Resolution:  9,
			Containment: "center",
			MaxCells:    50000,
		},
		Projection: ProjectionConfig{
			WidthPadding:  1.3,
			HeightPadding: 1.4,
			Altitude:      0.15,
		},
		Scheduler: SchedulerConfig{
			WindowMS:       200,
			MinZoom:        12,
			OverlayMinZoom: 13.5,
		},
		Map: MapConfig{
			Defaults: ViewportDefaults{
				Longitude: 13.41053,
				Latitude:  30.52437,
				Zoom:      4,
				Bearing:   0,
				Pitch:     35,
				Width:     1920,
				Height:    1080,
			},
			MinZoom:    2,
			MaxZoom:    22,
			LocateZoom: 15,
		},
		Cache: CacheConfig{
			OverlaySizeMB:     256,
			OverlayTTLMinutes: 10,
			BoundaryCacheSize: 20000,
		},
		Sessions: SessionsConfig{
			MaxSessions:        1000,
			IdleTimeoutMinutes: 30,
			SQLitePath:         "./data/sessions.db",
			RetentionDays:      7,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// fileKeys records whether settings with a legal zero value were present.
type fileKeys struct {
	Grid *struct {
		Resolution *int `yaml:"resolution"`
		MaxCells   *int `yaml:"max_cells"`
	} `yaml:"grid"`
}

func applyDefaults(cfg *Config, keys fileKeys) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	// Resolution 0 and max_cells 0 are legal, so only absent keys default.
	if keys.Grid == nil || keys.Grid.Resolution == nil {
		cfg.Grid.Resolution = defaults.Grid.Resolution
	}
	if keys.Grid == nil || keys.Grid.MaxCells == nil {
		cfg.Grid.MaxCells = defaults.Grid.MaxCells
	}
	if cfg.Grid.Containment == "" {
		cfg.Grid.Containment = defaults.Grid.Containment
	}
	if cfg.Projection.WidthPadding == 0 {
		cfg.Projection.WidthPadding = defaults.Projection.WidthPadding
	}
	if cfg.Projection.HeightPadding == 0 {
		cfg.Projection.HeightPadding = defaults.Projection.HeightPadding
	}
	if cfg.Projection.Altitude == 0 {
		cfg.Projection.Altitude = defaults.Projection.Altitude
	}
	if cfg.Scheduler.WindowMS == 0 {
		cfg.Scheduler.WindowMS = defaults.Scheduler.WindowMS
	}
	if cfg.Scheduler.MinZoom == 0 {
		cfg.Scheduler.MinZoom = defaults.Scheduler.MinZoom
	}
	if cfg.Scheduler.OverlayMinZoom == 0 {
		cfg.Scheduler.OverlayMinZoom = defaults.Scheduler.OverlayMinZoom
	}
	if cfg.Map.Defaults == (ViewportDefaults{}) {
		cfg.Map.Defaults = defaults.Map.Defaults
	}
	if cfg.Map.Defaults.Width == 0 {
		cfg.Map.Defaults.Width = defaults.Map.Defaults.Width
	}
	if cfg.Map.Defaults.Height == 0 {
		cfg.Map.Defaults.Height = defaults.Map.Defaults.Height
	}
	if cfg.Map.MinZoom == 0 {
		cfg.Map.MinZoom = defaults.Map.MinZoom
	}
	if cfg.Map.MaxZoom == 0 {
		cfg.Map.MaxZoom = defaults.Map.MaxZoom
	}
	if cfg.Map.LocateZoom == 0 {
		cfg.Map.LocateZoom = defaults.Map.LocateZoom
	}
	if cfg.Cache.OverlaySizeMB == 0 {
		cfg.Cache.OverlaySizeMB = defaults.Cache.OverlaySizeMB
	}
	if cfg.Cache.OverlayTTLMinutes == 0 {
		cfg.Cache.OverlayTTLMinutes = defaults.Cache.OverlayTTLMinutes
	}
	if cfg.Cache.BoundaryCacheSize == 0 {
		cfg.Cache.BoundaryCacheSize = defaults.Cache.BoundaryCacheSize
	}
	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = defaults.Sessions.MaxSessions
	}
	if cfg.Sessions.IdleTimeoutMinutes == 0 {
		cfg.Sessions.IdleTimeoutMinutes = defaults.Sessions.IdleTimeoutMinutes
	}
	if cfg.Sessions.SQLitePath == "" {
		cfg.Sessions.SQLitePath = defaults.Sessions.SQLitePath
	}
	if cfg.Sessions.RetentionDays == 0 {
		cfg.Sessions.RetentionDays = defaults.Sessions.RetentionDays
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
}

// Validate reports configuration values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Grid.Resolution < 0 || c.Grid.Resolution > 15 {
		errs = append(errs, fmt.Errorf("grid.resolution %d out of range 0..15", c.Grid.Resolution))
	}
	if c.Grid.Containment != "center" && c.Grid.Containment != "overlapping" {
		errs = append(errs, fmt.Errorf("grid.containment %q must be center or overlapping", c.Grid.Containment))
	}
	if c.Grid.MaxCells < 0 {
		errs = append(errs, fmt.Errorf("grid.max_cells %d is negative", c.Grid.MaxCells))
	}
	if c.Projection.WidthPadding < 1 || c.Projection.HeightPadding < 1 {
		errs = append(errs, errors.New("projection padding must be at least 1"))
	}
	if c.Projection.Altitude <= 0 {
		errs = append(errs, errors.New("projection.altitude must be positive"))
	}
	if c.Scheduler.WindowMS <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.window_ms %d must be positive", c.Scheduler.WindowMS))
	}
	if c.Scheduler.OverlayMinZoom < c.Scheduler.MinZoom {
		errs = append(errs, fmt.Errorf("scheduler.overlay_min_zoom %.2f is below min_zoom %.2f",
			c.Scheduler.OverlayMinZoom, c.Scheduler.MinZoom))
	}
	if c.Map.MinZoom > c.Map.MaxZoom {
		errs = append(errs, fmt.Errorf("map.min_zoom %.2f exceeds max_zoom %.2f", c.Map.MinZoom, c.Map.MaxZoom))
	}
	return errors.Join(errs...)
}
