package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_FullFile(t *testing.T) {
	content := `
server:
  port: 9000
  title: "Plots"
grid:
  resolution: 10
  containment: overlapping
  max_cells: 1000
scheduler:
  window_ms: 100
  min_zoom: 11
  overlay_min_zoom: 13
map:
  defaults:
    longitude: 2.35
    latitude: 48.85
    zoom: 6
  locate_zoom: 16
sessions:
  sqlite_path: "/tmp/landplot/sessions.db"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 || cfg.Server.Title != "Plots" {
		t.Errorf("unexpected server section: %+v", cfg.Server)
	}
	if cfg.Grid.Resolution != 10 || cfg.Grid.Containment != "overlapping" || cfg.Grid.MaxCells != 1000 {
		t.Errorf("unexpected grid section: %+v", cfg.Grid)
	}
	if cfg.Scheduler.Window().Milliseconds() != 100 {
		t.Errorf("expected 100ms window, got %v", cfg.Scheduler.Window())
	}
	if cfg.Map.Defaults.Longitude != 2.35 || cfg.Map.Defaults.Zoom != 6 {
		t.Errorf("unexpected map defaults: %+v", cfg.Map.Defaults)
	}
	if cfg.Map.Defaults.Width != 1920 || cfg.Map.Defaults.Height != 1080 {
		t.Errorf("expected default viewport size, got %vx%v", cfg.Map.Defaults.Width, cfg.Map.Defaults.Height)
	}
	if cfg.Map.LocateZoom != 16 {
		t.Errorf("expected locate zoom 16, got %v", cfg.Map.LocateZoom)
	}
	if cfg.Sessions.SQLitePath != "/tmp/landplot/sessions.db" {
		t.Errorf("unexpected sqlite path: %s", cfg.Sessions.SQLitePath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
`
	cfg := loadFromString(t, content)
	defaults := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Grid != defaults.Grid {
		t.Errorf("expected default grid, got %+v", cfg.Grid)
	}
	if cfg.Projection != defaults.Projection {
		t.Errorf("expected default projection, got %+v", cfg.Projection)
	}
	if cfg.Scheduler != defaults.Scheduler {
		t.Errorf("expected default scheduler, got %+v", cfg.Scheduler)
	}
	if cfg.Map.Defaults.Pitch != 35 || cfg.Map.MinZoom != 2 || cfg.Map.MaxZoom != 22 {
		t.Errorf("unexpected map defaults: %+v", cfg.Map)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoad_ExplicitResolutionZero(t *testing.T) {
	content := `
grid:
  resolution: 0
  containment: center
`
	cfg := loadFromString(t, content)
	if cfg.Grid.Resolution != 0 {
		t.Errorf("expected resolution 0 to be kept, got %d", cfg.Grid.Resolution)
	}
}

func TestLoad_PartialGridSection(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		wantRes      int
		wantMaxCells int
	}{
		{"maxCellsOnly", "grid:\n  max_cells: 1000\n", 9, 1000},
		{"resolutionZeroOnly", "grid:\n  resolution: 0\n", 0, 50000},
		{"capDisabled", "grid:\n  resolution: 11\n  max_cells: 0\n", 11, 0},
		{"emptySection", "grid:\n", 9, 50000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadFromString(t, tt.content)
			if cfg.Grid.Resolution != tt.wantRes {
				t.Errorf("expected resolution %d, got %d", tt.wantRes, cfg.Grid.Resolution)
			}
			if cfg.Grid.MaxCells != tt.wantMaxCells {
				t.Errorf("expected max_cells %d, got %d", tt.wantMaxCells, cfg.Grid.MaxCells)
			}
			if cfg.Grid.Containment != "center" {
				t.Errorf("expected default containment, got %q", cfg.Grid.Containment)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected defaults for missing file, got %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvPort, "9100")
	t.Setenv(EnvResolution, "8")
	t.Setenv(EnvSQLitePath, "/var/lib/landplot.db")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogFormat, "text")

	cfg := loadFromString(t, "server:\n  port: 9000\n")

	if cfg.Server.Port != 9100 {
		t.Errorf("expected env port 9100, got %d", cfg.Server.Port)
	}
	if cfg.Grid.Resolution != 8 {
		t.Errorf("expected env resolution 8, got %d", cfg.Grid.Resolution)
	}
	if cfg.Sessions.SQLitePath != "/var/lib/landplot.db" {
		t.Errorf("unexpected sqlite path %s", cfg.Sessions.SQLitePath)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
}

func TestGetEnvInt_IgnoresGarbage(t *testing.T) {
	t.Setenv(EnvPort, "not-a-number")
	if got := GetEnvInt(EnvPort, 42); got != 42 {
		t.Errorf("expected fallback 42, got %d", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"resolution", func(c *Config) { c.Grid.Resolution = 16 }, "grid.resolution"},
		{"containment", func(c *Config) { c.Grid.Containment = "bbox" }, "grid.containment"},
		{"gates", func(c *Config) { c.Scheduler.OverlayMinZoom = 10 }, "overlay_min_zoom"},
		{"window", func(c *Config) { c.Scheduler.WindowMS = 0 }, "window_ms"},
		{"padding", func(c *Config) { c.Projection.WidthPadding = 0.5 }, "padding"},
		{"zoomRange", func(c *Config) { c.Map.MinZoom = 23 }, "map.min_zoom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadEnv_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("LANDPLOT_TEST_VALUE=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Chdir(wd)
		os.Unsetenv("LANDPLOT_TEST_VALUE")
	})

	LoadEnv(nil)
	if got := GetEnv("LANDPLOT_TEST_VALUE", "unset"); got != "from-file" {
		t.Errorf("expected value from .env, got %q", got)
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
