// Package projection converts map viewports into geographic bounding boxes
// using a Web Mercator camera model.
package projection

import (
	"fmt"
	"math"
)

// TileSize is the width of the Web Mercator world in pixels at zoom 0.
const TileSize = 512

const (
	// DefaultWidthPadding and DefaultHeightPadding enlarge the projected
	// viewport so cells just outside the visible frame are covered too.
	DefaultWidthPadding  = 1.3
	DefaultHeightPadding = 1.4
	// DefaultAltitude is the camera altitude in viewport heights.
	DefaultAltitude = 0.15

	// MaxLatitude is the Web Mercator latitude limit.
	MaxLatitude = 85.051129
)

// Viewport describes the map camera.
type Viewport struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Zoom      float64 `json:"zoom"`
	Pitch     float64 `json:"pitch"`
	Bearing   float64 `json:"bearing"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
}

// BoundingBox is an axis-aligned geographic rectangle in degrees.
type BoundingBox struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Contains reports whether (lon, lat) lies strictly inside the box.
func (b BoundingBox) Contains(lon, lat float64) bool {
	return lon > b.West && lon < b.East && lat > b.South && lat < b.North
}

// Center returns the box midpoint as (lon, lat).
func (b BoundingBox) Center() (float64, float64) {
	return (b.West + b.East) / 2, (b.North + b.South) / 2
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("n=%.6f s=%.6f e=%.6f w=%.6f", b.North, b.South, b.East, b.West)
}

// ProjectionError reports a viewport that cannot be turned into a box.
type ProjectionError struct {
	Reason   string
	Viewport Viewport
}

func (e *ProjectionError) Error() string {
	return "invalid projection: " + e.Reason
}

// Config contains the fixed adapter constants applied before unprojecting.
type Config struct {
	WidthPadding  float64
	HeightPadding float64
	Altitude      float64
}

// DefaultConfig returns the reference adapter constants.
func DefaultConfig() Config {
	return Config{
		WidthPadding:  DefaultWidthPadding,
		HeightPadding: DefaultHeightPadding,
		Altitude:      DefaultAltitude,
	}
}

// Projector turns viewports into bounding boxes.
type Projector struct {
	cfg Config
}

// NewProjector creates a projector. Zero-valued fields fall back to defaults.
func NewProjector(cfg Config) *Projector {
	def := DefaultConfig()
	if cfg.WidthPadding <= 0 {
		cfg.WidthPadding = def.WidthPadding
	}
	if cfg.HeightPadding <= 0 {
		cfg.HeightPadding = def.HeightPadding
	}
	if cfg.Altitude <= 0 {
		cfg.Altitude = def.Altitude
	}
	return &Projector{cfg: cfg}
}

// Config returns the projector constants.
func (p *Projector) Config() Config {
	return p.cfg
}

// Project computes the bounding box of the padded, top-down view of v.
//
// The box is the envelope of the four unprojected corners. With bearing 0
// the top-left corner yields (west, north) and the bottom-right corner
// yields (east, south).
func (p *Projector) Project(v Viewport) (BoundingBox, error) {
	if !finite(v.Longitude, v.Latitude, v.Zoom, v.Bearing, v.Width, v.Height) {
		return BoundingBox{}, &ProjectionError{Reason: "non-finite viewport field", Viewport: v}
	}
	if v.Width <= 0 || v.Height <= 0 {
		return BoundingBox{}, &ProjectionError{Reason: "viewport has no area", Viewport: v}
	}

	cam := p.camera(v)
	w, h := cam.width, cam.height
	corners := [4][2]float64{{0, 0}, {w, 0}, {w, h}, {0, h}}

	box := BoundingBox{
		North: math.Inf(-1),
		South: math.Inf(1),
		East:  math.Inf(-1),
		West:  math.Inf(1),
	}
	for _, c := range corners {
		lon, lat := cam.Unproject(c[0], c[1])
		if !finite(lon, lat) {
			return BoundingBox{}, &ProjectionError{Reason: "unprojected corner is not finite", Viewport: v}
		}
		box.West = math.Min(box.West, lon)
		box.East = math.Max(box.East, lon)
		box.North = math.Max(box.North, lat)
		box.South = math.Min(box.South, lat)
	}
	if !(box.South < box.North) || !(box.West < box.East) {
		return BoundingBox{}, &ProjectionError{Reason: "degenerate bounding box", Viewport: v}
	}
	return box, nil
}

// camera builds the internal projection state: pitch is forced to 0,
// bearing is kept, altitude and padding come from the config.
func (p *Projector) camera(v Viewport) Camera {
	return NewCamera(Viewport{
		Longitude: v.Longitude,
		Latitude:  v.Latitude,
		Zoom:      v.Zoom,
		Pitch:     0,
		Bearing:   v.Bearing,
		Width:     v.Width * p.cfg.WidthPadding,
		Height:    v.Height * p.cfg.HeightPadding,
	}, p.cfg.Altitude)
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
