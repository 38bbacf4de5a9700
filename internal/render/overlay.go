// Package render draws overlay snapshots using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"github.com/paulmach/orb"

	"github.com/landplot/server/internal/overlay"
	"github.com/landplot/server/internal/projection"
	"github.com/landplot/server/pkg/palette"
)

// Config contains renderer configuration.
type Config struct {
	Width     int
	Height    int
	LineWidth float64
}

// Renderer rasterizes overlay geometry into PNG snapshots.
type Renderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewRenderer creates a new renderer. Width and Height default to 512.
func NewRenderer(cfg Config) *Renderer {
	if cfg.Width <= 0 {
		cfg.Width = 512
	}
	if cfg.Height <= 0 {
		cfg.Height = 512
	}
	if cfg.LineWidth <= 0 {
		cfg.LineWidth = 1
	}
	return &Renderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Width, cfg.Height)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Size returns the default snapshot size.
func (r *Renderer) Size() (int, int) {
	return r.config.Width, r.config.Height
}

// RenderOverlay draws every cell of geom, highlighting those in selected.
// w and h of 0 use the configured size.
func (r *Renderer) RenderOverlay(geom *overlay.Geometry, selected []string, w, h int) ([]byte, error) {
	dc, release := r.context(w, h)
	defer release()

	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()

	if geom.Len() == 0 || geom.Collection == nil {
		return r.encodeContext(dc)
	}

	sel := make(map[string]struct{}, len(selected))
	for _, id := range selected {
		sel[id] = struct{}{}
	}

	vp := newViewport(geom.Box, float64(dc.Width()), float64(dc.Height()))
	dc.SetLineWidth(r.config.LineWidth)

	// Selected cells are drawn last so their outline sits on top.
	var deferred []orb.Polygon
	for _, f := range geom.Collection.Features {
		poly, ok := f.Geometry.(orb.Polygon)
		if !ok || len(poly) == 0 {
			continue
		}
		id, _ := f.ID.(string)
		if _, ok := sel[id]; ok {
			deferred = append(deferred, poly)
			continue
		}
		r.drawCell(dc, vp, poly[0], palette.FreeStyle)
	}
	for _, poly := range deferred {
		r.drawCell(dc, vp, poly[0], palette.SelectStyle)
	}

	return r.encodeContext(dc)
}

func (r *Renderer) drawCell(dc *gg.Context, vp viewport, ring orb.Ring, style palette.Style) {
	if len(ring) < 3 {
		return
	}
	for i, p := range ring {
		x, y := vp.pixel(p)
		if i == 0 {
			dc.MoveTo(x, y)
		} else {
			dc.LineTo(x, y)
		}
	}
	dc.ClosePath()
	dc.SetColor(style.Fill())
	dc.FillPreserve()
	dc.SetColor(style.Outline())
	dc.Stroke()
}

func (r *Renderer) context(w, h int) (*gg.Context, func()) {
	if (w <= 0 || w == r.config.Width) && (h <= 0 || h == r.config.Height) {
		dc := r.contextPool.Get().(*gg.Context)
		return dc, func() { r.contextPool.Put(dc) }
	}
	if w <= 0 {
		w = r.config.Width
	}
	if h <= 0 {
		h = r.config.Height
	}
	return gg.NewContext(w, h), func() {}
}

func (r *Renderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// EmptyPNG returns a fully transparent image of the configured size.
func (r *Renderer) EmptyPNG() ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, r.config.Width, r.config.Height))
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// viewport maps lon/lat into pixel space of a box using Web Mercator.
type viewport struct {
	centerLon  float64
	minX, maxY float64
	sx, sy     float64
}

func newViewport(box projection.BoundingBox, w, h float64) viewport {
	minX, minY := projection.LngLatToWorld(box.West, box.South)
	maxX, maxY := projection.LngLatToWorld(box.East, box.North)
	sx, sy := 1.0, 1.0
	if maxX > minX {
		sx = w / (maxX - minX)
	}
	if maxY > minY {
		sy = h / (maxY - minY)
	}
	return viewport{
		centerLon: (box.West + box.East) / 2,
		minX:      minX,
		maxY:      maxY,
		sx:        sx,
		sy:        sy,
	}
}

func (v viewport) pixel(p orb.Point) (float64, float64) {
	lon := p[0]
	// Ring longitudes are in [-180, 180]; the box may extend past the
	// antimeridian.
	for lon-v.centerLon > 180 {
		lon -= 360
	}
	for v.centerLon-lon > 180 {
		lon += 360
	}
	x, y := projection.LngLatToWorld(lon, math.Max(-projection.MaxLatitude, math.Min(projection.MaxLatitude, p[1])))
	return (x - v.minX) * v.sx, (v.maxY - y) * v.sy
}
