// Package palette provides the grid layer colors and style descriptors
// shared by map clients and the overlay renderer.
package palette

import (
	"fmt"
	"image/color"
	"strconv"
)

// Color is an opaque RGB base color.
type Color struct {
	R, G, B uint8
}

// String returns the CSS rgb() form.
func (c Color) String() string {
	return fmt.Sprintf("rgb(%d,%d,%d)", c.R, c.G, c.B)
}

// WithAlpha returns the CSS rgba() form.
func (c Color) WithAlpha(alpha float64) string {
	return fmt.Sprintf("rgba(%d,%d,%d,%s)", c.R, c.G, c.B, strconv.FormatFloat(alpha, 'f', -1, 64))
}

// RGBA returns c as a non-premultiplied color with the given alpha (0-1).
func (c Color) RGBA(alpha float64) color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: uint8(clamp01(alpha)*255 + 0.5)}
}

// Base colors.
var (
	Free     = Color{106, 106, 106}
	Cart     = Color{195, 251, 224}
	Select   = Color{61, 255, 243}
	Occupied = Color{232, 60, 132}
	Owned    = Color{135, 255, 183}
	ForSale  = Color{255, 219, 36}
)

// Style is a fill style in the map renderer's vocabulary.
type Style struct {
	FillAntialias    bool   `json:"fillAntialias"`
	FillColor        string `json:"fillColor"`
	FillOutlineColor string `json:"fillOutlineColor,omitempty"`
	FillOpacity      any    `json:"fillOpacity,omitempty"`

	fill, outline           Color
	fillAlpha, outlineAlpha float64
}

// Fill returns the fill color for raster rendering.
func (s Style) Fill() color.NRGBA { return s.fill.RGBA(s.fillAlpha) }

// Outline returns the outline color for raster rendering.
func (s Style) Outline() color.NRGBA { return s.outline.RGBA(s.outlineAlpha) }

func fillStyle(c Color, fillAlpha, outlineAlpha float64) Style {
	outline := c.String()
	if outlineAlpha < 1 {
		outline = c.WithAlpha(outlineAlpha)
	}
	return Style{
		FillAntialias:    true,
		FillColor:        c.WithAlpha(fillAlpha),
		FillOutlineColor: outline,
		fill:             c,
		outline:          c,
		fillAlpha:        fillAlpha,
		outlineAlpha:     outlineAlpha,
	}
}

// Fill styles for each cell state.
var (
	FreeStyle     = fillStyle(Free, 0.1, 0.8)
	CartStyle     = fillStyle(Cart, 0.3, 1)
	SelectStyle   = fillStyle(Select, 0.2, 1)
	OccupiedStyle = fillStyle(Occupied, 0.2, 1)
	OwnedStyle    = fillStyle(Owned, 0.5, 1)
	ForSaleStyle  = fillStyle(ForSale, 0.2, 1)
)

// Layer ids.
const (
	DefaultLayerID   = "sp_landplot_default"
	HoverLayerID     = "sp_landplot_hover"
	OccupiedLayerID  = "sp_landplot_occupied"
	OwnedLayerID     = "sp_landplot_owned"
	ForSaleLayerID   = "sp_landplot_for_sale"
	SelectionLayerID = "sp_landplot_selection"
	CartLayerID      = "sp_landplot_cart"
)

// ZoomRange is the zoom interval a layer is drawn in.
type ZoomRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Layer describes one fill layer of the grid.
type Layer struct {
	ID     string    `json:"id"`
	Zoom   ZoomRange `json:"zoom"`
	Style  Style     `json:"style"`
	Filter []any     `json:"filter,omitempty"`
}

// Layers returns the grid fill layers. Cells are drawn from overlayMinZoom
// up to maxZoom+1. The selection layer is filtered on selectedIDs.
func Layers(overlayMinZoom, maxZoom float64, selectedIDs []string) []Layer {
	zoom := ZoomRange{Min: overlayMinZoom, Max: maxZoom + 1}
	hover := Style{
		FillAntialias: true,
		FillColor:     "white",
		FillOpacity:   []any{"case", []any{"boolean", []any{"feature-state", "hover"}, false}, 0.1, 0},
	}
	return []Layer{
		{ID: DefaultLayerID, Zoom: zoom, Style: FreeStyle},
		{ID: HoverLayerID, Zoom: zoom, Style: hover},
		{ID: OccupiedLayerID, Zoom: zoom, Style: OccupiedStyle},
		{ID: OwnedLayerID, Zoom: zoom, Style: OwnedStyle},
		{ID: ForSaleLayerID, Zoom: zoom, Style: ForSaleStyle},
		{ID: SelectionLayerID, Zoom: zoom, Style: SelectStyle, Filter: SelectionFilter(selectedIDs)},
		{ID: CartLayerID, Zoom: zoom, Style: CartStyle},
	}
}

// SelectionFilter returns the declarative filter matching features whose id
// is among ids.
func SelectionFilter(ids []string) []any {
	filter := make([]any, 0, len(ids)+2)
	filter = append(filter, "in", "id")
	for _, id := range ids {
		filter = append(filter, id)
	}
	return filter
}

// Ramp is a heatmap color ramp: a base color faded linearly through
// alpha stops.
type Ramp struct {
	Base  Color
	Stops []float64
}

// HeatRamp returns the density ramp used for low-zoom heatmaps of c.
func HeatRamp(c Color) Ramp {
	return Ramp{Base: c, Stops: []float64{0, 0.2, 0.3, 0.4, 0.5, 0.6}}
}

// At returns the color at density t (0-1).
func (r Ramp) At(t float64) color.NRGBA {
	if len(r.Stops) == 0 {
		return r.Base.RGBA(0)
	}
	if t <= 0 {
		return r.Base.RGBA(r.Stops[0])
	}
	if t >= 1 {
		return r.Base.RGBA(r.Stops[len(r.Stops)-1])
	}
	idx := t * float64(len(r.Stops)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(r.Stops) {
		upper = len(r.Stops) - 1
	}
	frac := idx - float64(lower)
	return r.Base.RGBA(r.Stops[lower] + frac*(r.Stops[upper]-r.Stops[lower]))
}

// Expression returns the ramp as an interpolate expression over
// heatmap-density.
func (r Ramp) Expression() []any {
	expr := []any{"interpolate", []any{"linear"}, []any{"heatmap-density"}}
	n := len(r.Stops)
	for i, a := range r.Stops {
		pos := 0.0
		if n > 1 {
			pos = float64(i) / float64(n-1)
		}
		expr = append(expr, pos, r.Base.WithAlpha(a))
	}
	return expr
}

// HeatmapLayer describes a low-zoom density layer drawn below the overlay
// threshold, where individual cells are not materialized.
type HeatmapLayer struct {
	ID     string    `json:"id"`
	Zoom   ZoomRange `json:"zoom"`
	Color  []any     `json:"heatmapColor"`
	Weight []any     `json:"heatmapWeight"`
	Filter []any     `json:"filter,omitempty"`
}

// HeatmapLayers returns the density layers for zooms in [minZoom, overlayMinZoom).
func HeatmapLayers(minZoom, overlayMinZoom float64) []HeatmapLayer {
	zoom := ZoomRange{Min: minZoom, Max: overlayMinZoom}
	weight := []any{"interpolate", []any{"linear"}, []any{"get", "mag"}, 0, 0, 6, 1}
	return []HeatmapLayer{
		{ID: SelectionLayerID + "_heatmap", Zoom: ZoomRange{Min: minZoom - 1, Max: overlayMinZoom}, Color: HeatRamp(Select).Expression(), Weight: weight},
		{ID: CartLayerID + "_heatmap", Zoom: ZoomRange{Min: minZoom - 1, Max: overlayMinZoom}, Color: HeatRamp(Cart).Expression(), Weight: weight},
		{ID: OccupiedLayerID + "_heatmap", Zoom: zoom, Color: HeatRamp(Occupied).Expression(), Weight: weight, Filter: []any{"!", []any{"has", "jpegStore"}}},
		{ID: ForSaleLayerID + "_heatmap", Zoom: zoom, Color: HeatRamp(ForSale).Expression(), Weight: weight, Filter: []any{"has", "jpegStore"}},
		{ID: OwnedLayerID + "_heatmap", Zoom: zoom, Color: HeatRamp(Owned).Expression(), Weight: weight},
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
