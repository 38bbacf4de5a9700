// Package overlay materializes the hex cells covering a viewport as a GeoJSON
// feature collection.
package overlay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/singleflight"

	"github.com/landplot/server/internal/cache"
	"github.com/landplot/server/internal/hexindex"
	"github.com/landplot/server/internal/logging"
	"github.com/landplot/server/internal/metrics"
	"github.com/landplot/server/internal/projection"
)

// IDProperty is the feature property carrying the cell id. Renderers filter
// and style on it.
const IDProperty = "id"

// Geometry is one full overlay: the cells covering Box at Resolution.
// It is replaced wholesale on every recompute.
type Geometry struct {
	Resolution int
	Box        projection.BoundingBox
	CellIDs    []hexindex.CellID
	Collection *geojson.FeatureCollection
}

// Empty returns an overlay with no cells.
func Empty(res int) *Geometry {
	return &Geometry{
		Resolution: res,
		CellIDs:    []hexindex.CellID{},
		Collection: geojson.NewFeatureCollection(),
	}
}

// Len returns the number of cells.
func (g *Geometry) Len() int {
	if g == nil {
		return 0
	}
	return len(g.CellIDs)
}

// MarshalJSON encodes the feature collection.
func (g *Geometry) MarshalJSON() ([]byte, error) {
	if g == nil || g.Collection == nil {
		return geojson.NewFeatureCollection().MarshalJSON()
	}
	return g.Collection.MarshalJSON()
}

// Config contains synthesizer configuration.
type Config struct {
	Projector  *projection.Projector
	Index      *hexindex.Index
	Cache      *cache.Manager
	// Resolution is used as given; 0 is the coarsest H3 grid, not "unset".
	// Values outside 0..15 fall back to hexindex.DefaultResolution.
	Resolution int
	Logger     logging.Logger
}

// Synthesizer combines projection and cell covering.
type Synthesizer struct {
	projector  *projection.Projector
	index      *hexindex.Index
	cache      *cache.Manager
	resolution int
	flight     singleflight.Group
	logger     logging.Logger
}

// NewSynthesizer creates a synthesizer. Cache may be nil.
func NewSynthesizer(cfg Config) *Synthesizer {
	res := cfg.Resolution
	if !hexindex.ValidResolution(res) {
		res = hexindex.DefaultResolution
	}
	projector := cfg.Projector
	if projector == nil {
		projector = projection.NewProjector(projection.DefaultConfig())
	}
	return &Synthesizer{
		projector:  projector,
		index:      cfg.Index,
		cache:      cfg.Cache,
		resolution: res,
		logger:     logging.Component(cfg.Logger, "overlay"),
	}
}

// Resolution returns the default resolution.
func (s *Synthesizer) Resolution() int {
	return s.resolution
}

// Index returns the underlying spatial index.
func (s *Synthesizer) Index() *hexindex.Index {
	return s.index
}

// Projector returns the underlying projector.
func (s *Synthesizer) Projector() *projection.Projector {
	return s.projector
}

// Synthesize computes the overlay for v at the default resolution.
func (s *Synthesizer) Synthesize(v projection.Viewport) (*Geometry, error) {
	return s.SynthesizeAt(v, s.resolution)
}

// SynthesizeAt computes the overlay for v at res. A ProjectionError is
// returned unchanged so callers can keep their previous overlay.
func (s *Synthesizer) SynthesizeAt(v projection.Viewport, res int) (*Geometry, error) {
	start := time.Now()
	box, err := s.projector.Project(v)
	if err != nil {
		metrics.ProjectionErrorsTotal.Inc()
		return nil, err
	}

	ids := s.index.CellsCovering(box, res)
	fc := geojson.NewFeatureCollection()
	fc.Features = make([]*geojson.Feature, 0, len(ids))
	kept := make([]hexindex.CellID, 0, len(ids))
	for _, id := range ids {
		f, err := s.feature(id)
		if err != nil {
			s.logger.WithError(err).WithField("cell", id).Warn("skipping cell without boundary")
			continue
		}
		fc.Append(f)
		kept = append(kept, id)
	}

	metrics.SynthesisDuration.Observe(time.Since(start).Seconds())
	metrics.OverlayCells.Observe(float64(len(kept)))

	return &Geometry{
		Resolution: res,
		Box:        box,
		CellIDs:    kept,
		Collection: fc,
	}, nil
}

// Feature returns the polygon feature for a single cell.
func (s *Synthesizer) Feature(id hexindex.CellID) (*geojson.Feature, error) {
	return s.feature(id)
}

func (s *Synthesizer) feature(id hexindex.CellID) (*geojson.Feature, error) {
	ring, err := s.index.CellBoundary(id)
	if err != nil {
		return nil, err
	}
	f := geojson.NewFeature(orb.Polygon{ring})
	f.ID = string(id)
	f.Properties[IDProperty] = string(id)
	return f, nil
}

// Encode returns the GeoJSON bytes of the overlay for v at res. Results are
// cached by bounding box, and concurrent identical requests share one
// synthesis.
func (s *Synthesizer) Encode(v projection.Viewport, res int) ([]byte, error) {
	box, err := s.projector.Project(v)
	if err != nil {
		metrics.ProjectionErrorsTotal.Inc()
		return nil, err
	}
	key := cache.OverlayKey(res, box)

	if s.cache != nil {
		if data, ok := s.cache.GetOverlay(key); ok {
			metrics.OverlayCacheTotal.WithLabelValues("hit").Inc()
			return data, nil
		}
		metrics.OverlayCacheTotal.WithLabelValues("miss").Inc()
	}

	out, err, _ := s.flight.Do(key, func() (interface{}, error) {
		geom, err := s.SynthesizeAt(v, res)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(geom)
		if err != nil {
			return nil, fmt.Errorf("failed to encode overlay: %w", err)
		}
		if s.cache != nil {
			if err := s.cache.SetOverlay(key, data); err != nil {
				s.logger.WithError(err).Debug("overlay not cached")
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// IsProjectionError reports whether err came from the projection engine.
func IsProjectionError(err error) bool {
	var perr *projection.ProjectionError
	return errors.As(err, &perr)
}
