// Package hexindex adapts the H3 hierarchical hex grid to the bounding boxes
// and cell identifiers used by the overlay pipeline.
package hexindex

import (
	"errors"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/uber/h3-go/v4"

	"github.com/landplot/server/internal/logging"
	"github.com/landplot/server/internal/metrics"
	"github.com/landplot/server/internal/projection"
)

const (
	// DefaultResolution is the parcel resolution (roughly 0.1 km² per cell).
	DefaultResolution = 9
	MinResolution     = 0
	MaxResolution     = 15

	// maxSlabWidth bounds the longitude span of a single polygon handed to H3,
	// which interprets edges wider than 180 degrees as crossing the antimeridian.
	maxSlabWidth = 90.0
)

var (
	ErrInvalidCell       = errors.New("invalid cell id")
	ErrInvalidPoint      = errors.New("coordinates are not finite")
	ErrInvalidResolution = errors.New("resolution out of range")
)

// Containment selects which cells count as covering a polygon.
type Containment string

const (
	// ContainmentCenter keeps cells whose centroid lies inside the polygon.
	ContainmentCenter Containment = "center"
	// ContainmentOverlapping keeps every cell touching the polygon.
	ContainmentOverlapping Containment = "overlapping"
)

// CellID is the hex string form of an H3 cell.
type CellID string

// ParseCellID validates s as an H3 cell.
func ParseCellID(s string) (CellID, error) {
	c := h3.Cell(h3.IndexFromString(s))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCell, s)
	}
	return CellID(c.String()), nil
}

// Resolution returns the resolution encoded in the id, or -1 if invalid.
func (id CellID) Resolution() int {
	c := h3.Cell(h3.IndexFromString(string(id)))
	if !c.IsValid() {
		return -1
	}
	return c.Resolution()
}

func (id CellID) String() string { return string(id) }

func (id CellID) cell() (h3.Cell, error) {
	c := h3.Cell(h3.IndexFromString(string(id)))
	if !c.IsValid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCell, string(id))
	}
	return c, nil
}

// Config contains index adapter settings.
type Config struct {
	BoundaryCacheSize int
	Containment       Containment
	// MaxCells caps the estimated number of cells for one covering request;
	// larger requests degrade to an empty result. Zero disables the cap.
	MaxCells int
	Logger   logging.Logger
}

// Index answers cell queries against H3.
type Index struct {
	containment Containment
	maxCells    int
	boundaries  *lru.Cache[h3.Cell, orb.Ring]
	logger      logging.Logger
}

// New creates an index adapter.
func New(cfg Config) (*Index, error) {
	if cfg.BoundaryCacheSize <= 0 {
		cfg.BoundaryCacheSize = 20000
	}
	switch cfg.Containment {
	case "":
		cfg.Containment = ContainmentCenter
	case ContainmentCenter, ContainmentOverlapping:
	default:
		return nil, fmt.Errorf("unknown containment mode %q", cfg.Containment)
	}

	boundaries, err := lru.New[h3.Cell, orb.Ring](cfg.BoundaryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create boundary cache: %w", err)
	}

	return &Index{
		containment: cfg.Containment,
		maxCells:    cfg.MaxCells,
		boundaries:  boundaries,
		logger:      logging.Component(cfg.Logger, "hexindex"),
	}, nil
}

// ValidResolution reports whether res is a usable H3 resolution.
func ValidResolution(res int) bool {
	return res >= MinResolution && res <= MaxResolution
}

// CellsCovering returns the cells at res covering box, in a deterministic
// order. Any failure of the underlying index yields an empty slice.
func (ix *Index) CellsCovering(box projection.BoundingBox, res int) []CellID {
	if !ValidResolution(res) {
		ix.degrade(box, res, ErrInvalidResolution)
		return []CellID{}
	}
	slabs, err := normalize(box)
	if err != nil {
		ix.degrade(box, res, err)
		return []CellID{}
	}
	if ix.maxCells > 0 {
		if est := estimateCells(slabs, res); est > float64(ix.maxCells) {
			ix.degrade(box, res, fmt.Errorf("estimated %.0f cells exceeds limit %d", est, ix.maxCells))
			return []CellID{}
		}
	}

	seen := make(map[h3.Cell]struct{})
	out := make([]CellID, 0, 256)
	for _, slab := range slabs {
		cells, err := ix.polygonToCells(boxPolygon(slab), res)
		if err != nil {
			ix.degrade(box, res, err)
			return []CellID{}
		}
		for _, c := range cells {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, CellID(c.String()))
		}
	}
	return out
}

func (ix *Index) polygonToCells(poly h3.GeoPolygon, res int) ([]h3.Cell, error) {
	if ix.containment == ContainmentOverlapping {
		return h3.PolygonToCellsExperimental(poly, res, h3.ContainmentOverlapping)
	}
	return h3.PolygonToCells(poly, res)
}

func (ix *Index) degrade(box projection.BoundingBox, res int, err error) {
	metrics.IndexFailuresTotal.Inc()
	ix.logger.WithFields(logging.Fields{
		"box":        box.String(),
		"resolution": res,
	}).WithError(err).Warn("cell covering failed, returning empty set")
}

// CellBoundary returns the closed boundary ring of id in (lon, lat) order.
func (ix *Index) CellBoundary(id CellID) (orb.Ring, error) {
	c, err := id.cell()
	if err != nil {
		return nil, err
	}
	if ring, ok := ix.boundaries.Get(c); ok {
		return ring, nil
	}

	b, err := h3.CellToBoundary(c)
	if err != nil {
		return nil, fmt.Errorf("boundary of %s: %w", id, err)
	}
	ring := make(orb.Ring, 0, len(b)+1)
	for _, ll := range b {
		ring = append(ring, orb.Point{ll.Lng, ll.Lat})
	}
	if len(ring) > 0 {
		ring = append(ring, ring[0])
	}
	ix.boundaries.Add(c, ring)
	return ring, nil
}

// CellCentroid returns the center of id as (lat, lon).
func (ix *Index) CellCentroid(id CellID) (float64, float64, error) {
	c, err := id.cell()
	if err != nil {
		return 0, 0, err
	}
	ll, err := h3.CellToLatLng(c)
	if err != nil {
		return 0, 0, fmt.Errorf("centroid of %s: %w", id, err)
	}
	return ll.Lat, ll.Lng, nil
}

// CellAt returns the cell containing (lat, lon) at res.
func (ix *Index) CellAt(lat, lon float64, res int) (CellID, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return "", ErrInvalidPoint
	}
	if !ValidResolution(res) {
		return "", fmt.Errorf("%w: %d", ErrInvalidResolution, res)
	}
	c, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), res)
	if err != nil {
		return "", fmt.Errorf("cell at (%f, %f): %w", lat, lon, err)
	}
	return CellID(c.String()), nil
}
