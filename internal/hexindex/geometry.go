package hexindex

import (
	"errors"
	"math"

	"github.com/uber/h3-go/v4"

	"github.com/landplot/server/internal/projection"
)

const earthRadiusKm = 6371.0088

var errEmptyBox = errors.New("bounding box has no area")

// slab is a bounding box whose longitudes lie within [-180, 180] and whose
// width is at most maxSlabWidth.
type slab projection.BoundingBox

// normalize clamps latitudes to the poles, wraps longitudes into
// [-180, 180] and splits the box at the antimeridian and into slabs no
// wider than maxSlabWidth.
func normalize(box projection.BoundingBox) ([]slab, error) {
	for _, v := range []float64{box.North, box.South, box.East, box.West} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errEmptyBox
		}
	}
	north := math.Min(box.North, 90)
	south := math.Max(box.South, -90)
	if !(south < north) || !(box.West < box.East) {
		return nil, errEmptyBox
	}

	west, east := box.West, box.East
	if east-west >= 360 {
		west, east = -180, 180
	} else {
		shift := 360 * math.Floor((west+180)/360)
		west -= shift
		east -= shift
	}

	var spans [][2]float64
	if east > 180 {
		spans = append(spans, [2]float64{west, 180}, [2]float64{-180, east - 360})
	} else {
		spans = append(spans, [2]float64{west, east})
	}

	var out []slab
	for _, span := range spans {
		width := span[1] - span[0]
		if width <= 0 {
			continue
		}
		n := int(math.Ceil(width / maxSlabWidth))
		step := width / float64(n)
		for i := 0; i < n; i++ {
			w := span[0] + float64(i)*step
			e := w + step
			if i == n-1 {
				e = span[1]
			}
			out = append(out, slab{North: north, South: south, West: w, East: e})
		}
	}
	if len(out) == 0 {
		return nil, errEmptyBox
	}
	return out, nil
}

// boxPolygon builds the polygon NW, NE, SE, SW.
func boxPolygon(s slab) h3.GeoPolygon {
	return h3.GeoPolygon{
		GeoLoop: h3.GeoLoop{
			h3.NewLatLng(s.North, s.West),
			h3.NewLatLng(s.North, s.East),
			h3.NewLatLng(s.South, s.East),
			h3.NewLatLng(s.South, s.West),
		},
	}
}

// estimateCells approximates how many cells at res cover the slabs.
func estimateCells(slabs []slab, res int) float64 {
	cellArea, err := h3.HexagonAreaAvgKm2(res)
	if err != nil || cellArea <= 0 {
		return math.Inf(1)
	}
	var area float64
	for _, s := range slabs {
		dLon := (s.East - s.West) * math.Pi / 180
		area += earthRadiusKm * earthRadiusKm * dLon *
			(math.Sin(s.North*math.Pi/180) - math.Sin(s.South*math.Pi/180))
	}
	return area / cellArea
}
