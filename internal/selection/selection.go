// Package selection tracks the selected grid cell and implements toggle
// semantics. At most one cell is selected at a time.
package selection

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/landplot/server/internal/hexindex"
	"github.com/landplot/server/internal/metrics"
)

// ErrWrongResolution is returned when a cell id does not belong to the
// model's resolution.
var ErrWrongResolution = errors.New("cell is not at the selection resolution")

// Listing is optional marketplace metadata attached to a cell.
type Listing struct {
	AssetID   string  `json:"assetId"`
	Price     float64 `json:"price"`
	ListingID string  `json:"listingId"`
}

// Cell is the UI-facing record of a selected grid cell.
type Cell struct {
	ID        hexindex.CellID `json:"id"`
	Latitude  float64         `json:"latitude"`
	Longitude float64         `json:"longitude"`
	Place     string          `json:"place,omitempty"`
	Occupied  bool            `json:"occupied"`
	Owner     string          `json:"owner,omitempty"`
	AssetID   string          `json:"assetId"`
	Listing   *Listing        `json:"listing,omitempty"`
}

// Set is the selection: empty or exactly one cell. The zero value is empty.
type Set struct {
	cell *Cell
}

// Single returns the set containing only c.
func Single(c Cell) Set {
	return Set{cell: &c}
}

// Len returns 0 or 1.
func (s Set) Len() int {
	if s.cell == nil {
		return 0
	}
	return 1
}

// Cell returns the selected cell, if any.
func (s Set) Cell() (Cell, bool) {
	if s.cell == nil {
		return Cell{}, false
	}
	return *s.cell, true
}

// Cells returns the selection as a slice, never nil.
func (s Set) Cells() []Cell {
	if s.cell == nil {
		return []Cell{}
	}
	return []Cell{*s.cell}
}

// IDs returns the selected cell ids, never nil.
func (s Set) IDs() []string {
	if s.cell == nil {
		return []string{}
	}
	return []string{string(s.cell.ID)}
}

// Contains reports whether id is selected.
func (s Set) Contains(id hexindex.CellID) bool {
	return s.cell != nil && s.cell.ID == id
}

// MarshalJSON encodes the set as an array of zero or one cells.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Cells())
}

// UnmarshalJSON decodes an array of cells. More than one cell is rejected.
func (s *Set) UnmarshalJSON(data []byte) error {
	var cells []Cell
	if err := json.Unmarshal(data, &cells); err != nil {
		return err
	}
	switch len(cells) {
	case 0:
		*s = Set{}
	case 1:
		*s = Single(cells[0])
	default:
		return fmt.Errorf("selection holds at most one cell, got %d", len(cells))
	}
	return nil
}

// Result describes what a toggle did.
type Result string

const (
	Selected   Result = "selected"
	Deselected Result = "deselected"
	Ignored    Result = "ignored"
)

// Model owns a selection at a fixed resolution. It is not safe for
// concurrent use; the owning session serializes access.
type Model struct {
	index      *hexindex.Index
	resolution int
	set        Set
}

// NewModel creates an empty selection model.
func NewModel(index *hexindex.Index, resolution int) *Model {
	return &Model{index: index, resolution: resolution}
}

// Current returns the current selection.
func (m *Model) Current() Set {
	return m.set
}

// Resolution returns the resolution tapped points are resolved at.
func (m *Model) Resolution() int {
	return m.resolution
}

// SetResolution changes the resolution. Cell ids from another resolution
// would no longer match the overlay, so the selection is cleared.
func (m *Model) SetResolution(res int) error {
	if !hexindex.ValidResolution(res) {
		return fmt.Errorf("%w: %d", hexindex.ErrInvalidResolution, res)
	}
	if res != m.resolution {
		m.set = Set{}
	}
	m.resolution = res
	return nil
}

// Clear empties the selection.
func (m *Model) Clear() {
	m.set = Set{}
}

// Restore replaces the selection wholesale, e.g. from a persisted snapshot.
func (m *Model) Restore(s Set) {
	m.set = s
}

// TogglePoint resolves (lat, lon) to a cell and toggles it. A non-finite
// point leaves the selection unchanged and returns hexindex.ErrInvalidPoint.
func (m *Model) TogglePoint(lat, lon float64) (Set, Result, error) {
	id, err := m.index.CellAt(lat, lon, m.resolution)
	if err != nil {
		return m.set, Ignored, err
	}
	return m.ToggleID(id)
}

// ToggleFeature toggles the cell named by the "id" property of a pressed
// feature. A press without a usable id, including one from another
// resolution's grid, is a no-op.
func (m *Model) ToggleFeature(properties map[string]interface{}) (Set, Result, error) {
	raw, ok := properties["id"]
	if !ok {
		return m.set, Ignored, nil
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return m.set, Ignored, nil
	}
	id, err := hexindex.ParseCellID(s)
	if err != nil || id.Resolution() != m.resolution {
		return m.set, Ignored, nil
	}
	return m.ToggleID(id)
}

// ToggleID deselects id if it is the selected cell, otherwise replaces the
// selection with it.
func (m *Model) ToggleID(id hexindex.CellID) (Set, Result, error) {
	if m.set.Contains(id) {
		m.set = Set{}
		metrics.SelectionTogglesTotal.WithLabelValues(string(Deselected)).Inc()
		return m.set, Deselected, nil
	}
	if id.Resolution() != m.resolution {
		return m.set, Ignored, fmt.Errorf("%w: %s is resolution %d, want %d", ErrWrongResolution, id, id.Resolution(), m.resolution)
	}

	lat, lon, err := m.index.CellCentroid(id)
	if err != nil {
		return m.set, Ignored, err
	}
	m.set = Single(Cell{
		ID:        id,
		Latitude:  lat,
		Longitude: lon,
	})
	metrics.SelectionTogglesTotal.WithLabelValues(string(Selected)).Inc()
	return m.set, Selected, nil
}
