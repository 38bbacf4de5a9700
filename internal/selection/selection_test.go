package selection

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/landplot/server/internal/hexindex"
	"github.com/landplot/server/internal/projection"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	ix, err := hexindex.New(hexindex.Config{})
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	return NewModel(ix, hexindex.DefaultResolution)
}

func TestTogglePoint_EndToEnd(t *testing.T) {
	ix, err := hexindex.New(hexindex.Config{})
	if err != nil {
		t.Fatal(err)
	}
	v := projection.Viewport{Longitude: 13.41, Latitude: 30.52, Zoom: 14, Width: 390, Height: 700}
	box, err := projection.NewProjector(projection.DefaultConfig()).Project(v)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if !box.Contains(13.41, 30.52) {
		t.Fatalf("box %s does not contain the center", box)
	}
	if len(ix.CellsCovering(box, 9)) == 0 {
		t.Fatal("expected cells covering the box")
	}

	m := NewModel(ix, 9)
	x, err := ix.CellAt(30.52, 13.41, 9)
	if err != nil {
		t.Fatal(err)
	}

	set, res, err := m.TogglePoint(30.52, 13.41)
	if err != nil {
		t.Fatalf("TogglePoint: %v", err)
	}
	if res != Selected || set.Len() != 1 || !set.Contains(x) {
		t.Fatalf("expected {%s}, got %v (%s)", x, set.IDs(), res)
	}
	cell, _ := set.Cell()
	if cell.Occupied || cell.Owner != "" || cell.AssetID != "" {
		t.Errorf("new cell should carry no ownership data: %+v", cell)
	}
	lat, lon, _ := ix.CellCentroid(x)
	if cell.Latitude != lat || cell.Longitude != lon {
		t.Errorf("cell centroid (%f,%f), want (%f,%f)", cell.Latitude, cell.Longitude, lat, lon)
	}

	set, res, err = m.TogglePoint(30.52, 13.41)
	if err != nil {
		t.Fatalf("TogglePoint: %v", err)
	}
	if res != Deselected || set.Len() != 0 {
		t.Fatalf("expected {}, got %v (%s)", set.IDs(), res)
	}
}

func TestToggle_Idempotence(t *testing.T) {
	m := newTestModel(t)
	points := [][2]float64{{30.52, 13.41}, {51.5, -0.12}, {-33.86, 151.2}}

	for _, p := range points {
		before := m.Current().IDs()
		m.TogglePoint(p[0], p[1])
		m.TogglePoint(p[0], p[1])
		after := m.Current().IDs()
		if len(before) != len(after) {
			t.Fatalf("toggle twice changed selection: %v -> %v", before, after)
		}
	}
}

func TestToggle_ReplacesRatherThanAccumulates(t *testing.T) {
	m := newTestModel(t)
	m.TogglePoint(30.52, 13.41)
	set, res, err := m.TogglePoint(51.5, -0.12)
	if err != nil {
		t.Fatal(err)
	}
	if res != Selected || set.Len() != 1 {
		t.Fatalf("expected a single replaced cell, got %v", set.IDs())
	}
	london, _ := m.index.CellAt(51.5, -0.12, m.Resolution())
	if !set.Contains(london) {
		t.Fatalf("expected %s selected, got %v", london, set.IDs())
	}
}

func TestToggleFeature(t *testing.T) {
	m := newTestModel(t)
	id, _ := m.index.CellAt(30.52, 13.41, m.Resolution())

	t.Run("noID", func(t *testing.T) {
		for _, props := range []map[string]interface{}{
			nil,
			{},
			{"id": 42},
			{"id": ""},
			{"id": "not-a-cell"},
		} {
			set, res, err := m.ToggleFeature(props)
			if err != nil || res != Ignored || set.Len() != 0 {
				t.Fatalf("expected no-op for %v, got %v %s %v", props, set.IDs(), res, err)
			}
		}
	})

	t.Run("toggle", func(t *testing.T) {
		props := map[string]interface{}{"id": string(id)}
		if set, _, _ := m.ToggleFeature(props); !set.Contains(id) {
			t.Fatalf("expected %s selected", id)
		}
		if set, _, _ := m.ToggleFeature(props); set.Len() != 0 {
			t.Fatal("expected deselect")
		}
	})

	t.Run("otherResolutionIsNoOp", func(t *testing.T) {
		if _, _, err := m.ToggleID(id); err != nil {
			t.Fatal(err)
		}
		other, _ := m.index.CellAt(30.52, 13.41, 7)
		set, res, err := m.ToggleFeature(map[string]interface{}{"id": string(other)})
		if err != nil || res != Ignored {
			t.Fatalf("expected no-op, got %s %v", res, err)
		}
		if !set.Contains(id) || set.Len() != 1 {
			t.Fatalf("selection changed to %v", set.IDs())
		}
		m.Clear()
	})

	t.Run("explicitIDWrongResolution", func(t *testing.T) {
		other, _ := m.index.CellAt(30.52, 13.41, 7)
		_, res, err := m.ToggleID(other)
		if !errors.Is(err, ErrWrongResolution) || res != Ignored {
			t.Fatalf("expected ErrWrongResolution, got %v %s", err, res)
		}
	})
}

func TestTogglePoint_Invalid(t *testing.T) {
	m := newTestModel(t)
	m.TogglePoint(30.52, 13.41)
	before := m.Current().IDs()

	_, res, err := m.TogglePoint(math.NaN(), 13.41)
	if !errors.Is(err, hexindex.ErrInvalidPoint) || res != Ignored {
		t.Fatalf("expected ErrInvalidPoint, got %v", err)
	}
	if after := m.Current().IDs(); after[0] != before[0] {
		t.Fatal("invalid point changed the selection")
	}
}

func TestSetResolution_ClearsSelection(t *testing.T) {
	m := newTestModel(t)
	m.TogglePoint(30.52, 13.41)

	if err := m.SetResolution(m.Resolution()); err != nil {
		t.Fatal(err)
	}
	if m.Current().Len() != 1 {
		t.Fatal("same resolution should keep the selection")
	}
	if err := m.SetResolution(10); err != nil {
		t.Fatal(err)
	}
	if m.Current().Len() != 0 {
		t.Fatal("resolution change should clear the selection")
	}
	if err := m.SetResolution(16); !errors.Is(err, hexindex.ErrInvalidResolution) {
		t.Fatalf("expected ErrInvalidResolution, got %v", err)
	}
	if m.Resolution() != 10 {
		t.Fatalf("failed SetResolution changed resolution to %d", m.Resolution())
	}
}

func TestSetJSON(t *testing.T) {
	data, err := json.Marshal(Set{})
	if err != nil || string(data) != "[]" {
		t.Fatalf("empty set encoded as %s (%v)", data, err)
	}

	s := Single(Cell{ID: "891f1d48177ffff", Latitude: 30.5, Longitude: 13.4})
	data, err = json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	var back Set
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !back.Contains("891f1d48177ffff") {
		t.Fatalf("decoded %s lost its cell", data)
	}

	if err := json.Unmarshal([]byte(`[{"id":"a"},{"id":"b"}]`), &back); err == nil {
		t.Fatal("expected error for more than one cell")
	}
}
