package cache

import (
	"bytes"
	"testing"
	"time"

	"github.com/landplot/server/internal/projection"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{OverlayCacheSizeMB: 8, OverlayTTL: time.Minute, FeatureCacheSize: 4})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestOverlayKey(t *testing.T) {
	box := projection.BoundingBox{North: 30.53, South: 30.51, East: 13.42, West: 13.40}

	t.Run("stable", func(t *testing.T) {
		if OverlayKey(9, box) != OverlayKey(9, box) {
			t.Fatal("expected stable key")
		}
	})

	t.Run("roundsBelowPrecision", func(t *testing.T) {
		jittered := box
		jittered.North += 1e-9
		if OverlayKey(9, box) != OverlayKey(9, jittered) {
			t.Fatal("expected sub-centimeter jitter to share a key")
		}
	})

	t.Run("resolutionMatters", func(t *testing.T) {
		if OverlayKey(9, box) == OverlayKey(10, box) {
			t.Fatal("expected resolution in key")
		}
	})

	t.Run("boxMatters", func(t *testing.T) {
		moved := box
		moved.East += 0.001
		if OverlayKey(9, box) == OverlayKey(9, moved) {
			t.Fatal("expected different boxes to differ")
		}
	})
}

func TestOverlayRoundTrip(t *testing.T) {
	m := newTestManager(t)
	payload := bytes.Repeat([]byte(`{"type":"Feature","properties":{"id":"891f1d48177ffff"}}`), 200)

	if _, ok := m.GetOverlay("missing"); ok {
		t.Fatal("expected miss")
	}
	if err := m.SetOverlay("k", payload); err != nil {
		t.Fatalf("SetOverlay: %v", err)
	}
	got, ok := m.GetOverlay("k")
	if !ok {
		t.Fatal("expected hit")
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("overlay changed in cache")
	}
}

func TestFeatureCacheEvicts(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		m.SetFeature(FeatureKey(id), []byte(id))
	}
	if _, ok := m.GetFeature(FeatureKey("a")); ok {
		t.Fatal("expected oldest feature to be evicted")
	}
	if v, ok := m.GetFeature(FeatureKey("e")); !ok || string(v) != "e" {
		t.Fatalf("expected newest feature, got %q %v", v, ok)
	}
	if n := m.Stats()["feature_cache_len"]; n != 4 {
		t.Fatalf("expected 4 cached features, got %v", n)
	}
}
