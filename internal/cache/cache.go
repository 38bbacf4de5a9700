// Package cache provides caching for encoded overlays and cell features.
package cache

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/landplot/server/internal/projection"
)

// Config contains cache configuration.
type Config struct {
	OverlayCacheSizeMB int
	OverlayTTL         time.Duration
	FeatureCacheSize   int
}

// Manager manages the overlay and feature caches.
//
// Overlays are stored zstd-compressed; a viewport's GeoJSON is highly
// repetitive and compresses well.
type Manager struct {
	overlayCache *bigcache.BigCache
	featureCache *lru.Cache[string, []byte]
	encoder      *zstd.Encoder
	decoder      *zstd.Decoder
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.OverlayTTL <= 0 {
		cfg.OverlayTTL = 10 * time.Minute
	}
	if cfg.FeatureCacheSize <= 0 {
		cfg.FeatureCacheSize = 1000
	}

	overlayCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.OverlayTTL,
		CleanWindow:        cfg.OverlayTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024,
		HardMaxCacheSize:   cfg.OverlayCacheSizeMB,
		Verbose:            false,
	}

	overlayCache, err := bigcache.New(context.Background(), overlayCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create overlay cache: %w", err)
	}

	featureCache, err := lru.New[string, []byte](cfg.FeatureCacheSize)
	if err != nil {
		overlayCache.Close()
		return nil, fmt.Errorf("failed to create feature cache: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		overlayCache.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		overlayCache.Close()
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Manager{
		overlayCache: overlayCache,
		featureCache: featureCache,
		encoder:      encoder,
		decoder:      decoder,
	}, nil
}

// GetOverlay retrieves an encoded overlay from cache.
func (m *Manager) GetOverlay(key string) ([]byte, bool) {
	compressed, err := m.overlayCache.Get(key)
	if err != nil {
		return nil, false
	}
	data, err := m.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetOverlay stores an encoded overlay in cache.
func (m *Manager) SetOverlay(key string, data []byte) error {
	return m.overlayCache.Set(key, m.encoder.EncodeAll(data, nil))
}

// GetFeature retrieves an encoded cell feature from cache.
func (m *Manager) GetFeature(key string) ([]byte, bool) {
	return m.featureCache.Get(key)
}

// SetFeature stores an encoded cell feature in cache.
func (m *Manager) SetFeature(key string, data []byte) {
	m.featureCache.Add(key, data)
}

// OverlayKey generates a cache key for the overlay of box at res.
// Coordinates are rounded to 1e-7 degrees (about 1 cm).
func OverlayKey(res int, box projection.BoundingBox) string {
	return fmt.Sprintf("overlay:%d:%d,%d,%d,%d", res,
		quantize(box.North), quantize(box.South), quantize(box.East), quantize(box.West))
}

// FeatureKey generates a cache key for a single cell feature.
func FeatureKey(id string) string {
	return "cell:" + id
}

func quantize(v float64) int64 {
	return int64(math.Round(v * 1e7))
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.overlayCache.Stats()
	return map[string]interface{}{
		"overlay_cache_len":    m.overlayCache.Len(),
		"overlay_cache_cap":    m.overlayCache.Capacity(),
		"overlay_cache_hits":   stats.Hits,
		"overlay_cache_misses": stats.Misses,
		"feature_cache_len":    m.featureCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.decoder.Close()
	m.encoder.Close()
	return m.overlayCache.Close()
}
