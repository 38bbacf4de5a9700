package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/landplot/server/internal/cache"
	"github.com/landplot/server/internal/config"
	"github.com/landplot/server/internal/hexindex"
	"github.com/landplot/server/internal/overlay"
	"github.com/landplot/server/internal/projection"
	"github.com/landplot/server/internal/selection"
	"github.com/landplot/server/internal/session"
	"github.com/landplot/server/pkg/palette"
)

const overlaySeqHeader = "X-Overlay-Seq"

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// httpError maps pipeline errors to status codes.
func httpError(w http.ResponseWriter, err error) {
	var perr *projection.ProjectionError
	switch {
	case errors.As(err, &perr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, session.ErrNotFound), errors.Is(err, hexindex.ErrInvalidCell):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, hexindex.ErrInvalidPoint),
		errors.Is(err, hexindex.ErrInvalidResolution),
		errors.Is(err, selection.ErrWrongResolution):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryFloat(r *http.Request, name string, required bool) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		if required {
			return 0, fmt.Errorf("missing required query param: %s", name)
		}
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

// parseViewport reads a viewport from query params. Bearing and pitch are
// optional.
func parseViewport(r *http.Request) (projection.Viewport, error) {
	var v projection.Viewport
	fields := []struct {
		name     string
		dst      *float64
		required bool
	}{
		{"longitude", &v.Longitude, true},
		{"latitude", &v.Latitude, true},
		{"zoom", &v.Zoom, true},
		{"width", &v.Width, true},
		{"height", &v.Height, true},
		{"bearing", &v.Bearing, false},
		{"pitch", &v.Pitch, false},
	}
	for _, f := range fields {
		val, err := queryFloat(r, f.name, f.required)
		if err != nil {
			return v, err
		}
		*f.dst = val
	}
	return v, nil
}

// parseResolution returns the res query param, or def when absent.
func parseResolution(r *http.Request, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("resolution"))
	if raw == "" {
		return def, nil
	}
	res, err := strconv.Atoi(raw)
	if err != nil || !hexindex.ValidResolution(res) {
		return 0, fmt.Errorf("%w: %q", hexindex.ErrInvalidResolution, raw)
	}
	return res, nil
}

type clientConfig struct {
	Title     string                 `json:"title"`
	Grid      config.GridConfig      `json:"grid"`
	Scheduler schedulerInfo          `json:"scheduler"`
	Map       mapInfo                `json:"map"`
	Layers    []palette.Layer        `json:"layers"`
	Heatmap   []palette.HeatmapLayer `json:"heatmap"`
}

type schedulerInfo struct {
	WindowMS       int     `json:"window_ms"`
	MinZoom        float64 `json:"min_zoom"`
	OverlayMinZoom float64 `json:"overlay_min_zoom"`
}

type mapInfo struct {
	Defaults   config.ViewportDefaults `json:"defaults"`
	MinZoom    float64                 `json:"min_zoom"`
	MaxZoom    float64                 `json:"max_zoom"`
	LocateZoom float64                 `json:"locate_zoom"`
}

func configHandler(cfg *config.Config) http.HandlerFunc {
	resp := clientConfig{
		Title: cfg.Server.Title,
		Grid:  cfg.Grid,
		Scheduler: schedulerInfo{
			WindowMS:       cfg.Scheduler.WindowMS,
			MinZoom:        cfg.Scheduler.MinZoom,
			OverlayMinZoom: cfg.Scheduler.OverlayMinZoom,
		},
		Map: mapInfo{
			Defaults:   cfg.Map.Defaults,
			MinZoom:    cfg.Map.MinZoom,
			MaxZoom:    cfg.Map.MaxZoom,
			LocateZoom: cfg.Map.LocateZoom,
		},
		Layers:  palette.Layers(cfg.Scheduler.OverlayMinZoom, cfg.Map.MaxZoom, nil),
		Heatmap: palette.HeatmapLayers(cfg.Map.MinZoom, cfg.Scheduler.OverlayMinZoom),
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, resp)
	}
}

func bboxHandler(synth *overlay.Synthesizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := parseViewport(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		box, err := synth.Projector().Project(v)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, box)
	}
}

// overlayHandler computes the overlay for a viewport without a session.
// Below the overlay zoom gate the collection is empty.
func overlayHandler(synth *overlay.Synthesizer, sched config.SchedulerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := parseViewport(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		res, err := parseResolution(r, synth.Resolution())
		if err != nil {
			httpError(w, err)
			return
		}

		var data []byte
		if v.Zoom < sched.OverlayMinZoom {
			if _, err := synth.Projector().Project(v); err != nil {
				httpError(w, err)
				return
			}
			data, err = json.Marshal(overlay.Empty(res))
		} else {
			data, err = synth.Encode(v, res)
		}
		if err != nil {
			httpError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.Write(data)
	}
}

func cellAtHandler(synth *overlay.Synthesizer, c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lat, err := queryFloat(r, "lat", true)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		lon, err := queryFloat(r, "lon", true)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		res, err := parseResolution(r, synth.Resolution())
		if err != nil {
			httpError(w, err)
			return
		}
		id, err := synth.Index().CellAt(lat, lon, res)
		if err != nil {
			httpError(w, err)
			return
		}
		writeCell(w, synth, c, id)
	}
}

func cellHandler(synth *overlay.Synthesizer, c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := hexindex.ParseCellID(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, err)
			return
		}
		writeCell(w, synth, c, id)
	}
}

// writeCell writes the polygon feature of id with its centroid attached.
func writeCell(w http.ResponseWriter, synth *overlay.Synthesizer, c *cache.Manager, id hexindex.CellID) {
	key := cache.FeatureKey(string(id))
	if c != nil {
		if data, ok := c.GetFeature(key); ok {
			w.Header().Set("Content-Type", "application/geo+json")
			w.Write(data)
			return
		}
	}

	f, err := synth.Feature(id)
	if err != nil {
		httpError(w, err)
		return
	}
	lat, lon, err := synth.Index().CellCentroid(id)
	if err != nil {
		httpError(w, err)
		return
	}
	f.Properties["resolution"] = id.Resolution()
	f.Properties["latitude"] = lat
	f.Properties["longitude"] = lon

	data, err := f.MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if c != nil {
		c.SetFeature(key, data)
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Write(data)
}

type statsResponse struct {
	Cache    map[string]interface{} `json:"cache,omitempty"`
	Sessions sessionStats           `json:"sessions"`
}

type sessionStats struct {
	Live   int `json:"live"`
	Stored int `json:"stored"`
}

// statsHandler reports cache occupancy and live and persisted session counts.
func statsHandler(c *cache.Manager, sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var resp statsResponse
		if c != nil {
			resp.Cache = c.Stats()
		}
		if sessions != nil {
			stored, err := sessions.Stored()
			if err != nil {
				httpError(w, err)
				return
			}
			resp.Sessions = sessionStats{Live: sessions.Len(), Stored: len(stored)}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
