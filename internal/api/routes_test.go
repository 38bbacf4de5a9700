package api

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landplot/server/internal/cache"
	"github.com/landplot/server/internal/config"
	"github.com/landplot/server/internal/hexindex"
	"github.com/landplot/server/internal/overlay"
	"github.com/landplot/server/internal/projection"
	"github.com/landplot/server/internal/render"
	"github.com/landplot/server/internal/scheduler"
	"github.com/landplot/server/internal/session"
	"github.com/landplot/server/internal/sessionstore"
)

const referenceQuery = "longitude=13.41&latitude=30.52&zoom=14&width=390&height=700"

func newTestRouter(t *testing.T) *chi.Mux {
	t.Helper()

	cfg := config.DefaultConfig()
	ix, err := hexindex.New(hexindex.Config{})
	require.NoError(t, err)
	c, err := cache.NewManager(cache.Config{OverlayCacheSizeMB: 16})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	synth := overlay.NewSynthesizer(overlay.Config{Index: ix, Cache: c, Resolution: cfg.Grid.Resolution})
	sessions, err := session.NewManager(session.ManagerConfig{
		SQLitePath:      filepath.Join(t.TempDir(), "sessions.db"),
		DefaultViewport: projection.Viewport{Longitude: 13.41, Latitude: 30.52, Zoom: 14, Width: 390, Height: 700},
		Session: session.Config{
			Synthesizer: synth,
			Scheduler:   scheduler.Config{Window: 10 * time.Millisecond, MinZoom: 12, OverlayMinZoom: 13.5},
			MinZoom:     cfg.Map.MinZoom,
			MaxZoom:     cfg.Map.MaxZoom,
		},
	})
	require.NoError(t, err)
	t.Cleanup(sessions.Stop)

	return NewRouter(RouterConfig{
		Config:      cfg,
		Synthesizer: synth,
		Sessions:    sessions,
		Cache:       c,
	})
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t)
	rr := do(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestConfigEndpoint(t *testing.T) {
	router := newTestRouter(t)
	rr := do(t, router, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp clientConfig
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 9, resp.Grid.Resolution)
	assert.Equal(t, 13.5, resp.Scheduler.OverlayMinZoom)
	assert.Len(t, resp.Layers, 7)
	assert.NotEmpty(t, resp.Heatmap)
}

func TestBBoxEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rr := do(t, router, http.MethodGet, "/api/bbox?"+referenceQuery, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var box projection.BoundingBox
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &box))
	assert.True(t, box.Contains(13.41, 30.52))

	rr = do(t, router, http.MethodGet, "/api/bbox?longitude=13.41&latitude=30.52", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, router, http.MethodGet, "/api/bbox?longitude=13.41&latitude=30.52&zoom=14&width=0&height=700", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestOverlayEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rr := do(t, router, http.MethodGet, "/api/overlay?"+referenceQuery, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/geo+json", rr.Header().Get("Content-Type"))
	fc, err := geojson.UnmarshalFeatureCollection(rr.Body.Bytes())
	require.NoError(t, err)
	require.NotEmpty(t, fc.Features)
	for _, f := range fc.Features {
		id := f.Properties.MustString(overlay.IDProperty)
		assert.Equal(t, 9, hexindex.CellID(id).Resolution())
	}

	// Served from cache the second time, byte for byte.
	again := do(t, router, http.MethodGet, "/api/overlay?"+referenceQuery, "")
	assert.Equal(t, rr.Body.String(), again.Body.String())

	rr = do(t, router, http.MethodGet, "/api/overlay?longitude=13.41&latitude=30.52&zoom=13&width=390&height=700", "")
	require.Equal(t, http.StatusOK, rr.Code)
	fc, err = geojson.UnmarshalFeatureCollection(rr.Body.Bytes())
	require.NoError(t, err)
	assert.Empty(t, fc.Features, "below the overlay gate nothing is drawn")

	rr = do(t, router, http.MethodGet, "/api/overlay?"+referenceQuery+"&resolution=99", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCellEndpoints(t *testing.T) {
	router := newTestRouter(t)

	rr := do(t, router, http.MethodGet, "/api/cells/at?lat=30.52&lon=13.41", "")
	require.Equal(t, http.StatusOK, rr.Code)
	f, err := geojson.UnmarshalFeature(rr.Body.Bytes())
	require.NoError(t, err)
	id := f.Properties.MustString(overlay.IDProperty)
	assert.Equal(t, 9, hexindex.CellID(id).Resolution())

	rr = do(t, router, http.MethodGet, "/api/cells/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code)
	byID, err := geojson.UnmarshalFeature(rr.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, id, byID.Properties.MustString(overlay.IDProperty))
	assert.InDelta(t, 30.52, byID.Properties.MustFloat64("latitude"), 0.01)

	rr = do(t, router, http.MethodGet, "/api/cells/not-a-cell", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, router, http.MethodGet, "/api/cells/at?lat=30.52", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func createSession(t *testing.T, router http.Handler) session.Snapshot {
	t.Helper()
	rr := do(t, router, http.MethodPost, "/api/sessions", "")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	require.NotEmpty(t, snap.ID)
	return snap
}

func TestSessionLifecycle(t *testing.T) {
	router := newTestRouter(t)
	snap := createSession(t, router)
	base := "/api/sessions/" + snap.ID

	rr := do(t, router, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, router, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list []session.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	require.Eventually(t, func() bool {
		rr := do(t, router, http.MethodGet, base+"/overlay", "")
		seq, _ := strconv.ParseUint(rr.Header().Get(overlaySeqHeader), 10, 64)
		return rr.Code == http.StatusOK && seq > 0
	}, 2*time.Second, 10*time.Millisecond)

	rr = do(t, router, http.MethodPut, base+"/viewport", `{"longitude":13.5,"latitude":30.52,"zoom":14,"width":390,"height":700}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var vr viewportResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &vr))
	assert.Equal(t, string(scheduler.OutcomeScheduled), vr.Outcome)

	rr = do(t, router, http.MethodPut, base+"/viewport", `{"longitude":13.5,"latitude":30.52,"zoom":14,"width":0,"height":700}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, router, http.MethodGet, base+"/overlay.png?width=64&height=64", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rr.Body.Bytes(), []byte("\x89PNG")))

	rr = do(t, router, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, router, http.MethodGet, base, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(t, router, http.MethodGet, "/api/sessions/unknown/overlay", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSessionCreateRejectsDegenerateViewport(t *testing.T) {
	router := newTestRouter(t)
	rr := do(t, router, http.MethodPost, "/api/sessions", `{"viewport":{"longitude":0,"latitude":0,"zoom":14,"width":0,"height":0}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, router, http.MethodPost, "/api/sessions", `{"location":{"lat":48.85,"lon":2.35}}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 48.85, snap.Viewport.Latitude)
}

func TestSessionSelection(t *testing.T) {
	router := newTestRouter(t)
	base := "/api/sessions/" + createSession(t, router).ID

	var sel struct {
		Result    string            `json:"result"`
		Selection []json.RawMessage `json:"selection"`
		Filter    []any             `json:"filter"`
	}

	rr := do(t, router, http.MethodPost, base+"/selection/toggle", `{"lat":30.52,"lon":13.41}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sel))
	assert.Equal(t, "selected", sel.Result)
	assert.Len(t, sel.Selection, 1)
	require.Len(t, sel.Filter, 3)
	id := sel.Filter[2].(string)

	rr = do(t, router, http.MethodPost, base+"/selection/toggle", `{"properties":{"id":"`+id+`"}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sel))
	assert.Equal(t, "deselected", sel.Result)
	assert.Empty(t, sel.Selection)

	rr = do(t, router, http.MethodPost, base+"/selection/toggle", `{"properties":{}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sel))
	assert.Equal(t, "ignored", sel.Result)

	rr = do(t, router, http.MethodPost, base+"/selection/toggle", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, router, http.MethodPost, base+"/selection/toggle", `{"id":"zzz"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, router, http.MethodPost, base+"/selection/toggle", `{"id":"`+id+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, router, http.MethodDelete, base+"/selection", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sel))
	assert.Empty(t, sel.Selection)
	assert.Equal(t, []any{"in", "id"}, sel.Filter)
}

func TestSessionResolution(t *testing.T) {
	router := newTestRouter(t)
	base := "/api/sessions/" + createSession(t, router).ID

	rr := do(t, router, http.MethodPost, base+"/selection/toggle", `{"lat":30.52,"lon":13.41}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, router, http.MethodPut, base+"/resolution", `{"resolution":10}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 10, snap.Resolution)
	assert.Equal(t, 0, snap.Selection.Len())

	rr = do(t, router, http.MethodPut, base+"/resolution", `{"resolution":99}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, router, http.MethodPut, base+"/resolution", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSessionStream(t *testing.T) {
	router := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()
	id := createSession(t, router).ID

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + id + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	read := func() map[string]any {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	first, second := read(), read()
	assert.Equal(t, "overlay", first["type"])
	assert.Equal(t, "selection", second["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "press", "lat": 30.52, "lon": 13.41}))

	var sawSelection, sawAck bool
	for i := 0; i < 10 && !(sawSelection && sawAck); i++ {
		msg := read()
		switch msg["type"] {
		case "selection":
			sel, _ := msg["selection"].([]any)
			sawSelection = len(sel) == 1
		case "ack":
			assert.Equal(t, "selected", msg["outcome"])
			sawAck = true
		}
	}
	assert.True(t, sawSelection, "selection update pushed")
	assert.True(t, sawAck, "press acknowledged")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus"}))
	for i := 0; i < 10; i++ {
		msg := read()
		if msg["type"] == "error" {
			assert.Contains(t, msg["error"], "unknown message type")
			return
		}
	}
	t.Fatal("expected an error reply")
}

func TestErrorBodiesAreJSON(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"badQuery", http.MethodGet, "/api/bbox?longitude=13.41", "", http.StatusBadRequest},
		{"projection", http.MethodGet, "/api/bbox?longitude=13.41&latitude=30.52&zoom=14&width=0&height=700", "", http.StatusUnprocessableEntity},
		{"unknownCell", http.MethodGet, "/api/cells/not-a-cell", "", http.StatusNotFound},
		{"unknownSession", http.MethodGet, "/api/sessions/unknown", "", http.StatusNotFound},
		{"badBody", http.MethodPost, "/api/sessions", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, router, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			var body errorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rr := do(t, router, http.MethodGet, "/api/overlay?"+referenceQuery, "")
	require.Equal(t, http.StatusOK, rr.Code)
	snap := createSession(t, router)

	rr = do(t, router, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var stats statsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Sessions.Live)
	assert.Equal(t, 1, stats.Sessions.Stored)
	assert.GreaterOrEqual(t, stats.Cache["overlay_cache_len"], float64(1))
	assert.Contains(t, stats.Cache, "overlay_cache_misses")

	rr = do(t, router, http.MethodGet, "/api/sessions/stored", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var recs []sessionstore.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, snap.ID, recs[0].ID)

	rr = do(t, router, http.MethodDelete, "/api/sessions/"+snap.ID, "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, router, http.MethodGet, "/api/sessions/stored", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestSessionOverlayPNG_EmptyOverlay(t *testing.T) {
	router := newTestRouter(t)
	// Zoom 4 is below the overlay gate, so the overlay stays empty.
	rr := do(t, router, http.MethodPost, "/api/sessions", `{"viewport":{"longitude":13.41,"latitude":30.52,"zoom":4,"width":390,"height":700}}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))

	rr = do(t, router, http.MethodGet, "/api/sessions/"+snap.ID+"/overlay.png", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))

	img, err := png.Decode(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	b := img.Bounds()
	w, h := render.NewRenderer(render.Config{}).Size()
	assert.Equal(t, w, b.Dx())
	assert.Equal(t, h, b.Dy())
	_, _, _, a := img.At(b.Dx()/2, b.Dy()/2).RGBA()
	assert.Zero(t, a)
}
