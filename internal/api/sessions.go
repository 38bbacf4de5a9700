package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/landplot/server/internal/hexindex"
	"github.com/landplot/server/internal/projection"
	"github.com/landplot/server/internal/render"
	"github.com/landplot/server/internal/selection"
	"github.com/landplot/server/internal/session"
	"github.com/landplot/server/internal/sessionstore"
	"github.com/landplot/server/pkg/palette"
)

type contextKey string

const sessionKey contextKey = "session"

// sessionMiddleware resolves {id} to a live session and injects it into the
// request context.
func sessionMiddleware(sessions *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			s, err := sessions.Get(id)
			if err != nil {
				httpError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSession(r *http.Request) *session.Session {
	if s, ok := r.Context().Value(sessionKey).(*session.Session); ok {
		return s
	}
	return nil
}

type createSessionRequest struct {
	Viewport *projection.Viewport `json:"viewport,omitempty"`
	Location *session.Location    `json:"location,omitempty"`
}

func sessionCreateHandler(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s, err := sessions.Create(req.Viewport, req.Location)
		if err != nil {
			var perr *projection.ProjectionError
			if errors.As(err, &perr) {
				httpError(w, err)
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.Header().Set("Location", "/api/sessions/"+s.ID())
		writeJSON(w, http.StatusCreated, s.Snapshot())
	}
}

func sessionListHandler(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sessions.List())
	}
}

func sessionStoredHandler(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := sessions.Stored()
		if err != nil {
			httpError(w, err)
			return
		}
		if recs == nil {
			recs = []*sessionstore.Record{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func sessionGetHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func sessionDeleteHandler(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sessions.Delete(chi.URLParam(r, "id")); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type viewportResponse struct {
	Outcome string `json:"outcome"`
}

func sessionViewportHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not found")
		return
	}
	var v projection.Viewport
	if err := decodeBody(r, &v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := s.UpdateViewport(v)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewportResponse{Outcome: string(outcome)})
}

type resolutionRequest struct {
	Resolution *int `json:"resolution"`
}

func sessionResolutionHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not found")
		return
	}
	var req resolutionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Resolution == nil {
		writeError(w, http.StatusBadRequest, "missing required field: resolution")
		return
	}
	if err := s.SetResolution(*req.Resolution); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func sessionOverlayHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not found")
		return
	}
	geom, seq := s.Overlay()
	w.Header().Set(overlaySeqHeader, strconv.FormatUint(seq, 10))
	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Cache-Control", "no-store")
	data, err := geom.MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Write(data)
}

func sessionOverlayPNGHandler(renderer *render.Renderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := getSession(r)
		if s == nil {
			writeError(w, http.StatusInternalServerError, "session not found")
			return
		}
		width, height := renderer.Size()
		if raw := strings.TrimSpace(r.URL.Query().Get("width")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > 4096 {
				writeError(w, http.StatusBadRequest, "invalid width")
				return
			}
			width = n
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("height")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > 4096 {
				writeError(w, http.StatusBadRequest, "invalid height")
				return
			}
			height = n
		}

		geom, seq := s.Overlay()
		var data []byte
		var err error
		if dw, dh := renderer.Size(); geom.Len() == 0 && width == dw && height == dh {
			data, err = renderer.EmptyPNG()
		} else {
			data, err = renderer.RenderOverlay(geom, s.Selection().IDs(), width, height)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set(overlaySeqHeader, strconv.FormatUint(seq, 10))
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(data)
	}
}

type selectionResponse struct {
	Result    string        `json:"result,omitempty"`
	Selection selection.Set `json:"selection"`
	Filter    []any         `json:"filter"`
}

func newSelectionResponse(set selection.Set, res selection.Result) selectionResponse {
	return selectionResponse{
		Result:    string(res),
		Selection: set,
		Filter:    palette.SelectionFilter(set.IDs()),
	}
}

func sessionSelectionHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, newSelectionResponse(s.Selection(), ""))
}

func sessionSelectionClearHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not found")
		return
	}
	s.ClearSelection()
	writeJSON(w, http.StatusOK, newSelectionResponse(s.Selection(), ""))
}

// toggleRequest names the pressed cell in one of three ways: a raw map
// position, a rendered feature's properties, or a cell id.
type toggleRequest struct {
	Lat        *float64               `json:"lat,omitempty"`
	Lon        *float64               `json:"lon,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	ID         string                 `json:"id,omitempty"`
}

func sessionToggleHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not found")
		return
	}
	var req toggleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	set, res, err := toggle(s, req)
	if errors.Is(err, hexindex.ErrInvalidCell) || errors.Is(err, errEmptyToggle) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSelectionResponse(set, res))
}

var errEmptyToggle = errors.New("toggle needs lat/lon, properties or id")

func toggle(s *session.Session, req toggleRequest) (selection.Set, selection.Result, error) {
	switch {
	case req.ID != "":
		id, err := hexindex.ParseCellID(req.ID)
		if err != nil {
			return selection.Set{}, "", err
		}
		return s.ToggleID(id)
	case req.Properties != nil:
		return s.ToggleFeature(req.Properties)
	case req.Lat != nil && req.Lon != nil:
		return s.TogglePoint(*req.Lat, *req.Lon)
	default:
		return selection.Set{}, "", errEmptyToggle
	}
}
