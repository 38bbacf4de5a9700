// Package metrics holds the Prometheus collectors for the grid pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ViewportEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "landplot_viewport_events_total",
		Help: "Viewport-changed events by scheduler outcome",
	}, []string{"outcome"})
	TriggersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "landplot_triggers_total",
		Help: "Recompute triggers fired by mode",
	}, []string{"mode"})
	SynthesisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "landplot_synthesis_duration_seconds",
		Help:    "Overlay synthesis duration",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
	})
	OverlayCells = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "landplot_overlay_cells",
		Help:    "Number of cells per synthesized overlay",
		Buckets: []float64{0, 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})
	IndexFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "landplot_index_failures_total",
		Help: "Spatial index calls that degraded to an empty cell set",
	})
	ProjectionErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "landplot_projection_errors_total",
		Help: "Viewports rejected by the projection engine",
	})
	SelectionTogglesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "landplot_selection_toggles_total",
		Help: "Selection toggles by result",
	}, []string{"result"})
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "landplot_sessions_active",
		Help: "Sessions currently held in memory",
	})
	OverlayCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "landplot_overlay_cache_total",
		Help: "Encoded overlay cache lookups by result",
	}, []string{"result"})
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "landplot_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "landplot_http_request_duration_seconds",
		Help:    "HTTP request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func init() {
	prometheus.MustRegister(ViewportEventsTotal)
	prometheus.MustRegister(TriggersTotal)
	prometheus.MustRegister(SynthesisDuration)
	prometheus.MustRegister(OverlayCells)
	prometheus.MustRegister(IndexFailuresTotal)
	prometheus.MustRegister(ProjectionErrorsTotal)
	prometheus.MustRegister(SelectionTogglesTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(OverlayCacheTotal)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}

// Handler exposes the registered collectors.
func Handler() http.Handler { return promhttp.Handler() }

// Middleware records request counts and latency keyed by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
