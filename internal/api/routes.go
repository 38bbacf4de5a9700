// Package api provides HTTP handlers for the landplot server.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/landplot/server/internal/cache"
	"github.com/landplot/server/internal/config"
	"github.com/landplot/server/internal/logging"
	"github.com/landplot/server/internal/metrics"
	"github.com/landplot/server/internal/overlay"
	"github.com/landplot/server/internal/render"
	"github.com/landplot/server/internal/session"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Config      *config.Config
	Synthesizer *overlay.Synthesizer
	Sessions    *session.Manager
	Cache       *cache.Manager
	Renderer    *render.Renderer
	CORSOrigins []string
	Logger      logging.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.Config == nil {
		cfg.Config = config.DefaultConfig()
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewRenderer(render.Config{})
	}
	logger := logging.Component(cfg.Logger, "api")

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", overlaySeqHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/api/stats", statsHandler(cfg.Cache, cfg.Sessions))

	// Stateless grid endpoints
	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Get("/api/config", configHandler(cfg.Config))
		r.Get("/api/bbox", bboxHandler(cfg.Synthesizer))
		r.Get("/api/overlay", overlayHandler(cfg.Synthesizer, cfg.Config.Scheduler))
		r.Get("/api/cells/at", cellAtHandler(cfg.Synthesizer, cfg.Cache))
		r.Get("/api/cells/{id}", cellHandler(cfg.Synthesizer, cfg.Cache))
	})

	// Session-scoped pipeline endpoints
	r.Route("/api/sessions", func(r chi.Router) {
		r.With(middleware.Compress(5)).Post("/", sessionCreateHandler(cfg.Sessions))
		r.With(middleware.Compress(5)).Get("/", sessionListHandler(cfg.Sessions))
		r.With(middleware.Compress(5)).Get("/stored", sessionStoredHandler(cfg.Sessions))

		r.Route("/{id}", func(r chi.Router) {
			r.Use(sessionMiddleware(cfg.Sessions))

			// Upgraded connections must not go through the compressor.
			r.Get("/stream", streamHandler(logger))

			r.Group(func(r chi.Router) {
				r.Use(middleware.Compress(5))
				r.Get("/", sessionGetHandler)
				r.Delete("/", sessionDeleteHandler(cfg.Sessions))
				r.Put("/viewport", sessionViewportHandler)
				r.Put("/resolution", sessionResolutionHandler)
				r.Get("/overlay", sessionOverlayHandler)
				r.Get("/overlay.png", sessionOverlayPNGHandler(cfg.Renderer))
				r.Get("/selection", sessionSelectionHandler)
				r.Delete("/selection", sessionSelectionClearHandler)
				r.Post("/selection/toggle", sessionToggleHandler)
			})
		})
	})

	return r
}
