// Package main is the entry point for the landplot server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/landplot/server/internal/api"
	"github.com/landplot/server/internal/cache"
	"github.com/landplot/server/internal/config"
	"github.com/landplot/server/internal/hexindex"
	"github.com/landplot/server/internal/logging"
	"github.com/landplot/server/internal/overlay"
	"github.com/landplot/server/internal/projection"
	"github.com/landplot/server/internal/render"
	"github.com/landplot/server/internal/scheduler"
	"github.com/landplot/server/internal/session"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	bootLogger := logging.NewLogger(config.GetEnv(config.EnvLogLevel, "info"), config.GetEnv(config.EnvLogFormat, "text"))
	config.LoadEnv(bootLogger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.WithError(err).Fatal("Invalid configuration")
	}

	logger := logging.NewLoggerWithService("landplot", cfg.Log.Level, cfg.Log.Format)
	logger.WithField("port", cfg.Server.Port).Info("Starting landplot server")

	// Spatial index
	index, err := hexindex.New(hexindex.Config{
		BoundaryCacheSize: cfg.Cache.BoundaryCacheSize,
		Containment:       hexindex.Containment(cfg.Grid.Containment),
		MaxCells:          cfg.Grid.MaxCells,
		Logger:            logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize spatial index")
	}

	// Encoded overlay and feature caches
	cacheManager, err := cache.NewManager(cache.Config{
		OverlayCacheSizeMB: cfg.Cache.OverlaySizeMB,
		OverlayTTL:         time.Duration(cfg.Cache.OverlayTTLMinutes) * time.Minute,
		FeatureCacheSize:   1000,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize cache")
	}
	defer cacheManager.Close()

	synth := overlay.NewSynthesizer(overlay.Config{
		Projector: projection.NewProjector(projection.Config{
			WidthPadding:  cfg.Projection.WidthPadding,
			HeightPadding: cfg.Projection.HeightPadding,
			Altitude:      cfg.Projection.Altitude,
		}),
		Index:      index,
		Cache:      cacheManager,
		Resolution: cfg.Grid.Resolution,
		Logger:     logger,
	})

	d := cfg.Map.Defaults
	sessions, err := session.NewManager(session.ManagerConfig{
		MaxSessions:   cfg.Sessions.MaxSessions,
		IdleTimeout:   time.Duration(cfg.Sessions.IdleTimeoutMinutes) * time.Minute,
		SQLitePath:    cfg.Sessions.SQLitePath,
		RetentionDays: cfg.Sessions.RetentionDays,
		DefaultViewport: projection.Viewport{
			Longitude: d.Longitude,
			Latitude:  d.Latitude,
			Zoom:      d.Zoom,
			Bearing:   d.Bearing,
			Pitch:     d.Pitch,
			Width:     d.Width,
			Height:    d.Height,
		},
		LocateZoom: cfg.Map.LocateZoom,
		Session: session.Config{
			Synthesizer: synth,
			Scheduler: scheduler.Config{
				Window:         cfg.Scheduler.Window(),
				MinZoom:        cfg.Scheduler.MinZoom,
				OverlayMinZoom: cfg.Scheduler.OverlayMinZoom,
				Logger:         logger,
			},
			MinZoom: cfg.Map.MinZoom,
			MaxZoom: cfg.Map.MaxZoom,
			Logger:  logger,
		},
		Logger: logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize session manager")
	}
	logger.WithFields(logging.Fields{
		"max_sessions":   cfg.Sessions.MaxSessions,
		"retention_days": cfg.Sessions.RetentionDays,
		"sqlite":         cfg.Sessions.SQLitePath,
	}).Info("Session manager ready")

	sessions.Start()
	defer sessions.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Config:      cfg,
		Synthesizer: synth,
		Sessions:    sessions,
		Cache:       cacheManager,
		Renderer:    render.NewRenderer(render.Config{}),
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Server forced to shutdown")
	}

	logger.Info("Server stopped")
}
