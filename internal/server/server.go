package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/shutter/internal/app"
	"github.com/ternarybob/shutter/internal/handlers"
)

// Server owns the HTTP listener and routes.
type Server struct {
	app    *app.App
	router *http.ServeMux
	server *http.Server
}

// New creates the HTTP server over a wired application.
func New(application *app.App) *Server {
	s := &Server{app: application}
	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", application.Config.Server.Host, application.Config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.withMiddleware(s.router),
		// Captures can legitimately take a minute; keep write generous.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes wires handlers onto the mux.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	screenshotHandler := handlers.NewScreenshotHandler(s.app.Pipeline, s.app.Logger)
	batchHandler := handlers.NewBatchHandler(s.app.Batch, s.app.Logger)
	cacheHandler := handlers.NewCacheHandler(s.app.ResultCache, s.app.Logger)
	metricsHandler := handlers.NewMetricsHandler(s.app.Metrics)
	statusHandler := handlers.NewStatusHandler(s.app.Status)

	mux.HandleFunc("/screenshot", screenshotHandler.Capture)

	mux.HandleFunc("/api/batch", batchHandler.Submit)
	mux.HandleFunc("/api/batch/", batchHandler.Job)

	mux.HandleFunc("/api/cache/invalidate", cacheHandler.Invalidate)
	mux.HandleFunc("/api/cache/stats", cacheHandler.Stats)

	mux.HandleFunc("/api/metrics", metricsHandler.Metrics)
	mux.HandleFunc("/api/timeseries", metricsHandler.TimeSeries)

	mux.HandleFunc("/api/status", statusHandler.Status)
	mux.HandleFunc("/healthz", statusHandler.Healthz)

	return mux
}

// Start blocks serving HTTP until shutdown.
func (s *Server) Start() error {
	s.app.Logger.Info().Str("address", s.server.Addr).Msg("HTTP server starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info().Msg("Shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.app.Logger.Info().Msg("HTTP server stopped")
	return nil
}
