// Package server provides the HTTP operator API for Kestrel.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/kestrel/internal/orchestrator"
)

// Config holds server configuration.
type Config struct {
	Log     zerolog.Logger
	Engine  *orchestrator.Orchestrator
	Port    int
	DevMode bool
}

// Server is the HTTP operator API.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	engine *orchestrator.Orchestrator
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		engine: cfg.Engine,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/account", s.handleAccount)
		r.Get("/positions", s.handlePositions)
		r.Get("/conditions", s.handleConditions)
		r.Get("/scores", s.handleScores)
		r.Get("/patterns", s.handlePatterns)
		r.Get("/rules", s.handleRules)
		r.Get("/journal", s.handleJournal)
		r.Get("/adaptations", s.handleAdaptations)
		r.Get("/reflections/latest", s.handleLatestReflection)

		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/reflect", s.handleReflect)
		r.Post("/blacklist", s.handleBlacklist)
		r.Post("/unblacklist", s.handleUnblacklist)
		r.Post("/adaptations/{id}/rollback", s.handleRollback)
	})
}

// Start starts the HTTP server. Blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
