// Package httpapi provides the HTTP chassis for the ingestion API: a chi
// router with cross-cutting middleware (correlation IDs, panic recovery,
// request logging), the standard response envelope, and the notification
// handlers.
package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dispatch/internal/config"
)

// Server encapsulates the router and its dependencies, allowing injection
// during testing and distinct configuration for different environments.
type Server struct {
	Config *config.Config
	Logger *slog.Logger

	// HealthProbes are checked by GET /healthz.
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer initializes the router and registers global middleware. The
// caller mounts domain handlers afterwards; the separation lets tests
// customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}

	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(logger))

	s.router.Get("/healthz", s.HandleHealth)

	return s, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}
