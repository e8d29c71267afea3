package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ternarybob/cvforge/internal/app"
	"github.com/ternarybob/cvforge/internal/common"
)

// Server manages the HTTP server and routes
type Server struct {
	app    *app.App
	router *http.ServeMux
	server *http.Server

	authEnabled bool
	apiKey      string
}

// New creates a new HTTP server with the given app
func New(application *app.App) *Server {
	s := &Server{
		app: application,
	}
	s.configureAuth()
	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", application.Config.Server.Host, application.Config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withMiddleware(s.router),
		ReadTimeout:  common.Duration(application.Config.Server.ReadTimeout, 15*time.Second),
		WriteTimeout: common.Duration(application.Config.Server.WriteTimeout, 30*time.Second),
		IdleTimeout:  common.Duration(application.Config.Server.IdleTimeout, 60*time.Second),
	}

	return s
}

// configureAuth resolves the API key. The environment wins over config;
// enabling auth without any key would lock every client out, so that
// combination downgrades to disabled with a warning.
func (s *Server) configureAuth() {
	cfg := s.app.Config.Auth
	s.apiKey = cfg.APIKey
	if env := os.Getenv("CVFORGE_API_KEY"); env != "" {
		s.apiKey = env
	}
	s.authEnabled = cfg.Enabled
	if s.authEnabled && s.apiKey == "" {
		s.app.Logger.Warn().Msg("Auth enabled without an api key, authentication is disabled")
		s.authEnabled = false
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.app.Config.Server.Host, s.app.Config.Server.Port)

	s.app.Logger.Info().
		Str("address", addr).
		Bool("auth", s.authEnabled).
		Msg("HTTP server starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info().Msg("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.app.Logger.Info().Msg("HTTP server stopped")
	return nil
}
