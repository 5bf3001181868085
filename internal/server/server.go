// Package server exposes the catalog and the diagnostic events over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/videory/internal/config"
	"github.com/mantonx/videory/internal/events"
	"github.com/mantonx/videory/internal/middleware"
	"github.com/mantonx/videory/internal/server/handlers"
)

// Deps are the components the routes read from
type Deps struct {
	Catalog      handlers.VideoStore
	Events       handlers.EventSource
	Publisher    events.Publisher
	Waker        handlers.Waker
	HealthChecks map[string]handlers.HealthCheck
	Logger       hclog.Logger
}

// Server wraps the gin router and its http.Server
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger hclog.Logger
	router *gin.Engine
	http   *http.Server
}

// New builds the router. Call ListenAndServe to accept connections.
func New(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.ErrorLogger(logger))
	if cfg.EnableCORS {
		router.Use(middleware.CORS())
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		router: router,
	}
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return s.http.Addr
}

// ListenAndServe blocks until the server stops. A Shutdown is not an error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP server", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
