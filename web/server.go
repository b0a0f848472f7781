// Package web serves the status API, Prometheus metrics and the live
// websocket stream of readings.
package web

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Deps are the collaborators the handlers read from. Only Instances is
// required.
type Deps struct {
	Instances InstanceProvider
	Queue     QueueStatsProvider
	Metrics   http.Handler
	Hub       *Hub
}

// Server encapsulates the HTTP server configuration and dependencies
type Server struct {
	config          *Config
	deps            Deps
	server          *http.Server
	routes          map[string]string
	ctx             context.Context
	systemStartTime time.Time
}

// NewServer creates a new HTTP server. It stops when ctx ends.
func NewServer(ctx context.Context, config *Config, deps Deps) *Server {
	if config == nil {
		panic("web.Config cannot be nil - use config.Load().WebConfig() instead")
	}

	s := &Server{
		config:          config,
		deps:            deps,
		ctx:             ctx,
		systemStartTime: time.Now(),
		routes: map[string]string{
			"/":                 "API information",
			"/health":           "System health",
			"/instances":        "Status of every instance (JSON)",
			"/instances/{name}": "Status of one instance; POST {\"value\": ...} drives writable instances",
			"/queue":            "Delivery queue of every publisher (JSON)",
		},
	}
	if deps.Metrics != nil {
		s.routes["/metrics"] = "Prometheus metrics"
	}
	if deps.Hub != nil {
		s.routes["/ws"] = "Live stream of readings and status events (websocket)"
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /instances", s.handleInstances)
	mux.HandleFunc("GET /instances/{name}", s.handleInstance)
	mux.HandleFunc("POST /instances/{name}", s.handleWrite)
	mux.HandleFunc("GET /queue", s.handleQueue)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	if s.deps.Hub != nil {
		mux.Handle("GET /ws", s.deps.Hub)
	}
	mux.HandleFunc("GET /{$}", s.handleRoot)
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// GetRoutes returns the configured routes and their descriptions
func (s *Server) GetRoutes() map[string]string {
	routesCopy := make(map[string]string, len(s.routes))
	maps.Copy(routesCopy, s.routes)
	return routesCopy
}

// Start serves until the server context ends, then shuts down gracefully.
func (s *Server) Start() error {
	log.WithField("addr", s.server.Addr).Info("Starting HTTP server")

	serverErr := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("failed to start server: %w", err)
		} else {
			serverErr <- nil
		}
	}()

	select {
	case <-s.ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if s.deps.Hub != nil {
			s.deps.Hub.Close()
		}
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Error during server shutdown")
			return fmt.Errorf("failed to shutdown server: %w", err)
		}

		log.Info("HTTP server stopped")
		return nil

	case err := <-serverErr:
		return err
	}
}
