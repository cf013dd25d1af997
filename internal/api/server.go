// Package api serves the control endpoints of the runtime (health, status,
// log level and the event stream) and carries the integration's webhooks on
// the same listener.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/webhook"
)

// Runtime is the part of the dispatch registry the server reports on.
type Runtime interface {
	Status(claims *auth.LedgerClaims) dispatch.IntegrationStatus
	Webhooks() *webhook.Router
}

// Config holds API server configuration.
type Config struct {
	Listen        string
	IntegrationID string
	TypeID        string
	LedgerID      string
	Party         string
	// MetadataHash is the digest of the loaded metadata files.
	MetadataHash string
	// Verifier, when set, restricts the log level and event endpoints to
	// holders of the integration party.
	Verifier auth.Verifier
}

// Server is the HTTP front of the runtime.
type Server struct {
	config    Config
	runtime   Runtime
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	handler   http.Handler
}

// New creates the server and mounts the webhook routes, which freezes them.
func New(config Config, runtime Runtime, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(0)
	}
	s := &Server{
		config:    config,
		runtime:   runtime,
		hub:       hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
	s.handler = s.setupRoutes()
	return s
}

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.config.Listen }

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)

	r.Group(func(r chi.Router) {
		r.Use(s.operatorOnly)
		r.Post("/log-level", s.handleLogLevel)
		r.Get("/events", s.handleEvents)
		r.Get("/events/ws", s.handleEventsWS)
	})

	s.runtime.Webhooks().Mount(r)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

// quietPaths are polled by probes and dashboards; they are logged only with
// runtime debug enabled.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/status":  true,
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if quietPaths[r.URL.Path] && !debugEnabled() {
			return
		}
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
