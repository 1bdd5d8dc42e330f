// Package server serves health probes and a read-only view of persisted
// pipeline runs.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/hpcflow/internal/errors"
	"github.com/3leaps/hpcflow/internal/server/handlers"
	"github.com/3leaps/hpcflow/internal/server/middleware"
)

// Server is the HTTP status server.
type Server struct {
	host string
	port int

	router chi.Router
	http   *http.Server

	runs   handlers.RunReader
	log    *zap.Logger
	limits Timeouts
}

// Timeouts bound the HTTP server.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithRunStore mounts the /v1 run routes backed by store.
func WithRunStore(store handlers.RunReader) Option {
	return func(s *Server) { s.runs = store }
}

// WithLogger sets the request logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithTimeouts sets the HTTP server timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.limits = t }
}

// New builds the router. The server is not started.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:   host,
		port:   port,
		log:    zap.NewNop(),
		limits: Timeouts{Read: 30 * time.Second, Write: 30 * time.Second, Idle: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(s.log))
	r.Use(middleware.ErrorHandler)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewNotFoundError("no route for "+req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewMethodNotAllowedError(req.Method+" not allowed on "+req.URL.Path))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.runs != nil {
		rh := handlers.NewRunsHandler(s.runs)
		r.Route("/v1", func(r chi.Router) {
			r.Get("/runs", rh.List)
			r.Get("/runs/{runID}", rh.Get)
			r.Get("/locks", rh.Leases)
		})
	}

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Addr returns host:port.
func (s *Server) Addr() string { return net.JoinHostPort(s.host, strconv.Itoa(s.port)) }

// Start serves until ctx is done, then shuts down within shutdownTimeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	s.http = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.limits.Read,
		ReadHeaderTimeout: s.limits.Read,
		WriteTimeout:      s.limits.Write,
		IdleTimeout:       s.limits.Idle,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status server listening", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
