package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/rtdispatch/internal/config"
	"github.com/me/rtdispatch/internal/runs"
	"github.com/me/rtdispatch/internal/scenario"
	"github.com/me/rtdispatch/internal/store"
)

// Server is the rtdispatch trace API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	parser    *scenario.Parser
	validator *scenario.Validator
	store     store.Store
	runs      *runs.Service // optional; enables POST /runs
	poll      time.Duration
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithRunService lets clients submit scenarios for execution.
func WithRunService(svc *runs.Service) Option {
	return func(s *Server) {
		s.runs = svc
	}
}

// WithPollInterval sets how often event streams look for new events.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		s.poll = d
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		parser:    scenario.NewParser(logger),
		validator: scenario.NewValidator(logger),
		store:     st,
		poll:      time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Post("/scenarios/validate", s.handleValidateScenario)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleCreateRun)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Delete("/", s.handleDeleteRun)
				r.Get("/events", s.handleListEvents)
			})
		})

		r.Route("/sse", func(r chi.Router) {
			r.Get("/runs/{id}/events", s.handleSSEEvents)
		})
	})
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: h,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
