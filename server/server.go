// Package server provides the HTTP API of the dbflow engine.
//
// The server exposes ticket creation, the operator callbacks that drive a
// ticket through its flows, and read access to pipeline execution records.
//
// # Endpoints
//
//   - GET /health - Health check with build information
//   - GET /metrics - Prometheus metrics (scrape mode only)
//   - POST /api/v1/tickets - Creates a ticket
//   - GET /api/v1/tickets - Lists tickets, optionally filtered by ?status=
//   - GET /api/v1/tickets/{id} - Returns one ticket with its flows
//   - POST /api/v1/tickets/{id}/approval - Approves or rejects the waiting approval flow
//   - POST /api/v1/tickets/{id}/continue - Resumes the waiting pause flow
//   - POST /api/v1/tickets/{id}/retry - Retries the failed flow
//   - POST /api/v1/tickets/{id}/terminate - Terminates the ticket
//   - GET /api/v1/runs - Lists execution records
//   - GET /api/v1/runs/{id} - Returns one execution record with its nodes
//
// # Example
//
//	cfg, err := config.LoadConfig("/etc/dbflow/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv, err := server.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
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

	"github.com/nomis52/dbflow/clients/jobclient"
	"github.com/nomis52/dbflow/config"
	"github.com/nomis52/dbflow/logging"
	"github.com/nomis52/dbflow/server/handlers"
	"github.com/nomis52/dbflow/ticket"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// Server is the dbflow HTTP server.
type Server struct {
	cfg        *config.Config
	addr       string
	logger     *slog.Logger
	logLevel   *slog.LevelVar
	jobService jobclient.Service
	deps       *deps
	router     chi.Router
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server) error

// WithListenAddr overrides the configured listen address.
func WithListenAddr(addr string) Option {
	return func(s *Server) error {
		s.addr = addr
		return nil
	}
}

// WithLogger replaces the logger built from the logging config.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithJobService replaces the job-execution backend selected by the config.
func WithJobService(svc jobclient.Service) Option {
	return func(s *Server) error {
		s.jobService = svc
		return nil
	}
}

// New creates a Server from cfg, opening its stores and registering the
// built-in workflows.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:  cfg,
		addr: cfg.Listener.Addr,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.logger == nil {
		logger, level, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		s.logger = logger
		s.logLevel = level
	}

	d, err := buildDeps(ctx, cfg, s.logger, s.jobService)
	if err != nil {
		return nil, err
	}
	s.deps = d
	s.router = s.routes()
	return s, nil
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// SetLogLevel changes the server's log level at runtime. It has no effect
// when the logger was supplied with WithLogger.
func (s *Server) SetLogLevel(level slog.Level) {
	if s.logLevel != nil {
		s.logLevel.Set(level)
	}
}

// Orchestrator returns the ticket orchestrator.
func (s *Server) Orchestrator() *ticket.Orchestrator {
	return s.deps.orchestrator
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP and the periodic tasks until ctx is cancelled, then shuts
// down gracefully and releases the stores.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}

	s.logger.Info("starting scheduler", "spec", s.cfg.Scheduler.Spec, "next_run", s.deps.scheduler.NextRun())
	s.deps.scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Listener.ShutdownTimeout)
		defer cancel()
		runErr = s.httpServer.Shutdown(shutdownCtx)
	}

	return errors.Join(runErr, s.Close())
}

// Close stops the periodic tasks, cancels running flows and closes the stores.
func (s *Server) Close() error {
	s.deps.scheduler.Stop()
	s.deps.orchestrator.Close()
	return s.deps.close()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	tickets := s.deps.orchestrator
	runs := s.deps.records

	r.Get("/health", handlers.HandleHealth)
	if s.deps.metricsHandler != nil {
		r.Handle("/metrics", s.deps.metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Method(http.MethodPost, "/tickets", handlers.NewCreateTicketHandler(tickets))
		r.Method(http.MethodGet, "/tickets", handlers.NewListTicketsHandler(tickets))
		r.Method(http.MethodGet, "/tickets/{id}", handlers.NewGetTicketHandler(tickets))
		r.Method(http.MethodPost, "/tickets/{id}/approval", handlers.NewApprovalHandler(tickets))
		r.Method(http.MethodPost, "/tickets/{id}/continue", handlers.NewContinueHandler(tickets))
		r.Method(http.MethodPost, "/tickets/{id}/retry", handlers.NewRetryHandler(tickets))
		r.Method(http.MethodPost, "/tickets/{id}/terminate", handlers.NewTerminateHandler(tickets))

		r.Method(http.MethodGet, "/runs", handlers.NewListRunsHandler(runs))
		r.Method(http.MethodGet, "/runs/{id}", handlers.NewGetRunHandler(runs))
	})
	return r
}
