// Package api serves the operator surface: status, statistics, Prometheus
// metrics, the audit trail, incident workflow, emergency blocks and
// behavioral profiles.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fantasyguard/internal/alerts"
	"fantasyguard/internal/audit"
	"fantasyguard/internal/config"
	"fantasyguard/internal/detection"
	"fantasyguard/internal/ingest"
	"fantasyguard/internal/pipeline"
	"fantasyguard/internal/ratelimit"
	"fantasyguard/internal/scheduler"
)

// Deps are the components the API reads from and acts on. Alerts,
// Ingestor and Scheduler are optional.
type Deps struct {
	Config     *config.Manager
	Alerts     *alerts.Store
	Limiter    *ratelimit.Limiter
	Detector   *detection.Detector
	Correlator *audit.Correlator
	Guard      *pipeline.Guard
	Ingestor   *ingest.Ingestor
	Scheduler  *scheduler.Scheduler
}

type Server struct {
	deps     Deps
	logger   *slog.Logger
	version  string
	started  time.Time
	validate *validator.Validate
	handler  http.Handler
}

func New(deps Deps, logger *slog.Logger, version string) *Server {
	s := &Server{
		deps:     deps,
		logger:   logger,
		version:  version,
		started:  time.Now().UTC(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	rpm := 600
	if s.deps.Config != nil && s.deps.Config.Get().API.RequestsPerMinute > 0 {
		rpm = s.deps.Config.Get().API.RequestsPerMinute
	}
	r.Use(httprate.Limit(rpm, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/status", s.handleStatus)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/events", func(r chi.Router) {
		r.Get("/", s.handleEvents)
		if s.deps.Ingestor != nil {
			r.Post("/", s.deps.Ingestor.Handler().ServeHTTP)
		}
		r.Get("/{id}", s.handleEvent)
	})
	r.Route("/incidents", func(r chi.Router) {
		r.Get("/", s.handleIncidents)
		r.Get("/{id}", s.handleIncident)
		r.Post("/{id}/status", s.handleIncidentStatus)
		r.Post("/{id}/notes", s.handleIncidentNote)
	})
	r.Get("/alerts", s.handleAlerts)
	r.Route("/blocks", func(r chi.Router) {
		r.Get("/", s.handleBlocks)
		r.Post("/", s.handleBlock)
		r.Delete("/{identifier}", s.handleUnblock)
	})
	r.Get("/profiles/{principal}", s.handleProfile)
	r.Route("/maintenance", func(r chi.Router) {
		r.Get("/", s.handleMaintenance)
		r.Post("/{task}/run", s.handleRunTask)
	})
	return r
}

// Serve runs the HTTP listener until ctx ends. A fresh http.Server is built
// per call so the supervisor can restart it.
func (s *Server) Serve(ctx context.Context) error {
	addr := ":8081"
	if s.deps.Config != nil {
		addr = s.deps.Config.Get().API.Addr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	if s.logger != nil {
		s.logger.Info("api listening", "addr", addr)
	}
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Server) String() string {
	return "operator-api"
}
