// Package api exposes the HTTP control surface for the scraper service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dealradar/dealradar/internal/history"
	"github.com/dealradar/dealradar/internal/middleware"
	"github.com/dealradar/dealradar/internal/registry"
	"github.com/dealradar/dealradar/internal/scrape"
	"github.com/dealradar/dealradar/internal/telemetry"
)

const defaultRunWindowHours = 24

// Config controls the server's middleware chain.
type Config struct {
	AuthEnabled bool
	APIKey      string
	Timeout     time.Duration
}

// Server wires HTTP handlers to the worker registry and the run recorder.
type Server struct {
	router   chi.Router
	registry *registry.Registry
	recorder *history.Recorder
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(reg *registry.Registry, recorder *history.Recorder, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	s := &Server{
		registry: reg,
		recorder: recorder,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Metrics)
	r.Use(middleware.Timeout(cfg.Timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(middleware.APIKey(cfg.APIKey))
		}
		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Get("/status", s.tenantStatus)
			r.Route("/sources/{source}", func(r chi.Router) {
				r.Post("/start", s.startWorker)
				r.Post("/stop", s.stopWorker)
			})
		})
		r.Get("/sources/{source}/runs", s.sourceRuns)
		r.Get("/system/stats", s.systemStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startWorker(w http.ResponseWriter, r *http.Request) {
	key := scrape.Key{
		Tenant: chi.URLParam(r, "tenant"),
		Source: chi.URLParam(r, "source"),
	}
	if key.Tenant == "" || key.Source == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "tenant and source are required")
		return
	}

	if err := s.registry.Start(r.Context(), key); err != nil {
		switch {
		case errors.Is(err, scrape.ErrResourceExceeded):
			s.writeError(w, http.StatusTooManyRequests, "resource_exceeded", err.Error())
		case errors.Is(err, scrape.ErrUnknownSource):
			s.writeError(w, http.StatusNotFound, "unknown_source", err.Error())
		default:
			s.logger.Error("start worker failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "internal", "failed to start worker")
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"tenant": key.Tenant,
		"source": key.Source,
		"state":  string(scrape.StatusRunning),
	})
}

func (s *Server) stopWorker(w http.ResponseWriter, r *http.Request) {
	key := scrape.Key{
		Tenant: chi.URLParam(r, "tenant"),
		Source: chi.URLParam(r, "source"),
	}

	if err := s.registry.Stop(key); err != nil {
		if errors.Is(err, scrape.ErrNotRunning) {
			s.writeError(w, http.StatusNotFound, "not_running", err.Error())
			return
		}
		s.logger.Error("stop worker failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal", "failed to stop worker")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"tenant": key.Tenant,
		"source": key.Source,
		"state":  string(scrape.StatusStopped),
	})
}

func (s *Server) tenantStatus(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tenant":  tenant,
		"sources": s.registry.Status(tenant),
	})
}

func (s *Server) sourceRuns(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")

	hours := defaultRunWindowHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "bad_request", "hours must be a positive integer")
			return
		}
		hours = parsed
	}

	window := time.Duration(hours) * time.Hour
	s.writeJSON(w, http.StatusOK, map[string]any{
		"source":       source,
		"window_hours": hours,
		"summary":      s.recorder.Summary(source, window),
		"runs":         s.recorder.Entries(source),
	})
}

func (s *Server) systemStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Stats())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
