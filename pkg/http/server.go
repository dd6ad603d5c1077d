// Package http serves the coach status API: health, Prometheus metrics, the
// live metrics view and a websocket feed of it, and the last session result.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"aura-coach/pkg/coaching"
	"aura-coach/pkg/config"
	"aura-coach/pkg/errors"
	"aura-coach/pkg/metrics"
	"aura-coach/pkg/session"
	"aura-coach/pkg/version"

	"github.com/sirupsen/logrus"
)

// LiveSource exposes the aggregated metrics
type LiveSource interface {
	Current(ctx context.Context) (coaching.View, error)
}

// ResultSource exposes the last finished session
type ResultSource interface {
	LastResult() (*session.Result, bool)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP status server
type Server struct {
	config     config.HTTPConfig
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	live       LiveSource
	results    ResultSource
	hub        *LiveHub
	startTime  time.Time

	checksMu sync.RWMutex
	checks   map[string]HealthCheck

	addrMu sync.RWMutex
	addr   net.Addr
}

// NewServer creates a new status server
func NewServer(logger *logrus.Logger, cfg config.HTTPConfig, live LiveSource, results ResultSource) *Server {
	server := &Server{
		config:    cfg,
		logger:    logger,
		live:      live,
		results:   results,
		hub:       NewLiveHub(logger),
		startTime: time.Now(),
		checks:    make(map[string]HealthCheck),
	}

	mux := http.NewServeMux()
	server.mux = mux

	addServerHeader := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", version.UserAgent())
			next(w, r)
		}
	}

	mux.HandleFunc("/health", addServerHeader(server.HealthHandler))
	mux.HandleFunc("/api/live", addServerHeader(server.LiveHandler))
	mux.HandleFunc("/api/session/result", addServerHeader(server.ResultHandler))
	mux.HandleFunc("/ws/live", server.hub.ServeWs)

	if cfg.EnableMetrics && metrics.IsMetricsEnabled() {
		metrics.RegisterHandler(mux)
		logger.Info("Prometheus metrics endpoint enabled at /metrics")
	} else {
		logger.Info("Metrics endpoints disabled")
	}

	server.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server
}

// Handler returns the request router
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the live feed hub
func (s *Server) Hub() *LiveHub {
	return s.hub
}

// AddHealthCheck registers a named dependency check reported by /health
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checksMu.Lock()
	s.checks[name] = check
	s.checksMu.Unlock()
}

// Start binds the port, then serves and feeds live clients until ctx is done
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrap(err, "failed to bind HTTP port", map[string]interface{}{"port": s.config.Port})
	}
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()

	go s.hub.Run(ctx)
	go s.hub.Feed(ctx, s.live, s.config.LiveInterval)

	go func() {
		s.logger.WithField("port", s.config.Port).Info("HTTP server listening")
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

// LiveView is the payload of /api/live and of every /ws/live message
type LiveView struct {
	Phase     coaching.Phase         `json:"phase"`
	StartedAt *time.Time             `json:"started_at,omitempty"`
	Elapsed   string                 `json:"elapsed,omitempty"`
	Record    coaching.MetricsRecord `json:"record"`
	Tips      []coaching.Tip         `json:"tips"`
}

// NewLiveView derives the live payload, tips included, from an aggregator view
func NewLiveView(v coaching.View, now time.Time) LiveView {
	lv := LiveView{
		Phase:  v.Phase,
		Record: v.Record,
		Tips:   coaching.Tips(v.Record),
	}
	if v.Phase != coaching.PhaseIdle && !v.StartedAt.IsZero() {
		started := v.StartedAt
		lv.StartedAt = &started
		if v.Phase == coaching.PhaseActive {
			lv.Elapsed = now.Sub(started).Round(time.Second).String()
		}
	}
	return lv
}

// LiveHandler serves the current metrics and tips
func (s *Server) LiveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		s.ErrorResponse(w, errors.NewInvalidInput("method not allowed").WithCode("METHOD_NOT_ALLOWED"))
		return
	}

	view, err := s.live.Current(r.Context())
	if err != nil {
		s.ErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewLiveView(view, time.Now()))
}

// ResultHandler serves the last finished session
func (s *Server) ResultHandler(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		s.ErrorResponse(w, errors.NewSessionNotActive())
		return
	}
	result, ok := s.results.LastResult()
	if !ok {
		s.ErrorResponse(w, errors.Wrap(errors.ErrNotFound, "no finished session yet"))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ErrorResponse sends a standardized error response
func (s *Server) ErrorResponse(w http.ResponseWriter, err error) {
	errors.WriteError(w, err)
	s.logger.WithError(err).Debug("HTTP error response sent")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
