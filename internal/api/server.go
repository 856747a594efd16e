// Package api serves the REST and WebSocket surface of the fab daemon.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/randalmurphal/fab/internal/events"
	"github.com/randalmurphal/fab/internal/queue"
	"github.com/randalmurphal/fab/internal/storage"
)

const (
	stopGrace         = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Config holds server settings.
type Config struct {
	// Listen is the TCP address to bind, e.g. ":8080".
	Listen string

	// RateLimit caps task submissions per second. Zero disables limiting.
	RateLimit float64

	// RateBurst is the submission burst allowance.
	RateBurst int

	// Logger for server events. Defaults to slog.Default.
	Logger *slog.Logger
}

// Status is the live daemon snapshot rendered by /api/metrics. The daemon
// implements StatusSource so this package never imports it back.
type Status struct {
	State          string   `json:"state"`
	UptimeSeconds  float64  `json:"uptime_seconds"`
	PoolMax        int      `json:"pool_max"`
	PoolActive     int      `json:"pool_active"`
	ActiveTasks    []string `json:"active_tasks,omitempty"`
	TasksCompleted int64    `json:"tasks_completed"`
	TasksFailed    int64    `json:"tasks_failed"`
	MeanRunSeconds float64  `json:"mean_run_seconds"`
}

// StatusSource reports the daemon's live state.
type StatusSource interface {
	DaemonStatus() Status
}

// Deps are the daemon-owned components the server fronts.
type Deps struct {
	Queue  *queue.Queue
	Store  *storage.Store
	Events events.Publisher
	Status StatusSource
}

// Server is the HTTP API server.
type Server struct {
	cfg     *Config
	logger  *slog.Logger
	queue   *queue.Queue
	store   *storage.Store
	status  StatusSource
	limiter *rate.Limiter
	lists   *listCache
	hub     *wsHub
	mux     *http.ServeMux

	listener net.Listener
	httpSrv  *http.Server
}

// New creates a server with its routes registered. Start binds the listener.
func New(cfg *Config, deps Deps) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		queue:  deps.Queue,
		store:  deps.Store,
		status: deps.Status,
		lists:  newListCache(deps.Store, listCacheTTL),
		hub:    newWSHub(deps.Events, deps.Queue, logger),
		mux:    http.NewServeMux(),
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// CORS wrapper for REST endpoints
	cors := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			h(w, r)
		}
	}

	s.mux.HandleFunc("GET /health", cors(s.handleHealth))
	s.mux.HandleFunc("GET /api/metrics", cors(s.handleMetrics))
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /api/tasks", cors(s.handleCreateTask))
	s.mux.HandleFunc("GET /api/tasks", cors(s.handleListTasks))
	s.mux.HandleFunc("GET /api/tasks/{id}", cors(s.handleGetTask))
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", cors(s.handleCancelTask))
	s.mux.HandleFunc("GET /api/tasks/{id}/transitions", cors(s.handleGetTransitions))

	s.mux.HandleFunc("GET /api/events", s.hub.handleConnect)

	s.mux.HandleFunc("OPTIONS /", cors(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

// Handler returns the route table. Tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start binds the configured address and serves in the background. A port
// that cannot be bound is a startup failure, not something to walk past.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", "error", err)
		}
	}()

	s.logger.Info("api listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address. Before Start it echoes the configured one.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Listen
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests with a short grace period and drops any
// open WebSocket connections.
func (s *Server) Stop() {
	if s.httpSrv == nil {
		return
	}

	s.hub.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("api shutdown incomplete", "error", err)
	}
}
