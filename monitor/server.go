package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/textify/dispatch-go/queue"
)

// StatsProvider is a queue-bound service that can report its queue snapshot.
// The delivery engine's Service satisfies it.
type StatsProvider interface {
	Queue() string
	Stats(ctx context.Context) (queue.QueueInfo, error)
}

// Server exposes /healthz, /stats and /metrics.
type Server struct {
	registry  *Registry
	gatherer  prometheus.Gatherer
	providers []StatsProvider
	logger    *slog.Logger
	srv       *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the structured logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStatsProviders registers the queue services shown under /stats.
func WithStatsProviders(providers ...StatsProvider) ServerOption {
	return func(s *Server) {
		s.providers = append(s.providers, providers...)
	}
}

// NewServer builds the observability endpoint on addr.
func NewServer(addr string, registry *Registry, gatherer prometheus.Gatherer, opts ...ServerOption) *Server {
	s := &Server{
		registry: registry,
		gatherer: gatherer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route mux, usable standalone in tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("monitor endpoint listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.registry.Check(r.Context())

	code := http.StatusOK
	if health.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]queue.QueueInfo, len(s.providers))
	for _, p := range s.providers {
		info, err := p.Stats(r.Context())
		if err != nil {
			s.logger.Warn("failed to collect queue stats", "queue", p.Queue(), "error", err)
			info = queue.QueueInfo{Name: p.Queue(), Messages: -1, Consumers: -1}
		}
		stats[p.Queue()] = info
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
