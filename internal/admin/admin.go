// Package admin serves the supervisor's operational HTTP endpoints:
//
//	GET /health       200 once the pool is ready, 503 before
//	GET /workers      pool state and live workers
//	GET /cache/stats  cache store counters
//	GET /metrics      Prometheus exposition
//
// It listens on its own address, separate from the routed public port.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/flock/internal/cache"
	"github.com/dreamware/flock/internal/supervisor"
)

// Pool is the view of the worker pool the admin server reports on.
type Pool interface {
	State() supervisor.State
	Desired() int
	Workers() []supervisor.WorkerInfo
}

// Stats reports cache statistics.
type Stats interface {
	Stats() cache.Stats
}

type server struct {
	pool     Pool
	stats    Stats
	gatherer prometheus.Gatherer
}

// NewHandler returns the admin mux. gatherer may be nil, in which case
// /metrics is not served.
func NewHandler(pool Pool, stats Stats, gatherer prometheus.Gatherer) http.Handler {
	s := &server{pool: pool, stats: stats, gatherer: gatherer}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/workers", s.handleWorkers)
	mux.HandleFunc("/cache/stats", s.handleCacheStats)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := s.pool.State()
	status := http.StatusOK
	if state != supervisor.StateReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		State supervisor.State `json:"state"`
	}{State: state})
}

func (s *server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		State   supervisor.State        `json:"state"`
		Workers []supervisor.WorkerInfo `json:"workers"`
		Desired int                     `json:"desired"`
	}{
		State:   s.pool.State(),
		Desired: s.pool.Desired(),
		Workers: s.pool.Workers(),
	})
}

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server runs the admin handler on its own listener.
type Server struct {
	log      *zap.Logger
	srv      *http.Server
	listener net.Listener
}

// Listen binds addr and prepares a server for handler.
func Listen(addr string, handler http.Handler, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &Server{log: logger, listener: ln, srv: srv}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve runs until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("admin listening", zap.String("addr", s.listener.Addr().String()))
		errc <- s.srv.Serve(s.listener)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	return nil
}
