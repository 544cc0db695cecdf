package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/flock/internal/cache"
)

// maxValueSize caps request bodies stored through PUT /cache/{key}.
const maxValueSize = 1 << 20

// Cache is the cache API the application uses. *cache.Client implements it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
}

var _ Cache = (*cache.Client)(nil)

// AppConfig configures the worker's HTTP application.
type AppConfig struct {
	Started     time.Time
	Cache       Cache
	Logger      *zap.Logger
	WorkerID    int
	Development bool // include error details in responses
}

type route struct {
	pattern string
	handler http.HandlerFunc
}

type app struct {
	started time.Time
	cache   Cache
	log     *zap.Logger
	routes  []route
	id      int
	dev     bool
}

// NewApp returns the HTTP handler served by every worker:
//
//	GET    /status       worker id, uptime and the caller's address
//	GET    /docs         list of routes
//	GET    /cache/{key}  cached value, 404 when absent
//	PUT    /cache/{key}  store the body, optional ?ttl=<ms>
//	DELETE /cache/{key}  remove the key
//
// Every response carries permissive CORS headers. Errors are written as
// {"success":false,"error":...}.
func NewApp(cfg AppConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Started.IsZero() {
		cfg.Started = time.Now()
	}
	a := &app{
		started: cfg.Started,
		cache:   cfg.Cache,
		log:     cfg.Logger,
		id:      cfg.WorkerID,
		dev:     cfg.Development,
	}

	a.routes = []route{
		{"GET /status", a.handleStatus},
		{"GET /docs", a.handleDocs},
		{"GET /cache/{key}", a.handleCacheGet},
		{"PUT /cache/{key}", a.handleCacheSet},
		{"DELETE /cache/{key}", a.handleCacheDelete},
	}

	mux := http.NewServeMux()
	for _, r := range a.routes {
		mux.HandleFunc(r.pattern, r.handler)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, http.StatusNotFound, fmt.Errorf("no route for %s %s", r.Method, r.URL.Path))
	})
	return cors(mux)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET,PUT,POST,DELETE")
		h.Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusResponse struct {
	IP      string  `json:"ip"`
	Uptime  float64 `json:"uptime"`
	Worker  int     `json:"worker"`
	Success bool    `json:"success"`
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Success: true,
		Worker:  a.id,
		Uptime:  time.Since(a.started).Seconds(),
		IP:      ClientIP(r),
	})
}

func (a *app) handleDocs(w http.ResponseWriter, _ *http.Request) {
	var b strings.Builder
	b.WriteString(`<html><head><meta name="viewport" content="width=device-width, initial-scale=1">`)
	b.WriteString("<title>API Documentation</title></head><body>")
	b.WriteString("<h2>Available Routes</h2>")
	for _, r := range a.routes {
		fmt.Fprintf(&b, "<div><h4>%s</h4></div>", html.EscapeString(r.pattern))
	}
	b.WriteString("</body></html>")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, b.String())
}

func (a *app) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, ok, err := a.cache.Get(r.Context(), key)
	if err != nil {
		a.writeError(w, cacheErrorStatus(err), fmt.Errorf("cache get %q: %w", key, err))
		return
	}
	if !ok {
		a.writeError(w, http.StatusNotFound, fmt.Errorf("key %q not found", key))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

func (a *app) handleCacheSet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var ttl time.Duration
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			a.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid ttl %q", raw))
			return
		}
		ttl = time.Duration(ms) * time.Millisecond
	}

	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	if err := a.cache.Set(key, value, ttl); err != nil {
		a.writeError(w, cacheErrorStatus(err), fmt.Errorf("cache set %q: %w", key, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := a.cache.Delete(key); err != nil {
		a.writeError(w, cacheErrorStatus(err), fmt.Errorf("cache delete %q: %w", key, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func cacheErrorStatus(err error) int {
	switch {
	case errors.Is(err, cache.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, cache.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Success bool   `json:"success"`
}

// writeError sends the error envelope. Outside development the detail is
// replaced by the status text.
func (a *app) writeError(w http.ResponseWriter, status int, err error) {
	msg := http.StatusText(status)
	if a.dev {
		msg = err.Error()
	}
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		a.log.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type realIPKey struct{}

// withRealIP is used as http.Server.ConnContext so handlers can see the
// address the router resolved for a handed-off connection.
func withRealIP(ctx context.Context, c net.Conn) context.Context {
	if hc, ok := c.(*handoffConn); ok && hc.realIP != "" {
		return context.WithValue(ctx, realIPKey{}, hc.realIP)
	}
	return ctx
}

// ClientIP returns the client's real address: the one resolved by the
// router when the connection was handed off, else the request's peer host.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(realIPKey{}).(string); ok {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
