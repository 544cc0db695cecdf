package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/flock/internal/ipc"
)

var (
	// ErrNoWorker means no live worker exists at the computed ordinal.
	ErrNoWorker = errors.New("no worker at index")

	// ErrNoTransport means the target worker's channel cannot carry
	// connections.
	ErrNoTransport = errors.New("worker transport cannot carry connections")
)

const (
	// DefaultRealIPHeader is the header consulted for the client address.
	DefaultRealIPHeader = "X-Forwarded-For"

	// DefaultReadTimeout bounds the initial read on a new connection.
	DefaultReadTimeout = 5 * time.Second

	// initialReadSize caps the bytes read before routing.
	initialReadSize = 64 << 10
)

// Target is a worker the router can hand connections to.
type Target interface {
	ID() int
	Send(msg ipc.Message) error
}

// LookupFunc returns the live worker at ordinal i.
type LookupFunc func(i int) (Target, bool)

// Metrics receives routing events.
type Metrics interface {
	Routed(workerID int)
	RoutingMiss()
	HandoffFailed()
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

func (NoopMetrics) Routed(int)     {}
func (NoopMetrics) RoutingMiss()   {}
func (NoopMetrics) HandoffFailed() {}

var _ Metrics = NoopMetrics{}

// Config configures a Router.
type Config struct {
	Lookup       LookupFunc
	Metrics      Metrics
	Logger       *zap.Logger
	Host         string
	RealIPHeader string
	Port         int
	Workers      int // modulus for the ip hash
	ReadTimeout  time.Duration
}

// Router accepts client connections on the public port and hands each one
// to the worker chosen by hashing the client's address.
type Router struct {
	lookup   LookupFunc
	metrics  Metrics
	log      *zap.Logger
	listener net.Listener
	marker   []byte
	addr     string
	workers  int
	timeout  time.Duration
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// New creates a router. Call Listen, then Serve.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics{}
	}
	if cfg.RealIPHeader == "" {
		cfg.RealIPHeader = DefaultRealIPHeader
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	return &Router{
		lookup:  cfg.Lookup,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		marker:  headerMarker(cfg.RealIPHeader),
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		workers: cfg.Workers,
		timeout: cfg.ReadTimeout,
	}
}

// Listen binds the public address. Callers treat a bind failure as fatal.
func (r *Router) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", r.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.addr, err)
	}

	r.mu.Lock()
	r.listener = ln
	r.mu.Unlock()

	r.log.Info("router listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Close releases the listener. Serve closes it itself when its context
// ends; Close is for a router that will never be served.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

// Serve runs the accept loop until ctx is done. Connections being routed
// when ctx ends are allowed to finish their handoff.
func (r *Router) Serve(ctx context.Context) error {
	r.mu.Lock()
	ln := r.listener
	r.mu.Unlock()
	if ln == nil {
		return errors.New("router: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				r.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				r.log.Warn("accept failed; retrying", zap.Duration("backoff", backoff), zap.Error(err))
				time.Sleep(backoff)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				r.wg.Wait()
				return nil
			}
			r.log.Error("accept failed", zap.Error(err))
			backoff = nextBackoff(backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.route(conn); err != nil {
				r.log.Error("failed to route connection",
					zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// route reads the initial bytes, resolves the client address and hands
// the connection off. On error the connection is closed.
func (r *Router) route(conn net.Conn) error {
	initial, err := r.readInitial(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	ip := RealIP(initial, r.marker, conn.RemoteAddr())
	idx := WorkerIndex(ip, r.workers)

	var target Target
	ok := false
	if r.lookup != nil {
		target, ok = r.lookup(idx)
	}
	if !ok || target == nil {
		r.metrics.RoutingMiss()
		_ = conn.Close()
		return fmt.Errorf("%w %d (ip %s)", ErrNoWorker, idx, ip)
	}

	err = target.Send(ipc.ConnectionHandoff{Conn: conn, RealIP: ip, Initial: initial})
	if err != nil {
		r.metrics.HandoffFailed()
		_ = conn.Close()
		if errors.Is(err, ipc.ErrUnsupported) {
			err = ErrNoTransport
		}
		return fmt.Errorf("hand off to worker %d: %w", target.ID(), err)
	}

	r.metrics.Routed(target.ID())
	r.log.Debug("connection routed", zap.String("ip", ip), zap.Int("index", idx), zap.Int("worker", target.ID()))
	return nil
}

// readInitial performs the single read that precedes routing. A client
// that sends nothing before the deadline is routed on its peer address.
func (r *Router) readInitial(conn net.Conn) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	buf := make([]byte, initialReadSize)
	n, err := conn.Read(buf)
	if resetErr := conn.SetReadDeadline(time.Time{}); resetErr != nil {
		return nil, fmt.Errorf("clear read deadline: %w", resetErr)
	}
	if err != nil {
		var ne net.Error
		if n == 0 && errors.As(err, &ne) && ne.Timeout() {
			return nil, nil
		}
		if n == 0 {
			return nil, fmt.Errorf("read initial bytes: %w", err)
		}
	}
	return buf[:n], nil
}

func headerMarker(name string) []byte {
	return bytes.ToLower([]byte(name + ":"))
}
