package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/flock/internal/cache"
	"github.com/dreamware/flock/internal/ipc"
)

// ErrSupervisorGone is returned by Run when the IPC channel to the
// supervisor closes while the worker is still running.
var ErrSupervisorGone = errors.New("supervisor channel closed")

// DefaultShutdownTimeout bounds the graceful HTTP shutdown.
const DefaultShutdownTimeout = 5 * time.Second

// Config configures a Worker.
type Config struct {
	// Channel connects the worker to its supervisor.
	Channel ipc.Channel

	// Bootstrap runs before the worker announces init. An error aborts
	// the worker before it becomes ready.
	Bootstrap func(ctx context.Context) error

	Logger *zap.Logger

	ID              int
	CacheTimeout    time.Duration
	ShutdownTimeout time.Duration
	Development     bool
}

// Worker serves the connections the supervisor hands to it.
type Worker struct {
	channel   ipc.Channel
	bootstrap func(ctx context.Context) error
	log       *zap.Logger
	client    *cache.Client
	listener  *Listener
	server    *http.Server
	id        int
	shutdown  time.Duration
}

type handoffAddr int

func (handoffAddr) Network() string  { return "handoff" }
func (a handoffAddr) String() string { return fmt.Sprintf("worker-%d", int(a)) }

// New creates a worker. Nothing runs until Run.
func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	client := cache.NewClient(cfg.Channel, cfg.CacheTimeout)
	app := NewApp(AppConfig{
		Cache:       client,
		Logger:      cfg.Logger,
		WorkerID:    cfg.ID,
		Development: cfg.Development,
		Started:     time.Now(),
	})

	server := &http.Server{
		Handler:           app,
		ReadHeaderTimeout: 5 * time.Second,
		ConnContext:       withRealIP,
		ErrorLog:          zap.NewStdLog(cfg.Logger),
	}

	return &Worker{
		channel:   cfg.Channel,
		bootstrap: cfg.Bootstrap,
		log:       cfg.Logger,
		client:    client,
		listener:  NewListener(handoffAddr(cfg.ID)),
		server:    server,
		id:        cfg.ID,
		shutdown:  cfg.ShutdownTimeout,
	}
}

// Cache returns the worker's cache client.
func (w *Worker) Cache() *cache.Client { return w.client }

// Run bootstraps the worker, announces init and serves handed-off
// connections until ctx is done or the supervisor goes away.
func (w *Worker) Run(ctx context.Context) error {
	if w.bootstrap != nil {
		if err := w.bootstrap(ctx); err != nil {
			_ = w.channel.Close()
			return fmt.Errorf("bootstrap worker %d: %w", w.id, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.dispatch(gctx) })

	g.Go(func() error {
		err := w.server.Serve(w.listener)
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		if err := w.channel.Send(ipc.Init{}); err != nil {
			return fmt.Errorf("send init: %w", err)
		}
		w.log.Info("worker ready")
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), w.shutdown)
		defer cancel()

		err := w.server.Shutdown(sctx)
		_ = w.listener.Close()
		w.client.Close()
		_ = w.channel.Close()
		if err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		return nil
	})

	err := g.Wait()
	w.log.Info("worker stopped", zap.Error(err))
	return err
}

// dispatch is the worker's IPC read loop: cache replies go to the client,
// connections to the listener.
func (w *Worker) dispatch(ctx context.Context) error {
	for {
		msg, err := w.channel.Receive()
		if errors.Is(err, ipc.ErrMalformed) {
			w.log.Error("dropped malformed supervisor message", zap.Error(err))
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrSupervisorGone, err)
		}

		switch m := msg.(type) {
		case ipc.CacheReply:
			if !w.client.Deliver(m) {
				w.log.Debug("dropped late cache reply", zap.Uint64("correlation_id", m.CorrelationID))
			}
		case ipc.ConnectionHandoff:
			if err := w.listener.Push(m); err != nil {
				w.log.Warn("failed to accept handed-off connection", zap.String("ip", m.RealIP), zap.Error(err))
			}
		default:
			w.log.Error("invalid worker command", zap.String("cmd", string(msg.Kind())))
		}
	}
}
