package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/flock/internal/admin"
	"github.com/dreamware/flock/internal/cache"
	"github.com/dreamware/flock/internal/config"
	"github.com/dreamware/flock/internal/metrics"
	"github.com/dreamware/flock/internal/router"
	"github.com/dreamware/flock/internal/supervisor"
)

// adminServer is the part of admin.Server the daemon runs.
type adminServer interface {
	Addr() net.Addr
	Serve(ctx context.Context) error
}

// daemon is the supervisor role: one cache store, one worker pool, the
// public router and the optional admin server.
type daemon struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *cache.Store
	pool     *supervisor.Pool
	router   *router.Router
	admin    adminServer
	registry *prometheus.Registry
}

// newDaemon wires the supervisor and binds its listeners. Failing to bind
// is reported here, before any worker is spawned.
func newDaemon(ctx context.Context, cfg *config.Config, logger *zap.Logger, spawner supervisor.Spawner) (*daemon, error) {
	logger.Debug("effective configuration\n" + cfg.YAML())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store := cache.NewStore(cache.WithMetrics(m))
	pool := supervisor.NewPool(supervisor.Config{
		Desired: cfg.Workers,
		Spawner: spawner,
		Handler: store,
		Metrics: m,
		Logger:  logger,
	})

	r := router.New(router.Config{
		Host:         cfg.APIHost,
		Port:         cfg.APIPort,
		RealIPHeader: cfg.RealIPHeader,
		ReadTimeout:  cfg.HandoffReadTimeout,
		Workers:      cfg.Workers,
		Metrics:      m,
		Logger:       logger,
		Lookup: func(i int) (router.Target, bool) {
			w, ok := pool.WorkerAt(i)
			if !ok {
				return nil, false
			}
			return w, true
		},
	})
	if err := r.Listen(ctx); err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:      cfg,
		log:      logger,
		store:    store,
		pool:     pool,
		router:   r,
		registry: reg,
	}

	if cfg.AdminAddr != "" {
		srv, err := admin.Listen(cfg.AdminAddr, admin.NewHandler(pool, store, reg), logger)
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		d.admin = srv
	}
	return d, nil
}

// Run starts the workers, waits for the pool to become ready, then routes
// connections until ctx is done. A worker dying during startup makes Run
// fail; a signal during startup is a clean exit.
func (d *daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if d.admin != nil {
		g.Go(func() error { return d.admin.Serve(gctx) })
	}

	d.log.Info("starting workers", zap.Int("workers", d.cfg.Workers))
	if err := d.pool.Start(gctx); err != nil {
		d.stopPool()
		_ = d.router.Close()
		cancel()
		if gerr := g.Wait(); gerr != nil {
			return gerr
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("start worker pool: %w", err)
	}
	d.log.Info("cluster ready",
		zap.Int("workers", d.cfg.Workers),
		zap.String("addr", d.router.Addr().String()))

	g.Go(func() error { return d.router.Serve(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		d.stopPool()
		return nil
	})

	err := g.Wait()
	d.log.Info("supervisor stopped")
	return err
}

func (d *daemon) stopPool() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()
	if err := d.pool.Stop(ctx); err != nil {
		d.log.Warn("workers did not stop in time", zap.Error(err))
	}
}
