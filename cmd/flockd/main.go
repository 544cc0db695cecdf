// Package main implements flockd, a supervisor/worker cluster that routes
// client connections to workers by IP hash and shares one in-memory cache
// between them.
//
// The same binary runs in two roles:
//
//	┌──────────────────────── supervisor (M) ────────────────────────┐
//	│  router      :3000   accept, resolve real IP, hash, hand off    │
//	│  pool                spawn / ready / respawn workers            │
//	│  cache store         answers worker cache messages              │
//	│  admin       :9100   /health /workers /cache/stats /metrics     │
//	└───────┬──────────────────────┬──────────────────────┬──────────┘
//	        │ unix socket (fd 3)   │                      │
//	   ┌────┴─────┐           ┌────┴─────┐           ┌────┴─────┐
//	   │  W-1     │           │  W-2     │    ...    │  W-n     │
//	   │  HTTP app│           │  HTTP app│           │  HTTP app│
//	   └──────────┘           └──────────┘           └──────────┘
//
// The supervisor is the default role. It re-executes itself for every
// worker with FLOCK_WORKER_ID set, which selects the worker role.
//
// Configuration comes from an optional YAML file (-config) and FLOCK_*
// environment variables; see package config.
//
// Exit codes:
//   - 0: graceful shutdown on SIGINT or SIGTERM
//   - 1: invalid configuration, bind failure, or a worker died during startup
//
// Example:
//
//	FLOCK_WORKERS=4 FLOCK_ENVIRONMENT=development ./flockd
//	curl -H 'X-Forwarded-For: 10.0.0.5' localhost:3000/status
//	curl -X PUT localhost:3000/cache/greeting?ttl=60000 -d hello
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/dreamware/flock/internal/config"
	"github.com/dreamware/flock/internal/ipc"
	"github.com/dreamware/flock/internal/logging"
	"github.com/dreamware/flock/internal/supervisor"
	"github.com/dreamware/flock/internal/worker"
)

// logFatal is a variable to allow mocking log.Fatalf in tests.
var logFatal = log.Fatalf

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logFatal("failed to load config: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logFatal("%v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if raw := os.Getenv(supervisor.WorkerIDEnv); raw != "" {
		err = runWorkerProcess(ctx, cfg, raw)
	} else {
		err = runSupervisorProcess(ctx, cfg)
	}
	if err != nil {
		logFatal("%v", err)
	}
}

func runSupervisorProcess(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.Environment, logging.RoleSupervisor)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	spawner, err := newSpawner(cfg, logger)
	if err != nil {
		return err
	}

	d, err := newDaemon(ctx, cfg, logger, spawner)
	if err != nil {
		logger.Error("failed to start", zap.Error(err))
		return err
	}
	if err := d.Run(ctx); err != nil {
		logger.Error("supervisor failed", zap.Error(err))
		return err
	}
	return nil
}

// newSpawner picks how workers are started: re-executing this binary, or
// as goroutines when worker_mode is inprocess.
func newSpawner(cfg *config.Config, logger *zap.Logger) (supervisor.Spawner, error) {
	if cfg.WorkerMode == config.ModeInProcess {
		return &worker.LocalSpawner{
			Logger:          logger,
			CacheTimeout:    cfg.CacheTimeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Development:     cfg.Development(),
		}, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &supervisor.ExecSpawner{
		Path:   exe,
		Args:   os.Args[1:],
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

func runWorkerProcess(ctx context.Context, cfg *config.Config, rawID string) error {
	id, err := strconv.Atoi(rawID)
	if err != nil || id < 1 {
		return fmt.Errorf("invalid %s %q", supervisor.WorkerIDEnv, rawID)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Environment, logging.WorkerRole(id))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ch, err := openChannel(os.NewFile(uintptr(ipc.ChildFD), "flock-ipc"))
	if err != nil {
		logger.Error("failed to open supervisor channel", zap.Error(err))
		return err
	}

	w := worker.New(worker.Config{
		Channel:         ch,
		Logger:          logger,
		ID:              id,
		CacheTimeout:    cfg.CacheTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Development:     cfg.Development(),
	})
	if err := w.Run(ctx); err != nil {
		if errors.Is(err, worker.ErrSupervisorGone) {
			logger.Warn("supervisor went away; exiting")
		}
		return err
	}
	return nil
}

// openChannel builds the supervisor channel on f and closes f; the channel
// keeps its own duplicate of the descriptor.
func openChannel(f *os.File) (*ipc.UnixChannel, error) {
	defer f.Close()
	return ipc.FileChannel(f)
}
