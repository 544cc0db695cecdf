package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/flock/internal/ipc"
	"github.com/dreamware/flock/internal/logging"
	"github.com/dreamware/flock/internal/supervisor"
)

// LocalSpawner runs workers as goroutines inside the supervisor process,
// connected to it by an ipc.Pipe. Connections are handed over by reference
// so no descriptor passing is needed.
type LocalSpawner struct {
	Logger *zap.Logger

	// Bootstrap, if set, runs in each worker before it announces init.
	Bootstrap func(ctx context.Context, id int) error

	CacheTimeout    time.Duration
	ShutdownTimeout time.Duration
	Development     bool
}

var _ supervisor.Spawner = (*LocalSpawner)(nil)

// Spawn starts worker id.
func (s *LocalSpawner) Spawn(_ context.Context, id int) (supervisor.Process, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sup, wrk := ipc.Pipe()
	var bootstrap func(context.Context) error
	if s.Bootstrap != nil {
		bootstrap = func(ctx context.Context) error { return s.Bootstrap(ctx, id) }
	}

	w := New(Config{
		Channel:         wrk,
		Bootstrap:       bootstrap,
		Logger:          logging.WithRole(logger, logging.WorkerRole(id)),
		ID:              id,
		CacheTimeout:    s.CacheTimeout,
		ShutdownTimeout: s.ShutdownTimeout,
		Development:     s.Development,
	})

	ctx, cancel := context.WithCancel(context.Background())
	p := &localProcess{Channel: sup, cancel: cancel, done: make(chan struct{})}
	go func() {
		p.err = w.Run(ctx)
		close(p.done)
	}()
	return p, nil
}

type localProcess struct {
	ipc.Channel
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *localProcess) Pid() int { return 0 }

func (p *localProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *localProcess) Kill() error {
	p.cancel()
	return nil
}
