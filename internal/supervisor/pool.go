package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/flock/internal/ipc"
)

var (
	// ErrWorkerExitedOnStartup is returned by Start when a worker exits
	// before the pool became ready. It is fatal: initial boot failures are
	// not retried.
	ErrWorkerExitedOnStartup = errors.New("worker exited on startup")

	// ErrPoolStopped is returned by Start when Stop is called first.
	ErrPoolStopped = errors.New("pool stopped")
)

// DefaultRespawnDelay is how long the pool waits before retrying a spawn
// that failed after the pool became ready.
const DefaultRespawnDelay = time.Second

// State is the lifecycle state of the pool.
type State string

const (
	// StateStarting: workers are being brought up one at a time.
	StateStarting State = "starting"
	// StateReady: the pool reached its desired size once. Worker churn is
	// still handled; the pool never leaves Ready except to stop.
	StateReady State = "ready"
	// StateFailed: a worker died or could not be spawned during warm-up.
	StateFailed State = "failed"
	// StateStopping: Stop was called; exits are no longer replaced.
	StateStopping State = "stopping"
)

// MessageHandler processes the data messages workers send to the
// supervisor. reply sends an answer back to the originating worker.
type MessageHandler interface {
	Handle(msg ipc.Message, reply func(ipc.Message) error) error
}

// Metrics receives pool lifecycle events.
type Metrics interface {
	WorkerSpawned()
	WorkerExited(afterReady bool)
	WorkersLive(n int)
	PoolReady()
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

func (NoopMetrics) WorkerSpawned()    {}
func (NoopMetrics) WorkerExited(bool) {}
func (NoopMetrics) WorkersLive(int)   {}
func (NoopMetrics) PoolReady()        {}

var _ Metrics = NoopMetrics{}

// Config configures a Pool.
type Config struct {
	Spawner      Spawner
	Handler      MessageHandler
	Metrics      Metrics
	Logger       *zap.Logger
	Desired      int           // Target number of workers (must be > 0)
	RespawnDelay time.Duration // Delay before retrying a failed post-ready spawn
}

type (
	spawnEvent struct{}
	initEvent  struct{ w *Worker }
	exitEvent  struct {
		err error
		w   *Worker
	}
)

// Pool spawns and supervises a fixed number of workers.
//
// Warm-up is sequential: Start spawns one worker, and every init received
// while starting either marks the pool ready (once the live count reaches
// the desired size) or spawns the next worker. The pool never holds more
// than Desired live workers.
//
// A worker exit during warm-up fails Start with ErrWorkerExitedOnStartup.
// After the pool is ready, each exit is logged and replaced by exactly one
// new worker.
//
// Spawn, init and exit events are handled on a single goroutine; the
// registry may be read concurrently.
type Pool struct {
	spawner  Spawner
	handler  MessageHandler
	metrics  Metrics
	log      *zap.Logger
	registry *Registry
	ctx      context.Context
	cancel   context.CancelFunc
	startErr error

	events  chan any
	quit    chan struct{}
	ready   chan struct{}
	settled chan struct{}
	drained chan struct{}

	desired      int
	respawnDelay time.Duration
	nextID       int // owned by the event loop

	state State
	mu    sync.RWMutex

	startOnce  sync.Once
	settleOnce sync.Once
	drainOnce  sync.Once
	quitOnce   sync.Once
}

// NewPool creates a pool. Nothing is spawned until Start.
func NewPool(cfg Config) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics{}
	}
	if cfg.RespawnDelay <= 0 {
		cfg.RespawnDelay = DefaultRespawnDelay
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		spawner:      cfg.Spawner,
		handler:      cfg.Handler,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		registry:     NewRegistry(),
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan any, 64),
		quit:         make(chan struct{}),
		ready:        make(chan struct{}),
		settled:      make(chan struct{}),
		drained:      make(chan struct{}),
		desired:      cfg.Desired,
		respawnDelay: cfg.RespawnDelay,
		state:        StateStarting,
	}
}

// Start begins warm-up and blocks until the pool is ready, warm-up failed,
// or ctx is done. It may be called once.
func (p *Pool) Start(ctx context.Context) error {
	started := false
	p.startOnce.Do(func() {
		started = true
		go p.loop()
		p.post(spawnEvent{})
	})
	if !started {
		return errors.New("pool already started")
	}

	select {
	case <-p.settled:
		return p.startErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates every worker and waits for them to exit or for ctx to
// be done. Exits during shutdown are not replaced.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateStopping {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStopping
	p.mu.Unlock()

	p.settle(ErrPoolStopped)
	p.cancel()

	workers := p.registry.Snapshot()
	if len(workers) == 0 {
		p.drainOnce.Do(func() { close(p.drained) })
	}
	for _, w := range workers {
		if err := w.proc.Kill(); err != nil {
			p.log.Warn("failed to stop worker", zap.Int("worker", w.id), zap.Error(err))
		}
	}

	var err error
	select {
	case <-p.drained:
	case <-ctx.Done():
		err = fmt.Errorf("stop pool: %w", ctx.Err())
	}
	p.quitOnce.Do(func() { close(p.quit) })
	return err
}

// Ready is closed when the pool becomes ready.
func (p *Pool) Ready() <-chan struct{} { return p.ready }

// State returns the pool's lifecycle state.
func (p *Pool) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Desired returns the target number of workers.
func (p *Pool) Desired() int { return p.desired }

// WorkerAt returns the live worker at ordinal i.
func (p *Pool) WorkerAt(i int) (*Worker, bool) { return p.registry.At(i) }

// Workers returns a snapshot of the live workers in ordinal order.
func (p *Pool) Workers() []WorkerInfo {
	workers := p.registry.Snapshot()
	out := make([]WorkerInfo, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Info())
	}
	return out
}

func (p *Pool) post(ev any) {
	select {
	case p.events <- ev:
	case <-p.quit:
	}
}

func (p *Pool) loop() {
	for {
		select {
		case ev := <-p.events:
			switch ev := ev.(type) {
			case spawnEvent:
				p.spawn()
			case initEvent:
				p.onInit(ev.w)
			case exitEvent:
				p.onExit(ev.w, ev.err)
			}
		case <-p.quit:
			return
		}
	}
}

func (p *Pool) spawn() {
	if st := p.State(); st != StateStarting && st != StateReady {
		return
	}
	if n := p.registry.Len(); n >= p.desired {
		p.log.Warn("tried to start a new worker but the limit has been reached", zap.Int("workers", n))
		return
	}

	p.nextID++
	id := p.nextID
	p.log.Info("initializing worker", zap.Int("worker", id))

	proc, err := p.spawner.Spawn(p.ctx, id)
	if err != nil {
		p.log.Error("failed to spawn worker", zap.Int("worker", id), zap.Error(err))
		if p.State() == StateStarting {
			p.fail(fmt.Errorf("spawn worker %d: %w", id, err))
			return
		}
		time.AfterFunc(p.respawnDelay, func() { p.post(spawnEvent{}) })
		return
	}

	w := newWorker(id, proc)
	if err := p.registry.Add(w); err != nil {
		p.log.Error("failed to register worker", zap.Int("worker", id), zap.Error(err))
		_ = proc.Kill()
		return
	}
	p.metrics.WorkerSpawned()
	p.metrics.WorkersLive(p.registry.Len())

	go p.receive(w)
	go p.wait(w)
}

func (p *Pool) receive(w *Worker) {
	for {
		msg, err := w.proc.Receive()
		if errors.Is(err, ipc.ErrMalformed) {
			p.log.Error("dropped malformed worker message", zap.Int("worker", w.id), zap.Error(err))
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Warn("worker channel failed", zap.Int("worker", w.id), zap.Error(err))
			}
			return
		}

		switch m := msg.(type) {
		case ipc.Init:
			p.post(initEvent{w: w})
		case ipc.CacheGet, ipc.CacheSet, ipc.CacheDelete:
			if p.handler == nil {
				p.log.Error("no handler for worker message", zap.Int("worker", w.id), zap.String("cmd", string(m.Kind())))
				continue
			}
			if err := p.handler.Handle(m, w.Send); err != nil {
				p.log.Error("failed to handle worker message", zap.Int("worker", w.id), zap.String("cmd", string(m.Kind())), zap.Error(err))
			}
		case ipc.CacheReply, ipc.ConnectionHandoff:
			p.log.Error("invalid supervisor command", zap.Int("worker", w.id), zap.String("cmd", string(m.Kind())))
		default:
			p.log.Error("invalid supervisor command", zap.Int("worker", w.id), zap.Any("message", m))
		}
	}
}

func (p *Pool) wait(w *Worker) {
	err := w.proc.Wait()
	p.post(exitEvent{w: w, err: err})
}

func (p *Pool) onInit(w *Worker) {
	if _, ok := p.registry.Get(w.id); !ok {
		return
	}
	w.setState(WorkerReady)
	p.log.Info("worker initialized", zap.Int("worker", w.id))

	if p.State() != StateStarting {
		return
	}
	if p.registry.Len() >= p.desired {
		p.markReady()
		return
	}
	p.spawn()
}

func (p *Pool) markReady() {
	p.mu.Lock()
	if p.state != StateStarting {
		p.mu.Unlock()
		return
	}
	p.state = StateReady
	p.mu.Unlock()

	close(p.ready)
	p.settle(nil)
	p.metrics.PoolReady()
	p.log.Info("worker pool ready", zap.Int("workers", p.desired))
}

func (p *Pool) onExit(w *Worker, err error) {
	if _, ok := p.registry.Remove(w.id); !ok {
		return
	}
	w.setState(WorkerDead)
	_ = w.proc.Close()
	p.metrics.WorkersLive(p.registry.Len())

	switch p.State() {
	case StateReady:
		p.metrics.WorkerExited(true)
		p.log.Error("worker exited", zap.Int("worker", w.id), zap.String("status", exitStatus(err)))
		p.spawn()
	case StateStarting:
		p.metrics.WorkerExited(false)
		p.log.Error("worker exited on startup", zap.Int("worker", w.id), zap.String("status", exitStatus(err)))
		p.fail(fmt.Errorf("%w: worker %d: %s", ErrWorkerExitedOnStartup, w.id, exitStatus(err)))
	case StateStopping:
		p.log.Info("worker stopped", zap.Int("worker", w.id), zap.String("status", exitStatus(err)))
		if p.registry.Len() == 0 {
			p.drainOnce.Do(func() { close(p.drained) })
		}
	default:
		p.log.Warn("worker exited", zap.Int("worker", w.id), zap.String("status", exitStatus(err)))
	}
}

func (p *Pool) fail(err error) {
	p.mu.Lock()
	if p.state != StateStarting {
		p.mu.Unlock()
		return
	}
	p.state = StateFailed
	p.mu.Unlock()

	p.settle(err)
}

func (p *Pool) settle(err error) {
	p.settleOnce.Do(func() {
		p.startErr = err
		close(p.settled)
	})
}

func exitStatus(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
