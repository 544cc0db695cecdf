package supervisor

import (
	"sync"
	"time"

	"github.com/dreamware/flock/internal/ipc"
)

// WorkerState is the lifecycle state of a single worker.
type WorkerState string

const (
	// WorkerStarting means the process was spawned but has not sent init yet.
	WorkerStarting WorkerState = "starting"
	// WorkerReady means the worker finished its bootstrap.
	WorkerReady WorkerState = "ready"
	// WorkerDead means the process exited; the record is no longer registered.
	WorkerDead WorkerState = "dead"
)

// Worker is the supervisor's record of one worker process.
type Worker struct {
	spawnedAt time.Time
	proc      Process
	state     WorkerState
	id        int
	mu        sync.RWMutex
}

// WorkerInfo is a read-only view of a Worker.
type WorkerInfo struct {
	SpawnedAt time.Time   `json:"spawned_at"`
	State     WorkerState `json:"state"`
	ID        int         `json:"id"`
	Pid       int         `json:"pid"`
}

func newWorker(id int, proc Process) *Worker {
	return &Worker{
		id:        id,
		proc:      proc,
		state:     WorkerStarting,
		spawnedAt: time.Now(),
	}
}

// ID returns the worker's id. Ids are unique for the lifetime of the
// supervisor and never reused.
func (w *Worker) ID() int { return w.id }

// Send delivers msg to the worker over its IPC channel.
func (w *Worker) Send(msg ipc.Message) error {
	return w.proc.Send(msg)
}

// State returns the worker's lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Info returns a snapshot of the worker.
func (w *Worker) Info() WorkerInfo {
	return WorkerInfo{
		ID:        w.id,
		Pid:       w.proc.Pid(),
		State:     w.State(),
		SpawnedAt: w.spawnedAt,
	}
}
