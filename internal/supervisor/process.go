package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/dreamware/flock/internal/ipc"
)

// WorkerIDEnv names the environment variable that tells a re-executed
// binary it runs as worker <id>.
const WorkerIDEnv = "FLOCK_WORKER_ID"

// Process is a running worker as seen from the supervisor: its IPC channel
// plus process control.
type Process interface {
	ipc.Channel

	// Pid returns the OS process id, or 0 for in-process workers.
	Pid() int

	// Wait blocks until the worker has exited.
	Wait() error

	// Kill asks the worker to terminate.
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, id int) (Process, error)
}

// ExecSpawner starts workers by re-executing a binary with WorkerIDEnv set
// and the child end of a socket pair on descriptor ipc.ChildFD.
type ExecSpawner struct {
	Stdout io.Writer
	Stderr io.Writer
	Path   string
	Args   []string
	Env    []string
}

// Spawn starts worker id. Workers run in their own process group so that a
// terminal's SIGINT reaches only the supervisor, which then stops them.
func (s *ExecSpawner) Spawn(_ context.Context, id int) (Process, error) {
	parent, child, err := ipc.NewSocketPair()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(append(os.Environ(), s.Env...), WorkerIDEnv+"="+strconv.Itoa(id))
	cmd.ExtraFiles = []*os.File{child}
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = parent.Close()
		_ = child.Close()
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}
	_ = child.Close()

	return &execProcess{UnixChannel: parent, cmd: cmd}, nil
}

type execProcess struct {
	*ipc.UnixChannel
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}
