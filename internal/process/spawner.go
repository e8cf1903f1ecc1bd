package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"syscall"
)

// ErrExec marks a failure to load the program image. The process slot and
// descriptors were available; only the executable could not be run.
var ErrExec = errors.New("exec failed")

// SpawnConfig holds the parameters needed to spawn a child process.
type SpawnConfig struct {
	Command     string               // $PATH-resolved like execvp
	Args        []string             // command arguments (not including argv[0])
	Env         []string             // environment variables (KEY=VALUE), nil inherits
	Stdout      *os.File             // nil = /dev/null
	Stderr      *os.File             // nil = /dev/null
	ExtraFiles  []*os.File           // ExtraFiles[i] becomes descriptor 3+i
	SysProcAttr *syscall.SysProcAttr // additional proc attributes
}

// SpawnedProcess represents a running child process. Children are reaped
// through a Reaper, never through the handle.
type SpawnedProcess interface {
	Pid() int
	Signal(os.Signal) error
}

// ProcessSpawner creates child processes. Implementations include
// ExecSpawner (real) and MockSpawner (testing).
type ProcessSpawner interface {
	Spawn(cfg SpawnConfig) (SpawnedProcess, error)
}

// ExecSpawner spawns real OS processes via os/exec. Descriptors other than
// stdio and ExtraFiles are close-on-exec in Go, so the child starts with
// exactly 0..2+len(ExtraFiles) open.
type ExecSpawner struct{}

type execProcess struct {
	proc *os.Process
}

// Spawn starts a real child process with the given config.
func (s *ExecSpawner) Spawn(cfg SpawnConfig) (SpawnedProcess, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.Env != nil {
		cmd.Env = cfg.Env
	}

	// Set process group for isolation. A new session already implies one,
	// and setpgid fails on a session leader.
	if cfg.SysProcAttr != nil {
		cmd.SysProcAttr = cfg.SysProcAttr
	} else {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	if !cmd.SysProcAttr.Setsid {
		cmd.SysProcAttr.Setpgid = true
	}

	// Only *os.File values: anything else makes os/exec start copy
	// goroutines that are joined by Cmd.Wait, which is never called.
	if cfg.Stdout != nil {
		cmd.Stdout = cfg.Stdout
	}
	if cfg.Stderr != nil {
		cmd.Stderr = cfg.Stderr
	}
	cmd.ExtraFiles = cfg.ExtraFiles

	if err := cmd.Start(); err != nil {
		return nil, classifyStartError(cfg.Command, err)
	}
	return &execProcess{proc: cmd.Process}, nil
}

// resourceErrnos are fork failures; os.StartProcess reports them as
// *fs.PathError just like a missing binary.
var resourceErrnos = []error{syscall.EAGAIN, syscall.ENOMEM, syscall.EMFILE, syscall.ENFILE}

func classifyStartError(command string, err error) error {
	for _, errno := range resourceErrnos {
		if errors.Is(err, errno) {
			return fmt.Errorf("cannot start %s: %w", command, err)
		}
	}
	var execErr *exec.Error
	var pathErr *fs.PathError
	if errors.As(err, &execErr) || errors.As(err, &pathErr) {
		return fmt.Errorf("%w: %s: %v", ErrExec, command, err)
	}
	return fmt.Errorf("cannot start %s: %w", command, err)
}

func (p *execProcess) Pid() int                   { return p.proc.Pid }
func (p *execProcess) Signal(sig os.Signal) error { return p.proc.Signal(sig) }

// MockSpawner is a test double for ProcessSpawner.
type MockSpawner struct {
	SpawnFn    func(cfg SpawnConfig) (SpawnedProcess, error)
	SpawnCalls []SpawnConfig
}

// Spawn records the call and delegates to SpawnFn.
func (m *MockSpawner) Spawn(cfg SpawnConfig) (SpawnedProcess, error) {
	m.SpawnCalls = append(m.SpawnCalls, cfg)
	if m.SpawnFn != nil {
		return m.SpawnFn(cfg)
	}
	return &MockProcess{pid: 1000 + len(m.SpawnCalls)}, nil
}

// MockProcess is a test double for SpawnedProcess.
type MockProcess struct {
	pid      int
	signalFn func(os.Signal) error
}

// NewMockProcess creates a MockProcess with the given PID.
func NewMockProcess(pid int) *MockProcess {
	return &MockProcess{pid: pid}
}

func (p *MockProcess) Pid() int { return p.pid }

func (p *MockProcess) Signal(sig os.Signal) error {
	if p.signalFn != nil {
		return p.signalFn(sig)
	}
	return nil
}
