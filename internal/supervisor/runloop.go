package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/smtpfd/smtpfd/internal/config"
	"github.com/smtpfd/smtpfd/internal/events"
	"github.com/smtpfd/smtpfd/internal/imsg"
	"github.com/smtpfd/smtpfd/internal/logging"
	"github.com/smtpfd/smtpfd/internal/metrics"
	"github.com/smtpfd/smtpfd/internal/process"
	"github.com/smtpfd/smtpfd/internal/version"
)

// child is the supervisor's view of the frontend or engine.
type child interface {
	Pid() int
	Compose(t imsg.Type, peerID, pid uint32, fd *os.File, data []byte) error
	Events() <-chan imsg.Event
	Close() error
}

// Supervisor is the main daemon run loop.
type Supervisor struct {
	mu         sync.Mutex
	state      State
	config     *config.Config
	configPath string
	macros     map[string]string
	socketPath string
	executable string
	foreground bool

	frontend child
	engine   child

	spawner process.ProcessSpawner
	reaper  process.Reaper
	signals *SignalQueue
	bus     *events.Bus
	metrics *metrics.Collector
	level   *slog.LevelVar
	logger  *slog.Logger
	stderr  *os.File
	started time.Time

	// Hooks replaced by tests.
	startChild func(role process.Role, argv []string) (child, error)
	load       func(path string, macros map[string]string) (*config.Config, []string, error)
	restrict   func() error
	fatal      func(error)

	shutting   bool
	shutdownCh chan struct{}
	doneCh     chan struct{}
}

// SupervisorConfig configures the supervisor.
type SupervisorConfig struct {
	Config     *config.Config
	ConfigPath string
	Macros     map[string]string // -D definitions, reapplied on reload
	SocketPath string
	Executable string // re-executed with -F and -E; defaults to os.Executable
	Foreground bool
	Level      *slog.LevelVar
	Logger     *slog.Logger
	Spawner    process.ProcessSpawner
	Reaper     process.Reaper
	Bus        *events.Bus
	Metrics    *metrics.Collector
}

// New creates a supervisor. Nothing is started until Start.
func New(cfg SupervisorConfig) *Supervisor {
	s := &Supervisor{
		config:     cfg.Config,
		configPath: cfg.ConfigPath,
		macros:     cfg.Macros,
		socketPath: cfg.SocketPath,
		executable: cfg.Executable,
		foreground: cfg.Foreground,
		spawner:    cfg.Spawner,
		reaper:     cfg.Reaper,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		level:      cfg.Level,
		logger:     cfg.Logger,
		stderr:     os.Stderr,
		load:       config.Load,
		restrict:   restrict,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	if s.spawner == nil {
		s.spawner = &process.ExecSpawner{}
	}
	if s.reaper == nil {
		s.reaper = process.WaitReaper{}
	}
	if s.level == nil {
		s.level = new(slog.LevelVar)
	}
	if s.bus == nil {
		s.bus = events.NewBus(s.logger)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	s.metrics.Subscribe(s.bus)
	s.bus.Subscribe(events.All, func(e events.Event) {
		s.logger.Log(context.Background(), logging.LevelTrace, "event", e.Attrs()...)
	})
	s.metrics.SetBuildInfo(version.Version, version.Go())

	s.startChild = func(role process.Role, argv []string) (child, error) {
		h, err := process.Exec(s.spawner, role, argv, s.stderr)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
	s.fatal = func(err error) {
		s.logger.Error("fatal", "error", err)
		os.Exit(1)
	}
	return s
}

// Bus returns the event bus.
func (s *Supervisor) Bus() *events.Bus { return s.bus }

// Config returns the active configuration.
func (s *Supervisor) Config() *config.Config { return s.config }

// State returns the lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start spawns the frontend and engine, links them, pushes the initial
// configuration and enters least-privilege mode. Any error is fatal to the
// caller; children started so far have their channels closed.
func (s *Supervisor) Start() error {
	if s.signals == nil {
		s.signals = NewSignalQueue(s.logger)
	}

	fe, err := s.startChild(process.RoleFrontend, s.childArgv(process.RoleFrontend))
	if err != nil {
		return fmt.Errorf("cannot start frontend: %w", err)
	}
	s.frontend = fe

	en, err := s.startChild(process.RoleEngine, s.childArgv(process.RoleEngine))
	if err != nil {
		s.abort()
		return fmt.Errorf("cannot start engine: %w", err)
	}
	s.engine = en

	s.logger.Debug("children started", "frontend", fe.Pid(), "engine", en.Pid())

	if err := s.linkChildren(); err != nil {
		s.abort()
		return err
	}
	if err := s.distribute(s.config); err != nil {
		s.abort()
		return fmt.Errorf("cannot send configuration: %w", err)
	}
	if err := s.restrict(); err != nil {
		s.abort()
		return fmt.Errorf("cannot restrict supervisor: %w", err)
	}

	s.mu.Lock()
	s.state = Running
	s.mu.Unlock()
	s.started = time.Now()
	s.publishCounts(events.SupervisorStateRunning, s.config)
	s.logger.Info("startup", "pid", os.Getpid(), "version", version.String())
	return nil
}

// childArgv builds the command line for a re-executed role.
func (s *Supervisor) childArgv(role process.Role) []string {
	exe := s.executable
	if exe == "" {
		if p, err := os.Executable(); err == nil {
			exe = p
		} else {
			exe = os.Args[0]
		}
	}
	argv := []string{exe, role.Flag()}
	if s.foreground {
		argv = append(argv, "-d")
	}
	for range logging.Verbosity(s.level.Level()) {
		argv = append(argv, "-v")
	}
	if role == process.RoleFrontend && s.socketPath != "" {
		argv = append(argv, "-s", s.socketPath)
	}
	return argv
}

// linkChildren hands each of frontend and engine one end of a fresh pair.
func (s *Supervisor) linkChildren() error {
	a, b, err := imsg.Pair()
	if err != nil {
		return fmt.Errorf("cannot link frontend and engine: %w", err)
	}
	if err := s.frontend.Compose(imsg.SocketIPC, 0, 0, a, nil); err != nil {
		b.Close()
		return fmt.Errorf("cannot send link to frontend: %w", err)
	}
	if err := s.engine.Compose(imsg.SocketIPC, 0, 0, b, nil); err != nil {
		return fmt.Errorf("cannot send link to engine: %w", err)
	}
	return nil
}

func (s *Supervisor) abort() {
	if s.frontend != nil {
		s.frontend.Close()
	}
	if s.engine != nil {
		s.engine.Close()
	}
}

// Run is the main event loop. It returns after shutdown has completed.
func (s *Supervisor) Run() error {
	defer s.signals.Stop()

	fe := s.frontend.Events()
	en := s.engine.Events()

	for {
		select {
		case sig := <-s.signals.C:
			if s.handleSignal(sig) {
				goto shutdown
			}
		case ev := <-fe:
			if s.dispatchFrontend(ev) {
				goto shutdown
			}
		case ev := <-en:
			if s.dispatchEngine(ev) {
				goto shutdown
			}
		case <-s.shutdownCh:
			goto shutdown
		}
	}

shutdown:
	s.shutdown()
	return nil
}

// handleSignal processes a signal and returns true if shutdown should begin.
func (s *Supervisor) handleSignal(sig os.Signal) bool {
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		s.logger.Info("received signal", "signal", sig.String())
		return true

	case syscall.SIGHUP:
		s.logger.Info("received signal", "signal", sig.String())
		if err := s.reload(); err != nil {
			s.logger.Warn("configuration reload failed", "error", err)
		}
		return false

	case syscall.SIGCHLD:
		s.reapChildren()
		return false

	default:
		s.logger.Warn("unhandled signal", "signal", sig.String())
		return false
	}
}

// reload parses the configuration again and, if it can be distributed,
// makes it the active one. On any error the active configuration stays.
func (s *Supervisor) reload() error {
	if s.State() != Running {
		return fmt.Errorf("reload while %s", s.State())
	}

	id := uuid.Must(uuid.NewV7()).String()
	logger := s.logger.With("reload", id)
	logger.Info("reloading configuration", "path", s.configPath)

	cfg, warnings, err := s.load(s.configPath, s.macros)
	for _, w := range warnings {
		logger.Warn("config warning", "warning", w)
	}
	if err != nil {
		s.bus.Publish(events.Event{
			Type: events.ConfigReloadFailed,
			Data: map[string]string{"reload": id, "error": err.Error()},
		})
		return err
	}

	if err := s.distribute(cfg); err != nil {
		s.bus.Publish(events.Event{
			Type: events.ConfigReloadFailed,
			Data: map[string]string{"reload": id, "error": err.Error()},
		})
		return err
	}

	s.config = cfg
	s.publishCounts(events.ConfigReloaded, cfg)
	logger.Info("configuration reloaded",
		"filters", cfg.Count(config.Leaf), "chains", cfg.Count(config.Chain))
	return nil
}

func (s *Supervisor) publishCounts(t events.EventType, cfg *config.Config) {
	data := map[string]string{}
	if cfg != nil {
		data["filters"] = strconv.Itoa(cfg.Count(config.Leaf))
		data["chains"] = strconv.Itoa(cfg.Count(config.Chain))
	}
	s.bus.Publish(events.Event{Type: t, Data: data})
}

// reapChildren collects every child that has already exited.
func (s *Supervisor) reapChildren() {
	for {
		st, ok, err := s.reaper.Reap(false)
		if err != nil {
			s.logger.Warn("reap failed", "error", err)
			return
		}
		if !ok {
			return
		}
		s.logExit(st)
	}
}

// roleOf attributes a pid to the child holding it.
func (s *Supervisor) roleOf(pid int) process.Role {
	switch {
	case s.frontend != nil && pid == s.frontend.Pid():
		return process.RoleFrontend
	case s.engine != nil && pid == s.engine.Pid():
		return process.RoleEngine
	default:
		return process.RoleFilter
	}
}

func (s *Supervisor) logExit(st process.ExitStatus) {
	role := s.roleOf(st.Pid)
	if st.Abnormal() {
		s.logger.Warn("child process terminated abnormally",
			"role", role.String(), "pid", st.Pid, "status", st.String())
	} else {
		s.logger.Debug("child process exited",
			"role", role.String(), "pid", st.Pid, "status", st.String())
	}
	s.bus.Publish(events.Event{
		Type: events.ProcessExited,
		Data: map[string]string{
			"role":     role.String(),
			"pid":      strconv.Itoa(st.Pid),
			"abnormal": strconv.FormatBool(st.Abnormal()),
		},
	})
}

// shutdown closes both child channels, waits for every child and removes
// the control socket. Only the first call has any effect.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	if s.state >= ShuttingDown {
		s.mu.Unlock()
		return
	}
	s.state = ShuttingDown
	s.mu.Unlock()

	s.logger.Info("shutting down")
	s.bus.Publish(events.Event{Type: events.SupervisorStateStopping, Data: map[string]string{}})

	if err := s.frontend.Close(); err != nil {
		s.logger.Debug("close frontend channel", "error", err)
	}
	if err := s.engine.Close(); err != nil {
		s.logger.Debug("close engine channel", "error", err)
	}
	s.config = nil

	for {
		st, ok, err := s.reaper.Reap(true)
		if err != nil {
			s.logger.Warn("reap failed", "error", err)
			break
		}
		if !ok {
			break
		}
		s.logExit(st)
	}

	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("cannot remove control socket", "path", s.socketPath, "error", err)
		}
	}

	s.mu.Lock()
	s.state = Terminated
	s.mu.Unlock()
	close(s.doneCh)
	s.logger.Info("terminating")
}

// Shutdown asks the run loop to shut down. Safe to call from any goroutine.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shutting {
		s.shutting = true
		close(s.shutdownCh)
	}
}

// Done returns a channel that closes when shutdown has completed.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh }
