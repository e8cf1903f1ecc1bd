package supervisor

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/smtpfd/smtpfd/internal/config"
	"github.com/smtpfd/smtpfd/internal/events"
	"github.com/smtpfd/smtpfd/internal/imsg"
	"github.com/smtpfd/smtpfd/internal/process"
)

// sentMsg is one message recorded by fakeChild.
type sentMsg struct {
	Type  imsg.Type
	Pid   uint32
	Data  string
	HasFD bool
}

// fakeChild stands in for a frontend or engine handle.
type fakeChild struct {
	pid    int
	events chan imsg.Event

	mu     sync.Mutex
	sent   []sentMsg
	closed bool
	failOn imsg.Type
}

func newFakeChild(pid int) *fakeChild {
	return &fakeChild{pid: pid, events: make(chan imsg.Event, 16)}
}

func (c *fakeChild) Pid() int { return c.pid }

func (c *fakeChild) Compose(t imsg.Type, peerID, pid uint32, fd *os.File, data []byte) error {
	if fd != nil {
		fd.Close()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn != imsg.None && t == c.failOn {
		return errors.New("compose failed")
	}
	c.sent = append(c.sent, sentMsg{Type: t, Pid: pid, Data: string(data), HasFD: fd != nil})
	return nil
}

func (c *fakeChild) Events() <-chan imsg.Event { return c.events }

func (c *fakeChild) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChild) messages() []sentMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMsg(nil), c.sent...)
}

func (c *fakeChild) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChild) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// fakeReaper hands out exit statuses. exited are waitable right away;
// running are only returned by a blocking reap.
type fakeReaper struct {
	mu      sync.Mutex
	exited  []process.ExitStatus
	running []process.ExitStatus
}

func (r *fakeReaper) Reap(block bool) (process.ExitStatus, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.exited) > 0 {
		st := r.exited[0]
		r.exited = r.exited[1:]
		return st, true, nil
	}
	if block && len(r.running) > 0 {
		st := r.running[0]
		r.running = r.running[1:]
		return st, true, nil
	}
	return process.ExitStatus{}, false, nil
}

func (r *fakeReaper) remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exited) + len(r.running)
}

// syncBuffer is a bytes.Buffer safe for the run loop goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	s          *Supervisor
	frontend   *fakeChild
	engine     *fakeChild
	spawner    *process.MockSpawner
	reaper     *fakeReaper
	signals    chan os.Signal
	logs       *syncBuffer
	argv       map[process.Role][]string
	fatals     []error
	restricted int
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		frontend: newFakeChild(100),
		engine:   newFakeChild(200),
		spawner:  &process.MockSpawner{},
		reaper:   &fakeReaper{},
		signals:  make(chan os.Signal, 16),
		logs:     &syncBuffer{},
		argv:     make(map[process.Role][]string),
	}
	logger := slog.New(slog.NewTextHandler(env.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s := New(SupervisorConfig{
		Config:     cfg,
		ConfigPath: filepath.Join(dir, "smtpfd.conf"),
		SocketPath: filepath.Join(dir, "smtpfd.sock"),
		Executable: "/usr/sbin/smtpfd",
		Logger:     logger,
		Spawner:    env.spawner,
		Reaper:     env.reaper,
	})
	s.signals = &SignalQueue{C: env.signals, ch: env.signals, logger: logger}
	s.startChild = func(role process.Role, argv []string) (child, error) {
		env.argv[role] = argv
		if role == process.RoleFrontend {
			return env.frontend, nil
		}
		return env.engine, nil
	}
	s.restrict = func() error {
		env.restricted++
		return nil
	}
	s.fatal = func(err error) {
		env.fatals = append(env.fatals, err)
	}
	env.s = s
	return env
}

// started returns an env whose supervisor has completed Start, with the
// startup messages cleared.
func startedEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	env := newTestEnv(t, cfg)
	if err := env.s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	env.frontend.reset()
	env.engine.reset()
	return env
}

// runAsync runs the loop and returns a channel closed when Run returns.
func (env *testEnv) runAsync() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = env.s.Run()
		close(done)
	}()
	return done
}

func (env *testEnv) count(t events.EventType) func() int {
	var mu sync.Mutex
	n := 0
	env.s.Bus().Subscribe(t, func(events.Event) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return n
	}
}

func leaf(name string, argv ...string) *config.Filter {
	return &config.Filter{Name: name, Kind: config.Leaf, Argv: argv}
}

func chain(name string, members ...string) *config.Filter {
	return &config.Filter{Name: name, Kind: config.Chain, Argv: members}
}

func cfgOf(filters ...*config.Filter) *config.Config {
	return &config.Config{Filters: filters}
}

func types(msgs []sentMsg) []imsg.Type {
	out := make([]imsg.Type, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
