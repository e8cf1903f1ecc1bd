// Package frontend implements the unprivileged control role. It serves the
// control socket and relays requests to main over the inherited channel;
// status replies are matched to their request by id.
package frontend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/smtpfd/smtpfd/internal/api"
	"github.com/smtpfd/smtpfd/internal/imsg"
)

type channel interface {
	Compose(t imsg.Type, peerID, pid uint32, fd *os.File, data []byte) error
	Events() <-chan imsg.Event
	Close() error
}

// waiter collects one status reply.
type waiter struct {
	buf  bytes.Buffer
	done chan struct{}
}

// Frontend relays control requests to main. It implements api.Controller.
type Frontend struct {
	parent channel
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint32
	waiters map[uint32]*waiter
	gone    bool

	engine *imsg.Channel
}

// New returns a frontend talking to main over parent.
func New(parent channel, logger *slog.Logger) *Frontend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Frontend{
		parent:  parent,
		logger:  logger,
		waiters: make(map[uint32]*waiter),
	}
}

func (f *Frontend) send(t imsg.Type, pid uint32, data []byte) error {
	f.mu.Lock()
	gone := f.gone
	f.mu.Unlock()
	if gone {
		return api.ErrUnavailable
	}
	if err := f.parent.Compose(t, 0, pid, nil, data); err != nil {
		return fmt.Errorf("%w: %v", api.ErrUnavailable, err)
	}
	return nil
}

// Reload asks main to reload its configuration.
func (f *Frontend) Reload() error {
	return f.send(imsg.CtlReload, 0, nil)
}

// SetVerbose asks main to change its log verbosity. n is not checked here.
func (f *Frontend) SetVerbose(n int) error {
	return f.send(imsg.CtlLogVerbose, 0, imsg.PutInt(n))
}

// Status queries main and returns the concatenated reply.
func (f *Frontend) Status(ctx context.Context) ([]byte, error) {
	w := &waiter{done: make(chan struct{})}

	f.mu.Lock()
	if f.gone {
		f.mu.Unlock()
		return nil, api.ErrUnavailable
	}
	f.nextID++
	if f.nextID == 0 {
		f.nextID++
	}
	id := f.nextID
	f.waiters[id] = w
	f.mu.Unlock()

	if err := f.send(imsg.CtlShowMainInfo, id, nil); err != nil {
		f.forget(id)
		return nil, err
	}

	select {
	case <-w.done:
		f.mu.Lock()
		gone := f.gone && w.buf.Len() == 0
		f.mu.Unlock()
		if gone {
			return nil, api.ErrUnavailable
		}
		return w.buf.Bytes(), nil
	case <-ctx.Done():
		f.forget(id)
		return nil, ctx.Err()
	}
}

func (f *Frontend) forget(id uint32) {
	f.mu.Lock()
	delete(f.waiters, id)
	f.mu.Unlock()
}

// Pending returns the number of status queries awaiting a reply.
func (f *Frontend) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// Run handles messages from main until its channel closes.
func (f *Frontend) Run() error {
	defer f.shutdown()

	for {
		var ee <-chan imsg.Event
		if f.engine != nil {
			ee = f.engine.Events()
		}

		select {
		case ev := <-f.parent.Events():
			if ev.Closed {
				if ev.Err != nil {
					return fmt.Errorf("frontend: parent channel: %w", ev.Err)
				}
				f.logger.Debug("parent channel closed")
				return nil
			}
			f.handle(ev.Msg)

		case ev := <-ee:
			if ev.Closed {
				f.logger.Info("engine link closed")
				f.engine.Close()
				f.engine = nil
				continue
			}
			if ev.Msg.File != nil {
				ev.Msg.File.Close()
			}
			f.logger.Warn("unexpected message from engine", "type", ev.Msg.Type.String())
		}
	}
}

func (f *Frontend) handle(m imsg.Msg) {
	if m.Type == imsg.SocketIPC {
		if m.File == nil {
			f.logger.Warn("engine link without descriptor")
			return
		}
		ch, err := imsg.New(m.File)
		if err != nil {
			f.logger.Warn("cannot use engine link", "error", err)
			return
		}
		if f.engine != nil {
			f.engine.Close()
		}
		f.engine = ch
		f.logger.Debug("engine link established")
		return
	}
	if m.File != nil {
		m.File.Close()
	}

	switch m.Type {
	case imsg.CtlMainInfo, imsg.CtlEnd:
		f.mu.Lock()
		w, ok := f.waiters[m.Pid]
		if ok {
			if m.Type == imsg.CtlMainInfo {
				w.buf.Write(m.Data)
			} else {
				delete(f.waiters, m.Pid)
				close(w.done)
			}
		}
		f.mu.Unlock()
		if !ok {
			f.logger.Debug("reply for unknown request", "type", m.Type.String(), "id", m.Pid)
		}
	default:
		f.logger.Warn("unexpected message from main", "type", m.Type.String())
	}
}

// shutdown releases every waiter and the links.
func (f *Frontend) shutdown() {
	f.mu.Lock()
	f.gone = true
	for id, w := range f.waiters {
		delete(f.waiters, id)
		w.buf.Reset()
		close(w.done)
	}
	f.mu.Unlock()

	if f.engine != nil {
		f.engine.Close()
		f.engine = nil
	}
	f.parent.Close()
}
