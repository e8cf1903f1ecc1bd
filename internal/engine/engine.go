// Package engine implements the filtering engine role. The engine holds the
// filter table sent by main and one channel per running filter process; a
// table is assembled from a reconfiguration sequence and becomes active
// only when the sequence ends.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/smtpfd/smtpfd/internal/imsg"
)

// ErrNoSequence is returned for reconfiguration messages that arrive outside
// a RECONF_CONF ... RECONF_END sequence.
var ErrNoSequence = errors.New("engine: no reconfiguration in progress")

// Proc is a running filter process owned by the engine.
type Proc struct {
	Pid int
	ch  *imsg.Channel
}

// Filter is one declared entry. Leaves carry a process; chains carry the
// flattened list of leaf names in delivery order.
type Filter struct {
	Name    string
	Proc    *Proc
	Members []string
}

// Table is an immutable filter configuration.
type Table struct {
	Filters []*Filter
	byName  map[string]*Filter
}

// Lookup returns the filter with the given name, or nil.
func (t *Table) Lookup(name string) *Filter {
	if t == nil {
		return nil
	}
	return t.byName[name]
}

// Len returns the number of declared filters.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Filters)
}

func (t *Table) close() {
	if t == nil {
		return
	}
	for _, f := range t.Filters {
		if f.Proc != nil {
			f.Proc.ch.Close()
		}
	}
}

// candidate is a table under construction.
type candidate struct {
	table *Table
	procs map[string]*Proc
	last  *Filter
}

func newCandidate() *candidate {
	return &candidate{
		table: &Table{byName: make(map[string]*Filter)},
		procs: make(map[string]*Proc),
	}
}

// discard closes processes received for a table that never became active.
func (c *candidate) discard() {
	for _, p := range c.procs {
		p.ch.Close()
	}
}

type channel interface {
	Events() <-chan imsg.Event
	Close() error
}

// Engine receives configuration from main and owns the filter processes.
type Engine struct {
	parent   channel
	frontend *imsg.Channel
	logger   *slog.Logger

	active  atomic.Pointer[Table]
	pending *candidate
}

// New returns an engine reading from parent.
func New(parent channel, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{parent: parent, logger: logger}
}

// Active returns the table currently in force, or nil before the first
// reconfiguration completes.
func (e *Engine) Active() *Table {
	return e.active.Load()
}

// Run handles messages until the channel to main closes, then releases every
// filter process and the frontend link.
func (e *Engine) Run() error {
	defer e.shutdown()

	for {
		var fe <-chan imsg.Event
		if e.frontend != nil {
			fe = e.frontend.Events()
		}

		select {
		case ev := <-e.parent.Events():
			if ev.Closed {
				if ev.Err != nil {
					return fmt.Errorf("engine: parent channel: %w", ev.Err)
				}
				e.logger.Debug("parent channel closed")
				return nil
			}
			if err := e.handle(ev.Msg); err != nil {
				e.logger.Warn("ignoring message", "type", ev.Msg.Type.String(), "error", err)
			}

		case ev := <-fe:
			if ev.Closed {
				e.logger.Info("frontend link closed")
				e.frontend.Close()
				e.frontend = nil
				continue
			}
			if ev.Msg.File != nil {
				ev.Msg.File.Close()
			}
			e.logger.Warn("unexpected message from frontend", "type", ev.Msg.Type.String())
		}
	}
}

func (e *Engine) handle(m imsg.Msg) error {
	switch m.Type {
	case imsg.SocketIPC:
		return e.link(m)
	case imsg.ReconfConf:
		if m.File != nil {
			m.File.Close()
		}
		if e.pending != nil {
			e.logger.Warn("discarding unfinished reconfiguration")
			e.pending.discard()
		}
		e.pending = newCandidate()
		return nil
	case imsg.ReconfFilterProc:
		return e.filterProc(m)
	}

	if m.File != nil {
		m.File.Close()
	}
	switch m.Type {
	case imsg.ReconfFilter:
		return e.declare(string(m.Data))
	case imsg.ReconfFilterNode:
		return e.member(string(m.Data))
	case imsg.ReconfEnd:
		return e.commit()
	default:
		return fmt.Errorf("unexpected message")
	}
}

func (e *Engine) link(m imsg.Msg) error {
	if m.File == nil {
		return fmt.Errorf("%s without descriptor", m.Type)
	}
	ch, err := imsg.New(m.File)
	if err != nil {
		return err
	}
	if e.frontend != nil {
		e.frontend.Close()
	}
	e.frontend = ch
	e.logger.Debug("frontend link established")
	return nil
}

func (e *Engine) filterProc(m imsg.Msg) error {
	if m.File == nil {
		return fmt.Errorf("%s without descriptor", m.Type)
	}
	if e.pending == nil {
		m.File.Close()
		return ErrNoSequence
	}
	name := string(m.Data)
	ch, err := imsg.New(m.File)
	if err != nil {
		return err
	}
	if old, ok := e.pending.procs[name]; ok {
		old.ch.Close()
	}
	e.pending.procs[name] = &Proc{Pid: int(m.Pid), ch: ch}
	e.logger.Debug("filter process received", "filter", name, "pid", m.Pid)
	return nil
}

func (e *Engine) declare(name string) error {
	if e.pending == nil {
		return ErrNoSequence
	}
	t := e.pending.table
	if _, ok := t.byName[name]; ok {
		return fmt.Errorf("filter %q declared twice", name)
	}
	f := &Filter{Name: name, Proc: e.pending.procs[name]}
	delete(e.pending.procs, name)
	t.Filters = append(t.Filters, f)
	t.byName[name] = f
	e.pending.last = f
	return nil
}

func (e *Engine) member(name string) error {
	if e.pending == nil {
		return ErrNoSequence
	}
	if e.pending.last == nil {
		return fmt.Errorf("member %q before any filter", name)
	}
	e.pending.last.Members = append(e.pending.last.Members, name)
	return nil
}

// commit makes the pending table active. Processes of the previous table
// are released, which makes them exit; processes never claimed by a
// declaration are released as well.
func (e *Engine) commit() error {
	if e.pending == nil {
		return ErrNoSequence
	}
	c := e.pending
	e.pending = nil
	c.discard()

	old := e.active.Swap(c.table)
	old.close()
	e.logger.Info("configuration applied", "filters", c.table.Len())
	return nil
}

func (e *Engine) shutdown() {
	if e.pending != nil {
		e.pending.discard()
		e.pending.table.close()
		e.pending = nil
	}
	if t := e.active.Swap(nil); t != nil {
		t.close()
	}
	if e.frontend != nil {
		e.frontend.Close()
		e.frontend = nil
	}
	e.parent.Close()
}
