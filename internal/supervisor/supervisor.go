// Package supervisor implements the privileged smtpfd parent: it starts the
// frontend and engine, distributes the filter configuration, spawns filter
// processes, and runs the signal and message loop until shutdown.
package supervisor

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SignalQueue captures OS signals for deferred processing in the main loop.
type SignalQueue struct {
	C      <-chan os.Signal
	ch     chan os.Signal
	logger *slog.Logger
}

// NewSignalQueue creates a signal queue with a buffer of 16 signals.
// It registers for SIGTERM, SIGINT, SIGHUP, and SIGCHLD and ignores SIGPIPE.
func NewSignalQueue(logger *slog.Logger) *SignalQueue {
	signal.Ignore(syscall.SIGPIPE)

	ch := make(chan os.Signal, 16)
	signal.Notify(ch,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGCHLD,
	)
	return &SignalQueue{
		C:      ch,
		ch:     ch,
		logger: logger,
	}
}

// Stop deregisters signal notifications.
func (sq *SignalQueue) Stop() {
	signal.Stop(sq.ch)
}

// State is the lifecycle position of the supervisor.
type State int

const (
	Starting State = iota
	Running
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting down"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}
