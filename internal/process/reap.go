package process

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExitStatus describes one reaped child.
type ExitStatus struct {
	Pid      int
	Exited   bool
	Code     int
	Signaled bool
	Signal   syscall.Signal
}

// Abnormal reports whether the child was killed or exited non-zero.
func (e ExitStatus) Abnormal() bool {
	return e.Signaled || (e.Exited && e.Code != 0)
}

func (e ExitStatus) String() string {
	switch {
	case e.Signaled:
		return fmt.Sprintf("terminated by signal %d", int(e.Signal))
	case e.Exited && e.Code != 0:
		return fmt.Sprintf("exited with status %d", e.Code)
	default:
		return "exited normally"
	}
}

// Reaper collects exited children.
type Reaper interface {
	// Reap returns the next exited child. Without block it returns
	// ok=false as soon as no child is waitable; with block it waits until
	// a child exits and returns ok=false only once no children remain.
	Reap(block bool) (st ExitStatus, ok bool, err error)
}

// WaitReaper reaps any child of the current process with wait4(2).
type WaitReaper struct{}

// Reap implements Reaper.
func (WaitReaper) Reap(block bool) (ExitStatus, bool, error) {
	opts := 0
	if !block {
		opts = unix.WNOHANG
	}
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, opts, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.ECHILD) {
			return ExitStatus{}, false, nil
		}
		if err != nil {
			return ExitStatus{}, false, fmt.Errorf("wait4: %w", err)
		}
		if pid <= 0 {
			return ExitStatus{}, false, nil
		}
		if !ws.Exited() && !ws.Signaled() {
			// Stopped or continued; not an exit.
			continue
		}
		return ExitStatus{
			Pid:      pid,
			Exited:   ws.Exited(),
			Code:     ws.ExitStatus(),
			Signaled: ws.Signaled(),
			Signal:   ws.Signal(),
		}, true, nil
	}
}
