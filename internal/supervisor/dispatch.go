package supervisor

import (
	"strconv"

	"github.com/smtpfd/smtpfd/internal/events"
	"github.com/smtpfd/smtpfd/internal/imsg"
	"github.com/smtpfd/smtpfd/internal/logging"
)

// dispatchFrontend handles one event from the frontend channel and returns
// true when the channel is gone and the loop should shut down.
func (s *Supervisor) dispatchFrontend(ev imsg.Event) bool {
	if ev.Closed {
		s.channelClosed("frontend", ev.Err)
		return true
	}
	m := ev.Msg
	if m.File != nil {
		// None of the frontend's requests carries a descriptor.
		m.File.Close()
	}

	s.bus.Publish(events.Event{
		Type: events.ControlRequest,
		Data: map[string]string{"type": m.Type.String()},
	})

	switch m.Type {
	case imsg.CtlReload:
		if err := s.reload(); err != nil {
			s.logger.Warn("configuration reload failed", "error", err)
		}

	case imsg.CtlLogVerbose:
		n, err := m.Int()
		if err != nil {
			s.logger.Warn("bad verbosity request", "error", err)
			return false
		}
		logging.SetVerbose(s.level, n)
		s.logger.Info("log verbosity changed", "verbose", logging.Verbosity(s.level.Level()))
		s.bus.Publish(events.Event{
			Type: events.VerbosityChanged,
			Data: map[string]string{"verbose": strconv.Itoa(logging.Verbosity(s.level.Level()))},
		})

	case imsg.CtlShowMainInfo:
		s.sendStatus(m.Pid)

	default:
		s.logger.Warn("unexpected message from frontend", "type", m.Type.String())
	}
	return false
}

// dispatchEngine handles one event from the engine channel. The engine
// sends nothing the supervisor acts on; only closure matters.
func (s *Supervisor) dispatchEngine(ev imsg.Event) bool {
	if ev.Closed {
		s.channelClosed("engine", ev.Err)
		return true
	}
	if ev.Msg.File != nil {
		ev.Msg.File.Close()
	}
	s.logger.Warn("unexpected message from engine", "type", ev.Msg.Type.String())
	return false
}

func (s *Supervisor) channelClosed(role string, err error) {
	if err != nil {
		s.logger.Warn("channel failed", "role", role, "error", err)
		return
	}
	s.logger.Info("channel closed", "role", role)
}
