package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/smtpfd/smtpfd/internal/config"
	"github.com/smtpfd/smtpfd/internal/events"
	"github.com/smtpfd/smtpfd/internal/imsg"
	"github.com/smtpfd/smtpfd/internal/logging"
	"github.com/smtpfd/smtpfd/internal/process"
)

// spawnFilter starts one leaf with its end of a fresh pair on
// process.ChannelFD and gives the other end to the engine. Running out of
// descriptors or processes goes through the fatal hook.
//
// os/exec reports a failed exec synchronously, so an unrunnable filter is
// logged here as "cannot execute filter" (and counted in
// smtpfd_filter_spawn_errors_total) instead of showing up later as an
// abnormal exit from the reaper. No FILTER_PROC is sent for it.
func (s *Supervisor) spawnFilter(f *config.Filter) error {
	logger := logging.WithFields(s.logger, "filter", f.Name)
	local, remote, err := imsg.Pair()
	if err != nil {
		err = fmt.Errorf("filter %s: %w", f.Name, err)
		s.fatal(err)
		return err
	}

	p, err := s.spawner.Spawn(process.SpawnConfig{
		Command:    f.Argv[0],
		Args:       f.Argv[1:],
		Stderr:     s.stderr,
		ExtraFiles: []*os.File{local},
	})
	local.Close()
	if err != nil {
		remote.Close()
		if errors.Is(err, process.ErrExec) {
			logger.Warn("cannot execute filter", "error", err)
			s.bus.Publish(events.Event{
				Type: events.FilterSpawnFailed,
				Data: map[string]string{"filter": f.Name, "error": err.Error()},
			})
			return nil
		}
		err = fmt.Errorf("filter %s: %w", f.Name, err)
		s.fatal(err)
		return err
	}

	logger.Debug("forked filter", "pid", p.Pid())
	s.bus.Publish(events.Event{
		Type: events.FilterSpawned,
		Data: map[string]string{"filter": f.Name, "pid": strconv.Itoa(p.Pid())},
	})
	return s.engine.Compose(imsg.ReconfFilterProc, 0, uint32(p.Pid()), remote, []byte(f.Name))
}
