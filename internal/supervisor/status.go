package supervisor

import (
	"time"

	gpsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/smtpfd/smtpfd/internal/imsg"
	"github.com/smtpfd/smtpfd/internal/process"
)

// childRSS reads a process's resident set size.
var childRSS = func(pid int) (uint64, error) {
	p, err := gpsprocess.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mi.RSS, nil
}

// sendStatus answers a status query: the metrics registry in text format,
// split over as many CtlMainInfo messages as needed, then CtlEnd. reqID is
// echoed so the frontend can route the reply.
func (s *Supervisor) sendStatus(reqID uint32) {
	if !s.started.IsZero() {
		s.metrics.SetUptime(time.Since(s.started).Seconds())
	}
	for _, c := range []struct {
		role process.Role
		ch   child
	}{{process.RoleFrontend, s.frontend}, {process.RoleEngine, s.engine}} {
		rss, err := childRSS(c.ch.Pid())
		if err != nil {
			s.logger.Debug("cannot read child memory", "role", c.role.String(), "error", err)
			continue
		}
		s.metrics.SetProcessRSS(c.role.String(), rss)
	}

	text, err := s.metrics.Text()
	if err != nil {
		s.logger.Warn("cannot render metrics", "error", err)
		text = nil
	}
	for len(text) > 0 {
		n := min(len(text), imsg.MaxPayload)
		if err := s.frontend.Compose(imsg.CtlMainInfo, 0, reqID, nil, text[:n]); err != nil {
			s.logger.Warn("cannot send status", "error", err)
			return
		}
		text = text[n:]
	}
	if err := s.frontend.Compose(imsg.CtlEnd, 0, reqID, nil, nil); err != nil {
		s.logger.Warn("cannot send status", "error", err)
	}
}
