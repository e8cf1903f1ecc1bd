package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/smtpfd/smtpfd/internal/process"
)

// daemonEnv marks the detached copy started by Daemonize.
const daemonEnv = "SMTPFD_DAEMONIZED"

// Daemonize detaches from the controlling terminal. Go cannot fork a running
// runtime, so the binary is executed again in a new session with stdio on
// /dev/null. Returns true in the original process, which should exit, and
// false in the detached copy.
func Daemonize(sp process.ProcessSpawner, logger *slog.Logger) (bool, error) {
	if os.Getenv(daemonEnv) == "1" {
		os.Unsetenv(daemonEnv)
		return false, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("daemonize: %w", err)
	}

	p, err := sp.Spawn(process.SpawnConfig{
		Command:     exe,
		Args:        os.Args[1:],
		Env:         append(os.Environ(), daemonEnv+"=1"),
		SysProcAttr: &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return false, fmt.Errorf("daemonize: %w", err)
	}

	logger.Debug("daemonized", "pid", p.Pid())
	return true, nil
}
