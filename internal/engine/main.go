package engine

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/smtpfd/smtpfd/internal/imsg"
	"github.com/smtpfd/smtpfd/internal/process"
)

// Main runs the engine role on the channel inherited from main at
// process.ChannelFD, after dropping to the run-time account.
func Main(user string, logger *slog.Logger) error {
	ch, err := imsg.New(os.NewFile(process.ChannelFD, "main"))
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if n, err := process.RaiseFileLimit(); err != nil {
		logger.Warn("cannot raise descriptor limit", "error", err)
	} else {
		logger.Debug("descriptor limit", "nofile", n)
	}
	if err := process.Demote(user, logger); err != nil {
		ch.Close()
		return fmt.Errorf("engine: %w", err)
	}

	logger.Info("engine starting", "pid", os.Getpid())
	return New(ch, logger).Run()
}
