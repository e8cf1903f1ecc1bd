package frontend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/smtpfd/smtpfd/internal/api"
	"github.com/smtpfd/smtpfd/internal/imsg"
	"github.com/smtpfd/smtpfd/internal/process"
)

// Main runs the frontend role: it creates the control socket while still
// privileged, drops to the run-time account and relays requests until main
// closes the channel at process.ChannelFD.
func Main(socketPath, user string, logger *slog.Logger) error {
	ch, err := imsg.New(os.NewFile(process.ChannelFD, "main"))
	if err != nil {
		return fmt.Errorf("frontend: %w", err)
	}

	fe := New(ch, logger)
	srv := api.NewServer(fe, logger)
	if err := srv.StartUnix(socketPath, api.DefaultSocketMode); err != nil {
		ch.Close()
		return fmt.Errorf("frontend: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	}()

	if err := process.Demote(user, logger); err != nil {
		ch.Close()
		return fmt.Errorf("frontend: %w", err)
	}

	logger.Info("frontend starting", "pid", os.Getpid())
	return fe.Run()
}
