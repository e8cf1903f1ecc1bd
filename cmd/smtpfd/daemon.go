package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/smtpfd/smtpfd/internal/config"
	"github.com/smtpfd/smtpfd/internal/engine"
	"github.com/smtpfd/smtpfd/internal/frontend"
	"github.com/smtpfd/smtpfd/internal/logging"
	"github.com/smtpfd/smtpfd/internal/process"
	"github.com/smtpfd/smtpfd/internal/supervisor"
)

// runMain starts the privileged supervisor.
func runMain(opts *options, cfg *config.Config, macros map[string]string, warnings []string) error {
	if _, err := supervisor.CheckPrivileges(opts.defaults.User); err != nil {
		return err
	}

	level := new(slog.LevelVar)
	logging.SetVerbose(level, opts.verbose)

	spawner := &process.ExecSpawner{}
	if !opts.foreground {
		early := logging.New(logging.LogConfig{Level: level, Format: "text", Output: os.Stderr, Proc: "main"})
		parent, err := supervisor.Daemonize(spawner, early)
		if err != nil {
			return err
		}
		if parent {
			return nil
		}
	}

	logger, closeLog, err := logging.Open("main", opts.foreground, level)
	if err != nil {
		return fmt.Errorf("cannot open log: %w", err)
	}
	defer closeLog()
	for _, w := range warnings {
		logger.Warn("config warning", "warning", w)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate executable: %w", err)
	}

	s := supervisor.New(supervisor.SupervisorConfig{
		Config:     cfg,
		ConfigPath: opts.configFile,
		Macros:     macros,
		SocketPath: opts.socket,
		Executable: exe,
		Foreground: opts.foreground,
		Level:      level,
		Logger:     logger,
		Spawner:    spawner,
	})
	if err := s.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	return s.Run()
}

// roleLogger opens the log for an unprivileged role. The roles leave
// terminal signals to main, which tells them to exit by closing their
// channel.
func roleLogger(proc string, opts *options) (*slog.Logger, func(), error) {
	signal.Ignore(syscall.SIGINT, syscall.SIGHUP, syscall.SIGPIPE)

	level := new(slog.LevelVar)
	logging.SetVerbose(level, opts.verbose)
	return logging.Open(proc, opts.foreground, level)
}

func runEngine(opts *options) error {
	logger, closeLog, err := roleLogger("engine", opts)
	if err != nil {
		return err
	}
	defer closeLog()
	return engine.Main(opts.defaults.User, logger)
}

func runFrontend(opts *options) error {
	logger, closeLog, err := roleLogger("frontend", opts)
	if err != nil {
		return err
	}
	defer closeLog()
	return frontend.Main(opts.socket, opts.defaults.User, logger)
}
