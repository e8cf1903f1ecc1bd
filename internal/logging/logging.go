// Package logging provides structured logging for smtpfd using stdlib slog.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// LevelTrace is the level enabled by the highest verbosity setting.
const LevelTrace = slog.LevelDebug - 4

// MaxVerbose is the highest verbosity accepted by SetVerbose.
const MaxVerbose = 2

// LogConfig controls logger creation.
type LogConfig struct {
	Level  *slog.LevelVar // nil means a fixed info level
	Format string         // "json" (default), "text"
	Output io.Writer      // defaults to os.Stderr
	Proc   string         // process role, added to every record when set
}

// New creates a configured *slog.Logger.
func New(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.Level != nil {
		opts.Level = cfg.Level
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	if cfg.Proc != "" {
		logger = logger.With("proc", cfg.Proc)
	}
	return logger
}

// WithFields returns a child logger with additional context fields.
func WithFields(logger *slog.Logger, fields ...any) *slog.Logger {
	return logger.With(fields...)
}

// SetVerbose maps a verbosity count onto lv: 0 is info, 1 debug, 2 trace.
// Out of range values are clamped.
func SetVerbose(lv *slog.LevelVar, n int) {
	lv.Set(LevelFor(n))
}

// LevelFor returns the slog level for a verbosity count.
func LevelFor(n int) slog.Level {
	switch {
	case n <= 0:
		return slog.LevelInfo
	case n == 1:
		return slog.LevelDebug
	default:
		return LevelTrace
	}
}

// Verbosity is the inverse of LevelFor.
func Verbosity(l slog.Level) int {
	switch {
	case l <= LevelTrace:
		return 2
	case l <= slog.LevelDebug:
		return 1
	default:
		return 0
	}
}

// FormatFor picks "text" when w is a terminal and "json" otherwise.
func FormatFor(w io.Writer) string {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "text"
	}
	return "json"
}

// Open returns the logger for a process role. In the foreground records go
// to stderr; a daemon logs to syslog under the given tag.
func Open(proc string, foreground bool, lv *slog.LevelVar) (*slog.Logger, func(), error) {
	if foreground {
		return New(LogConfig{
			Level:  lv,
			Format: FormatFor(os.Stderr),
			Output: os.Stderr,
			Proc:   proc,
		}), func() {}, nil
	}

	w, err := NewSyslogWriter("smtpfd")
	if err != nil {
		return nil, nil, err
	}
	logger := New(LogConfig{Level: lv, Format: "text", Output: w, Proc: proc})
	return logger, func() { _ = w.Close() }, nil
}
