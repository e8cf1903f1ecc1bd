package logging

import (
	"fmt"
	"log/syslog"
	"strings"
)

// SyslogWriter adapts a syslog connection to io.Writer so it can back a
// slog handler. Each record is sent at a priority derived from its level.
type SyslogWriter struct {
	writer *syslog.Writer
}

// NewSyslogWriter connects to the local syslog daemon with the mail facility.
func NewSyslogWriter(tag string) (*SyslogWriter, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, tag)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to syslog: %w", err)
	}
	return &SyslogWriter{writer: w}, nil
}

// Write sends one formatted record to syslog.
func (sw *SyslogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")

	var err error
	switch priorityOf(msg) {
	case syslog.LOG_ERR:
		err = sw.writer.Err(msg)
	case syslog.LOG_WARNING:
		err = sw.writer.Warning(msg)
	case syslog.LOG_DEBUG:
		err = sw.writer.Debug(msg)
	default:
		err = sw.writer.Info(msg)
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the syslog connection.
func (sw *SyslogWriter) Close() error {
	return sw.writer.Close()
}

// priorityOf reads the level key written by slog's text handler.
func priorityOf(record string) syslog.Priority {
	switch {
	case strings.Contains(record, "level=ERROR"):
		return syslog.LOG_ERR
	case strings.Contains(record, "level=WARN"):
		return syslog.LOG_WARNING
	case strings.Contains(record, "level=DEBUG"):
		return syslog.LOG_DEBUG
	default:
		return syslog.LOG_INFO
	}
}
