// Package api exposes the smtpfd control API over a Unix socket. The server
// runs in the frontend; every request is relayed to main through a
// Controller.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/smtpfd/smtpfd/internal/logging"
	"github.com/smtpfd/smtpfd/internal/process"
)

// DefaultSocketMode is the permission of the control socket.
const DefaultSocketMode os.FileMode = 0o660

// statusTimeout bounds how long a status query waits for main.
const statusTimeout = 5 * time.Second

// textFormat is the content type of the Prometheus text exposition.
const textFormat = "text/plain; version=0.0.4; charset=utf-8"

// ErrUnavailable is returned by a Controller once main can no longer be
// reached.
var ErrUnavailable = errors.New("main process unavailable")

// Controller relays control requests to main.
type Controller interface {
	Reload() error
	SetVerbose(n int) error
	Status(ctx context.Context) ([]byte, error)
}

// Server is the HTTP control server.
type Server struct {
	ctl      Controller
	logger   *slog.Logger
	mux      *http.ServeMux
	ln       net.Listener
	server   *http.Server
	stopping atomic.Bool
}

// NewServer creates a control server relaying to ctl.
func NewServer(ctl Controller, logger *slog.Logger) *Server {
	s := &Server{ctl: ctl, logger: logger}
	s.mux = s.buildMux()
	return s
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /api/v1/reload", s.handleReload)
	mux.HandleFunc("POST /api/v1/log/verbose", s.handleVerbose)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.handleStatus)

	return mux
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler { return s.mux }

// StartUnix creates the control socket and begins serving on it.
func (s *Server) StartUnix(path string, mode os.FileMode) error {
	// Remove stale socket from previous run.
	if err := removeStaleSocket(path); err != nil {
		return fmt.Errorf("cannot create socket: %s: %w", path, err)
	}

	old := process.ApplyUmask(0o777 &^ int(mode.Perm()))
	ln, err := net.Listen("unix", path)
	process.ApplyUmask(old)
	if err != nil {
		return fmt.Errorf("cannot create socket: %s: %w", path, err)
	}
	// main removes the path on shutdown; the unprivileged frontend could not.
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}

	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		return fmt.Errorf("cannot set socket permissions: %s: %w", path, err)
	}

	s.ln = ln
	s.server = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control server error", "error", err)
		}
	}()

	s.logger.Info("control socket listening", "path", path)
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.stopping.Store(true)
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the listening socket path, or empty if not started.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return ""
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "shutting_down",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Reload(); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.logger.Debug("reload requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reload requested"})
}

func (s *Server) handleVerbose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Verbose *int `json:"verbose"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if body.Verbose == nil {
		writeError(w, http.StatusBadRequest, "missing verbose", "BAD_REQUEST")
		return
	}
	n := *body.Verbose
	if n < 0 || n > logging.MaxVerbose {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("verbose must be between 0 and %d", logging.MaxVerbose), "BAD_REQUEST")
		return
	}
	if err := s.ctl.SetVerbose(n); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "verbose": n})
}

// handleStatus serves main's metrics registry in text exposition format.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	body, err := s.ctl.Status(ctx)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	w.Header().Set("Content-Type", textFormat)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	s.logger.Warn("control request failed", "error", err)
	switch {
	case errors.Is(err, ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "UNAVAILABLE")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "no reply from main process", "TIMEOUT")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
