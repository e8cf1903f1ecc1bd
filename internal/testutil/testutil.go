// Package testutil provides shared test helpers for the smtpfd test suite.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smtpfd/smtpfd/internal/config"
)

// TempDir creates a temporary directory for testing and registers cleanup.
func TempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "smtpfd-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// FreeSocket returns a unique Unix socket path in a temporary directory.
// The socket file does not exist yet; it is created by the frontend.
func FreeSocket(t *testing.T) string {
	t.Helper()
	dir := TempDir(t)
	return filepath.Join(dir, "smtpfd.sock")
}

// MustParseConfig parses a TOML string into a Config, failing the test on
// error. Intended for concise test setup.
func MustParseConfig(t *testing.T, toml string) *config.Config {
	t.Helper()
	cfg, warnings, err := config.LoadBytes([]byte(toml), "test.toml", nil)
	if err != nil {
		t.Fatalf("MustParseConfig: %v", err)
	}
	for _, w := range warnings {
		t.Logf("config warning: %s", w)
	}
	return cfg
}

// WaitFor polls a condition function until it returns true or the timeout
// expires, failing the test in the latter case.
func WaitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	interval := 50 * time.Millisecond

	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(interval)
	}
	t.Fatal("WaitFor: condition not met within timeout")
}

// WriteFile writes content to a file in the given directory.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("cannot write %s: %v", path, err)
	}
	return path
}

// WriteScript creates an executable shell script in dir and returns its
// path. Filter argv is passed to exec as is, without a shell.
func WriteScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("cannot write script %s: %v", path, err)
	}
	return path
}

// DaemonDir is the on-disk layout for one smtpfd test instance.
type DaemonDir struct {
	Dir        string
	SocketPath string
	ConfigPath string
}

// PrepareDaemon writes configTOML into a fresh directory and picks a socket
// path next to it. Nothing is started.
func PrepareDaemon(t *testing.T, configTOML string) *DaemonDir {
	t.Helper()
	dir := TempDir(t)
	return &DaemonDir{
		Dir:        dir,
		SocketPath: filepath.Join(dir, "smtpfd.sock"),
		ConfigPath: WriteFile(t, dir, "smtpfd.conf", configTOML),
	}
}
