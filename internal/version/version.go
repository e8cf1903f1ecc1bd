// Package version holds build metadata, set at link time with
//
//	-ldflags "-X github.com/smtpfd/smtpfd/internal/version.Version=1.2.0"
package version

import "runtime"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Go returns the toolchain the binary was built with.
func Go() string { return runtime.Version() }

// String is the one-line form used in logs.
func String() string { return Version + " (" + Commit + ", " + Date + ")" }
