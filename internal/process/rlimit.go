package process

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RaiseFileLimit lifts the soft descriptor limit to the hard limit. The
// engine holds one channel per running filter and needs the headroom.
// Returns the new soft limit.
func RaiseFileLimit() (uint64, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, fmt.Errorf("getrlimit: %w", err)
	}
	if rl.Cur >= rl.Max {
		return uint64(rl.Cur), nil
	}
	rl.Cur = rl.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, fmt.Errorf("setrlimit: %w", err)
	}
	return uint64(rl.Cur), nil
}
