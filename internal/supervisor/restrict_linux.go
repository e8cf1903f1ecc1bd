//go:build linux

package supervisor

import "golang.org/x/sys/unix"

// restrict sets no_new_privs so neither the supervisor nor any filter it
// execs later can gain privileges through setuid binaries.
func restrict() error {
	return unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
}
