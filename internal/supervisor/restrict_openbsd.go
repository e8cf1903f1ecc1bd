//go:build openbsd

package supervisor

import "golang.org/x/sys/unix"

// restrict pledges the supervisor to what the run loop needs: reading the
// configuration, removing the control socket, passing descriptors, and
// forking filters on reload.
func restrict() error {
	return unix.Pledge("stdio rpath cpath sendfd proc exec", "")
}
