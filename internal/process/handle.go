package process

import (
	"fmt"
	"os"

	"github.com/smtpfd/smtpfd/internal/imsg"
)

// ChannelFD is the descriptor on which every child finds its channel to
// the parent.
const ChannelFD = 3

// Role identifies what a process does in the privilege-separated design.
type Role int

const (
	RoleMain Role = iota
	RoleFrontend
	RoleEngine
	RoleFilter
)

func (r Role) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleFrontend:
		return "frontend"
	case RoleEngine:
		return "engine"
	case RoleFilter:
		return "filter"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Flag returns the command-line flag that selects the role when main
// re-executes itself. Main and filters have none.
func (r Role) Flag() string {
	switch r {
	case RoleFrontend:
		return "-F"
	case RoleEngine:
		return "-E"
	default:
		return ""
	}
}

// Handle is a supervised child together with the message channel to it.
type Handle struct {
	role Role
	pid  int
	ch   *imsg.Channel
}

// Exec starts argv with one end of a fresh channel on ChannelFD and returns
// a handle holding the other end.
func Exec(sp ProcessSpawner, role Role, argv []string, stderr *os.File) (*Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%s: empty argv", role)
	}
	local, remote, err := imsg.Pair()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}

	p, err := sp.Spawn(SpawnConfig{
		Command:    argv[0],
		Args:       argv[1:],
		Stderr:     stderr,
		ExtraFiles: []*os.File{remote},
	})
	remote.Close()
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("%s: %w", role, err)
	}

	ch, err := imsg.New(local)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}
	return &Handle{role: role, pid: p.Pid(), ch: ch}, nil
}

// Role returns the child's role.
func (h *Handle) Role() Role { return h.role }

// Pid returns the child's process id.
func (h *Handle) Pid() int { return h.pid }

// Compose sends one message to the child. fd is consumed.
func (h *Handle) Compose(t imsg.Type, peerID, pid uint32, fd *os.File, data []byte) error {
	return h.ch.Compose(t, peerID, pid, fd, data)
}

// Events delivers the child's messages; the last one has Closed set.
func (h *Handle) Events() <-chan imsg.Event { return h.ch.Events() }

// Close closes the channel, which tells the child to exit. The process
// itself is reaped separately.
func (h *Handle) Close() error { return h.ch.Close() }
