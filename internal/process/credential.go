package process

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// Account is a resolved run-time user.
type Account struct {
	Name string
	Uid  int
	Gid  int
	Home string
}

// LookupAccount resolves a user name to its uid and primary gid.
func LookupAccount(name string) (*Account, error) {
	if name == "" {
		return nil, fmt.Errorf("empty user name")
	}
	u, err := user.Lookup(name)
	if err != nil {
		return nil, err
	}
	return accountFromUser(u)
}

func accountFromUser(u *user.User) (*Account, error) {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("invalid uid in user %q: %w", u.Username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("invalid gid in user %q: %w", u.Username, err)
	}
	return &Account{Name: u.Username, Uid: uid, Gid: gid, Home: u.HomeDir}, nil
}

// DropPrivileges switches the calling process to acct. Supplementary groups
// are reduced to the primary group first; the gid must change before the uid.
func DropPrivileges(acct *Account, logger *slog.Logger) error {
	if err := syscall.Setgroups([]int{acct.Gid}); err != nil {
		return fmt.Errorf("setgroups(%d) failed: %w", acct.Gid, err)
	}
	if err := syscall.Setgid(acct.Gid); err != nil {
		return fmt.Errorf("setgid(%d) failed: %w", acct.Gid, err)
	}
	if err := syscall.Setuid(acct.Uid); err != nil {
		return fmt.Errorf("setuid(%d) failed: %w", acct.Uid, err)
	}

	logger.Info("dropped privileges", "user", acct.Name, "uid", acct.Uid, "gid", acct.Gid)
	return nil
}

// Demote drops to the named account when running as root. Unprivileged
// processes keep their credentials.
func Demote(name string, logger *slog.Logger) error {
	if os.Geteuid() != 0 {
		logger.Debug("not running as root, keeping credentials", "uid", os.Getuid())
		return nil
	}
	acct, err := LookupAccount(name)
	if err != nil {
		return fmt.Errorf("unknown user %s: %w", name, err)
	}
	return DropPrivileges(acct, logger)
}
