package supervisor

import (
	"errors"
	"fmt"
	"os"

	"github.com/smtpfd/smtpfd/internal/process"
)

// ErrNotRoot is returned when the supervisor is started without root.
var ErrNotRoot = errors.New("need root privileges")

var (
	geteuid       = os.Geteuid
	lookupAccount = process.LookupAccount
)

// CheckPrivileges verifies that the process runs as root and that the
// unprivileged run-time account exists.
func CheckPrivileges(user string) (*process.Account, error) {
	if geteuid() != 0 {
		return nil, ErrNotRoot
	}
	acct, err := lookupAccount(user)
	if err != nil {
		return nil, fmt.Errorf("unknown user %s: %w", user, err)
	}
	return acct, nil
}
