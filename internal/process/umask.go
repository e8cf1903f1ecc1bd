package process

import "syscall"

// ApplyUmask sets the process umask and returns the previous one. A
// negative mask leaves the umask alone.
func ApplyUmask(mask int) int {
	if mask < 0 {
		return -1
	}
	return syscall.Umask(mask)
}
