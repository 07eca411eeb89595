//go:build !windows

package process

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// IsRunning sends signal 0 to pid. A zombie still counts as running until reaped.
func IsRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid PID: %d", pid)
	}

	switch err := unix.Kill(pid, 0); err {
	case nil, unix.EPERM:
		return true, nil
	case unix.ESRCH:
		return false, nil
	default:
		return false, err
	}
}
