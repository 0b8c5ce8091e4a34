//go:build !windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// FindProcess finds a process by its ID and checks if it's running.
// On Unix, os.FindProcess always succeeds, so signal 0 is used to probe
// whether the process actually exists.
func FindProcess(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}

	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	if errors.Is(err, syscall.EPERM) {
		// The process exists but belongs to another user.
		return true, nil
	}
	return false, err
}
