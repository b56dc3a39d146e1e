//go:build !windows

package process

import (
	"errors"
	"syscall"
)

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// interruptTree asks the process group to exit.
func interruptTree(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

// killTree forcibly kills the process group led by pid.
func killTree(pid int) error { return signalGroup(pid, syscall.SIGKILL) }
