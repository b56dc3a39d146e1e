//go:build !windows

package detector

import (
	"errors"
	"syscall"
)

// pidAlive treats EPERM as alive: the process exists but belongs to someone else.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
