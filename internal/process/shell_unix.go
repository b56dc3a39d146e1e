//go:build !windows

package process

import "os/exec"

// shellCommand wraps script in the platform shell.
func shellCommand(script string) *exec.Cmd {
	// #nosec G204 -- commands come from the stack profile or operator config
	return exec.Command("/bin/sh", "-c", script)
}
