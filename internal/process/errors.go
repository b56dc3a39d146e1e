package process

import (
	"errors"
	"fmt"
)

var (
	// ErrStartupFailure is returned when a server exits within the grace window.
	ErrStartupFailure = errors.New("dev server failed to start")
	// ErrInstallTimeout is wrapped by InstallFailure when the install step outlives its deadline.
	ErrInstallTimeout = errors.New("install command timed out")
)

// InstallFailure reports a failed install step. ExitCode is -1 when the
// process could not be started or was killed.
type InstallFailure struct {
	ExitCode int
	Err      error
}

func (e *InstallFailure) Error() string {
	if e.Err != nil {
		if errors.Is(e.Err, ErrInstallTimeout) {
			return e.Err.Error()
		}
		return fmt.Sprintf("install command failed with exit code: %d: %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("install command failed with exit code: %d", e.ExitCode)
}

func (e *InstallFailure) Unwrap() error { return e.Err }
