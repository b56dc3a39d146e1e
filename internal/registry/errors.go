package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/gitview/internal/port"
	"github.com/loykin/gitview/internal/process"
)

var (
	ErrNotFound              = errors.New("project not found")
	ErrDuplicateProject      = errors.New("project already registered")
	ErrAlreadyRunning        = errors.New("project is already running")
	ErrClassificationUnknown = errors.New("project stack is unknown; nothing to run")
	ErrRunInterrupted        = errors.New("run interrupted by stop")
	ErrInvalidID             = errors.New("invalid project id")

	// Re-exported so callers only need this package.
	ErrPortExhaustion = port.ErrPortExhaustion
	ErrStartupFailure = process.ErrStartupFailure
)

// InstallFailure is the error returned when the install step fails.
type InstallFailure = process.InstallFailure

// FilesystemError reports paths that could not be removed while deleting a project tree.
type FilesystemError struct {
	Path   string
	Failed []string
	Err    error
}

func (e *FilesystemError) Error() string {
	if len(e.Failed) == 0 {
		return fmt.Sprintf("remove %s: %v", e.Path, e.Err)
	}
	shown := e.Failed
	if len(shown) > 3 {
		shown = shown[:3]
	}
	return fmt.Sprintf("remove %s: %d entries left (%s): %v", e.Path, len(e.Failed), strings.Join(shown, ", "), e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }
