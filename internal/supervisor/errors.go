package supervisor

import (
	"errors"
	"fmt"
)

var (
	ErrKernelNotFound = errors.New("kernel binary not found")
	ErrAlreadyRunning = errors.New("kernel is already running")
	ErrNotRunning     = errors.New("kernel is not running")
	ErrStopTimeout    = errors.New("kernel did not exit before the stop timeout")
)

// SpawnError reports an OS-level failure to launch the kernel, or an exit
// during the startup grace period.
type SpawnError struct {
	Reason string
}

func (e *SpawnError) Error() string { return fmt.Sprintf("failed to start kernel: %s", e.Reason) }

// VersionCheckError reports a failed `<kernel> version` invocation.
type VersionCheckError struct {
	Reason string
}

func (e *VersionCheckError) Error() string {
	return fmt.Sprintf("kernel version check failed: %s", e.Reason)
}
