//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// terminateProcess sends SIGTERM to the process group led by pid.
func terminateProcess(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// killProcess sends SIGKILL to the process group led by pid.
func killProcess(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// group already gone; fall back to the leader in case it changed group
		if err2 := syscall.Kill(pid, sig); err2 != nil && !errors.Is(err2, syscall.ESRCH) {
			return err2
		}
		return nil
	}
	return err
}
