package exec

import (
	"errors"
	"os/exec"
	"syscall"
)

// ExitCodeUnknown is reported when a process could not be started, timed out or died on a signal
const ExitCodeUnknown = 128

func ExitStatus(err error) (int, bool) {
	exitErr, ok := err.(*exec.ExitError)
	if ok {
		waitStatus, ok := exitErr.ProcessState.Sys().(syscall.WaitStatus)
		if ok {
			return waitStatus.ExitStatus(), true
		}
	}
	return 0, false
}

// ExitCode maps the error of a finished command onto its exit status byte
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if status, ok := ExitStatus(err); ok && status >= 0 {
		return status
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		if code := coder.ExitCode(); code >= 0 {
			return code
		}
	}
	return ExitCodeUnknown
}
