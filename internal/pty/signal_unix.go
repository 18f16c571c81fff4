//go:build unix

package pty

import (
	"errors"
	"os/exec"
	"syscall"
)

func lookupPgid(cmd *exec.Cmd) int {
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return 0
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return 0
	}

	return pgid
}

// signalProcess delivers SIGTERM (or SIGKILL when force is set) to the
// process group when known, falling back to the process itself.
func signalProcess(pid, pgid int, force bool) {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}

	if pgid > 0 {
		if err := syscall.Kill(-pgid, sig); err == nil || errors.Is(err, syscall.ESRCH) {
			return
		}
	}

	if pid <= 0 {
		return
	}

	_ = syscall.Kill(pid, sig)
}
