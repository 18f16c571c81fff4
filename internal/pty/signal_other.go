//go:build !unix

package pty

import "os/exec"

func lookupPgid(*exec.Cmd) int { return 0 }

func signalProcess(pid, pgid int, force bool) {
	// Process groups are a unix concept; rely on the exec layer instead.
	_ = pid
	_ = pgid
	_ = force
}
