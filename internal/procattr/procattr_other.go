//go:build !linux

// Package procattr configures agent subprocesses so they cannot outlive
// the supervisor.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the child in its own process group. Pdeathsig is Linux-only;
// elsewhere the group id is still enough for the supervisor to signal the
// whole tree.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
