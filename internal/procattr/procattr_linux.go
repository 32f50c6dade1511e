//go:build linux

// Package procattr configures agent subprocesses so they cannot outlive
// the supervisor.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the child in its own process group and arranges for SIGTERM
// delivery if the supervisor dies. Pdeathsig covers the hard-kill case
// where no cleanup code runs.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
