package procattr

import (
	"os"
	"syscall"
)

// SignalGroup delivers a signal to the child's whole process group. The
// negative pid makes the kernel fan the signal out to every member, so
// shells spawned by the agent are stopped too.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	return syscall.Kill(-p.Pid, sig)
}

// KillGroup force-kills the child's whole process group.
func KillGroup(p *os.Process) error {
	return SignalGroup(p, syscall.SIGKILL)
}
