//go:build unix

package executil

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts c in its own process group so cancellation reaches
// every process the command spawned, not just the shell.
func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
}
