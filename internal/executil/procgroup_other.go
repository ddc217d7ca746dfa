//go:build !unix

package executil

import "os/exec"

func setProcessGroup(c *exec.Cmd) {}
