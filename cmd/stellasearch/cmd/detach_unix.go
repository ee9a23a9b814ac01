//go:build !windows

package cmd

import (
	"os/exec"
	"syscall"
)

// terminateSignal asks the daemon to shut down gracefully.
var terminateSignal = syscall.SIGTERM

// detach starts c in its own session so it outlives the terminal.
func detach(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
