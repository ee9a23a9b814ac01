//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// terminateSignal stops the daemon. Windows cannot deliver SIGTERM to
// another process, so the daemon is killed and its pipe released by the OS.
var terminateSignal = os.Kill

const (
	createNewProcessGroup = 0x00000200
	detachedProcess       = 0x00000008
)

// detach starts c without a console so it outlives the terminal.
func detach(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup | detachedProcess}
}
