//go:build unix && !linux

package command

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group. Pdeathsig is
// Linux-only; other unices rely on Shutdown's explicit kill for cleanup.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
