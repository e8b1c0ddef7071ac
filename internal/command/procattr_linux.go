//go:build linux

package command

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group and sets Pdeathsig so
// it is killed if this process dies unexpectedly (crash, SIGKILL, OOM)
// without going through Shutdown — the kill-on-parent-drop discipline.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
