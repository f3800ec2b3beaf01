//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
	"time"
)

// killGrace is how long a task process gets between SIGTERM and
// SIGKILL.
const killGrace = 200 * time.Millisecond

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup signals the whole group so children spawned by
// the task process die with it.
func terminateProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(killGrace)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
