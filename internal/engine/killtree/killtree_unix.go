//go:build !windows

package killtree

import (
	"os/exec"
	"syscall"
	"time"
)

// Prepare puts the future child in its own process group, so Kill can
// signal the whole tree rather than just the direct child (spec §9: "on
// Unix, set a new process group at spawn and signal the group").
func Prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Kill sends SIGTERM to the process group and escalates to SIGKILL after
// grace if the tree has not exited, per spec §9.
func (h *Handle) Kill(grace time.Duration) WaitOutcome {
	if h.alreadyExited() {
		return OutcomeAlreadyExited
	}
	pid := h.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-h.Exited:
		return OutcomeExit
	case <-time.After(grace):
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)

	select {
	case <-h.Exited:
		return OutcomeClose
	case <-time.After(grace):
		return OutcomeTimeout
	}
}
