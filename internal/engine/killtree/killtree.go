// Package killtree abstracts platform-varying subprocess-tree termination
// behind a single kill(handle, timeout) -> wait_outcome trait, per spec.md
// §9 Design Notes ("Subprocess tree kill... Abstract behind a single
// kill_tree(handle, timeout) trait"). Grounded on
// tomtom215-lyrebirdaudio-go's internal/stream.Manager.stop() (SIGINT then
// timed force-kill goroutine), generalized from a single process to a
// process group / tree.
package killtree

import "os/exec"

// WaitOutcome records how a kill attempt resolved, per spec §4.9 step 1.
type WaitOutcome string

const (
	OutcomeAlreadyExited WaitOutcome = "already-exited"
	OutcomeExit          WaitOutcome = "exit"
	OutcomeClose         WaitOutcome = "close"
	OutcomeTimeout       WaitOutcome = "timeout"
)

// Handle wraps a started *exec.Cmd with whatever platform state (process
// group id, job object, ...) its kill implementation needs. Exited must be
// closed by the owner once cmd.Wait() has returned, so Kill never calls
// Wait itself (os.Process.Wait may only safely be awaited from one place).
type Handle struct {
	cmd    *exec.Cmd
	Exited <-chan struct{}
}

// Wrap adapts a started command into a killable Handle. cmd must already
// have been prepared by Prepare before Start. exited is closed by the
// caller's own cmd.Wait() goroutine.
func Wrap(cmd *exec.Cmd, exited <-chan struct{}) *Handle {
	return &Handle{cmd: cmd, Exited: exited}
}

func (h *Handle) alreadyExited() bool {
	select {
	case <-h.Exited:
		return true
	default:
		return false
	}
}
