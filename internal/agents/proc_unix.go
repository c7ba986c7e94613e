//go:build unix

package agents

import (
	"os/exec"
	"syscall"
)

// terminateProcess sends the graceful termination signal.
func terminateProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
}

// killProcess force-kills the child.
func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// exitCodeOf extracts the child's exit code; for a signaled child it
// reports the signal number, per the termination contract.
func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd == nil || cmd.ProcessState == nil {
		if waitErr != nil {
			return -1
		}
		return 0
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return int(ws.Signal())
	}
	return cmd.ProcessState.ExitCode()
}
