//go:build !unix

package agents

import "os/exec"

// Platforms without POSIX signals get a hard kill for both paths.

func terminateProcess(cmd *exec.Cmd) {
	killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd == nil || cmd.ProcessState == nil {
		if waitErr != nil {
			return -1
		}
		return 0
	}
	return cmd.ProcessState.ExitCode()
}
