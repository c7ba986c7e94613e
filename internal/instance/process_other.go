//go:build !unix

package instance

import "os"

// Without the null-signal probe, finding the process is the best
// liveness signal available.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc != nil
}

func signalTerminate(pid int) error {
	return signalKill(pid)
}

func signalKill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
