// Package procmon implements the process monitor: given a PID,
// reports liveness, CPU%, and RSS without blocking its caller for more
// than one second.
package procmon

import (
	"context"
	"time"
)

// Status is a point-in-time snapshot of one process. Active=false is a
// normal result (the process is gone), not an error.
type Status struct {
	Active     bool
	PID        int
	State      string
	CPUPercent float64
	RSSMB      float64
}

// Monitor samples a single PID's OS-reported state.
type Monitor interface {
	Check(ctx context.Context, pid int) Status
}

// maxSampleWindow scales the CPU% delta cutoff: a previous sample
// older than 20× this window yields 0% instead of a delta.
const maxSampleWindow = 500 * time.Millisecond

// checkTimeout bounds how long a single Check call may run; on
// timeout the caller gets {Active: false} rather than blocking the
// Scheduler loop.
const checkTimeout = 1 * time.Second

// New returns the platform-appropriate Monitor.
func New() Monitor {
	return newPlatformMonitor()
}

// WithTimeout wraps m so Check never blocks the caller past
// checkTimeout, returning {Active: false} on timeout.
func WithTimeout(m Monitor) Monitor {
	return &timeoutMonitor{inner: m}
}

type timeoutMonitor struct{ inner Monitor }

func (t *timeoutMonitor) Check(ctx context.Context, pid int) Status {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	result := make(chan Status, 1)
	go func() {
		result <- t.inner.Check(ctx, pid)
	}()

	select {
	case s := <-result:
		return s
	case <-ctx.Done():
		return Status{Active: false, PID: pid, State: "timeout"}
	}
}
