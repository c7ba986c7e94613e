//go:build linux

package procmon

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

func newPlatformMonitor() Monitor {
	return &linuxMonitor{clockTicksPerSec: clockTicks()}
}

// atClkTck is the ELF auxiliary vector key for the kernel-reported CLK_TCK
// (AT_CLKTCK); golang.org/x/sys/unix does not expose unix.Sysconf on linux,
// so the value is read directly out of the auxiliary vector instead.
const atClkTck = 17

// clockTicks resolves CLK_TCK via the auxiliary vector so /proc's
// jiffy-denominated CPU-time fields convert to real percentages instead of
// the common hardcoded-100 approximation.
func clockTicks() float64 {
	vec, err := unix.Auxv()
	if err != nil {
		return 100
	}
	for _, kv := range vec {
		if kv[0] == atClkTck {
			if kv[1] > 0 {
				return float64(kv[1])
			}
			break
		}
	}
	return 100
}

type cpuSample struct {
	totalTicks float64
	sampledAt  time.Time
}

type linuxMonitor struct {
	clockTicksPerSec float64

	mu      sync.Mutex
	samples map[int]cpuSample
}

func (m *linuxMonitor) Check(ctx context.Context, pid int) Status {
	stat, err := readProcStat(pid)
	if err != nil {
		return Status{Active: false, PID: pid}
	}

	rssMB := float64(stat.rssPages) * float64(os.Getpagesize()) / (1024 * 1024)
	cpuPercent := m.sampleCPU(pid, stat.utimeTicks+stat.stimeTicks)

	return Status{
		Active:     true,
		PID:        pid,
		State:      stat.state,
		CPUPercent: cpuPercent,
		RSSMB:      rssMB,
	}
}

func (m *linuxMonitor) sampleCPU(pid int, totalTicks uint64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.samples == nil {
		m.samples = map[int]cpuSample{}
	}

	now := time.Now()
	prev, ok := m.samples[pid]
	m.samples[pid] = cpuSample{totalTicks: float64(totalTicks), sampledAt: now}
	if !ok {
		return 0
	}

	elapsed := now.Sub(prev.sampledAt)
	if elapsed <= 0 || elapsed > maxSampleWindow*20 {
		return 0
	}

	deltaTicks := float64(totalTicks) - prev.totalTicks
	deltaSeconds := deltaTicks / m.clockTicksPerSec
	return (deltaSeconds / elapsed.Seconds()) * 100
}

type procStat struct {
	state      string
	utimeTicks uint64
	stimeTicks uint64
	rssPages   uint64
}

// readProcStat parses the fields of /proc/<pid>/stat this monitor
// needs. The comm field (2nd column) is parenthesized and may contain
// spaces, so fields are located relative to the last ')'.
func readProcStat(pid int) (procStat, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return procStat{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 4096), 4096)
	if !scanner.Scan() {
		return procStat{}, fmt.Errorf("empty /proc/%d/stat", pid)
	}
	line := scanner.Text()

	closeParen := strings.LastIndex(line, ")")
	if closeParen < 0 || closeParen+2 >= len(line) {
		return procStat{}, fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	rest := strings.Fields(line[closeParen+2:])
	// rest[0] = state, rest[11] = utime, rest[12] = stime, rest[21] = rss (pages)
	if len(rest) < 22 {
		return procStat{}, fmt.Errorf("unexpected /proc/%d/stat field count", pid)
	}

	utime, err := strconv.ParseUint(rest[11], 10, 64)
	if err != nil {
		return procStat{}, err
	}
	stime, err := strconv.ParseUint(rest[12], 10, 64)
	if err != nil {
		return procStat{}, err
	}
	rss, err := strconv.ParseUint(rest[21], 10, 64)
	if err != nil {
		return procStat{}, err
	}

	return procStat{
		state:      rest[0],
		utimeTicks: utime,
		stimeTicks: stime,
		rssPages:   rss,
	}, nil
}
