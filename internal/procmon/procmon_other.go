//go:build !linux

package procmon

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
)

// newPlatformMonitor on non-Linux platforms shells out to `ps`
// instead of reading /proc directly.
func newPlatformMonitor() Monitor {
	return &psMonitor{}
}

type psMonitor struct{}

func (m *psMonitor) Check(ctx context.Context, pid int) Status {
	out, err := exec.CommandContext(ctx, "ps", "-o", "state=,pcpu=,rss=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return Status{Active: false, PID: pid}
	}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	if !scanner.Scan() {
		return Status{Active: false, PID: pid}
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 3 {
		return Status{Active: false, PID: pid}
	}

	cpuPercent, _ := strconv.ParseFloat(fields[1], 64)
	rssKB, _ := strconv.ParseFloat(fields[2], 64)

	return Status{
		Active:     true,
		PID:        pid,
		State:      fields[0],
		CPUPercent: cpuPercent,
		RSSMB:      rssKB / 1024,
	}
}
