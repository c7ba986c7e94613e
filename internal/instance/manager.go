// Package instance enforces single-instance operation through a JSON
// PID file under the data root: a second daemon pointed at the same
// data directory refuses to start while the first is alive, and stale
// files left by crashes are detected and cleared.
package instance

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Info describes a running instance discovered via its PID file.
type Info struct {
	PID       int
	StartTime time.Time
	IsRunning bool
	Version   string
	DataRoot  string
}

// pidFileData is the on-disk JSON structure.
type pidFileData struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Version   string    `json:"version"`
	DataRoot  string    `json:"dataRoot"`
	Hostname  string    `json:"hostname"`
}

// Manager owns one PID file.
type Manager struct {
	pidFilePath string
	acquired    bool
}

// NewManager creates a Manager for pidFilePath.
func NewManager(pidFilePath string) *Manager {
	return &Manager{pidFilePath: pidFilePath}
}

// CheckExisting reports a live instance recorded in the PID file, or
// nil when there is none. A PID file whose process is gone is treated
// as stale and removed.
func (m *Manager) CheckExisting() (*Info, error) {
	data, err := m.readPIDFile()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading PID file: %w", err)
	}

	if !processAlive(data.PID) {
		// crashed instance left its file behind
		if err := m.RemovePIDFile(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &Info{
		PID:       data.PID,
		StartTime: data.StartedAt,
		IsRunning: true,
		Version:   data.Version,
		DataRoot:  data.DataRoot,
	}, nil
}

// Acquire claims the PID file for this process. It fails with the
// existing instance's info when one is already running.
func (m *Manager) Acquire(version, dataRoot string) error {
	existing, err := m.CheckExisting()
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("conflict: instance already running (pid %d, started %s)",
			existing.PID, existing.StartTime.Format(time.RFC3339))
	}

	hostname, _ := os.Hostname()
	data := pidFileData{
		PID:       os.Getpid(),
		StartedAt: time.Now(),
		Version:   version,
		DataRoot:  dataRoot,
		Hostname:  hostname,
	}
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling PID data: %w", err)
	}
	if err := os.WriteFile(m.pidFilePath, jsonData, 0644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	m.acquired = true
	return nil
}

// Release removes the PID file if this Manager wrote it.
func (m *Manager) Release() error {
	if !m.acquired {
		return nil
	}
	m.acquired = false
	return m.RemovePIDFile()
}

func (m *Manager) readPIDFile() (*pidFileData, error) {
	jsonData, err := os.ReadFile(m.pidFilePath)
	if err != nil {
		return nil, err
	}
	var data pidFileData
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return nil, fmt.Errorf("parsing PID file: %w", err)
	}
	return &data, nil
}

// RemovePIDFile deletes the PID file; missing is not an error.
func (m *Manager) RemovePIDFile() error {
	if err := os.Remove(m.pidFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing PID file: %w", err)
	}
	return nil
}

// StopExisting signals the recorded instance to shut down: graceful
// termination first, escalating to a kill when force is set and the
// process survives the grace window.
func (m *Manager) StopExisting(force bool, grace time.Duration) error {
	data, err := m.readPIDFile()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("not_found: no instance PID file")
		}
		return err
	}
	if !processAlive(data.PID) {
		return m.RemovePIDFile()
	}

	if err := signalTerminate(data.PID); err != nil {
		return fmt.Errorf("signaling pid %d: %w", data.PID, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(data.PID) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	if !force {
		return fmt.Errorf("instance pid %d did not exit within %s", data.PID, grace)
	}
	return signalKill(data.PID)
}
