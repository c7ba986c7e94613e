package instance

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func pidPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "cosd.pid")
}

func TestCheckExistingWithNoFile(t *testing.T) {
	m := NewManager(pidPath(t))
	info, err := m.CheckExisting()
	if err != nil {
		t.Fatalf("CheckExisting: %v", err)
	}
	if info != nil {
		t.Fatalf("info = %+v, want nil", info)
	}
}

func TestAcquireThenCheckSeesSelf(t *testing.T) {
	path := pidPath(t)
	m := NewManager(path)

	if err := m.Acquire("1.0.0-test", "/data"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer m.Release()

	info, err := NewManager(path).CheckExisting()
	if err != nil {
		t.Fatalf("CheckExisting: %v", err)
	}
	if info == nil || info.PID != os.Getpid() || !info.IsRunning {
		t.Fatalf("info = %+v, want this process", info)
	}
	if info.Version != "1.0.0-test" || info.DataRoot != "/data" {
		t.Fatalf("info = %+v", info)
	}
}

func TestSecondAcquireConflicts(t *testing.T) {
	path := pidPath(t)
	first := NewManager(path)
	if err := first.Acquire("1.0.0", "/data"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer first.Release()

	if err := NewManager(path).Acquire("1.0.0", "/data"); err == nil {
		t.Fatal("second Acquire succeeded against a live instance")
	}
}

func TestStalePIDFileIsRemoved(t *testing.T) {
	path := pidPath(t)

	// a PID that cannot be alive: beyond typical pid_max
	stale := pidFileData{PID: 1 << 30, StartedAt: time.Now(), Version: "0.0.1"}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	info, err := m.CheckExisting()
	if err != nil {
		t.Fatalf("CheckExisting: %v", err)
	}
	if info != nil {
		t.Fatalf("stale instance reported as live: %+v", info)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("stale PID file not removed")
	}

	// the lock is now free
	if err := m.Acquire("1.0.0", "/data"); err != nil {
		t.Fatalf("Acquire after stale cleanup: %v", err)
	}
	m.Release()
}

func TestReleaseRemovesOwnFileOnly(t *testing.T) {
	path := pidPath(t)
	m := NewManager(path)

	// Release without Acquire leaves foreign files alone
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("Release removed a PID file it never wrote")
	}
	os.Remove(path)

	if err := m.Acquire("1.0.0", "/data"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("Release left the PID file behind")
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("own process reported dead")
	}
	if processAlive(0) || processAlive(-1) {
		t.Error("nonsense PIDs reported alive")
	}
	if processAlive(1 << 30) {
		t.Error("absurd PID reported alive")
	}
}
