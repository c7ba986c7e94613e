package coshandle

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coscontrol/cosd/internal/events"
	"github.com/coscontrol/cosd/internal/persistence"
)

// maxActivityEntries bounds the retained activity log.
const maxActivityEntries = 500

// ActivityEntry is one human-readable line of supervisor history.
type ActivityEntry struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// activityLog records notable supervisor actions (agent spawned,
// agent completed, health issues raised such as zombie kills) as a bounded
// append-only list, persisted write-through.
type activityLog struct {
	path string
	log  *log.Logger

	mu      sync.Mutex
	entries []ActivityEntry
	nextID  int
}

func newActivityLog(path string, logger *log.Logger) *activityLog {
	entries := persistence.ReadJSON(path, []ActivityEntry{}, func(f string, a ...any) { logger.Printf(f, a...) })
	return &activityLog{path: path, log: logger, entries: entries, nextID: len(entries) + 1}
}

// attach subscribes the log to the bus topics worth narrating.
func (a *activityLog) attach(bus *events.Bus) {
	bus.Subscribe(events.TopicAgentSpawned, func(e events.Event) {
		a.add("agent_spawned", describe(e.Payload, "agentId", "taskId"))
	})
	bus.Subscribe(events.TopicAgentCompleted, func(e events.Event) {
		a.add("agent_completed", describe(e.Payload, "agentId", "taskId", "success", "error"))
	})
	bus.Subscribe(events.TopicHealthCheck, func(e events.Event) {
		payload, ok := e.Payload.(map[string]any)
		if !ok {
			return
		}
		if issues, ok := payload["issues"].([]map[string]any); ok && len(issues) > 0 {
			a.add("health_issues", fmt.Sprintf("%d issue(s) raised", len(issues)))
		}
	})
}

func describe(payload any, keys ...string) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	out := ""
	for _, k := range keys {
		v, present := m[k]
		if !present || v == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", k, v)
	}
	return out
}

func (a *activityLog) add(action, details string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = append(a.entries, ActivityEntry{
		ID:        fmt.Sprintf("act-%06d", a.nextID),
		Action:    action,
		Details:   details,
		Timestamp: time.Now(),
	})
	a.nextID++
	if len(a.entries) > maxActivityEntries {
		a.entries = a.entries[len(a.entries)-maxActivityEntries:]
	}
	if a.path != "" {
		if err := persistence.WriteJSON(a.path, a.entries); err != nil {
			a.log.Printf("persisting activity log: %v", err)
		}
	}
}

// recent returns up to n of the newest entries, newest last.
func (a *activityLog) recent(n int) []ActivityEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.entries) {
		n = len(a.entries)
	}
	return append([]ActivityEntry(nil), a.entries[len(a.entries)-n:]...)
}
