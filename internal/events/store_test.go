package events

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveThenGetPending(t *testing.T) {
	s := openTestStore(t)

	e1 := NewEvent(TopicAgentSpawned, map[string]any{"agentId": "a1"})
	e2 := NewEvent(TopicAgentOutput, map[string]any{"line": "hello"})
	for _, e := range []*Event{e1, e2} {
		if err := s.Save(e); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	pending, err := s.GetPending(TopicAgentOutput)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != e2.ID {
		t.Fatalf("pending = %+v, want just the output event", pending)
	}

	all, err := s.GetPending(TopicAll)
	if err != nil {
		t.Fatalf("GetPending(all): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("pending(all) = %d events, want 2", len(all))
	}
}

func TestMarkDeliveredExcludesFromPending(t *testing.T) {
	s := openTestStore(t)

	e := NewEvent(TopicStatus, nil)
	if err := s.Save(e); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.MarkDelivered(e.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	pending, err := s.GetPending(TopicStatus)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("delivered event still pending: %+v", pending)
	}

	if err := s.MarkDelivered("no-such-id"); err == nil {
		t.Fatal("marking an unknown event delivered should fail")
	}
}

func TestCleanupDropsOldDeliveredOnly(t *testing.T) {
	s := openTestStore(t)

	old := NewEvent(TopicLog, "old")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	fresh := NewEvent(TopicLog, "fresh")
	undelivered := NewEvent(TopicLog, "undelivered")
	undelivered.CreatedAt = time.Now().Add(-48 * time.Hour)

	for _, e := range []*Event{old, fresh, undelivered} {
		if err := s.Save(e); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	for _, id := range []string{old.ID, fresh.ID} {
		if err := s.MarkDelivered(id); err != nil {
			t.Fatalf("MarkDelivered: %v", err)
		}
	}

	if err := s.Cleanup(24 * time.Hour); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	// the old delivered event is gone; the old undelivered one survives
	pending, err := s.GetPending(TopicLog)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != undelivered.ID {
		t.Fatalf("pending after cleanup = %+v", pending)
	}
}
