package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the event backlog so a reconnecting NATS
// subscriber can replay what it missed. It uses the
// pure-Go modernc.org/sqlite driver rather than a cgo binding, matching
// the rest of the module's dependency-free-build stance.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) a SQLite-backed event
// backlog at path and ensures its schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer at a time

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing event store schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	PRAGMA journal_mode=WAL;
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		delivered_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic, delivered_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save inserts event into the backlog.
func (s *SQLiteStore) Save(event *Event) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO events (id, topic, payload, created_at, delivered_at) VALUES (?, ?, ?, ?, NULL)`,
		event.ID, string(event.Topic), string(payloadJSON), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// GetPending returns undelivered events for topic (or every topic, if
// topic == TopicAll), oldest first.
func (s *SQLiteStore) GetPending(topic Topic) ([]*Event, error) {
	var rows *sql.Rows
	var err error
	if topic == TopicAll {
		rows, err = s.db.Query(
			`SELECT id, topic, payload, created_at FROM events WHERE delivered_at IS NULL ORDER BY created_at ASC`,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, topic, payload, created_at FROM events WHERE delivered_at IS NULL AND topic = ? ORDER BY created_at ASC`,
			string(topic),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("querying pending events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var payloadJSON string
		var topicStr string
		if err := rows.Scan(&e.ID, &topicStr, &payloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		e.Topic = Topic(topicStr)
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling event payload: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// MarkDelivered stamps event eventID as delivered.
func (s *SQLiteStore) MarkDelivered(eventID string) error {
	result, err := s.db.Exec(`UPDATE events SET delivered_at = ? WHERE id = ?`, time.Now(), eventID)
	if err != nil {
		return fmt.Errorf("marking event delivered: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("event not found: %s", eventID)
	}
	return nil
}

// Cleanup deletes delivered events older than olderThan, bounding the
// backlog's disk footprint.
func (s *SQLiteStore) Cleanup(olderThan time.Duration) error {
	_, err := s.db.Exec(
		`DELETE FROM events WHERE delivered_at IS NOT NULL AND created_at < ?`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return fmt.Errorf("cleaning up event store: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
