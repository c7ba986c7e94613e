package events

import (
	"encoding/json"
	"log"
)

// NATSPublisher is the minimal surface this package needs from a NATS
// connection; internal/nats.Client satisfies it.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSMirror forwards every bus event onto subject "cos.events.<topic>"
// so an out-of-process subscriber using nats.go can watch the same
// stream the in-process handlers see.
type NATSMirror struct {
	conn NATSPublisher
	log  *log.Logger
}

// NewNATSMirror wraps conn as an events.Mirror.
func NewNATSMirror(conn NATSPublisher, logger *log.Logger) *NATSMirror {
	return &NATSMirror{conn: conn, log: logger}
}

// Mirror implements Mirror.
func (m *NATSMirror) Mirror(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		m.log.Printf("failed to marshal event for mirror: %v", err)
		return
	}
	subject := "cos.events." + string(event.Topic)
	if err := m.conn.Publish(subject, data); err != nil {
		m.log.Printf("failed to mirror event to nats subject=%s: %v", subject, err)
	}
}
