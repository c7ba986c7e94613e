package events

import (
	"time"

	"github.com/google/uuid"
)

// Topic names the fixed set emitted by the core.
type Topic string

const (
	TopicStatus           Topic = "status"
	TopicTasksUserChanged Topic = "tasks:user:changed"
	TopicTasksInternal    Topic = "tasks:internal:changed"
	TopicAgentSpawned     Topic = "agent:spawned"
	TopicAgentOutput      Topic = "agent:output"
	TopicAgentCompleted   Topic = "agent:completed"
	TopicHealthCheck      Topic = "health:check"
	TopicLog              Topic = "log"

	// TopicAll is a wildcard subscription target matching every topic.
	TopicAll Topic = "*"
)

// Event is a single published message on the bus.
type Event struct {
	ID        string    `json:"id"`
	Topic     Topic     `json:"topic"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewEvent builds an Event with a generated id and timestamp.
func NewEvent(topic Topic, payload any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}
