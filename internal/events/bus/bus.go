// Package bus provides the event bus used for notification and presence
// fan-out between the chat core and the websocket gateway.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the chat core. The gateway bridges chat.> onto
// websocket rooms.
const (
	// SubjectNotifyRole carries notifications for a role room; the last
	// token is the role name (chat.notify.role.admin).
	SubjectNotifyRole = "chat.notify.role."
	// SubjectAgentPresence carries agent online/offline transitions.
	SubjectAgentPresence = "chat.presence.agent"
	// SubjectAdminFeed carries live-visitor snapshots and admin alerts.
	SubjectAdminFeed = "chat.admin.feed"
)

// Event is one message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes a delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription handle.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the fan-out transport. Subjects use NATS conventions:
// dot-separated tokens, * matching one token and > matching the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
