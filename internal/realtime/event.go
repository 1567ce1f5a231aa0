// Package realtime fans out document and presence changes to subscribed sessions.
package realtime

import (
	"encoding/json"
	"time"
)

// EventType names the kind of change carried by an Event.
type EventType string

const (
	// EventDocumentChanged carries a document snapshot after a content write.
	EventDocumentChanged EventType = "document-change"
	// EventPresenceChanged carries the active collaborators of a document.
	EventPresenceChanged EventType = "presence-change"
	// EventHeartbeat keeps idle streams open.
	EventHeartbeat EventType = "heartbeat"
)

// Event is a change notification scoped to one document topic.
type Event struct {
	Topic        string          `json:"topic"`
	Type         EventType       `json:"type"`
	OriginUserID string          `json:"origin_user_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// NewEvent marshals payload into an Event for the given topic.
func NewEvent(topic string, eventType EventType, originUserID string, payload any, timestamp time.Time) (Event, error) {
	event := Event{
		Topic:        topic,
		Type:         eventType,
		OriginUserID: originUserID,
		Timestamp:    timestamp.UTC(),
	}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		event.Payload = encoded
	}
	return event, nil
}

// Publisher accepts events for delivery to subscribers.
type Publisher interface {
	Publish(event Event)
}

// Observer is notified about subscription and delivery outcomes.
type Observer interface {
	SubscriberAdded()
	SubscriberRemoved()
	EventDropped()
}

type noopObserver struct{}

func (noopObserver) SubscriberAdded()   {}
func (noopObserver) SubscriberRemoved() {}
func (noopObserver) EventDropped()      {}
