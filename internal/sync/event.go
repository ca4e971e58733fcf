package sync

import (
	"encoding/json"
	"fmt"
)

// Event is one backend update event.
type Event struct {
	// ID is the id of the notification that carried the event.
	ID      string
	Type    string
	Payload json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s event: %w", e.Type, err)
	}
	return nil
}

// Notification is one entry of the notification stream.
type Notification struct {
	ID      string            `json:"id"`
	Payload []json.RawMessage `json:"payload"`
}

// NotificationPage is a page of the notification stream.
type NotificationPage struct {
	Notifications []Notification `json:"notifications"`
	HasMore       bool           `json:"has_more"`
}

// Events flattens notifications into events, skipping payloads without a type.
func Events(notifications []Notification) []Event {
	var out []Event
	for _, n := range notifications {
		for _, raw := range n.Payload {
			var head struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(raw, &head) != nil || head.Type == "" {
				continue
			}
			out = append(out, Event{ID: n.ID, Type: head.Type, Payload: raw})
		}
	}
	return out
}
