// Package cachesync keeps the caches of several processes coherent by
// publishing local flush events to Pub/Sub and applying remote ones.
package cachesync

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-querycache/pkg/cache"
)

// attrInstanceID carries the publishing instance as a message attribute, so a
// subscriber can drop its own events without decoding them.
const attrInstanceID = "instance_id"

// EventMessage is the wire form of a flush event.
type EventMessage struct {
	Scope      string    `json:"scope"`
	Group      string    `json:"group,omitempty"`
	Origin     string    `json:"origin"`
	InstanceID string    `json:"instanceId"`
	EventID    string    `json:"eventId"`
	SentAt     time.Time `json:"sentAt"`
}

// NewInstanceID returns a random identifier for one cache-holding process.
func NewInstanceID() string {
	return uuid.NewString()
}

// NewEventMessage wraps a local event for publishing.
func NewEventMessage(event cache.Event, instanceID string) EventMessage {
	return EventMessage{
		Scope:      event.Scope.String(),
		Group:      event.Group,
		Origin:     event.Origin,
		InstanceID: instanceID,
		EventID:    uuid.NewString(),
		SentAt:     time.Now().UTC(),
	}
}

// Event converts the message back into a cache event.
func (m EventMessage) Event() (cache.Event, error) {
	switch m.Scope {
	case cache.ScopeAll.String():
		return cache.AllEvent(m.Origin), nil
	case cache.ScopeGroup.String():
		if m.Group == "" {
			return cache.Event{}, fmt.Errorf("group event %s has no group", m.EventID)
		}
		return cache.GroupEvent(m.Group, m.Origin), nil
	default:
		return cache.Event{}, fmt.Errorf("event %s: unknown scope %q", m.EventID, m.Scope)
	}
}
