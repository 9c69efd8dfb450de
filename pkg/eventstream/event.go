// Package eventstream publishes fork lifecycle events so that other
// services can follow pending deliveries.
package eventstream

import (
	"time"

	"github.com/papercomputeco/sipfork/pkg/idgen"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	EventTypeForkCreated       = "sipfork.fork.created"
	EventTypeForkEvicted       = "sipfork.fork.evicted"
	EventTypeForkRestored      = "sipfork.fork.restored"
	EventTypeForkCompleted     = "sipfork.fork.completed"
	EventTypeForkRestoreFailed = "sipfork.fork.restore_failed"
)

// ForkEvent is a transport-neutral event payload for a fork transition.
type ForkEvent struct {
	SchemaVersion int         `json:"schema_version"`
	EventType     string      `json:"event_type"`
	EventID       string      `json:"event_id"`
	EmittedAt     time.Time   `json:"emitted_at"`
	Source        EventSource `json:"source"`
	Fork          ForkMeta    `json:"fork"`
}

// EventSource identifies the instance that emitted the event.
type EventSource struct {
	Instance string `json:"instance,omitempty"`
}

// ForkMeta describes the fork at the time of the event.
type ForkMeta struct {
	ID       string   `json:"id,omitempty"`
	CallID   string   `json:"call_id,omitempty"`
	Phase    string   `json:"phase"`
	Keys     []string `json:"keys,omitempty"`
	Finished bool     `json:"finished"`
	Error    string   `json:"error,omitempty"`
}

// NewForkEvent stamps a new event of the given type.
func NewForkEvent(eventType string, source EventSource, meta ForkMeta, now time.Time) *ForkEvent {
	return &ForkEvent{
		SchemaVersion: SchemaVersionV1,
		EventType:     eventType,
		EventID:       idgen.New(),
		EmittedAt:     now.UTC(),
		Source:        source,
		Fork:          meta,
	}
}

// Key is the partition key of the event: events of one fork stay ordered.
func (e *ForkEvent) Key() string {
	if e.Fork.ID != "" {
		return e.Fork.ID
	}
	return e.Fork.CallID
}
