// Package events publishes receiver lifecycle events for monitoring and
// diagnostics consumers. Publishers range from no-op to NATS JetStream;
// the reception core never blocks on them.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a receiver lifecycle event.
type EventType string

const (
	// SessionJoined fires when a session's join handshake completes.
	SessionJoined EventType = "session.joined"
	// SessionListening fires when a session enters its listening phase.
	SessionListening EventType = "session.listening"
	// SessionLeft fires when a session ends, for any reason.
	SessionLeft EventType = "session.left"
	// StreamRestarted fires when the repair layer detects a sender
	// sequence restart.
	StreamRestarted EventType = "stream.restarted"
	// BufferOverflow fires when the repair buffer overflows and is purged.
	BufferOverflow EventType = "buffer.overflow"
	// TrackChanged fires when the sender announces a new track.
	TrackChanged EventType = "track.changed"
	// MetatextChanged fires when the sender updates its metatext.
	MetatextChanged EventType = "metatext.changed"
)

// Event is one receiver lifecycle event. The EventID is unique per
// emission and doubles as the JetStream deduplication key.
type Event struct {
	EventID    string    `json:"event_id"`
	EventType  EventType `json:"event_type"`
	SessionID  string    `json:"session_id"`
	NodeID     string    `json:"node_id"`
	Endpoint   string    `json:"endpoint,omitempty"`
	StreamID   uint32    `json:"stream_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Subject returns the NATS subject the event publishes to.
func (e Event) Subject() string {
	return SessionSubject(e.SessionID, string(e.EventType))
}

// Factory stamps events with the local node identity.
type Factory struct {
	nodeID string
}

// NewFactory creates an event factory for this node.
func NewFactory(nodeID string) *Factory {
	return &Factory{nodeID: nodeID}
}

// New builds an event of the given type for a session.
func (f *Factory) New(t EventType, sessionID string) Event {
	return Event{
		EventID:    uuid.New().String(),
		EventType:  t,
		SessionID:  sessionID,
		NodeID:     f.nodeID,
		OccurredAt: time.Now().UTC(),
	}
}

// WithEndpoint returns a copy of the event annotated with the sender
// endpoint.
func (e Event) WithEndpoint(endpoint string) Event {
	e.Endpoint = endpoint
	return e
}

// WithStream returns a copy of the event annotated with a stream id.
func (e Event) WithStream(streamID uint32) Event {
	e.StreamID = streamID
	return e
}

// WithDetail returns a copy of the event annotated with free text.
func (e Event) WithDetail(detail string) Event {
	e.Detail = detail
	return e
}
