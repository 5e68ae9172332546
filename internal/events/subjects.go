package events

import "fmt"

// Subject naming conventions for NATS.
//
// Hierarchy:
//   songcast.sessions.<session_id>.<event_suffix>  - Per-session events
//
// Wildcard subscriptions:
//   songcast.sessions.>                            - All session events
//   songcast.sessions.*.session.left               - All session ends

const (
	// SubjectPrefix is the root of all receiver subjects.
	SubjectPrefix = "songcast"

	// SubjectSessions groups per-session events.
	SubjectSessions = SubjectPrefix + ".sessions"
)

// SessionSubject builds a subject for a session event.
// Example: SessionSubject("abc-123", "session.left") => "songcast.sessions.abc-123.session.left"
func SessionSubject(sessionID string, eventSuffix string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectSessions, sessionID, eventSuffix)
}

// Subject patterns for common consumers.
var (
	// PatternAllSessions matches every session event.
	PatternAllSessions = SubjectSessions + ".>"

	// PatternSessionLeft matches session terminations.
	PatternSessionLeft = SubjectSessions + ".*.session.left"
)
