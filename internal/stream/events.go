// Package stream consumes worker session event streams: it parses tagged
// text frames, normalizes them into a small event taxonomy, batches text
// fragments, suppresses echoes of outbound text, and keeps each session's
// subscription alive across disconnects with backoff.
package stream

import "time"

// Kind identifies a normalized stream event.
type Kind string

const (
	KindTextChunk         Kind = "text_chunk"
	KindToolInvocation    Kind = "tool_invocation"
	KindToolResult        Kind = "tool_result"
	KindMessageComplete   Kind = "message_complete"
	KindSessionIdle       Kind = "session_idle"
	KindSessionError      Kind = "session_error"
	KindPermissionRequest Kind = "permission_request"
	KindPermissionReply   Kind = "permission_reply"
	KindDisconnected      Kind = "disconnected"
	KindReconnected       Kind = "reconnected"
)

// Event is one normalized stream event delivered to a subscriber.
type Event struct {
	Kind      Kind
	SessionID string

	// Text carries batched content for KindTextChunk and the message for
	// KindSessionError.
	Text string

	// ToolName and CallID are set for tool events.
	ToolName string
	CallID   string

	// Data holds the decoded wire payload for non-text events.
	Data map[string]any

	OccurredAt time.Time
}

func newEvent(kind Kind, sessionID string) Event {
	return Event{Kind: kind, SessionID: sessionID, OccurredAt: time.Now().UTC()}
}

// ConnectionState is the per-session connection lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateClosed       ConnectionState = "closed"
)
