package models

import "time"

// EventKind enumerates the lifecycle notifications pushed over a session's
// live connection.
type EventKind string

const (
	EventUploadReceived     EventKind = "upload_received"
	EventConversionStarted  EventKind = "conversion_started"
	EventConversionFinished EventKind = "conversion_finished"
	EventToolStarted        EventKind = "tool_started"
	EventToolFinished       EventKind = "tool_finished"
	EventError              EventKind = "error"
)

// ToolEvent is a single live progress notification. Events are a
// best-effort status stream: they are never persisted and loss on
// disconnect is acceptable.
type ToolEvent struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	Seq       uint64            `json:"seq"`
	Kind      EventKind         `json:"kind"`
	Payload   map[string]string `json:"payload"`
	EmittedAt time.Time         `json:"emitted_at"`
}

// ToolEventType is the fixed value of ToolEvent.Type on the wire.
const ToolEventType = "tool_event"
