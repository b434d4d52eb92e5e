// Package protocol decodes the Eve chat wire protocol: Server-Sent
// Events whose data payloads are typed, uniquely identified events
// describing an assistant turn (text, reasoning, tool calls).
package protocol

import (
	"encoding/json"
)

// EventKind tags a decoded protocol event.
type EventKind string

const (
	KindMessageStart   EventKind = "message-start"
	KindTextStart      EventKind = "text-start"
	KindTextDelta      EventKind = "text-delta"
	KindTextEnd        EventKind = "text-end"
	KindReasoningStart EventKind = "reasoning-start"
	KindReasoningDelta EventKind = "reasoning-delta"
	KindReasoningEnd   EventKind = "reasoning-end"
	KindToolCallStart  EventKind = "tool-call-start"
	KindToolCallDelta  EventKind = "tool-call-delta"
	KindToolCallResult EventKind = "tool-call-result"
	KindMessageEnd     EventKind = "message-end"
	KindError          EventKind = "error"
)

// ToolStatus is the lifecycle state of a tool call as reported by the
// server. Transitions are forward-only: pending -> running -> success|error.
type ToolStatus string

const (
	ToolPending ToolStatus = "pending"
	ToolRunning ToolStatus = "running"
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
)

// ToolProgress carries optional mid-execution progress for a tool call.
type ToolProgress struct {
	Current *int   `json:"current,omitempty"`
	Total   *int   `json:"total,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event is one decoded protocol event. Every event carries a unique ID
// and a Kind; block-scoped events (text, reasoning, tool call) also
// carry the BlockID of the block they belong to. Delta events carry an
// incremental fragment in Delta; end events carry the full accumulated
// value in Content, which is authoritative and must overwrite any
// locally accumulated buffer.
type Event struct {
	ID      string    `json:"id"`
	Kind    EventKind `json:"type"`
	BlockID string    `json:"blockId,omitempty"`

	// Delta is the incremental fragment on *-delta events.
	Delta string `json:"delta,omitempty"`

	// Content is the authoritative final value on *-end events, the
	// result payload on tool-call-result, and the human-readable
	// message on error events.
	Content string `json:"content,omitempty"`

	// Tool call fields.
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Status    ToolStatus      `json:"status,omitempty"`
	Progress  *ToolProgress   `json:"progress,omitempty"`
	IsError   bool            `json:"isError,omitempty"`

	// Error event fields.
	Code string `json:"code,omitempty"`
}

// knownKinds is the closed set of event kinds this protocol version
// understands. Unknown kinds are dropped by the decoder so a newer
// server does not break an older client.
var knownKinds = map[EventKind]bool{
	KindMessageStart:   true,
	KindTextStart:      true,
	KindTextDelta:      true,
	KindTextEnd:        true,
	KindReasoningStart: true,
	KindReasoningDelta: true,
	KindReasoningEnd:   true,
	KindToolCallStart:  true,
	KindToolCallDelta:  true,
	KindToolCallResult: true,
	KindMessageEnd:     true,
	KindError:          true,
}

// KnownKind reports whether kind is part of this protocol version.
func KnownKind(kind EventKind) bool {
	return knownKinds[kind]
}
