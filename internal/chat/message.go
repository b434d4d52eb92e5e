// Package chat maintains the streaming conversation transcript: it
// folds decoded protocol events into ordered assistant messages
// (interleaved reasoning blocks, tool calls, and text) and persists
// snapshots so a reload does not lose a turn.
package chat

import (
	"encoding/json"
	"time"

	"github.com/walle-ai/walle/internal/protocol"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ReasoningBlock is one "thinking" segment of an assistant turn,
// rendered separately from user-visible text.
type ReasoningBlock struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Collapsed bool   `json:"collapsed"`
}

// ToolCall is a structured operation the assistant invoked mid-turn.
type ToolCall struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Arguments    map[string]any         `json:"arguments,omitempty"`
	Status       protocol.ToolStatus    `json:"status"`
	Result       string                 `json:"result,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	Progress     *protocol.ToolProgress `json:"progress,omitempty"`
}

// Message is one entry in the transcript. At most one message in a
// transcript has IsStreaming set: the in-flight assistant turn.
type Message struct {
	ID              string           `json:"id"`
	Role            Role             `json:"role"`
	Content         string           `json:"content"`
	ReasoningBlocks []ReasoningBlock `json:"reasoningBlocks,omitempty"`
	ToolCalls       []ToolCall       `json:"toolCalls,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	IsStreaming     bool             `json:"isStreaming,omitempty"`
}

// clone deep-copies the message so published snapshots cannot alias the
// session's mutable state.
func (m *Message) clone() Message {
	out := *m
	if m.ReasoningBlocks != nil {
		out.ReasoningBlocks = make([]ReasoningBlock, len(m.ReasoningBlocks))
		copy(out.ReasoningBlocks, m.ReasoningBlocks)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			out.ToolCalls[i] = call
			if call.Arguments != nil {
				args := make(map[string]any, len(call.Arguments))
				for k, v := range call.Arguments {
					args[k] = v
				}
				out.ToolCalls[i].Arguments = args
			}
			if call.Progress != nil {
				progress := *call.Progress
				out.ToolCalls[i].Progress = &progress
			}
		}
	}
	return out
}

// decodeArguments parses a tool call's raw argument JSON. Unparseable
// arguments degrade to an empty map rather than failing the event.
func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{}
	}
	return args
}
