// Package relay turns the raw event stream of a backing agent subprocess
// into the canonical, client-facing event sequence. Every event passes
// through three stages in order: normalization (live and replayed events
// have different wire shapes), filtering (events with nothing to display are
// dropped), and the queue/flush discipline that positions synthetic events
// deterministically. Live streaming and history replay share the same
// pipeline, so a fixed transcript always replays in the exact order live
// clients observed it.
package relay

import (
	"encoding/json"
	"time"
)

// Type classifies a canonical event.
type Type string

const (
	// TypeSessionStart is the first event of every session and the first
	// line of every transcript; it carries the working directory.
	TypeSessionStart Type = "session_start"

	// TypeUserMessage is the prompt that opened the current turn.
	TypeUserMessage Type = "user_message"

	// TypeAssistantDelta is a chunk of streamed assistant text.
	TypeAssistantDelta Type = "assistant_delta"

	// TypeAssistantMessage is a finalized assistant message.
	TypeAssistantMessage Type = "assistant_message"

	TypeToolCall   Type = "tool_call"
	TypeToolResult Type = "tool_result"

	// TypeEmbed is a synthetic, UI-only event announcing that a tool call
	// produced an embeddable link. It is never emitted by the subprocess;
	// the pipeline generates and queues it.
	TypeEmbed Type = "embed"

	// TypeIdle and TypeError terminate a turn. Exactly one of them ends
	// every dispatch.
	TypeIdle  Type = "idle"
	TypeError Type = "error"
)

// Event is the canonical, shape-agnostic form every stage downstream of the
// normalizer operates on.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"ts,omitempty"`

	Text       string          `json:"text,omitempty"`
	Model      string          `json:"model,omitempty"`
	Cwd        string          `json:"cwd,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput string          `json:"tool_output,omitempty"`
	ErrorText  string          `json:"error,omitempty"`

	// Embed fields, set only on TypeEmbed.
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// wireEvent mirrors the subprocess's two wire shapes. Live events carry
// their properties at the root; events read back from a transcript nest the
// same properties under "data". The normalizer is the only code aware of
// this; nothing downstream branches on shape.
type wireEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data"`
	wireFields
}

type wireFields struct {
	Text       string          `json:"text"`
	Model      string          `json:"model"`
	Cwd        string          `json:"cwd"`
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input"`
	ToolOutput string          `json:"tool_output"`
	ErrorText  string          `json:"error"`
	URL        string          `json:"url"`
	Title      string          `json:"title"`
}

// Normalize decodes one raw subprocess event, accepting either wire shape.
// Properties found under "data" take precedence over root-level ones, which
// matches how the subprocess writes transcripts.
func Normalize(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, err
	}
	if len(w.Data) > 0 {
		if err := json.Unmarshal(w.Data, &w.wireFields); err != nil {
			return Event{}, err
		}
	}
	return Event{
		Type:       Type(w.Type),
		SessionID:  w.SessionID,
		Timestamp:  w.Timestamp,
		Text:       w.Text,
		Model:      w.Model,
		Cwd:        w.Cwd,
		ToolName:   w.ToolName,
		ToolInput:  w.ToolInput,
		ToolOutput: w.ToolOutput,
		ErrorText:  w.ErrorText,
		URL:        w.URL,
		Title:      w.Title,
	}, nil
}
