// Package agentapi is a typed client for the coding agent's HTTP API
// exposed inside each sandbox. One Client is built per tunnel URL; the
// event stream itself lives in the stream package.
package agentapi

import (
	"encoding/json"
	"fmt"
)

// Upstream event types.
const (
	EventServerConnected    = "server.connected"
	EventServerHeartbeat    = "server.heartbeat"
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventSessionIdle        = "session.idle"
	EventSessionStatus      = "session.status"
	EventSessionError       = "session.error"
)

// MessageAbortedError is the error name the agent reports when a prompt
// was aborted on purpose. It is not surfaced to clients.
const MessageAbortedError = "MessageAbortedError"

// Event is one upstream event envelope. Properties are decoded lazily by
// type via the typed accessors below.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Session is the agent's view of a conversation.
type Session struct {
	ID    string      `json:"id"`
	Title string      `json:"title,omitempty"`
	Time  SessionTime `json:"time"`
}

// SessionTime carries unix-milli timestamps; zero means unknown.
type SessionTime struct {
	Created int64 `json:"created,omitempty"`
	Updated int64 `json:"updated,omitempty"`
}

// Message is one turn in the conversation.
type Message struct {
	ID        string        `json:"id"`
	Role      string        `json:"role"`
	SessionID string        `json:"sessionID"`
	Time      MessageTime   `json:"time"`
	Error     *MessageError `json:"error,omitempty"`
}

type MessageTime struct {
	Created   int64 `json:"created,omitempty"`
	Completed int64 `json:"completed,omitempty"`
}

// MessageError is the agent's structured failure report.
type MessageError struct {
	Name string           `json:"name"`
	Data MessageErrorData `json:"data"`
}

type MessageErrorData struct {
	Message string `json:"message,omitempty"`
}

// Part is one fragment of a message: streamed text or a tool invocation.
type Part struct {
	ID        string `json:"id"`
	MessageID string `json:"messageID"`
	SessionID string `json:"sessionID"`
	Type      string `json:"type"`

	// Text parts. Delta carries the incremental chunk while streaming;
	// Time.End marks the text as final.
	Text  string    `json:"text,omitempty"`
	Delta string    `json:"delta,omitempty"`
	Time  *PartTime `json:"time,omitempty"`

	// Tool parts.
	Tool   string     `json:"tool,omitempty"`
	CallID string     `json:"callID,omitempty"`
	State  *ToolState `json:"state,omitempty"`
}

type PartTime struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

// Final reports whether a text part has finished streaming.
func (p Part) Final() bool {
	return p.Time != nil && p.Time.End > 0
}

// Valid reports whether the part satisfies the minimum schema the gateway
// accepts from the upstream boundary.
func (p Part) Valid() bool {
	return p.ID != "" && p.MessageID != "" && p.Type != ""
}

// Tool state statuses.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// ToolState is the lifecycle of one tool invocation inside a part.
type ToolState struct {
	Status   string          `json:"status"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Title    string          `json:"title,omitempty"`
	Metadata *ToolMetadata   `json:"metadata,omitempty"`
}

// ToolMetadata carries incremental progress summaries while a tool runs.
type ToolMetadata struct {
	Summary []SummaryEntry  `json:"summary,omitempty"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}

type SummaryEntry struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

// MessageUpdatedProps is the payload of message.updated.
type MessageUpdatedProps struct {
	Info Message `json:"info"`
}

// PartUpdatedProps is the payload of message.part.updated.
type PartUpdatedProps struct {
	Part Part `json:"part"`
}

// SessionScopedProps is the payload of session.idle and session.error.
type SessionScopedProps struct {
	SessionID string        `json:"sessionID,omitempty"`
	Error     *MessageError `json:"error,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// SessionStatusProps is the payload of session.status.
type SessionStatusProps struct {
	SessionID string `json:"sessionID,omitempty"`
	Status    string `json:"status,omitempty"`
}

// MessageUpdated decodes the event as message.updated.
func (e Event) MessageUpdated() (MessageUpdatedProps, error) {
	var p MessageUpdatedProps
	if err := json.Unmarshal(e.Properties, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return p, nil
}

// PartUpdated decodes the event as message.part.updated.
func (e Event) PartUpdated() (PartUpdatedProps, error) {
	var p PartUpdatedProps
	if err := json.Unmarshal(e.Properties, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return p, nil
}

// SessionScoped decodes the event as session.idle or session.error.
func (e Event) SessionScoped() (SessionScopedProps, error) {
	var p SessionScopedProps
	if len(e.Properties) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(e.Properties, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return p, nil
}

// SessionStatus decodes the event as session.status.
func (e Event) SessionStatus() (SessionStatusProps, error) {
	var p SessionStatusProps
	if err := json.Unmarshal(e.Properties, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return p, nil
}

// RichestErrorMessage picks the most specific human-readable message out
// of a session.error payload.
func (p SessionScopedProps) RichestErrorMessage() string {
	if p.Error != nil && p.Error.Data.Message != "" {
		return p.Error.Data.Message
	}
	if p.Message != "" {
		return p.Message
	}
	if p.Error != nil && p.Error.Name != "" {
		return p.Error.Name
	}
	return "agent error"
}

// Newest returns the most recently touched session, ordering by updated
// then created time. Returns false when the slice is empty.
func Newest(sessions []Session) (Session, bool) {
	if len(sessions) == 0 {
		return Session{}, false
	}
	best := sessions[0]
	for _, s := range sessions[1:] {
		if s.Time.Updated > best.Time.Updated ||
			(s.Time.Updated == best.Time.Updated && s.Time.Created > best.Time.Created) {
			best = s
		}
	}
	return best, true
}
