package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolCallStatus represents the lifecycle state of a tool call.
// A record transitions pending -> succeeded or pending -> failed exactly once.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallSucceeded ToolCallStatus = "succeeded"
	ToolCallFailed    ToolCallStatus = "failed"
)

// ContentPart is one ordered part of a message body. Only text parts exist
// today; the list form keeps the stored shape stable if other part kinds are
// added later.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ToolCallRecord is one invocation of a registered tool during a turn.
type ToolCallRecord struct {
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Status    ToolCallStatus  `json:"status"`
}

// Message represents one turn-unit of conversation content.
type Message struct {
	// Identity
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	OwnerID  string `json:"owner_id"`

	// Content
	Role      Role             `json:"role"`
	Content   []ContentPart    `json:"content"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`

	// Partial marks a message persisted after a cancelled or failed turn.
	Partial bool `json:"partial,omitempty"`

	// LLM metadata (nullable for non-assistant messages)
	Model      *string `json:"model,omitempty"`
	TokensIn   *int    `json:"tokens_in,omitempty"`
	TokensOut  *int    `json:"tokens_out,omitempty"`
	LatencyMs  *int64  `json:"latency_ms,omitempty"`
	StopReason *string `json:"stop_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Seq is the store-assigned order within the thread (populated on read).
	Seq uint64 `json:"seq,omitempty"`
}

// Text returns the concatenated text of all content parts.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Content {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// AppendText grows the last text part, or starts one if none exists.
func (m *Message) AppendText(text string) {
	if n := len(m.Content); n > 0 && m.Content[n-1].Type == "text" {
		m.Content[n-1].Text += text
		return
	}
	m.Content = append(m.Content, TextPart(text))
}

// SendMessageRequest is the inbound request to run a turn.
type SendMessageRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message"`
}

// ListMessagesResponse is the response for reading a thread's messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
	LastSeq  uint64    `json:"last_seq"`
}
