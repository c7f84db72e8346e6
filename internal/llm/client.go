// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// Role constants for chat messages sent to a provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage represents a chat message for LLM input.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that requested tool invocations.
	ToolCalls []ToolCallRef `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set on tool-result messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolCallRef is a prior tool invocation echoed back in the conversation.
type ToolCallRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition declares a callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  jsonschema.Definition
}

// Request represents a streaming generation request.
type Request struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// ChunkType tags one incremental chunk of a generation stream.
type ChunkType string

const (
	// ChunkText carries an incremental text delta.
	ChunkText ChunkType = "text"
	// ChunkToolCall carries an incremental tool-call delta; argument JSON for
	// one call arrives as fragments sharing the same index.
	ChunkToolCall ChunkType = "tool_call"
	// ChunkFinish carries the stop reason and usage, once, at end of stream.
	ChunkFinish ChunkType = "finish"
)

// Chunk is one unit of incremental model output.
type Chunk struct {
	Type ChunkType

	// ChunkText
	Text string

	// ChunkToolCall
	ToolIndex     int
	ToolCallID    string
	ToolName      string
	ToolArgsDelta string

	// ChunkFinish
	StopReason string
	TokensIn   int
	TokensOut  int
}

// Stream is a lazy, single-consumer sequence of generation chunks.
// Recv returns io.EOF after the final chunk.
type Stream interface {
	Recv() (*Chunk, error)
	Close() error
}

// Client is the interface for LLM providers.
type Client interface {
	// Stream opens a streaming generation request.
	Stream(ctx context.Context, req *Request) (Stream, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// ErrorKind classifies an upstream generation failure.
type ErrorKind int

const (
	ErrorUpstream ErrorKind = iota
	ErrorTimeout
	ErrorRateLimited
)

// KindOf classifies an error returned by a provider adapter.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorUpstream
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	if status, ok := statusCode(err); ok {
		if status == 429 {
			return ErrorRateLimited
		}
		if status == 408 || status == 504 {
			return ErrorTimeout
		}
		return ErrorUpstream
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "quota"):
		return ErrorRateLimited
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return ErrorTimeout
	}
	return ErrorUpstream
}
