package model

import (
	"encoding/json"
)

// TurnEventType identifies one frame of the per-turn wire protocol.
type TurnEventType string

const (
	EventTurnStarted     TurnEventType = "turn_started"
	EventMessageDelta    TurnEventType = "message_delta"
	EventToolCallCreated TurnEventType = "tool_call_created"
	EventToolCallDone    TurnEventType = "tool_call_done"
	EventMessageDone     TurnEventType = "message_done"
	EventTurnCompleted   TurnEventType = "turn_completed"
	EventTurnCancelled   TurnEventType = "turn_cancelled"
	EventTurnFailed      TurnEventType = "turn_failed"
)

// Reason codes for turn_failed events.
const (
	ReasonUpstreamTimeout     = "upstream_timeout"
	ReasonUpstreamRateLimited = "upstream_rate_limited"
	ReasonUpstreamError       = "upstream_error"
	ReasonToolExecutionError  = "tool_execution_error"
	ReasonRoundLimitExceeded  = "round_limit_exceeded"
)

// Reason codes for turn_cancelled events.
const (
	ReasonClientDisconnected = "client_disconnected"
	ReasonTimeout            = "timeout"
)

// TurnEvent is one event in a turn's ordered, single-consumer sequence.
// Exactly one terminal event (turn_completed, turn_cancelled or turn_failed)
// ends every sequence.
type TurnEvent struct {
	Type TurnEventType `json:"type"`

	// turn_started, turn_completed
	ThreadID string `json:"thread_id,omitempty"`

	// message_delta
	Text string `json:"text,omitempty"`

	// tool_call_created, tool_call_done
	CallID    string          `json:"call_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Status    ToolCallStatus  `json:"status,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`

	// message_done
	MessageID string `json:"message_id,omitempty"`

	// turn_cancelled
	Reason string `json:"reason,omitempty"`

	// turn_failed
	ReasonCode string `json:"reason_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Terminal reports whether the event ends the turn's sequence.
func (e TurnEvent) Terminal() bool {
	switch e.Type {
	case EventTurnCompleted, EventTurnCancelled, EventTurnFailed:
		return true
	}
	return false
}
