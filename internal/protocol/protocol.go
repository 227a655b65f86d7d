// Package protocol defines the wire messages exchanged with chat clients
// over the persistent WebSocket connection.
//
// Inbound: [ClientRequest] with action "chat" and a text payload.
// Outbound: [ServerEvent], a status-tagged union (processing, chunk,
// tool_call, complete, error) that always echoes the originating
// request_id.
package protocol

import (
	"fmt"
	"strings"
)

// ActionChat is the only inbound action the relay supports.
const ActionChat = "chat"

// Status values for ServerEvent.
const (
	StatusProcessing = "processing"
	StatusChunk      = "chunk"
	StatusToolCall   = "tool_call"
	StatusComplete   = "complete"
	StatusError      = "error"
)

// ChunkText is the chunk payload type for streamed model text.
const ChunkText = "text"

// Error kinds carried by error events. Clients switch on these to
// distinguish user errors from provider and policy failures.
const (
	ErrKindValidation    = "validation"
	ErrKindBusy          = "busy"
	ErrKindProvider      = "provider_error"
	ErrKindToolLoopLimit = "tool_loop_limit_exceeded"
	ErrKindInternal      = "internal"
)

// ChatPayload carries the user message for a chat request.
type ChatPayload struct {
	Text string `json:"text"`
}

// ClientRequest is a message sent from client to server.
type ClientRequest struct {
	RequestID string      `json:"request_id"`
	Action    string      `json:"action"`
	Payload   ChatPayload `json:"payload"`
}

// Validate checks structural requirements: a non-empty request_id, a
// supported action, and non-blank message text. Request-id uniqueness
// is a per-connection concern enforced by the session manager, not here.
func (r *ClientRequest) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if r.Action != ActionChat {
		return fmt.Errorf("unsupported action: %q", r.Action)
	}
	if strings.TrimSpace(r.Payload.Text) == "" {
		return fmt.Errorf("payload.text must not be empty")
	}
	return nil
}

// Chunk is a piece of streamed response data.
type Chunk struct {
	Type     string         `json:"type,omitempty"`
	Data     string         `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EventError describes a failed request: a stable machine-readable kind
// plus a human-readable message.
type EventError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ServerEvent is a message sent from server to client.
type ServerEvent struct {
	RequestID string      `json:"request_id"`
	Status    string      `json:"status"`
	Chunk     *Chunk      `json:"chunk,omitempty"`
	Error     *EventError `json:"error,omitempty"`
}

// Processing builds the acknowledgement event emitted before any model
// output, echoing the user message in metadata.
func Processing(requestID, userText string) ServerEvent {
	return ServerEvent{
		RequestID: requestID,
		Status:    StatusProcessing,
		Chunk: &Chunk{
			Metadata: map[string]any{"user_message": userText},
		},
	}
}

// TextChunk builds a streamed text-delta event.
func TextChunk(requestID, delta string) ServerEvent {
	return ServerEvent{
		RequestID: requestID,
		Status:    StatusChunk,
		Chunk:     &Chunk{Type: ChunkText, Data: delta},
	}
}

// ToolCallEvent builds the event announcing that a batch of tool calls
// is executing. No chunk events are emitted while tools run.
func ToolCallEvent(requestID string, names []string) ServerEvent {
	return ServerEvent{
		RequestID: requestID,
		Status:    StatusToolCall,
		Chunk: &Chunk{
			Metadata: map[string]any{"tools": names},
		},
	}
}

// Complete builds the terminal success event.
func Complete(requestID string) ServerEvent {
	return ServerEvent{RequestID: requestID, Status: StatusComplete}
}

// ErrorEvent builds a terminal failure event.
func ErrorEvent(requestID, kind, message string) ServerEvent {
	return ServerEvent{
		RequestID: requestID,
		Status:    StatusError,
		Error:     &EventError{Kind: kind, Message: message},
	}
}
