// Package llm defines the streaming model-client abstraction and its
// provider implementations. All fields use provider-neutral Go types —
// wire format conversion happens at provider boundaries (openai.go).
package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents one entry in the model conversation.
type Message struct {
	Role       string     // system, user, assistant, tool
	Content    string
	ToolCalls  []ToolCall // set on assistant messages that request tools
	ToolCallID string     // set on tool messages carrying a result
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema for the arguments
}

// EventKind identifies the type of generation event.
type EventKind int

const (
	// KindTextDelta is an incremental text fragment from the model.
	KindTextDelta EventKind = iota

	// KindToolCall is a request from the model to invoke a tool.
	// Several may arrive back-to-back when the provider batches
	// parallel tool calls.
	KindToolCall

	// KindDone signals the generation finished normally.
	KindDone

	// KindError signals the generation failed. Err carries the cause.
	KindError
)

// Event is a single generation event. Consumers switch on Kind to
// determine which field is set.
type Event struct {
	Kind     EventKind
	Delta    string    // KindTextDelta
	ToolCall *ToolCall // KindToolCall
	Err      *TurnError
}

// TurnError describes a failed generation: a stable kind for clients
// plus a human-readable message.
type TurnError struct {
	Kind    string
	Message string
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Stream is a finite, ordered, single-pass sequence of generation
// events. Recv returns events until a KindDone or KindError event;
// after that, it returns io.EOF. Abandoning a stream via Close cancels
// the underlying provider call.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Client is the streaming-completion capability over a language-model
// provider. The provider is stateless per call; no shared mutable state
// exists beyond connection pooling.
type Client interface {
	// StreamTurn opens one generation over the given conversation and
	// tool catalogue. The returned stream must be read to a terminal
	// event or closed.
	StreamTurn(ctx context.Context, messages []Message, tools []ToolSpec) (Stream, error)
}

// ProviderError indicates the provider rejected or failed the request
// before or during streaming.
type ProviderError struct {
	Status  int // HTTP status, 0 for transport-level failures
	Message string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("provider error: %s", e.Message)
}
