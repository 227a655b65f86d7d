// Package tools provides the tool registry: a single namespace over
// in-process tools and the tools discovered from MCP tool servers.
package tools

import (
	"context"
	"fmt"
)

// Result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Tool is an in-process tool. Implementations are registered explicitly
// at startup; there is no import-time side-effect registration.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema for the arguments
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Result is the outcome of one dispatched tool call, fed back into the
// model conversation as a synthetic turn.
type Result struct {
	CallID  string
	Status  string
	Content string
}

// OK builds a successful result.
func OK(callID, content string) Result {
	return Result{CallID: callID, Status: StatusOK, Content: content}
}

// Failed builds an error-flagged result. Tool failures are reported to
// the model in-conversation, never hidden and never fatal for the turn.
func Failed(callID, message string) Result {
	return Result{CallID: callID, Status: StatusError, Content: message}
}

// ErrToolNotFound is returned when a dispatch targets a name that no
// local tool and no transport namespace covers. It is detected without
// contacting any tool server.
type ErrToolNotFound struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}
