package mcp

import (
	"fmt"
	"time"
)

// TransportError indicates the tool server was unreachable or the
// connection dropped mid-request. It invalidates the session so the
// next call re-handshakes; the failed call itself is not retried.
type TransportError struct {
	Server string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp %s: transport: %v", e.Server, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError indicates the server sent a response we could not
// interpret (malformed JSON, missing handshake fields, or a stream
// that ended without answering the request).
type ProtocolError struct {
	Server string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcp %s: protocol: %s", e.Server, e.Reason)
}

// AuthError indicates the server rejected our credentials. The
// transport is unusable until the configuration changes, so callers
// should treat its tools as unavailable rather than retrying.
type AuthError struct {
	Server string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("mcp %s: authentication rejected (HTTP %d)", e.Server, e.Status)
}

// ToolTimeoutError indicates a tools/call did not complete within the
// configured per-call timeout.
type ToolTimeoutError struct {
	Server  string
	Tool    string
	Timeout time.Duration
}

func (e *ToolTimeoutError) Error() string {
	return fmt.Sprintf("mcp %s: tool %s timed out after %s", e.Server, e.Tool, e.Timeout)
}

// ToolExecutionError indicates the server executed the tool and
// reported a failure (isError result or a JSON-RPC error object).
type ToolExecutionError struct {
	Server  string
	Tool    string
	Message string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("mcp %s: tool %s failed: %s", e.Server, e.Tool, e.Message)
}
