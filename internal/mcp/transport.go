package mcp

import "context"

// Transport is the interface for MCP server communication.
// Implementations handle framing, encoding, authentication, and session
// continuity for a specific wire mechanism.
type Transport interface {
	// Send sends a JSON-RPC request and returns the matching response.
	// Streamed server replies are reassembled before returning.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// SessionID returns the current server-issued session token, or ""
	// if no session has been negotiated.
	SessionID() string

	// ResetSession discards the stored session token so the next
	// handshake negotiates a fresh one.
	ResetSession()

	// Close shuts down the transport and releases resources.
	Close() error
}
