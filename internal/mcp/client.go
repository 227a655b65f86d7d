package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hward/chatrelay/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

// Client connects to a single MCP tool server and provides typed access
// to the protocol operations (initialize, tools/list, tools/call).
//
// A client constructed without a transport is in local-only mode: it
// has no remote endpoint, reports no tools, and never errors. This lets
// a deployment run with in-process tools only while keeping one code
// path in the registry.
type Client struct {
	name        string
	transport   Transport
	callTimeout time.Duration
	logger      *slog.Logger
	nextID      atomic.Int64

	mu          sync.Mutex
	initialized bool
	negotiated  string // protocol version reported by the server
	serverName  string
	serverVer   string
}

// NewClient creates an MCP client for the given server. A nil transport
// puts the client in local-only mode. callTimeout bounds each
// tools/call exchange; zero means no per-call bound beyond the caller's
// context.
func NewClient(name string, transport Transport, callTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:        name,
		transport:   transport,
		callTimeout: callTimeout,
		logger:      logger.With("mcp_server", name),
	}
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// SessionID returns the current session token, or "" when none is
// negotiated (including local-only mode).
func (c *Client) SessionID() string {
	if c.transport == nil {
		return ""
	}
	return c.transport.SessionID()
}

// Initialize performs the MCP handshake: an initialize request followed
// by the notifications/initialized notification. Calling it on an
// already-initialized client is a no-op and leaves the session token
// untouched. Local-only clients initialize trivially.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initializeLocked(ctx)
}

func (c *Client) initializeLocked(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if c.transport == nil {
		c.initialized = true
		return nil
	}

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "chatrelay",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return &ProtocolError{Server: c.name, Reason: fmt.Sprintf("unmarshal initialize result: %v", err)}
	}
	if result.ProtocolVersion == "" {
		return &ProtocolError{Server: c.name, Reason: "initialize result missing protocolVersion"}
	}

	c.initialized = true
	c.negotiated = result.ProtocolVersion
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// Complete the handshake. Failure here is non-fatal for the
	// session; servers that care will reject subsequent calls.
	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}

	return nil
}

// ListTools calls tools/list and returns the available tool
// definitions. The list is fetched fresh on every call — tools may
// appear or disappear between turns. Local-only clients return an
// empty list, not an error.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if c.transport == nil {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.initializeLocked(ctx); err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, "tools/list", nil)
	if err != nil {
		c.invalidateOnTransportFailure(err)
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ProtocolError{Server: c.name, Reason: fmt.Sprintf("unmarshal tools/list result: %v", err)}
	}

	c.logger.Debug("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool by name with the given arguments, bounded by
// the configured per-call timeout. The result is extracted from the
// response content blocks as a single string. Transport failures
// invalidate the session so the next call re-handshakes.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if c.transport == nil {
		return "", &ToolExecutionError{Server: c.name, Tool: name, Message: "no remote endpoint configured"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.initializeLocked(ctx); err != nil {
		return "", err
	}

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	if args == nil {
		params["arguments"] = map[string]any{}
	}

	resp, err := c.send(ctx, "tools/call", params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &ToolTimeoutError{Server: c.name, Tool: name, Timeout: c.callTimeout}
		}
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		c.invalidateOnTransportFailure(err)

		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return "", &ToolExecutionError{Server: c.name, Tool: name, Message: rpcErr.Message}
		}
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", &ProtocolError{Server: c.name, Reason: fmt.Sprintf("unmarshal tools/call result: %v", err)}
	}

	text := extractText(result.Content)

	if result.IsError {
		return "", &ToolExecutionError{Server: c.name, Tool: name, Message: text}
	}

	return text, nil
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	if c.transport == nil {
		return nil
	}
	c.logger.Debug("closing MCP client")
	return c.transport.Close()
}

// send issues a JSON-RPC request and checks for protocol-level errors.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	req := NewRequest(id, method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp, nil
}

// invalidateOnTransportFailure discards the session after a connection
// failure so the next call performs a fresh handshake. Protocol and
// execution errors leave the session intact.
func (c *Client) invalidateOnTransportFailure(err error) {
	var te *TransportError
	if !errors.As(err, &te) {
		return
	}
	c.initialized = false
	c.transport.ResetSession()
	c.logger.Warn("transport failure, session invalidated", "error", err)
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
