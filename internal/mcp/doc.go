// Package mcp implements MCP (Model Context Protocol) client support,
// allowing chatrelay to connect to external tool servers and expose
// their tools to the chat orchestrator.
//
// MCP uses JSON-RPC 2.0 over streamable HTTP. The client discovers
// tools via tools/list and invokes them via tools/call. A server-issued
// session token (Mcp-Session-Id header) correlates the request sequence
// after initialize; the transport propagates it unchanged until the
// server issues a new one. Servers may answer a POST with a
// text/event-stream body — the transport drains those frames and
// reassembles the single JSON-RPC response before returning, so callers
// never observe raw framing.
//
// This implementation covers the client/host side only — chatrelay does
// not act as an MCP server.
package mcp
