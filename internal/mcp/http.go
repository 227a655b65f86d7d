package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hward/chatrelay/internal/httpkit"
)

// sessionHeader carries the server-issued session token on every
// request after initialize.
const sessionHeader = "Mcp-Session-Id"

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// Name identifies the server in logs and error messages.
	Name string

	// URL is the MCP server endpoint.
	URL string

	// AuthToken, when non-empty, is sent as an Authorization bearer
	// token on every request.
	AuthToken string

	// Timeout bounds each request/response exchange.
	Timeout time.Duration

	// LocalOnly restricts the transport to loopback targets. Dialing a
	// non-loopback address is refused at request time.
	LocalOnly bool

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC request is sent as an HTTP POST; the response comes
// back either as a plain JSON body or as a server-sent event stream
// that is drained and reassembled before returning.
type HTTPTransport struct {
	name       string
	url        string
	authToken  string
	localOnly  bool
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport for the given config.
// A local-only transport pointed at a non-loopback URL logs a warning
// here; the actual refusal happens when a request is attempted.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", cfg.Name)

	if cfg.LocalOnly && !isLoopbackURL(cfg.URL) {
		logger.Warn("local-only MCP transport configured with non-loopback URL; requests will be refused",
			"url", cfg.URL,
		)
	}

	return &HTTPTransport{
		name:      cfg.Name,
		url:       cfg.URL,
		authToken: cfg.AuthToken,
		localOnly: cfg.LocalOnly,
		logger:    logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
		),
	}
}

// Send sends a JSON-RPC request via HTTP POST and returns the response
// matching the request id.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}

	mediaType := httpResp.Header.Get("Content-Type")
	if strings.HasPrefix(mediaType, "text/event-stream") {
		defer httpkit.DrainAndClose(httpResp.Body, 1<<20)
		return t.readEventStream(httpResp.Body, req.ID)
	}

	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20)) // 10 MiB limit
	if err != nil {
		return nil, &TransportError{Server: t.name, Err: fmt.Errorf("read response body: %w", err)}
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &ProtocolError{Server: t.name, Reason: fmt.Sprintf("unmarshal response: %v", err)}
	}

	return &resp, nil
}

// Notify sends a JSON-RPC notification via HTTP POST. No response
// content is expected, but the HTTP response status is checked.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpResp, err := t.do(ctx, body)
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(httpResp.Body, 1<<20)
	return nil
}

// SessionID returns the current server-issued session token.
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// ResetSession discards the stored session token.
func (t *HTTPTransport) ResetSession() {
	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()
}

// Close is a no-op for HTTP transports. The underlying HTTP client
// manages its own connection pool via httpkit.
func (t *HTTPTransport) Close() error {
	return nil
}

// post marshals and sends one JSON-RPC request, returning the raw HTTP
// response with its body still open.
func (t *HTTPTransport) post(ctx context.Context, req *Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return t.do(ctx, body)
}

// do performs the HTTP exchange shared by Send and Notify: loopback
// enforcement, headers, session capture, and status checking.
func (t *HTTPTransport) do(ctx context.Context, body []byte) (*http.Response, error) {
	if t.localOnly && !isLoopbackURL(t.url) {
		return nil, &TransportError{
			Server: t.name,
			Err:    fmt.Errorf("local-only transport refuses non-loopback target %s", t.url),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Server: t.name, Err: fmt.Errorf("create HTTP request: %w", err)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	if t.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	// Include session ID if we have one from a previous response.
	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Server: t.name, Err: err}
	}

	// A new/changed session token replaces the stored one before the
	// body is touched, so no concurrent call observes the old value
	// after this response arrived.
	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		if sid != t.sessionID {
			t.logger.Debug("session token updated")
			t.sessionID = sid
		}
		t.mu.Unlock()
	}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		httpkit.DrainAndClose(httpResp.Body, 1<<20)
		return nil, &AuthError{Server: t.name, Status: httpResp.StatusCode}
	case httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted:
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, &TransportError{
			Server: t.name,
			Err:    fmt.Errorf("server returned %d: %s", httpResp.StatusCode, errBody),
		}
	}

	return httpResp, nil
}

// readEventStream drains a text/event-stream body and returns the
// JSON-RPC response whose id matches the request. Servers may emit
// progress notifications on the same stream; those are skipped. A
// stream that ends without answering the request is a protocol error.
func (t *HTTPTransport) readEventStream(body io.Reader, wantID int64) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(after, " "))
			continue
		}

		// Blank line terminates one SSE event.
		if line != "" || data.Len() == 0 {
			continue
		}

		payload := data.String()
		data.Reset()

		var resp Response
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			t.logger.Debug("skipping unparseable stream frame", "error", err)
			continue
		}
		if resp.ID == wantID && (resp.Result != nil || resp.Error != nil) {
			return &resp, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, &TransportError{Server: t.name, Err: fmt.Errorf("read event stream: %w", err)}
	}

	// Trailing event without a terminating blank line.
	if data.Len() > 0 {
		var resp Response
		if err := json.Unmarshal([]byte(data.String()), &resp); err == nil &&
			resp.ID == wantID && (resp.Result != nil || resp.Error != nil) {
			return &resp, nil
		}
	}

	return nil, &ProtocolError{Server: t.name, Reason: "event stream ended without a response"}
}

// isLoopbackURL reports whether the URL's host is a loopback address.
// Hostnames other than "localhost" are not resolved; an unresolvable
// or remote hostname counts as non-loopback.
func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
