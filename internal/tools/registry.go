package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/hward/chatrelay/internal/llm"
	"github.com/hward/chatrelay/internal/mcp"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// remoteRoute maps a namespaced registry name back to the transport and
// the server-side tool name a call must be forwarded with.
type remoteRoute struct {
	client     *mcp.Client
	remoteName string
}

// Registry aggregates tool definitions from all configured MCP
// transports plus in-process tools into one namespace exposed to the
// model. Remote tools are namespaced "<server>_<tool>" so two servers
// exporting the same tool name cannot collide with each other or with
// in-process tools.
//
// Transports and in-process tools are registered once at startup,
// before any turn runs. The catalogue itself is rebuilt fresh at every
// turn start via ListAll, because remote tools may appear or disappear
// between turns.
type Registry struct {
	logger  *slog.Logger
	locals  []*Tool
	byName  map[string]*Tool
	clients []*mcp.Client

	mu     sync.RWMutex
	remote map[string]remoteRoute
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		byName: make(map[string]*Tool),
		remote: make(map[string]remoteRoute),
	}
}

// Register adds an in-process tool. On a name collision the first
// registration wins and the duplicate is dropped with a warning —
// never silently overwritten.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.byName[t.Name]; exists {
		r.logger.Warn("duplicate tool registration ignored", "tool", t.Name)
		return
	}
	r.byName[t.Name] = t
	r.locals = append(r.locals, t)
}

// AddTransport attaches an MCP client whose tools become part of the
// registry namespace under the "<server>_" prefix.
func (r *Registry) AddTransport(c *mcp.Client) {
	r.clients = append(r.clients, c)
}

// Transports returns the attached MCP clients.
func (r *Registry) Transports() []*mcp.Client {
	return r.clients
}

// ListAll builds the current tool catalogue: in-process tools first,
// then a fresh tools/list from every transport, in registration order.
// A transport that fails to list contributes nothing for this turn; the
// failure is logged, not propagated — the model simply sees fewer
// tools. Name collisions resolve first-registered-wins with a warning.
func (r *Registry) ListAll(ctx context.Context) []llm.ToolSpec {
	seen := make(map[string]bool, len(r.locals))
	routes := make(map[string]remoteRoute)
	var specs []llm.ToolSpec

	for _, t := range r.locals {
		seen[t.Name] = true
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	for _, c := range r.clients {
		defs, err := c.ListTools(ctx)
		if err != nil {
			r.logger.Warn("tool listing failed, server skipped this turn",
				"mcp_server", c.Name(), "error", err)
			continue
		}
		for _, d := range defs {
			name := RemoteToolName(c.Name(), d.Name)
			if seen[name] {
				r.logger.Warn("tool name collision, first registration wins",
					"tool", name, "mcp_server", c.Name())
				continue
			}
			seen[name] = true
			routes[name] = remoteRoute{client: c, remoteName: d.Name}
			specs = append(specs, llm.ToolSpec{
				Name:        name,
				Description: d.Description,
				Parameters:  d.InputSchema,
			})
		}
	}

	// Replace, not merge: a tool that vanished from its server since the
	// last catalogue must dispatch as unknown, not dial the transport.
	r.mu.Lock()
	r.remote = routes
	r.mu.Unlock()

	return specs
}

// Dispatch routes one tool call to its owner: an in-process handler or
// the transport that listed it. An unknown name fails with
// ErrToolNotFound before any network I/O.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (string, error) {
	if t, ok := r.byName[name]; ok {
		return t.Handler(ctx, args)
	}

	r.mu.RLock()
	route, ok := r.remote[name]
	r.mu.RUnlock()
	if !ok {
		return "", &ErrToolNotFound{ToolName: name}
	}

	return route.client.CallTool(ctx, route.remoteName, args)
}

// RemoteToolName generates the namespaced registry name for an MCP
// server's tool. Both components are sanitized to contain only
// lowercase alphanumeric characters and underscores.
func RemoteToolName(serverName, toolName string) string {
	return fmt.Sprintf("%s_%s", sanitize(serverName), sanitize(toolName))
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}
