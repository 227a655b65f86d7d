package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hward/chatrelay/internal/orchestrator"
	"github.com/hward/chatrelay/internal/protocol"
)

// defaultWriteTimeout bounds a single frame write so a stalled client
// cannot wedge the turn goroutine on WriteJSON.
const defaultWriteTimeout = 10 * time.Second

// connection is the per-socket session state. One goroutine reads the
// socket; at most one turn goroutine runs at a time. All writes go
// through Emit, which serializes them under writeMu.
type connection struct {
	id           string
	ws           *websocket.Conn
	orch         turnRunner
	logger       *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu     sync.Mutex
	seen   map[string]bool
	active bool
	cancel context.CancelFunc
}

// turnRunner is what the connection needs from the orchestrator.
type turnRunner interface {
	RunTurn(ctx context.Context, requestID, userText string, emit orchestrator.Emitter)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &connection{
		id:           uuid.New().String(),
		ws:           ws,
		orch:         s.orch,
		writeTimeout: defaultWriteTimeout,
		seen:         make(map[string]bool),
	}
	c.logger = s.logger.With("connection_id", c.id)

	c.logger.Info("client connected", "remote", ws.RemoteAddr())
	c.readLoop(r.Context())
	c.logger.Info("client disconnected")
}

// readLoop consumes client messages until the socket closes. Disconnect
// cancels the active turn before returning.
func (c *connection) readLoop(ctx context.Context) {
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()
	defer c.ws.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("read failed", "error", err)
			}
			c.cancelActive()
			return
		}
		c.handleMessage(ctx, data)
	}
}

// handleMessage validates one inbound frame and, if it is acceptable,
// starts the turn goroutine. Every rejection is a terminal error event
// for that request_id; the active turn (if any) is never disturbed.
func (c *connection) handleMessage(ctx context.Context, data []byte) {
	var req protocol.ClientRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.logger.Debug("malformed frame", "error", err)
		c.emitTo(protocol.ErrorEvent(req.RequestID, protocol.ErrKindValidation,
			"malformed request: "+err.Error()))
		return
	}

	if err := req.Validate(); err != nil {
		c.emitTo(protocol.ErrorEvent(req.RequestID, protocol.ErrKindValidation, err.Error()))
		return
	}

	c.mu.Lock()
	if c.seen[req.RequestID] {
		c.mu.Unlock()
		c.emitTo(protocol.ErrorEvent(req.RequestID, protocol.ErrKindValidation,
			"request_id already used on this connection"))
		return
	}
	if c.active {
		c.mu.Unlock()
		c.emitTo(protocol.ErrorEvent(req.RequestID, protocol.ErrKindBusy,
			"a request is already being processed on this connection"))
		return
	}
	c.seen[req.RequestID] = true
	c.active = true
	turnCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			c.active = false
			c.cancel = nil
			c.mu.Unlock()
		}()
		c.orch.RunTurn(turnCtx, req.RequestID, req.Payload.Text, c)
	}()
}

func (c *connection) cancelActive() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Emit writes one event to the socket. It is the single write path for
// the connection; writeMu serializes the turn goroutine against
// validation rejections from the read loop. The deadline is reset per
// write so a client that stops reading fails the write instead of
// blocking the turn.
func (c *connection) Emit(ev protocol.ServerEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(ev)
}

// emitTo sends a rejection event, logging failures instead of
// propagating them: a client that is gone needs no rejection.
func (c *connection) emitTo(ev protocol.ServerEvent) {
	if err := c.Emit(ev); err != nil {
		c.logger.Debug("write failed", "error", err)
	}
}
