package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/runner"
	"github.com/haasonsaas/conductor/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientFrame is the tagged union of client-to-server messages.
type clientFrame struct {
	Type         string          `json:"type"`
	SessionID    string          `json:"sessionId,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	NewMessage   *models.Content `json:"newMessage,omitempty"`
	InvocationID string          `json:"invocationId,omitempty"`
}

// serverFrame is the tagged union of server-to-client messages:
// started, event, status, error, cancelled, completed.
type serverFrame struct {
	Type         string        `json:"type"`
	InvocationID string        `json:"invocationId,omitempty"`
	Status       string        `json:"status,omitempty"`
	Event        *models.Event `json:"event,omitempty"`
	Message      string        `json:"message,omitempty"`
}

type wsConn struct {
	server    *Server
	conn      *websocket.Conn
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	sessionID string
}

// handleRunWS upgrades to a duplex socket over which the client starts,
// cancels, and queries invocations.
func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		server:    s,
		conn:      conn,
		send:      make(chan []byte, 64),
		ctx:       ctx,
		cancel:    cancel,
		sessionID: chi.URLParam(r, "sessionID"),
	}

	if s.state.Metrics != nil {
		s.state.Metrics.WSConnections.Inc()
		defer s.state.Metrics.WSConnections.Dec()
	}

	go c.writeLoop()
	c.readLoop()
	cancel()
	_ = conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType == websocket.BinaryMessage {
			c.sendFrame(serverFrame{Type: "error", Message: "Binary messages not supported"})
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendFrame(serverFrame{Type: "error", Message: "invalid frame"})
			continue
		}

		switch frame.Type {
		case "run":
			c.handleRun(frame)
		case "cancel":
			c.handleCancel(frame)
		case "status":
			c.handleStatus(frame)
		default:
			c.sendFrame(serverFrame{Type: "error", Message: "unknown message type " + frame.Type})
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// handleRun registers the invocation, acknowledges with started, and
// streams events until the runner finishes. The socket stays usable for
// cancel and status while the run is in flight.
func (c *wsConn) handleRun(frame clientFrame) {
	sessionID := frame.SessionID
	if sessionID == "" {
		sessionID = c.sessionID
	}
	userID := frame.UserID
	if userID == "" {
		userID = defaultUserID
	}

	id, runCtx := c.server.state.Tracker.Register(c.ctx)
	c.sendFrame(serverFrame{Type: "started", InvocationID: id})

	go func() {
		defer c.server.state.Tracker.Complete(id)

		events, err := c.server.state.Runner.Run(runCtx, runner.Request{
			UserID:       userID,
			SessionID:    sessionID,
			InvocationID: id,
			Message:      frame.NewMessage,
			Config:       agent.RunConfig{Streaming: true},
		})
		if err != nil {
			c.sendFrame(serverFrame{Type: "error", InvocationID: id, Message: err.Error()})
			return
		}
		for ev := range events {
			c.sendFrame(serverFrame{Type: "event", InvocationID: id, Event: ev})
		}
		c.sendFrame(serverFrame{Type: "completed", InvocationID: id})
	}()
}

func (c *wsConn) handleCancel(frame clientFrame) {
	if c.server.state.Tracker.Cancel(frame.InvocationID) {
		c.sendFrame(serverFrame{Type: "cancelled", InvocationID: frame.InvocationID})
		return
	}
	c.sendFrame(serverFrame{
		Type:         "error",
		InvocationID: frame.InvocationID,
		Message:      "unknown invocation " + frame.InvocationID,
	})
}

func (c *wsConn) handleStatus(frame clientFrame) {
	status := c.server.state.Tracker.Status(frame.InvocationID)
	c.sendFrame(serverFrame{
		Type:         "status",
		InvocationID: frame.InvocationID,
		Status:       string(status),
	})
}

func (c *wsConn) sendFrame(frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}
