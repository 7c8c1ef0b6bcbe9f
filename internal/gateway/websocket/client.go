package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/siteswarm/siteswarm/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024
)

// Client actions on the inbound leg. The stream is one-directional
// apart from subscription management.
const (
	actionSubscribe   = "run.subscribe"
	actionUnsubscribe = "run.unsubscribe"
)

// clientCommand is the inbound message shape.
type clientCommand struct {
	Action string `json:"action"`
	RunID  string `json:"run_id"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool // Run IDs this client is subscribed to
	logger        *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var cmd clientCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendError("Invalid message format")
			continue
		}

		c.handleCommand(&cmd)
	}
}

// handleCommand processes an inbound subscription command.
func (c *Client) handleCommand(cmd *clientCommand) {
	if cmd.RunID == "" {
		c.sendError("run_id is required")
		return
	}

	switch cmd.Action {
	case actionSubscribe:
		c.hub.SubscribeToRun(c, cmd.RunID)
		c.sendFrame(NewFrame(FrameSwarmEvent, map[string]any{
			"event":  "subscribed",
			"run_id": cmd.RunID,
		}))
	case actionUnsubscribe:
		c.hub.UnsubscribeFromRun(c, cmd.RunID)
		c.sendFrame(NewFrame(FrameSwarmEvent, map[string]any{
			"event":  "unsubscribed",
			"run_id": cmd.RunID,
		}))
	default:
		c.sendError("Unknown action: " + cmd.Action)
	}
}

// sendFrame sends a frame to the client.
func (c *Client) sendFrame(frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// sendError sends an ERROR frame to the client.
func (c *Client) sendError(message string) {
	c.sendFrame(NewFrame(FrameError, map[string]any{"message": message}))
}

// WritePump pumps frames from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
