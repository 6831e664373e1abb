package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/broadcast"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/logging"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/metrics"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client represents a single user's connection to the game hub. It implements
// broadcast.Subscriber, so room fan-out lands directly in its send channel.
type Client struct {
	conn     wsConnection
	hub      *Hub
	userID   types.UserID
	userName string
	connID   types.ConnectionID

	mu       sync.RWMutex
	closed   bool
	rooms    map[types.RoomID]bool // rooms this connection is subscribed to
	watching types.RoomID          // current spectate target, if any

	closeOnce sync.Once
	send      chan []byte
}

// ID satisfies broadcast.Subscriber.
func (c *Client) ID() types.ConnectionID {
	return c.connID
}

// Deliver satisfies broadcast.Subscriber: it queues one envelope for the write
// pump without blocking the room fan-out.
func (c *Client) Deliver(env broadcast.Envelope) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return fmt.Errorf("client %s is closed", c.connID)
	}
	c.mu.RUnlock()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("client %s send buffer full", c.connID)
	}
}

// reply sends a request/response frame to this client only.
func (c *Client) reply(requestID string, success bool, errMsg string, data any) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	raw, err := json.Marshal(Response{
		Type:      "response",
		RequestID: requestID,
		Success:   success,
		Error:     errMsg,
		Data:      data,
	})
	if err != nil {
		logging.Error(context.Background(), "failed to marshal response",
			zap.String("conn_id", string(c.connID)), zap.Error(err))
		return
	}

	select {
	case c.send <- raw:
	default:
		logging.Warn(context.Background(), "client send channel full, response dropped",
			zap.String("conn_id", string(c.connID)))
	}
}

// trackRoom remembers a subscription so disconnect can clean it up.
func (c *Client) trackRoom(roomID types.RoomID) {
	c.mu.Lock()
	c.rooms[roomID] = true
	c.mu.Unlock()
}

func (c *Client) untrackRoom(roomID types.RoomID) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	if c.watching == roomID {
		c.watching = ""
	}
	c.mu.Unlock()
}

func (c *Client) trackedRooms() []types.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.RoomID, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

func (c *Client) setWatching(roomID types.RoomID) {
	c.mu.Lock()
	c.watching = roomID
	c.mu.Unlock()
}

func (c *Client) watchingRoom() types.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watching
}

// Disconnect closes the send channel exactly once; the write pump drains what
// is queued, sends the close frame and closes the socket.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.send) })
}

// readPump processes incoming frames until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "malformed client frame",
				zap.String("conn_id", string(c.connID)), zap.Error(err))
			c.reply("", false, "malformed message", nil)
			continue
		}

		c.hub.route(context.Background(), c, &msg)
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	writeWait := 10 * time.Second

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message",
				zap.String("conn_id", string(c.connID)), zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
