package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RichardWithnell/chat-service/internal/v1/logging"
	"github.com/RichardWithnell/chat-service/internal/v1/metrics"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// wsConnection is the subset of *websocket.Conn the client uses; tests
// substitute a fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// client is one connected socket. Commands are processed sequentially by the
// read pump, which keeps acknowledgement order equal to issue order.
type client struct {
	hub *Hub
	id  string

	conn wsConnection
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(hub *Hub, id string, conn wsConnection) *client {
	return &client{
		hub:  hub,
		id:   id,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}
}

// enqueue hands data to the write pump. Drops when the socket's queue is
// full; the slow consumer will be cut off by its own backlog eventually.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send on closed socket",
				zap.String("socketId", c.id), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Socket send queue full, dropping frame",
			zap.String("socketId", c.id))
	}
}

// shutdown closes the send channel exactly once; the write pump then drains,
// sends the close frame, and closes the connection.
func (c *client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
}

func (c *client) readPump(engine Engine) {
	defer func() {
		c.hub.dropClient(c.id)
		engine.HandleDisconnect(context.Background(), c.id)
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

		var frame commandFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "Failed to decode command frame",
				zap.String("socketId", c.id), zap.Error(err))
			continue
		}

		ctx := context.WithValue(context.Background(), logging.SocketIDKey, c.id)
		results, err := engine.HandleCommand(ctx, c.id, frame.Name, frame.Args)

		ack := ackFrame{ID: frame.ID, Data: results}
		if err != nil {
			ack.Error = engine.ErrorPayload(err)
			ack.Data = nil
		}
		out, err := json.Marshal(ack)
		if err != nil {
			logging.Error(ctx, "Failed to encode ack frame", zap.Error(err))
			continue
		}
		c.enqueue(out)
	}
}

func (c *client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message",
				zap.String("socketId", c.id), zap.Error(err))
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
