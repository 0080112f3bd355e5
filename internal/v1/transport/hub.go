package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/RichardWithnell/chat-service/internal/v1/cherrors"
	"github.com/RichardWithnell/chat-service/internal/v1/logging"
	"github.com/RichardWithnell/chat-service/internal/v1/metrics"
	"github.com/RichardWithnell/chat-service/internal/v1/ratelimit"
	"github.com/RichardWithnell/chat-service/internal/v1/types"
)

// Hub is the websocket Transport. It owns the socket registry and the
// channel membership map for this instance; only this instance may emit to
// the sockets it holds.
type Hub struct {
	mu       sync.Mutex
	clients  map[string]*client
	channels map[string]set.Set[string] // channel -> socket ids

	engine         Engine
	allowedOrigins []string
	rateLimiter    *ratelimit.RateLimiter
	accepting      bool
}

// NewHub creates a Hub bound to the engine. rateLimiter may be nil.
func NewHub(engine Engine, allowedOrigins []string, rateLimiter *ratelimit.RateLimiter) *Hub {
	return &Hub{
		clients:        make(map[string]*client),
		channels:       make(map[string]set.Set[string]),
		engine:         engine,
		allowedOrigins: allowedOrigins,
		rateLimiter:    rateLimiter,
		accepting:      true,
	}
}

func (h *Hub) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range h.allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
}

// ServeWs upgrades the HTTP request, registers the socket with the engine,
// and starts the message pumps. The raw auth payload is taken from the query
// string and handed to the engine's onConnect hook untouched.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // response already written
	}

	h.mu.Lock()
	accepting := h.accepting
	h.mu.Unlock()
	if !accepting {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}

	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed", zap.Error(err))
		return
	}

	authData := map[string]string{
		"token":    c.Query("token"),
		"username": c.Query("username"),
	}
	h.HandleConnection(conn, authData)
}

// HandleConnection registers an established connection. Split from ServeWs
// so tests can drive the hub with a fake connection.
func (h *Hub) HandleConnection(conn wsConnection, authData map[string]string) {
	socketID := uuid.NewString()
	cl := newClient(h, socketID, conn)

	h.mu.Lock()
	h.clients[socketID] = cl
	h.mu.Unlock()

	metrics.IncConnection()
	go cl.writePump()

	ctx := context.WithValue(context.Background(), logging.SocketIDKey, socketID)
	if err := h.engine.HandleConnect(ctx, socketID, authData); err != nil {
		logging.Warn(ctx, "Connection rejected", zap.Error(err))
		_ = h.Emit(socketID, types.EventLoginRejected, h.engine.ErrorPayload(err))
		_ = h.Disconnect(socketID, "login rejected")
		// The read pump never starts for rejected sockets, so its teardown
		// cannot run; unregister here.
		h.dropClient(socketID)
		metrics.DecConnection()
		return
	}

	go cl.readPump(h.engine)
}

// dropClient removes a socket from the registry and every channel. Called by
// the read pump on connection teardown.
func (h *Hub) dropClient(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, socketID)
	for name, members := range h.channels {
		members.Delete(socketID)
		if members.Len() == 0 {
			delete(h.channels, name)
		}
	}
}

// HasSocket reports whether the socket is still registered on this instance.
func (h *Hub) HasSocket(socketID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clients[socketID]
	return ok
}

// Emit sends one event to one socket.
func (h *Hub) Emit(socketID, event string, args ...any) error {
	h.mu.Lock()
	cl, ok := h.clients[socketID]
	h.mu.Unlock()
	if !ok {
		return cherrors.New(cherrors.NoSocket, socketID)
	}
	data, err := encodeEvent(event, args)
	if err != nil {
		return err
	}
	cl.enqueue(data)
	return nil
}

// Disconnect emits a disconnect event with the reason, then closes the
// socket.
func (h *Hub) Disconnect(socketID, reason string) error {
	h.mu.Lock()
	cl, ok := h.clients[socketID]
	h.mu.Unlock()
	if !ok {
		return cherrors.New(cherrors.NoSocket, socketID)
	}
	if data, err := encodeEvent(types.EventDisconnect, []any{reason}); err == nil {
		cl.enqueue(data)
	}
	cl.shutdown()
	return nil
}

// JoinChannel adds the socket to a channel.
func (h *Hub) JoinChannel(_ context.Context, socketID, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[socketID]; !ok {
		return cherrors.New(cherrors.NoSocket, socketID)
	}
	members, ok := h.channels[channel]
	if !ok {
		members = set.New[string]()
		h.channels[channel] = members
	}
	members.Insert(socketID)
	return nil
}

// LeaveChannel removes the socket from a channel. Idempotent.
func (h *Hub) LeaveChannel(_ context.Context, socketID, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.channels[channel]; ok {
		members.Delete(socketID)
		if members.Len() == 0 {
			delete(h.channels, channel)
		}
	}
	return nil
}

// EmitToChannel broadcasts an event to every member of the channel.
func (h *Hub) EmitToChannel(channel, event string, args ...any) {
	h.sendToChannel("", channel, event, args)
}

// SendToChannel broadcasts to the channel excluding one socket.
func (h *Hub) SendToChannel(excludeSocketID, channel, event string, args ...any) {
	h.sendToChannel(excludeSocketID, channel, event, args)
}

func (h *Hub) sendToChannel(excludeSocketID, channel, event string, args []any) {
	data, err := encodeEvent(event, args)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode channel event",
			zap.String("channel", channel), zap.Error(err))
		return
	}

	h.mu.Lock()
	var targets []*client
	if members, ok := h.channels[channel]; ok {
		for _, id := range members.UnsortedList() {
			if id == excludeSocketID {
				continue
			}
			if cl, ok := h.clients[id]; ok {
				targets = append(targets, cl)
			}
		}
	}
	h.mu.Unlock()

	for _, cl := range targets {
		cl.enqueue(data)
	}
}

// CloseAccepting stops accepting new sockets; existing sockets live on until
// Close.
func (h *Hub) CloseAccepting() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accepting = false
}

// Close disconnects every socket and waits for the registry to drain or ctx
// to expire.
func (h *Hub) Close(ctx context.Context) error {
	h.CloseAccepting()

	h.mu.Lock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		_ = h.Disconnect(id, "server shutting down")
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		h.mu.Lock()
		remaining := len(h.clients)
		h.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
