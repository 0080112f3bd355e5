// Package transport owns the per-socket connections, the channel registry,
// and the wire framing. The engine talks to it through the Transport
// interface; the transport talks back through the Engine interface, so
// neither package imports the other's internals.
package transport

import (
	"context"
	"encoding/json"
)

// Engine is the command side of the service facade, driven by the transport
// as sockets connect, issue commands, and disconnect.
type Engine interface {
	// HandleConnect registers a new socket. authData carries the raw auth
	// payload (token, username hints) for the onConnect hook. On error the
	// transport emits loginRejected and drops the socket.
	HandleConnect(ctx context.Context, socketID string, authData map[string]string) error
	// HandleCommand runs one command through the pipeline and returns the
	// acknowledgement values.
	HandleCommand(ctx context.Context, socketID, name string, args []any) ([]any, error)
	// HandleDisconnect unwinds a socket that has gone away.
	HandleDisconnect(ctx context.Context, socketID string)
	// ErrorPayload serializes a command error for the ack frame.
	ErrorPayload(err error) any
}

// Transport is the socket registry and fan-out surface the engine emits
// through.
type Transport interface {
	// Emit sends an event to one socket.
	Emit(socketID, event string, args ...any) error
	// Disconnect forcefully closes a socket after emitting a disconnect
	// event carrying reason.
	Disconnect(socketID, reason string) error
	// HasSocket reports whether the socket is still registered locally.
	HasSocket(socketID string) bool

	JoinChannel(ctx context.Context, socketID, channel string) error
	LeaveChannel(ctx context.Context, socketID, channel string) error
	// EmitToChannel broadcasts an event to every socket in the channel.
	EmitToChannel(channel, event string, args ...any)
	// SendToChannel broadcasts with one excluded socket.
	SendToChannel(excludeSocketID, channel, event string, args ...any)

	// CloseAccepting stops accepting new sockets.
	CloseAccepting()
	// Close disconnects every socket and releases the registry.
	Close(ctx context.Context) error
}

// commandFrame is a client-to-server command.
type commandFrame struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name"`
	Args []any  `json:"args"`
}

// ackFrame acknowledges one command, in issue order per socket.
type ackFrame struct {
	ID    int64 `json:"id"`
	Error any   `json:"error,omitempty"`
	Data  []any `json:"data,omitempty"`
}

// eventFrame is a server-to-client notification.
type eventFrame struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

func encodeEvent(event string, args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return json.Marshal(eventFrame{Name: event, Args: args})
}
