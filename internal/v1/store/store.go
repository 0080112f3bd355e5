// Package store defines the shared state contract of the engine and its two
// implementations: a process-local memory store and a Redis-backed store for
// multi-instance deployments. The store is the sole source of truth for
// cluster-wide sets; every mutating protocol in the user and room packages
// runs against it under named TTL locks.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/RichardWithnell/chat-service/internal/v1/types"
)

// ErrLockTimeout is returned when a named lock cannot be acquired before the
// caller's context expires.
var ErrLockTimeout = errors.New("store: lock acquisition timed out")

// Cluster-bus message types.
const (
	BusDisconnectUserFromRoom = "disconnectUserFromRoom"
	BusEmitToChannel          = "emitToChannel"
	BusAck                    = "ack"
)

// BusMessage travels on the cluster-bus pub/sub topic between instances.
type BusMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`     // request id, echoed back in acks
	Origin   string `json:"origin"`           // instanceUID of the publisher
	Target   string `json:"target,omitempty"` // addressed instanceUID, "" = all
	UserName string `json:"userName,omitempty"`
	RoomName string `json:"roomName,omitempty"`

	// emitToChannel payload. Every instance, the origin included, relays the
	// event to its local members of Channel.
	Channel       string `json:"channel,omitempty"`
	Event         string `json:"event,omitempty"`
	Args          []any  `json:"args,omitempty"`
	ExcludeSocket string `json:"excludeSocket,omitempty"`
}

// Unlock releases a named lock. Implementations must be safe to call after
// the lock's TTL has already expired.
type Unlock func(ctx context.Context) error

// RoomState is the durable projection of a single room.
type RoomState interface {
	// Create initializes the room. It fails if the room already exists.
	Create(ctx context.Context, owner string, whitelistOnly bool) error
	Exists(ctx context.Context) (bool, error)
	// Destroy drops every key belonging to the room.
	Destroy(ctx context.Context) error

	StartRemoving(ctx context.Context) error
	Removing(ctx context.Context) (bool, error)

	Owner(ctx context.Context) (string, error)
	Mode(ctx context.Context) (bool, error)
	SetMode(ctx context.Context, whitelistOnly bool) error

	AddToList(ctx context.Context, list types.ListName, names []string) error
	RemoveFromList(ctx context.Context, list types.ListName, names []string) error
	List(ctx context.Context, list types.ListName) ([]string, error)
	InList(ctx context.Context, list types.ListName, name string) (bool, error)

	// Append assigns the next monotonic id, stamps and stores the message,
	// and trims history to maxSize oldest-first.
	Append(ctx context.Context, msg types.Message, maxSize int) (types.Message, error)
	LastID(ctx context.Context) (uint64, error)
	// MessagesAfter returns up to limit messages with id > fromID, ascending.
	MessagesAfter(ctx context.Context, fromID uint64, limit int) ([]types.Message, error)
	// Recent returns up to limit latest messages, newest first.
	Recent(ctx context.Context, limit int) ([]types.Message, error)

	SetUserSeen(ctx context.Context, userName string, joined bool, ts int64) error
	UserSeen(ctx context.Context, userName string) (types.UserSeen, error)
}

// DirectState is the durable projection of one user's direct-messaging
// record.
type DirectState interface {
	Mode(ctx context.Context) (bool, error)
	SetMode(ctx context.Context, whitelistOnly bool) error
	AddToList(ctx context.Context, list types.ListName, names []string) error
	RemoveFromList(ctx context.Context, list types.ListName, names []string) error
	List(ctx context.Context, list types.ListName) ([]string, error)
	InList(ctx context.Context, list types.ListName, name string) (bool, error)
	Destroy(ctx context.Context) error
}

// UserSockets is the cluster-wide projection of one user's sockets and their
// per-room joins.
type UserSockets interface {
	// AddSocket records a socket and returns the user's aggregate socket
	// count after the addition.
	AddSocket(ctx context.Context, socketID string) (int, error)
	// RemoveSocket drops a socket and all of its room joins, returning the
	// remaining aggregate socket count.
	RemoveSocket(ctx context.Context, socketID string) (int, error)
	SocketCount(ctx context.Context) (int, error)
	// Sockets returns socketID -> joined room names.
	Sockets(ctx context.Context) (map[string][]string, error)

	// AddSocketRoom records a socket's join and returns how many of the
	// user's sockets are joined to the room afterwards.
	AddSocketRoom(ctx context.Context, socketID, roomName string) (int, error)
	RemoveSocketRoom(ctx context.Context, socketID, roomName string) (int, error)
	RoomSockets(ctx context.Context, roomName string) ([]string, error)
	SocketRooms(ctx context.Context, socketID string) ([]string, error)

	Destroy(ctx context.Context) error
}

// Store is the pluggable state backend.
type Store interface {
	// Lock acquires the named lock, polling until acquisition or ctx expiry.
	// The lock self-releases after ttl.
	Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error)

	Room(name string) RoomState
	Direct(userName string) DirectState
	UserSockets(userName string) UserSockets

	// Socket index, cluster-wide.
	BindSocket(ctx context.Context, socketID, userName, instanceID string) error
	UnbindSocket(ctx context.Context, socketID string) error
	SocketUser(ctx context.Context, socketID string) (string, bool, error)
	SocketInstance(ctx context.Context, socketID string) (string, bool, error)

	// Room index.
	AddRoom(ctx context.Context, name string) error
	RemoveRoom(ctx context.Context, name string) error
	Rooms(ctx context.Context) ([]string, error)

	// User registry.
	AddUser(ctx context.Context, name string) (created bool, err error)
	HasUser(ctx context.Context, name string) (bool, error)
	RemoveUser(ctx context.Context, name string) error

	// Cluster bus.
	PublishBus(ctx context.Context, msg BusMessage) error
	// SubscribeBus delivers every bus message, including loopback from this
	// instance, to handler on a background goroutine until ctx is cancelled.
	SubscribeBus(ctx context.Context, handler func(BusMessage)) error

	Ping(ctx context.Context) error
	Close() error
}

// Lock key builders. Keys are flat strings so both backends share them.

// RoomLockKey guards list and mode mutations of a room.
func RoomLockKey(roomName string) string {
	return "lock:room:" + roomName
}

// JoinLockKey guards join and leave of one user to one room.
func JoinLockKey(userName, roomName string) string {
	return "lock:join:" + userName + ":" + roomName
}

// UserLockKey guards socket registration and removal for one user.
func UserLockKey(userName string) string {
	return "lock:user:" + userName
}
