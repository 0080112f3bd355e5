// Package user implements the per-user association engine: socket lifecycle,
// the distributed room join/leave protocols, and the handlers the command
// pipeline dispatches to. A User value is a cheap handle over the shared
// Associations machinery; handles are constructed per command and never own
// state of their own.
package user

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/RichardWithnell/chat-service/internal/v1/cherrors"
	"github.com/RichardWithnell/chat-service/internal/v1/direct"
	"github.com/RichardWithnell/chat-service/internal/v1/logging"
	"github.com/RichardWithnell/chat-service/internal/v1/room"
	"github.com/RichardWithnell/chat-service/internal/v1/store"
	"github.com/RichardWithnell/chat-service/internal/v1/transport"
	"github.com/RichardWithnell/chat-service/internal/v1/types"
)

// disconnectConcurrency bounds the parallel forced disconnects issued by
// DisconnectLocalSockets.
const disconnectConcurrency = 8

// MessageChecker validates or rewrites an outgoing message before delivery.
// target is the room name for room messages and the recipient for direct
// messages.
type MessageChecker func(ctx context.Context, author, target string, msg *types.Message) error

// ServerEvent delivers engine-level events, such as consistency failures, to
// the embedding service.
type ServerEvent func(event string, payload map[string]any)

// Config carries the feature switches and limits shared by every user handle.
type Config struct {
	InstanceID    string
	LockTTL       time.Duration
	BusAckTimeout time.Duration

	EnableUserlistUpdates    bool
	EnableAccessListsUpdates bool
	EnableDirectMessages     bool
	EnableRoomsManagement    bool

	HistoryMaxSize        int
	HistoryMaxGetMessages int

	DirectMessageChecker MessageChecker
	RoomMessageChecker   MessageChecker
}

// Associations holds the shared dependencies of all user handles and runs the
// cluster-bus side of the cross-instance protocols.
type Associations struct {
	st  store.Store
	tr  transport.Transport
	cfg Config

	serverEvent ServerEvent

	ackMu   sync.Mutex
	pending map[string]chan struct{}
}

// NewAssociations wires the association engine. serverEvent may be nil.
func NewAssociations(st store.Store, tr transport.Transport, cfg Config, serverEvent ServerEvent) *Associations {
	if serverEvent == nil {
		serverEvent = func(string, map[string]any) {}
	}
	return &Associations{
		st:          st,
		tr:          tr,
		cfg:         cfg,
		serverEvent: serverEvent,
		pending:     make(map[string]chan struct{}),
	}
}

// User returns a handle for the named user.
func (a *Associations) User(name string) *User {
	return &User{name: name, a: a, direct: direct.New(a.st, name)}
}

func (a *Associations) room(name string) *room.Room {
	limits := room.Limits{
		HistoryMaxSize:        a.cfg.HistoryMaxSize,
		HistoryMaxGetMessages: a.cfg.HistoryMaxGetMessages,
	}
	return room.New(a.st, name, limits, a.cfg.LockTTL)
}

// CreateRoom creates a room on behalf of the server-side API. owner may be
// empty for an ownerless room.
func (a *Associations) CreateRoom(ctx context.Context, roomName, owner string, whitelistOnly bool) error {
	if !types.ValidName(roomName) {
		return cherrors.New(cherrors.InvalidName, roomName)
	}
	return a.room(roomName).Create(ctx, owner, whitelistOnly)
}

// DeleteRoom flips the removing flag, evicts every joined user across
// instances, then releases the room state.
func (a *Associations) DeleteRoom(ctx context.Context, roomName string) error {
	r := a.room(roomName)
	if err := r.StartRemoving(ctx); err != nil {
		return err
	}
	users, err := r.Users(ctx)
	if err != nil {
		return err
	}
	for _, userName := range users {
		if a.cfg.EnableUserlistUpdates {
			a.broadcast(ctx, "", types.RoomChannel(roomName), types.EventRoomUserLeft, roomName, userName)
		}
		a.evictFromRoom(ctx, userName, roomName)
	}
	return r.Destroy(ctx)
}

// User is a handle binding one user name to the association engine.
type User struct {
	name   string
	a      *Associations
	direct *direct.Messaging
}

// Name returns the user name.
func (u *User) Name() string {
	return u.name
}

func (u *User) sockets() store.UserSockets {
	return u.a.st.UserSockets(u.name)
}

func (u *User) echo() string {
	return types.EchoChannel(u.name)
}

// RegisterSocket binds a freshly connected socket to this user: cluster
// socket index, socket set, and the echo channel. If the client vanished
// before registration completed, the binding is unwound and noSocket is
// returned. Runs under the user lock.
func (u *User) RegisterSocket(ctx context.Context, socketID string) error {
	unlock, err := u.a.st.Lock(ctx, store.UserLockKey(u.name), u.a.cfg.LockTTL)
	if err != nil {
		return err
	}
	defer func() { _ = unlock(ctx) }()

	if err := u.a.st.BindSocket(ctx, socketID, u.name, u.a.cfg.InstanceID); err != nil {
		return err
	}
	n, err := u.sockets().AddSocket(ctx, socketID)
	if err != nil {
		_ = u.a.st.UnbindSocket(ctx, socketID)
		return err
	}
	if !u.a.tr.HasSocket(socketID) {
		_, _ = u.sockets().RemoveSocket(ctx, socketID)
		_ = u.a.st.UnbindSocket(ctx, socketID)
		return cherrors.New(cherrors.NoSocket, socketID)
	}
	if err := u.a.tr.JoinChannel(ctx, socketID, u.echo()); err != nil {
		_, _ = u.sockets().RemoveSocket(ctx, socketID)
		_ = u.a.st.UnbindSocket(ctx, socketID)
		return err
	}
	u.a.broadcast(ctx, socketID, u.echo(), types.EventSocketConnectEcho, socketID, n)
	return nil
}

// RemoveSocket unwinds a disconnected socket: leaves every room it had
// joined, then drops it from the socket set and the cluster index. Runs under
// the user lock.
func (u *User) RemoveSocket(ctx context.Context, socketID string) error {
	unlock, err := u.a.st.Lock(ctx, store.UserLockKey(u.name), u.a.cfg.LockTTL)
	if err != nil {
		return err
	}
	defer func() { _ = unlock(ctx) }()

	rooms, err := u.sockets().SocketRooms(ctx, socketID)
	if err != nil {
		return err
	}
	for _, roomName := range rooms {
		if _, err := u.leaveRoom(ctx, socketID, roomName); err != nil {
			logging.Error(ctx, "Failed to leave room during socket removal",
				zap.String("userName", u.name), zap.String("roomName", roomName), zap.Error(err))
			u.a.consistencyFailure(cherrors.StoreConsistencyFailure, map[string]any{
				"userName": u.name,
				"opType":   "removeSocket",
				"roomName": roomName,
			})
		}
	}

	n, err := u.sockets().RemoveSocket(ctx, socketID)
	if err != nil {
		return err
	}
	if err := u.a.st.UnbindSocket(ctx, socketID); err != nil {
		return err
	}
	u.a.broadcast(ctx, socketID, u.echo(), types.EventSocketDisconnect, socketID, n)
	return nil
}

// DisconnectLocalSockets force-disconnects every socket of this user held by
// this instance, with bounded concurrency. Each disconnect triggers the
// normal removal path through the transport's teardown.
func (u *User) DisconnectLocalSockets(ctx context.Context) error {
	all, err := u.sockets().Sockets(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(disconnectConcurrency)
	for socketID := range all {
		instance, ok, err := u.a.st.SocketInstance(ctx, socketID)
		if err != nil || !ok || instance != u.a.cfg.InstanceID {
			continue
		}
		if !u.a.tr.HasSocket(socketID) {
			u.a.consistencyFailure(cherrors.StoreConsistencyFailure, map[string]any{
				"userName": u.name,
				"opType":   "disconnectUserSockets",
				"socketId": socketID,
			})
			continue
		}
		id := socketID
		g.Go(func() error {
			return u.a.tr.Disconnect(id, "disconnected by server")
		})
	}
	return g.Wait()
}

// JoinRoom runs the distributed join protocol for one socket and returns the
// number of this user's sockets joined to the room afterwards.
func (u *User) JoinRoom(ctx context.Context, socketID, roomName string) (int, error) {
	unlock, err := u.a.st.Lock(ctx, store.JoinLockKey(u.name, roomName), u.a.cfg.LockTTL)
	if err != nil {
		return 0, err
	}
	defer func() { _ = unlock(ctx) }()

	r := u.a.room(roomName)
	firstJoin, err := r.Join(ctx, u.name)
	if err != nil {
		return 0, err
	}
	njoined, err := u.sockets().AddSocketRoom(ctx, socketID, roomName)
	if err != nil {
		if firstJoin {
			_, _ = r.Leave(ctx, u.name)
		}
		return 0, err
	}
	if err := u.a.tr.JoinChannel(ctx, socketID, types.RoomChannel(roomName)); err != nil {
		_, _ = u.sockets().RemoveSocketRoom(ctx, socketID, roomName)
		// This call added the user to the userlist; the unwind must take it
		// out again or the room would list a user with no joined socket.
		if firstJoin {
			_, _ = r.Leave(ctx, u.name)
		}
		return 0, err
	}
	if firstJoin && u.a.cfg.EnableUserlistUpdates {
		u.a.broadcast(ctx, "", types.RoomChannel(roomName), types.EventRoomUserJoined, roomName, u.name)
	}
	// The joining socket is already in the room channel here, so its other
	// sockets observe the echo only after the join is fully visible.
	u.a.broadcast(ctx, socketID, u.echo(), types.EventRoomJoinedEcho, roomName, socketID, njoined)
	return njoined, nil
}

// LeaveRoom runs the leave protocol for one socket and returns the remaining
// join count. Leaving a room the socket never joined is a no-op.
func (u *User) LeaveRoom(ctx context.Context, socketID, roomName string) (int, error) {
	njoined, err := u.leaveRoom(ctx, socketID, roomName)
	if err != nil {
		return 0, err
	}
	u.a.broadcast(ctx, socketID, u.echo(), types.EventRoomLeftEcho, roomName, socketID, njoined)
	return njoined, nil
}

// leaveRoom detaches one socket from a room under the join lock. When the
// last of the user's sockets leaves, the room's userlist is updated.
func (u *User) leaveRoom(ctx context.Context, socketID, roomName string) (int, error) {
	unlock, err := u.a.st.Lock(ctx, store.JoinLockKey(u.name, roomName), u.a.cfg.LockTTL)
	if err != nil {
		return 0, err
	}
	defer func() { _ = unlock(ctx) }()

	njoined, err := u.sockets().RemoveSocketRoom(ctx, socketID, roomName)
	if err != nil {
		return 0, err
	}
	_ = u.a.tr.LeaveChannel(ctx, socketID, types.RoomChannel(roomName))
	if njoined == 0 {
		left, err := u.a.room(roomName).Leave(ctx, u.name)
		if err != nil {
			return 0, err
		}
		if left && u.a.cfg.EnableUserlistUpdates {
			u.a.broadcast(ctx, "", types.RoomChannel(roomName), types.EventRoomUserLeft, roomName, u.name)
		}
	}
	return njoined, nil
}
