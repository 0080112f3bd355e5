package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/RichardWithnell/chat-service/internal/v1/cherrors"
	"github.com/RichardWithnell/chat-service/internal/v1/command"
	"github.com/RichardWithnell/chat-service/internal/v1/transport"
	"github.com/RichardWithnell/chat-service/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorderTransport is an in-memory transport for engine tests.
type recorderTransport struct {
	mu       sync.Mutex
	sockets  map[string]bool
	channels map[string]map[string]bool
	emitted  []recordedEvent
}

type recordedEvent struct {
	Channel string
	Socket  string
	Event   string
	Args    []any
}

func newRecorderTransport() *recorderTransport {
	return &recorderTransport{
		sockets:  make(map[string]bool),
		channels: make(map[string]map[string]bool),
	}
}

func (r *recorderTransport) addSocket(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets[id] = true
}

func (r *recorderTransport) Emit(socketID, event string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sockets[socketID] {
		return cherrors.New(cherrors.NoSocket, socketID)
	}
	r.emitted = append(r.emitted, recordedEvent{Socket: socketID, Event: event, Args: args})
	return nil
}

func (r *recorderTransport) Disconnect(socketID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sockets, socketID)
	return nil
}

func (r *recorderTransport) HasSocket(socketID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sockets[socketID]
}

func (r *recorderTransport) JoinChannel(_ context.Context, socketID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]bool)
		r.channels[channel] = members
	}
	members[socketID] = true
	return nil
}

func (r *recorderTransport) LeaveChannel(_ context.Context, socketID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels[channel], socketID)
	return nil
}

func (r *recorderTransport) EmitToChannel(channel, event string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitted = append(r.emitted, recordedEvent{Channel: channel, Event: event, Args: args})
}

func (r *recorderTransport) SendToChannel(excludeSocketID, channel, event string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitted = append(r.emitted, recordedEvent{Channel: channel, Socket: excludeSocketID, Event: event, Args: args})
}

func (r *recorderTransport) CloseAccepting() {}

func (r *recorderTransport) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets = make(map[string]bool)
	return nil
}

func (r *recorderTransport) lastEvent(channel, event string) (recordedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.emitted) - 1; i >= 0; i-- {
		if r.emitted[i].Channel == channel && r.emitted[i].Event == event {
			return r.emitted[i], true
		}
	}
	return recordedEvent{}, false
}

func (r *recorderTransport) socketEvent(socketID, event string) (recordedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.emitted) - 1; i >= 0; i-- {
		if r.emitted[i].Channel == "" && r.emitted[i].Socket == socketID && r.emitted[i].Event == event {
			return r.emitted[i], true
		}
	}
	return recordedEvent{}, false
}

func newTestService(t *testing.T, mutate ...func(*Options)) (*Service, *recorderTransport) {
	t.Helper()
	tr := newRecorderTransport()
	opts := Options{
		State: "memory",
		TransportFactory: func(transport.Engine, Options) transport.Transport {
			return tr
		},
		BusAckTimeout:            500 * time.Millisecond,
		EnableAccessListsUpdates: true,
		EnableDirectMessages:     true,
		EnableRoomsManagement:    true,
		EnableUserlistUpdates:    true,
	}
	for _, m := range mutate {
		m(&opts)
	}
	svc, err := NewService(opts)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc, tr
}

func connectSocket(t *testing.T, svc *Service, tr *recorderTransport, userName, socketID string) {
	t.Helper()
	tr.addSocket(socketID)
	require.NoError(t, svc.HandleConnect(context.Background(), socketID,
		map[string]string{"username": userName}))
}

const eventually = 2 * time.Second

func TestNewService_UnknownKinds(t *testing.T) {
	_, err := NewService(Options{State: "bogus"})
	assert.Error(t, err)

	_, err = NewService(Options{State: "memory", Transport: "bogus"})
	assert.Error(t, err)
}

func TestAddRemoveUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.AddUser(ctx, "alice"))
	err := svc.AddUser(ctx, "alice")
	assert.True(t, cherrors.Is(err, cherrors.UserExists))
	err = svc.AddUser(ctx, "bad name")
	assert.True(t, cherrors.Is(err, cherrors.InvalidName))

	require.NoError(t, svc.RemoveUser(ctx, "alice"))
	err = svc.RemoveUser(ctx, "alice")
	assert.True(t, cherrors.Is(err, cherrors.NoUserOnline))
}

func TestHandleConnect(t *testing.T) {
	svc, tr := newTestService(t)
	ctx := context.Background()

	connectSocket(t, svc, tr, "alice", "s1")

	e, ok := tr.socketEvent("s1", types.EventLoginConfirmed)
	require.True(t, ok)
	require.Len(t, e.Args, 2)
	assert.Equal(t, "alice", e.Args[0])
	assert.Equal(t, map[string]any{"id": "s1"}, e.Args[1])

	// Reconnecting under an existing name is fine; users are created on
	// first sight only.
	tr.addSocket("s2")
	require.NoError(t, svc.HandleConnect(ctx, "s2", map[string]string{"username": "alice"}))
}

func TestHandleConnect_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid name", func(t *testing.T) {
		svc, tr := newTestService(t)
		tr.addSocket("s1")
		err := svc.HandleConnect(ctx, "s1", map[string]string{"username": "no spaces"})
		assert.True(t, cherrors.Is(err, cherrors.InvalidName))
	})

	t.Run("hook error", func(t *testing.T) {
		svc, tr := newTestService(t, func(o *Options) {
			o.OnConnect = func(context.Context, map[string]string) (string, error) {
				return "", errors.New("bad token")
			}
		})
		tr.addSocket("s1")
		err := svc.HandleConnect(ctx, "s1", map[string]string{"username": "alice"})
		assert.True(t, cherrors.Is(err, cherrors.ServerError))
	})

	t.Run("hook overrides username", func(t *testing.T) {
		svc, tr := newTestService(t, func(o *Options) {
			o.OnConnect = func(_ context.Context, authData map[string]string) (string, error) {
				return "verified-" + authData["username"], nil
			}
		})
		tr.addSocket("s1")
		require.NoError(t, svc.HandleConnect(ctx, "s1", map[string]string{"username": "alice"}))
		e, ok := tr.socketEvent("s1", types.EventLoginConfirmed)
		require.True(t, ok)
		assert.Equal(t, "verified-alice", e.Args[0])
	})
}

func TestHandleCommand_UnknownSocket(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.HandleCommand(context.Background(), "ghost", types.CmdListRooms, nil)
	assert.True(t, cherrors.Is(err, cherrors.NoSocket))
}

func TestRoomFlow(t *testing.T) {
	svc, tr := newTestService(t)
	ctx := context.Background()

	connectSocket(t, svc, tr, "alice", "s1")
	connectSocket(t, svc, tr, "bob", "s2")

	_, err := svc.HandleCommand(ctx, "s1", types.CmdRoomCreate, []any{"general", false})
	require.NoError(t, err)

	res, err := svc.HandleCommand(ctx, "s1", types.CmdRoomJoin, []any{"general"})
	require.NoError(t, err)
	assert.Equal(t, []any{1}, res)
	_, err = svc.HandleCommand(ctx, "s2", types.CmdRoomJoin, []any{"general"})
	require.NoError(t, err)

	res, err = svc.HandleCommand(ctx, "s1", types.CmdRoomMessage,
		[]any{"general", map[string]any{"textMessage": "hello"}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, map[string]any{"id": uint64(1)}, res[0])

	assert.Eventually(t, func() bool {
		e, ok := tr.lastEvent(types.RoomChannel("general"), types.EventRoomMessage)
		if !ok || len(e.Args) != 2 {
			return false
		}
		msg, ok := e.Args[1].(types.Message)
		return ok && msg.Text == "hello" && msg.Author == "alice" && msg.ID == 1
	}, eventually, 10*time.Millisecond)

	res, err = svc.HandleCommand(ctx, "s2", types.CmdRoomHistoryGet, []any{"general", float64(0), float64(10)})
	require.NoError(t, err)
	require.Len(t, res, 1)
	msgs, ok := res[0].([]types.Message)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)
}

func TestRemoveRoom_NotifiesJoinedUsers(t *testing.T) {
	svc, tr := newTestService(t)
	ctx := context.Background()

	connectSocket(t, svc, tr, "bob", "s1")
	require.NoError(t, svc.AddRoom(ctx, "general", "", false))
	_, err := svc.HandleCommand(ctx, "s1", types.CmdRoomJoin, []any{"general"})
	require.NoError(t, err)

	require.NoError(t, svc.RemoveRoom(ctx, "general"))

	assert.Eventually(t, func() bool {
		_, ok := tr.lastEvent(types.EchoChannel("bob"), types.EventRoomAccessRemoved)
		return ok
	}, eventually, 10*time.Millisecond)

	_, err = svc.HandleCommand(ctx, "s1", types.CmdRoomMessage,
		[]any{"general", map[string]any{"textMessage": "late"}})
	assert.True(t, cherrors.Is(err, cherrors.NoRoom))
}

func TestExec_BypassDefaults(t *testing.T) {
	svc, tr := newTestService(t, func(o *Options) {
		o.EnableRoomsManagement = false
	})
	ctx := context.Background()

	// Server-side calls without a socket bypass permission checks.
	_, err := svc.Exec(ctx, types.CmdRoomCreate, ExecOptions{UserName: "admin"}, "ops", false)
	require.NoError(t, err)

	// An explicit bypass=false is honored even without a socket.
	no := false
	_, err = svc.Exec(ctx, types.CmdRoomCreate, ExecOptions{UserName: "admin", Bypass: &no}, "ops2", false)
	assert.True(t, cherrors.Is(err, cherrors.NotAllowed))

	// Calls attributed to a socket default to no bypass.
	connectSocket(t, svc, tr, "alice", "s1")
	_, err = svc.Exec(ctx, types.CmdRoomCreate, ExecOptions{UserName: "alice", SocketID: "s1"}, "ops3", false)
	assert.True(t, cherrors.Is(err, cherrors.NotAllowed))
}

func TestExec_GoNativeArgs(t *testing.T) {
	svc, tr := newTestService(t)
	ctx := context.Background()

	connectSocket(t, svc, tr, "alice", "s1")
	require.NoError(t, svc.AddRoom(ctx, "general", "", false))
	_, err := svc.HandleCommand(ctx, "s1", types.CmdRoomJoin, []any{"general"})
	require.NoError(t, err)
	_, err = svc.HandleCommand(ctx, "s1", types.CmdRoomMessage,
		[]any{"general", map[string]any{"textMessage": "one"}})
	require.NoError(t, err)

	// Server-side callers pass plain Go ints where clients send JSON numbers.
	res, err := svc.Exec(ctx, types.CmdRoomHistoryGet, ExecOptions{UserName: "alice"}, "general", 0, 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	msgs := res[0].([]types.Message)
	require.Len(t, msgs, 1)
	assert.Equal(t, "one", msgs[0].Text)
}

func TestDirectMessageGating(t *testing.T) {
	svc, tr := newTestService(t, func(o *Options) {
		o.EnableDirectMessages = false
	})
	ctx := context.Background()

	connectSocket(t, svc, tr, "alice", "s1")
	connectSocket(t, svc, tr, "bob", "s2")

	_, err := svc.HandleCommand(ctx, "s1", types.CmdDirectMessage,
		[]any{"bob", map[string]any{"textMessage": "psst"}})
	assert.True(t, cherrors.Is(err, cherrors.NotAllowed))

	// The server-side entry bypasses the feature switch.
	res, err := svc.Exec(ctx, types.CmdDirectMessage, ExecOptions{UserName: "alice"},
		"bob", map[string]any{"textMessage": "psst"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	msg := res[0].(types.Message)
	assert.Equal(t, "alice", msg.Author)

	assert.Eventually(t, func() bool {
		e, ok := tr.lastEvent(types.EchoChannel("bob"), types.EventDirectMessage)
		return ok && len(e.Args) == 2 && e.Args[0] == "alice"
	}, eventually, 10*time.Millisecond)
}

func TestErrorPayload(t *testing.T) {
	svc, _ := newTestService(t)
	assert.Nil(t, svc.ErrorPayload(nil))
	payload := svc.ErrorPayload(cherrors.New(cherrors.NoRoom, "general"))
	assert.Equal(t, "Room general does not exist", payload)

	raw, _ := newTestService(t, func(o *Options) { o.UseRawErrorObjects = true })
	payload = raw.ErrorPayload(cherrors.New(cherrors.NoRoom, "general"))
	assert.Equal(t, cherrors.New(cherrors.NoRoom, "general"), payload)
}

func TestClose_Idempotent(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Close(context.Background()))
	require.NoError(t, svc.Close(context.Background()))
}

func TestHooksRunThroughPipeline(t *testing.T) {
	svc, tr := newTestService(t, func(o *Options) {
		o.Hooks = command.Hooks{
			Before: map[string]command.BeforeHook{
				types.CmdRoomCreate: func(_ context.Context, call *command.Call) ([]any, error) {
					call.Args[0] = "prefixed-" + call.Args[0].(string)
					return nil, nil
				},
			},
			After: map[string]command.AfterHook{
				types.CmdListRooms: func(_ context.Context, _ *command.Call, res []any) ([]any, error) {
					return append(res, "decorated"), nil
				},
			},
		}
	})
	ctx := context.Background()

	connectSocket(t, svc, tr, "alice", "s1")
	_, err := svc.HandleCommand(ctx, "s1", types.CmdRoomCreate, []any{"general", false})
	require.NoError(t, err)

	res, err := svc.HandleCommand(ctx, "s1", types.CmdListRooms, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, []string{"prefixed-general"}, res[0])
	assert.Equal(t, "decorated", res[1])
}
