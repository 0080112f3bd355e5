package user

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RichardWithnell/chat-service/internal/v1/cherrors"
	"github.com/RichardWithnell/chat-service/internal/v1/store"
	"github.com/RichardWithnell/chat-service/internal/v1/types"
)

// fakeTransport records everything the engine sends so tests can assert on
// the emitted protocol.
type fakeTransport struct {
	mu           sync.Mutex
	sockets      map[string]bool
	channels     map[string]map[string]bool
	emitted      []fakeEvent
	disconnected []string

	// joinChannelErr, when set, can fail JoinChannel for selected channels.
	joinChannelErr func(channel string) error
}

type fakeEvent struct {
	Channel string // empty for direct emits
	Socket  string // target for direct emits, excluded for SendToChannel
	Event   string
	Args    []any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sockets:  make(map[string]bool),
		channels: make(map[string]map[string]bool),
	}
}

func (f *fakeTransport) addSocket(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sockets[id] = true
}

func (f *fakeTransport) Emit(socketID, event string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sockets[socketID] {
		return cherrors.New(cherrors.NoSocket, socketID)
	}
	f.emitted = append(f.emitted, fakeEvent{Socket: socketID, Event: event, Args: args})
	return nil
}

func (f *fakeTransport) Disconnect(socketID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sockets[socketID] {
		return cherrors.New(cherrors.NoSocket, socketID)
	}
	delete(f.sockets, socketID)
	f.disconnected = append(f.disconnected, socketID)
	return nil
}

func (f *fakeTransport) HasSocket(socketID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sockets[socketID]
}

func (f *fakeTransport) JoinChannel(_ context.Context, socketID, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sockets[socketID] {
		return cherrors.New(cherrors.NoSocket, socketID)
	}
	if f.joinChannelErr != nil {
		if err := f.joinChannelErr(channel); err != nil {
			return err
		}
	}
	members, ok := f.channels[channel]
	if !ok {
		members = make(map[string]bool)
		f.channels[channel] = members
	}
	members[socketID] = true
	return nil
}

func (f *fakeTransport) LeaveChannel(_ context.Context, socketID, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels[channel], socketID)
	return nil
}

func (f *fakeTransport) EmitToChannel(channel, event string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, fakeEvent{Channel: channel, Event: event, Args: args})
}

func (f *fakeTransport) SendToChannel(excludeSocketID, channel, event string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, fakeEvent{Channel: channel, Socket: excludeSocketID, Event: event, Args: args})
}

func (f *fakeTransport) CloseAccepting() {}

func (f *fakeTransport) Close(context.Context) error { return nil }

func (f *fakeTransport) inChannel(channel, socketID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[channel][socketID]
}

func (f *fakeTransport) countEvents(channel, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emitted {
		if e.Channel == channel && e.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeTransport) lastEvent(channel, event string) (fakeEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.emitted) - 1; i >= 0; i-- {
		if f.emitted[i].Channel == channel && f.emitted[i].Event == event {
			return f.emitted[i], true
		}
	}
	return fakeEvent{}, false
}

func (f *fakeTransport) disconnectedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnected...)
}

// serverEvents records engine-level events handed to the service.
type serverEvents struct {
	mu     sync.Mutex
	events []string
}

func (s *serverEvents) record(event string, _ map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *serverEvents) has(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == event {
			return true
		}
	}
	return false
}

func testConfig() Config {
	return Config{
		InstanceID:               "inst-1",
		LockTTL:                  time.Second,
		BusAckTimeout:            500 * time.Millisecond,
		EnableUserlistUpdates:    true,
		EnableAccessListsUpdates: true,
		EnableDirectMessages:     true,
		EnableRoomsManagement:    true,
		HistoryMaxSize:           10,
		HistoryMaxGetMessages:    5,
	}
}

func newTestAssoc(t *testing.T) (*Associations, *fakeTransport, *serverEvents) {
	t.Helper()
	return newTestAssocWithStore(t, store.NewMemory())
}

func newTestAssocWithStore(t *testing.T, st store.Store) (*Associations, *fakeTransport, *serverEvents) {
	t.Helper()
	tr := newFakeTransport()
	events := &serverEvents{}
	a := NewAssociations(st, tr, testConfig(), events.record)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, a.Start(ctx))
	return a, tr, events
}

func connect(t *testing.T, a *Associations, tr *fakeTransport, userName, socketID string) *User {
	t.Helper()
	tr.addSocket(socketID)
	u := a.User(userName)
	require.NoError(t, u.RegisterSocket(context.Background(), socketID))
	return u
}

const eventually = 2 * time.Second

func TestRegisterSocket(t *testing.T) {
	a, tr, _ := newTestAssoc(t)
	ctx := context.Background()

	connect(t, a, tr, "alice", "s1")

	assert.True(t, tr.inChannel(types.EchoChannel("alice"), "s1"))

	user, ok, err := a.st.SocketUser(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", user)

	// The connect echo reaches the user's other sockets via the bus loopback.
	assert.Eventually(t, func() bool {
		e, ok := tr.lastEvent(types.EchoChannel("alice"), types.EventSocketConnectEcho)
		return ok && e.Socket == "s1"
	}, eventually, 10*time.Millisecond)
}

func TestRegisterSocket_GoneClient(t *testing.T) {
	a, _, _ := newTestAssoc(t)
	ctx := context.Background()

	// The socket was never registered with the transport, as if the client
	// dropped mid-handshake.
	err := a.User("alice").RegisterSocket(ctx, "ghost")
	assert.True(t, cherrors.Is(err, cherrors.NoSocket))

	_, ok, err := a.st.SocketUser(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok, "binding is unwound")
	n, err := a.st.UserSockets("alice").SocketCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJoinRoom_Protocol(t *testing.T) {
	a, tr, _ := newTestAssoc(t)
	ctx := context.Background()
	require.NoError(t, a.CreateRoom(ctx, "general", "", false))

	u := connect(t, a, tr, "alice", "s1")
	connect(t, a, tr, "alice", "s2")

	njoined, err := u.JoinRoom(ctx, "s1", "general")
	require.NoError(t, err)
	assert.Equal(t, 1, njoined)
	assert.True(t, tr.inChannel(types.RoomChannel("general"), "s1"))

	// First join announces the user; the echo carries socket and count.
	assert.Eventually(t, func() bool {
		return tr.countEvents(types.RoomChannel("general"), types.EventRoomUserJoined) == 1
	}, eventually, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		e, ok := tr.lastEvent(types.EchoChannel("alice"), types.EventRoomJoinedEcho)
		return ok && e.Socket == "s1" && len(e.Args) == 3
	}, eventually, 10*time.Millisecond)

	// Second socket of the same user joins silently.
	njoined, err = u.JoinRoom(ctx, "s2", "general")
	require.NoError(t, err)
	assert.Equal(t, 2, njoined)
	assert.Eventually(t, func() bool {
		e, ok := tr.lastEvent(types.EchoChannel("alice"), types.EventRoomJoinedEcho)
		return ok && e.Socket == "s2"
	}, eventually, 10*time.Millisecond)
	assert.Equal(t, 1, tr.countEvents(types.RoomChannel("general"), types.EventRoomUserJoined))
}

func TestJoinRoom_ChannelFailureUnwindsUserlist(t *testing.T) {
	a, tr, _ := newTestAssoc(t)
	ctx := context.Background()
	require.NoError(t, a.CreateRoom(ctx, "general", "", false))

	u := connect(t, a, tr, "alice", "s1")

	// Echo channel joins keep working; only the room channel fails, as when
	// the client drops between registration and the join.
	tr.joinChannelErr = func(channel string) error {
		if channel == types.RoomChannel("general") {
			return cherrors.New(cherrors.NoSocket, "s1")
		}
		return nil
	}

	_, err := u.JoinRoom(ctx, "s1", "general")
	assert.True(t, cherrors.Is(err, cherrors.NoSocket))

	// The failed join leaves no trace: neither in the room's userlist nor in
	// the socket-room projection.
	users, err := a.room("general").Users(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	sockets, err := a.st.UserSockets("alice").RoomSockets(ctx, "general")
	require.NoError(t, err)
	assert.Empty(t, sockets)
	assert.Equal(t, 0, tr.countEvents(types.RoomChannel("general"), types.EventRoomUserJoined))

	// A later join with a healthy channel succeeds from scratch.
	tr.joinChannelErr = nil
	njoined, err := u.JoinRoom(ctx, "s1", "general")
	require.NoError(t, err)
	assert.Equal(t, 1, njoined)
}

func TestLeaveRoom_Protocol(t *testing.T) {
	a, tr, _ := newTestAssoc(t)
	ctx := context.Background()
	require.NoError(t, a.CreateRoom(ctx, "general", "", false))

	u := connect(t, a, tr, "alice", "s1")
	connect(t, a, tr, "alice", "s2")
	_, err := u.JoinRoom(ctx, "s1", "general")
	require.NoError(t, err)
	_, err = u.JoinRoom(ctx, "s2", "general")
	require.NoError(t, err)

	njoined, err := u.LeaveRoom(ctx, "s1", "general")
	require.NoError(t, err)
	assert.Equal(t, 1, njoined)
	assert.False(t, tr.inChannel(types.RoomChannel("general"), "s1"))
	assert.Equal(t, 0, tr.countEvents(types.RoomChannel("general"), types.EventRoomUserLeft),
		"user still joined through s2")

	njoined, err = u.LeaveRoom(ctx, "s2", "general")
	require.NoError(t, err)
	assert.Equal(t, 0, njoined)
	assert.Eventually(t, func() bool {
		return tr.countEvents(types.RoomChannel("general"), types.EventRoomUserLeft) == 1
	}, eventually, 10*time.Millisecond)

	users, err := a.room("general").Users(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	// Leaving again is a no-op ack, not an error.
	njoined, err = u.LeaveRoom(ctx, "s2", "general")
	require.NoError(t, err)
	assert.Equal(t, 0, njoined)
}

func TestRemoveSocket_LeavesJoinedRooms(t *testing.T) {
	a, tr, _ := newTestAssoc(t)
	ctx := context.Background()
	require.NoError(t, a.CreateRoom(ctx, "general", "", false))

	u := connect(t, a, tr, "alice", "s1")
	_, err := u.JoinRoom(ctx, "s1", "general")
	require.NoError(t, err)

	require.NoError(t, u.RemoveSocket(ctx, "s1"))

	users, err := a.room("general").Users(ctx)
	require.NoError(t, err)
	assert.Empty(t, users, "last socket's removal leaves the room")

	n, err := a.st.UserSockets("alice").SocketCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok, err := a.st.SocketUser(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Eventually(t, func() bool {
		return tr.countEvents(types.EchoChannel("alice"), types.EventSocketDisconnect) == 1
	}, eventually, 10*time.Millisecond)
}

func TestDisconnectLocalSockets(t *testing.T) {
	a, tr, _ := newTestAssoc(t)
	ctx := context.Background()

	u := connect(t, a, tr, "alice", "s1")
	connect(t, a, tr, "alice", "s2")

	// A socket held by a peer instance must be left alone.
	require.NoError(t, a.st.BindSocket(ctx, "s3", "alice", "inst-2"))
	_, err := a.st.UserSockets("alice").AddSocket(ctx, "s3")
	require.NoError(t, err)

	require.NoError(t, u.DisconnectLocalSockets(ctx))
	assert.ElementsMatch(t, []string{"s1", "s2"}, tr.disconnectedIDs())
}

func TestEviction_DropsSocketsAndAcks(t *testing.T) {
	a, tr, events := newTestAssoc(t)
	ctx := context.Background()
	require.NoError(t, a.CreateRoom(ctx, "general", "owner", false))

	owner := connect(t, a, tr, "owner", "so")
	bob := connect(t, a, tr, "bob", "sb")
	_, err := owner.JoinRoom(ctx, "so", "general")
	require.NoError(t, err)
	_, err = bob.JoinRoom(ctx, "sb", "general")
	require.NoError(t, err)

	_, err = owner.Exec(ctx, types.CmdRoomAddToList, "so", false,
		[]any{"general", "blacklist", []any{"bob"}})
	require.NoError(t, err)

	users, err := a.room("general").Users(ctx)
	require.NoError(t, err)
	assert.NotContains(t, users, "bob")

	// The bus handler detaches bob's socket and notifies him.
	assert.Eventually(t, func() bool {
		return !tr.inChannel(types.RoomChannel("general"), "sb")
	}, eventually, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		e, ok := tr.lastEvent(types.EchoChannel("bob"), types.EventRoomAccessRemoved)
		return ok && len(e.Args) == 1 && e.Args[0] == "general"
	}, eventually, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return tr.countEvents(types.RoomChannel("general"), types.EventRoomUserLeft) == 1
	}, eventually, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return tr.countEvents(types.RoomChannel("general"), types.EventRoomAccessAdded) == 1
	}, eventually, 10*time.Millisecond)

	// The ack arrived, so no consistency failure was reported.
	assert.False(t, events.has(cherrors.TransportConsistencyFailure))

	// The join projection is clean; nothing is left to evict.
	sockets, err := a.st.UserSockets("bob").RoomSockets(ctx, "general")
	require.NoError(t, err)
	assert.Empty(t, sockets)
}

// lossyStore drops targeted disconnect messages, simulating a peer instance
// that never answers.
type lossyStore struct {
	*store.Memory
}

func (s *lossyStore) PublishBus(ctx context.Context, msg store.BusMessage) error {
	if msg.Type == store.BusDisconnectUserFromRoom {
		return nil // silently lost
	}
	return s.Memory.PublishBus(ctx, msg)
}

func TestEviction_AckTimeoutReportsConsistencyFailure(t *testing.T) {
	a, tr, events := newTestAssocWithStore(t, &lossyStore{Memory: store.NewMemory()})
	ctx := context.Background()
	require.NoError(t, a.CreateRoom(ctx, "general", "owner", false))

	owner := connect(t, a, tr, "owner", "so")
	bob := connect(t, a, tr, "bob", "sb")
	_, err := owner.JoinRoom(ctx, "so", "general")
	require.NoError(t, err)
	_, err = bob.JoinRoom(ctx, "sb", "general")
	require.NoError(t, err)

	// The command itself succeeds; the lost eviction surfaces as a server
	// event, never as a command error.
	_, err = owner.Exec(ctx, types.CmdRoomAddToList, "so", false,
		[]any{"general", "blacklist", []any{"bob"}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return events.has(cherrors.TransportConsistencyFailure)
	}, eventually, 10*time.Millisecond)

	users, err := a.room("general").Users(ctx)
	require.NoError(t, err)
	assert.NotContains(t, users, "bob", "userlist mutation is not rolled back")
}

func TestDeleteRoom_EvictsEveryone(t *testing.T) {
	a, tr, _ := newTestAssoc(t)
	ctx := context.Background()
	require.NoError(t, a.CreateRoom(ctx, "general", "owner", false))

	bob := connect(t, a, tr, "bob", "sb")
	_, err := bob.JoinRoom(ctx, "sb", "general")
	require.NoError(t, err)

	require.NoError(t, a.DeleteRoom(ctx, "general"))

	ok, err := a.room("general").Exists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := tr.lastEvent(types.EchoChannel("bob"), types.EventRoomAccessRemoved)
		return ok
	}, eventually, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return !tr.inChannel(types.RoomChannel("general"), "sb")
	}, eventually, 10*time.Millisecond)
}

func TestCreateRoom_InvalidName(t *testing.T) {
	a, _, _ := newTestAssoc(t)
	err := a.CreateRoom(context.Background(), "bad room", "", false)
	assert.True(t, cherrors.Is(err, cherrors.InvalidName))
}
