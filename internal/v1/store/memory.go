package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/set"

	"github.com/RichardWithnell/chat-service/internal/v1/cherrors"
	"github.com/RichardWithnell/chat-service/internal/v1/types"
)

// lockPollInterval is how often a blocked Lock retries acquisition.
const lockPollInterval = 5 * time.Millisecond

// Memory is the single-process Store. All projections share one mutex; every
// operation is a short critical section, so contention stays negligible at
// the scale a single instance serves.
type Memory struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
	users set.Set[string]

	direct      map[string]*memDirect
	userSockets map[string]*memUserSockets

	socketUser     map[string]string
	socketInstance map[string]string

	locks map[string]memLock

	busMu   sync.Mutex
	busSubs []chan BusMessage

	closed bool
}

type memLock struct {
	token   string
	expires time.Time
}

type memRoom struct {
	exists        bool
	owner         string
	whitelistOnly bool
	removing      bool
	lists         map[types.ListName]set.Set[string]
	history       []types.Message
	lastID        uint64
	seen          map[string]types.UserSeen
}

type memDirect struct {
	whitelistOnly bool
	lists         map[types.ListName]set.Set[string]
}

type memUserSockets struct {
	sockets     set.Set[string]
	socketRooms map[string]set.Set[string] // socketID -> rooms
	roomSockets map[string]set.Set[string] // roomName -> sockets
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		rooms:          make(map[string]*memRoom),
		users:          set.New[string](),
		direct:         make(map[string]*memDirect),
		userSockets:    make(map[string]*memUserSockets),
		socketUser:     make(map[string]string),
		socketInstance: make(map[string]string),
		locks:          make(map[string]memLock),
	}
}

// Lock implements polling acquisition with TTL self-release, mirroring the
// semantics of the Redis lock so callers behave identically on both backends.
func (m *Memory) Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	for {
		m.mu.Lock()
		entry, held := m.locks[key]
		if !held || time.Now().After(entry.expires) {
			token := uuid.NewString()
			m.locks[key] = memLock{token: token, expires: time.Now().Add(ttl)}
			m.mu.Unlock()
			unlock := func(context.Context) error {
				m.mu.Lock()
				defer m.mu.Unlock()
				if cur, ok := m.locks[key]; ok && cur.token == token {
					delete(m.locks, key)
				}
				return nil
			}
			return unlock, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ErrLockTimeout
		case <-time.After(lockPollInterval):
		}
	}
}

// --- room projection ---

type memRoomHandle struct {
	m    *Memory
	name string
}

func (m *Memory) Room(name string) RoomState {
	return &memRoomHandle{m: m, name: name}
}

// room returns the live room record, or a notAllowed-free noRoom error.
func (h *memRoomHandle) room() (*memRoom, error) {
	r, ok := h.m.rooms[h.name]
	if !ok || !r.exists {
		return nil, cherrors.New(cherrors.NoRoom, h.name)
	}
	return r, nil
}

func (h *memRoomHandle) Create(_ context.Context, owner string, whitelistOnly bool) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if r, ok := h.m.rooms[h.name]; ok && r.exists {
		return cherrors.New(cherrors.RoomExists, h.name)
	}
	h.m.rooms[h.name] = &memRoom{
		exists:        true,
		owner:         owner,
		whitelistOnly: whitelistOnly,
		lists: map[types.ListName]set.Set[string]{
			types.ListWhitelist: set.New[string](),
			types.ListBlacklist: set.New[string](),
			types.ListAdminlist: set.New[string](),
			types.ListUserlist:  set.New[string](),
		},
		seen: make(map[string]types.UserSeen),
	}
	return nil
}

func (h *memRoomHandle) Exists(context.Context) (bool, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, ok := h.m.rooms[h.name]
	return ok && r.exists, nil
}

func (h *memRoomHandle) Destroy(context.Context) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	delete(h.m.rooms, h.name)
	return nil
}

func (h *memRoomHandle) StartRemoving(context.Context) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, err := h.room()
	if err != nil {
		return err
	}
	r.removing = true
	return nil
}

func (h *memRoomHandle) Removing(context.Context) (bool, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, err := h.room()
	if err != nil {
		return false, err
	}
	return r.removing, nil
}

func (h *memRoomHandle) Owner(context.Context) (string, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, err := h.room()
	if err != nil {
		return "", err
	}
	return r.owner, nil
}

func (h *memRoomHandle) Mode(context.Context) (bool, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, err := h.room()
	if err != nil {
		return false, err
	}
	return r.whitelistOnly, nil
}

func (h *memRoomHandle) SetMode(_ context.Context, whitelistOnly bool) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, err := h.room()
	if err != nil {
		return err
	}
	r.whitelistOnly = whitelistOnly
	return nil
}

func (h *memRoomHandle) AddToList(_ context.Context, list types.ListName, names []string) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, err := h.room()
	if err != nil {
		return err
	}
	l, ok := r.lists[list]
	if !ok {
		return cherrors.New(cherrors.NoList, string(list))
	}
	l.Insert(names...)
	return nil
}

func (h *memRoomHandle) RemoveFromList(_ context.Context, list types.ListName, names []string) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, err := h.room()
	if err != nil {
		return err
	}
	l, ok := r.lists[list]
	if !ok {
		return cherrors.New(cherrors.NoList, string(list))
	}
	l.Delete(names...)
	return nil
}

func (h *memRoomHandle) List(_ context.Context, list types.ListName) ([]string, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, err := h.room()
	if err != nil {
		return nil, err
	}
	l, ok := r.lists[list]
	if !ok {
		return nil, cherrors.New(cherrors.NoList, string(list))
	}
	return l.SortedList(), nil
}

func (h *memRoomHandle) InList(_ context.Context, list types.ListName, name string) (bool, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, err := h.room()
	if err != nil {
		return false, err
	}
	l, ok := r.lists[list]
	if !ok {
		return false, cherrors.New(cherrors.NoList, string(list))
	}
	return l.Has(name), nil
}

func (h *memRoomHandle) Append(_ context.Context, msg types.Message, maxSize int) (types.Message, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, err := h.room()
	if err != nil {
		return types.Message{}, err
	}
	r.lastID++
	msg.ID = r.lastID
	r.history = append(r.history, msg)
	if over := len(r.history) - maxSize; over > 0 {
		r.history = append(r.history[:0:0], r.history[over:]...)
	}
	return msg, nil
}

func (h *memRoomHandle) LastID(context.Context) (uint64, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, err := h.room()
	if err != nil {
		return 0, err
	}
	return r.lastID, nil
}

func (h *memRoomHandle) MessagesAfter(_ context.Context, fromID uint64, limit int) ([]types.Message, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, err := h.room()
	if err != nil {
		return nil, err
	}
	out := make([]types.Message, 0, limit)
	for _, msg := range r.history {
		if msg.ID <= fromID {
			continue
		}
		out = append(out, msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (h *memRoomHandle) Recent(_ context.Context, limit int) ([]types.Message, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, err := h.room()
	if err != nil {
		return nil, err
	}
	n := len(r.history)
	if limit > n {
		limit = n
	}
	out := make([]types.Message, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.history[i])
	}
	return out, nil
}

func (h *memRoomHandle) SetUserSeen(_ context.Context, userName string, joined bool, ts int64) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, err := h.room()
	if err != nil {
		return err
	}
	r.seen[userName] = types.UserSeen{Joined: joined, Timestamp: &ts}
	return nil
}

func (h *memRoomHandle) UserSeen(_ context.Context, userName string) (types.UserSeen, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	r, err := h.room()
	if err != nil {
		return types.UserSeen{}, err
	}
	seen, ok := r.seen[userName]
	if !ok {
		return types.UserSeen{}, nil
	}
	return seen, nil
}

// --- direct-messaging projection ---

type memDirectHandle struct {
	m    *Memory
	name string
}

func (m *Memory) Direct(userName string) DirectState {
	return &memDirectHandle{m: m, name: userName}
}

func (h *memDirectHandle) record() *memDirect {
	d, ok := h.m.direct[h.name]
	if !ok {
		d = &memDirect{lists: map[types.ListName]set.Set[string]{
			types.ListWhitelist: set.New[string](),
			types.ListBlacklist: set.New[string](),
		}}
		h.m.direct[h.name] = d
	}
	return d
}

func (h *memDirectHandle) Mode(context.Context) (bool, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.record().whitelistOnly, nil
}

func (h *memDirectHandle) SetMode(_ context.Context, whitelistOnly bool) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	h.record().whitelistOnly = whitelistOnly
	return nil
}

func (h *memDirectHandle) AddToList(_ context.Context, list types.ListName, names []string) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	l, ok := h.record().lists[list]
	if !ok {
		return cherrors.New(cherrors.NoList, string(list))
	}
	l.Insert(names...)
	return nil
}

func (h *memDirectHandle) RemoveFromList(_ context.Context, list types.ListName, names []string) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	l, ok := h.record().lists[list]
	if !ok {
		return cherrors.New(cherrors.NoList, string(list))
	}
	l.Delete(names...)
	return nil
}

func (h *memDirectHandle) List(_ context.Context, list types.ListName) ([]string, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	l, ok := h.record().lists[list]
	if !ok {
		return nil, cherrors.New(cherrors.NoList, string(list))
	}
	return l.SortedList(), nil
}

func (h *memDirectHandle) InList(_ context.Context, list types.ListName, name string) (bool, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	l, ok := h.record().lists[list]
	if !ok {
		return false, cherrors.New(cherrors.NoList, string(list))
	}
	return l.Has(name), nil
}

func (h *memDirectHandle) Destroy(context.Context) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	delete(h.m.direct, h.name)
	return nil
}

// --- user-sockets projection ---

type memUserSocketsHandle struct {
	m    *Memory
	name string
}

func (m *Memory) UserSockets(userName string) UserSockets {
	return &memUserSocketsHandle{m: m, name: userName}
}

func (h *memUserSocketsHandle) record() *memUserSockets {
	u, ok := h.m.userSockets[h.name]
	if !ok {
		u = &memUserSockets{
			sockets:     set.New[string](),
			socketRooms: make(map[string]set.Set[string]),
			roomSockets: make(map[string]set.Set[string]),
		}
		h.m.userSockets[h.name] = u
	}
	return u
}

func (h *memUserSocketsHandle) AddSocket(_ context.Context, socketID string) (int, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	u := h.record()
	u.sockets.Insert(socketID)
	return u.sockets.Len(), nil
}

func (h *memUserSocketsHandle) RemoveSocket(_ context.Context, socketID string) (int, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	u := h.record()
	u.sockets.Delete(socketID)
	if rooms, ok := u.socketRooms[socketID]; ok {
		for _, room := range rooms.UnsortedList() {
			if sockets, ok := u.roomSockets[room]; ok {
				sockets.Delete(socketID)
				if sockets.Len() == 0 {
					delete(u.roomSockets, room)
				}
			}
		}
		delete(u.socketRooms, socketID)
	}
	return u.sockets.Len(), nil
}

func (h *memUserSocketsHandle) SocketCount(context.Context) (int, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.record().sockets.Len(), nil
}

func (h *memUserSocketsHandle) Sockets(context.Context) (map[string][]string, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	u := h.record()
	out := make(map[string][]string, u.sockets.Len())
	for _, id := range u.sockets.UnsortedList() {
		if rooms, ok := u.socketRooms[id]; ok {
			out[id] = rooms.SortedList()
		} else {
			out[id] = nil
		}
	}
	return out, nil
}

func (h *memUserSocketsHandle) AddSocketRoom(_ context.Context, socketID, roomName string) (int, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	u := h.record()
	rooms, ok := u.socketRooms[socketID]
	if !ok {
		rooms = set.New[string]()
		u.socketRooms[socketID] = rooms
	}
	rooms.Insert(roomName)
	sockets, ok := u.roomSockets[roomName]
	if !ok {
		sockets = set.New[string]()
		u.roomSockets[roomName] = sockets
	}
	sockets.Insert(socketID)
	return sockets.Len(), nil
}

func (h *memUserSocketsHandle) RemoveSocketRoom(_ context.Context, socketID, roomName string) (int, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	u := h.record()
	if rooms, ok := u.socketRooms[socketID]; ok {
		rooms.Delete(roomName)
		if rooms.Len() == 0 {
			delete(u.socketRooms, socketID)
		}
	}
	sockets, ok := u.roomSockets[roomName]
	if !ok {
		return 0, nil
	}
	sockets.Delete(socketID)
	n := sockets.Len()
	if n == 0 {
		delete(u.roomSockets, roomName)
	}
	return n, nil
}

func (h *memUserSocketsHandle) RoomSockets(_ context.Context, roomName string) ([]string, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if sockets, ok := h.record().roomSockets[roomName]; ok {
		return sockets.SortedList(), nil
	}
	return nil, nil
}

func (h *memUserSocketsHandle) SocketRooms(_ context.Context, socketID string) ([]string, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if rooms, ok := h.record().socketRooms[socketID]; ok {
		return rooms.SortedList(), nil
	}
	return nil, nil
}

func (h *memUserSocketsHandle) Destroy(context.Context) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	delete(h.m.userSockets, h.name)
	return nil
}

// --- socket index ---

func (m *Memory) BindSocket(_ context.Context, socketID, userName, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.socketUser[socketID] = userName
	m.socketInstance[socketID] = instanceID
	return nil
}

func (m *Memory) UnbindSocket(_ context.Context, socketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.socketUser, socketID)
	delete(m.socketInstance, socketID)
	return nil
}

func (m *Memory) SocketUser(_ context.Context, socketID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.socketUser[socketID]
	return user, ok, nil
}

func (m *Memory) SocketInstance(_ context.Context, socketID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, ok := m.socketInstance[socketID]
	return instance, ok, nil
}

// --- room and user indexes ---

func (m *Memory) AddRoom(_ context.Context, name string) error {
	// Room existence lives on the room record; the index is implicit.
	return nil
}

func (m *Memory) RemoveRoom(context.Context, string) error {
	return nil
}

func (m *Memory) Rooms(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := set.New[string]()
	for name, r := range m.rooms {
		if r.exists {
			names.Insert(name)
		}
	}
	return names.SortedList(), nil
}

func (m *Memory) AddUser(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users.Has(name) {
		return false, nil
	}
	m.users.Insert(name)
	return true, nil
}

func (m *Memory) HasUser(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users.Has(name), nil
}

func (m *Memory) RemoveUser(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users.Delete(name)
	return nil
}

// --- cluster bus ---

// PublishBus delivers to every subscriber, including this instance's own, so
// the initiator of a cross-instance protocol handles its local sockets
// through the same path as its peers.
func (m *Memory) PublishBus(_ context.Context, msg BusMessage) error {
	m.busMu.Lock()
	subs := append([]chan BusMessage(nil), m.busSubs...)
	m.busMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			// Slow subscriber; bus delivery is best-effort.
		}
	}
	return nil
}

func (m *Memory) SubscribeBus(ctx context.Context, handler func(BusMessage)) error {
	ch := make(chan BusMessage, 64)
	m.busMu.Lock()
	m.busSubs = append(m.busSubs, ch)
	m.busMu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				m.busMu.Lock()
				for i, sub := range m.busSubs {
					if sub == ch {
						m.busSubs = append(m.busSubs[:i], m.busSubs[i+1:]...)
						break
					}
				}
				m.busMu.Unlock()
				return
			case msg := <-ch:
				handler(msg)
			}
		}
	}()
	return nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
