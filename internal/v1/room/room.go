// Package room implements the per-room access-list state machine and the
// bounded message history. Rooms hold no local state: every operation reads
// and writes the store projection, so any instance sees the same room.
//
// List and mode mutations run under the room's store lock and return the set
// of users that lost access; the caller performs the cross-instance eviction.
// Join and Leave are pure state transitions and must be called under the
// per-(user,room) join lock.
package room

import (
	"context"
	"time"

	"github.com/RichardWithnell/chat-service/internal/v1/cherrors"
	"github.com/RichardWithnell/chat-service/internal/v1/metrics"
	"github.com/RichardWithnell/chat-service/internal/v1/store"
	"github.com/RichardWithnell/chat-service/internal/v1/types"
)

// Limits bound a room's history.
type Limits struct {
	HistoryMaxSize        int
	HistoryMaxGetMessages int
}

// Room mediates access to one room's durable state.
type Room struct {
	name    string
	st      store.Store
	state   store.RoomState
	limits  Limits
	lockTTL time.Duration
}

// New binds a room to the store. It does not create the room.
func New(st store.Store, name string, limits Limits, lockTTL time.Duration) *Room {
	return &Room{
		name:    name,
		st:      st,
		state:   st.Room(name),
		limits:  limits,
		lockTTL: lockTTL,
	}
}

// Name returns the room name.
func (r *Room) Name() string {
	return r.name
}

// Create initializes the room's state. Fails with roomExists if present.
func (r *Room) Create(ctx context.Context, owner string, whitelistOnly bool) error {
	if err := r.state.Create(ctx, owner, whitelistOnly); err != nil {
		return err
	}
	if err := r.st.AddRoom(ctx, r.name); err != nil {
		return err
	}
	metrics.ActiveRooms.Inc()
	return nil
}

// Exists reports whether the room is present in the store.
func (r *Room) Exists(ctx context.Context) (bool, error) {
	return r.state.Exists(ctx)
}

// checkExists maps absence to noRoom and the removing flag to roomRemoved.
func (r *Room) checkExists(ctx context.Context) error {
	ok, err := r.state.Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return cherrors.New(cherrors.NoRoom, r.name)
	}
	removing, err := r.state.Removing(ctx)
	if err != nil {
		return err
	}
	if removing {
		return cherrors.New(cherrors.RoomRemoved, r.name)
	}
	return nil
}

// isAdmin reports whether userName is the owner or in the adminlist.
func (r *Room) isAdmin(ctx context.Context, userName string) (bool, error) {
	owner, err := r.state.Owner(ctx)
	if err != nil {
		return false, err
	}
	if userName != "" && userName == owner {
		return true, nil
	}
	return r.state.InList(ctx, types.ListAdminlist, userName)
}

// checkAuthority requires admin or owner standing unless bypass.
func (r *Room) checkAuthority(ctx context.Context, userName string, bypass bool) error {
	if bypass {
		return nil
	}
	admin, err := r.isAdmin(ctx, userName)
	if err != nil {
		return err
	}
	if !admin {
		return cherrors.New(cherrors.NotAllowed)
	}
	return nil
}

// checkMember requires the caller to be joined or an admin unless bypass.
func (r *Room) checkMember(ctx context.Context, userName string, bypass bool) error {
	if bypass {
		return nil
	}
	joined, err := r.state.InList(ctx, types.ListUserlist, userName)
	if err != nil {
		return err
	}
	if joined {
		return nil
	}
	admin, err := r.isAdmin(ctx, userName)
	if err != nil {
		return err
	}
	if !admin {
		return cherrors.New(cherrors.NotAllowed)
	}
	return nil
}

// admits evaluates the canonical admission predicate for userName.
func (r *Room) admits(ctx context.Context, userName string) (bool, error) {
	blacklisted, err := r.state.InList(ctx, types.ListBlacklist, userName)
	if err != nil {
		return false, err
	}
	if blacklisted {
		return false, nil
	}
	whitelistOnly, err := r.state.Mode(ctx)
	if err != nil {
		return false, err
	}
	if !whitelistOnly {
		return true, nil
	}
	whitelisted, err := r.state.InList(ctx, types.ListWhitelist, userName)
	if err != nil {
		return false, err
	}
	if whitelisted {
		return true, nil
	}
	return r.isAdmin(ctx, userName)
}

// checkListValues rejects list mutations that touch the room owner.
func (r *Room) checkListValues(ctx context.Context, values []string) error {
	owner, err := r.state.Owner(ctx)
	if err != nil {
		return err
	}
	if owner == "" {
		return nil
	}
	for _, v := range values {
		if v == owner {
			return cherrors.New(cherrors.NotAllowed)
		}
	}
	return nil
}

// evictable returns the members of the current userlist that no longer pass
// admission, excluding admins and the owner. Caller holds the room lock.
func (r *Room) evictable(ctx context.Context, before []string) ([]string, error) {
	evicted := make([]string, 0)
	for _, u := range before {
		ok, err := r.admits(ctx, u)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		admin, err := r.isAdmin(ctx, u)
		if err != nil {
			return nil, err
		}
		if admin {
			continue
		}
		evicted = append(evicted, u)
	}
	return evicted, nil
}

// removeFromUserlist drops evicted users from the userlist and stamps their
// departure, atomically with the triggering list mutation.
func (r *Room) removeFromUserlist(ctx context.Context, evicted []string) error {
	if len(evicted) == 0 {
		return nil
	}
	if err := r.state.RemoveFromList(ctx, types.ListUserlist, evicted); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, u := range evicted {
		if err := r.state.SetUserSeen(ctx, u, false, now); err != nil {
			return err
		}
	}
	return nil
}

// AddToList inserts values into an access list and returns the users that
// lost access as a result. Runs under the room lock.
func (r *Room) AddToList(ctx context.Context, userName string, list types.ListName, values []string, bypass bool) ([]string, error) {
	return r.mutateList(ctx, userName, list, values, bypass, r.state.AddToList)
}

// RemoveFromList removes values from an access list and returns the users
// that lost access as a result. Runs under the room lock.
func (r *Room) RemoveFromList(ctx context.Context, userName string, list types.ListName, values []string, bypass bool) ([]string, error) {
	return r.mutateList(ctx, userName, list, values, bypass, r.state.RemoveFromList)
}

func (r *Room) mutateList(ctx context.Context, userName string, list types.ListName, values []string, bypass bool,
	apply func(context.Context, types.ListName, []string) error) ([]string, error) {
	if !types.ValidRoomList(list) {
		return nil, cherrors.New(cherrors.NoList, string(list))
	}
	unlock, err := r.st.Lock(ctx, store.RoomLockKey(r.name), r.lockTTL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = unlock(ctx) }()

	if err := r.checkExists(ctx); err != nil {
		return nil, err
	}
	if err := r.checkAuthority(ctx, userName, bypass); err != nil {
		return nil, err
	}
	if err := r.checkListValues(ctx, values); err != nil {
		return nil, err
	}
	before, err := r.state.List(ctx, types.ListUserlist)
	if err != nil {
		return nil, err
	}
	if err := apply(ctx, list, values); err != nil {
		return nil, err
	}
	evicted, err := r.evictable(ctx, before)
	if err != nil {
		return nil, err
	}
	if err := r.removeFromUserlist(ctx, evicted); err != nil {
		return nil, err
	}
	return evicted, nil
}

// ChangeMode flips whitelist-only mode, returning the users to evict and the
// new mode. Runs under the room lock.
func (r *Room) ChangeMode(ctx context.Context, userName string, whitelistOnly bool, bypass bool) ([]string, bool, error) {
	unlock, err := r.st.Lock(ctx, store.RoomLockKey(r.name), r.lockTTL)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = unlock(ctx) }()

	if err := r.checkExists(ctx); err != nil {
		return nil, false, err
	}
	if err := r.checkAuthority(ctx, userName, bypass); err != nil {
		return nil, false, err
	}
	before, err := r.state.List(ctx, types.ListUserlist)
	if err != nil {
		return nil, false, err
	}
	if err := r.state.SetMode(ctx, whitelistOnly); err != nil {
		return nil, false, err
	}
	evicted, err := r.evictable(ctx, before)
	if err != nil {
		return nil, false, err
	}
	if err := r.removeFromUserlist(ctx, evicted); err != nil {
		return nil, false, err
	}
	return evicted, whitelistOnly, nil
}

// GetList returns the members of an access list. Requires membership or
// admin standing.
func (r *Room) GetList(ctx context.Context, userName string, list types.ListName, bypass bool) ([]string, error) {
	if !types.ValidRoomList(list) && list != types.ListUserlist {
		return nil, cherrors.New(cherrors.NoList, string(list))
	}
	if err := r.checkExists(ctx); err != nil {
		return nil, err
	}
	if err := r.checkMember(ctx, userName, bypass); err != nil {
		return nil, err
	}
	return r.state.List(ctx, list)
}

// GetOwner returns the room owner.
func (r *Room) GetOwner(ctx context.Context, userName string, bypass bool) (string, error) {
	if err := r.checkExists(ctx); err != nil {
		return "", err
	}
	if err := r.checkMember(ctx, userName, bypass); err != nil {
		return "", err
	}
	return r.state.Owner(ctx)
}

// GetMode reports whitelist-only mode.
func (r *Room) GetMode(ctx context.Context, userName string, bypass bool) (bool, error) {
	if err := r.checkExists(ctx); err != nil {
		return false, err
	}
	if err := r.checkMember(ctx, userName, bypass); err != nil {
		return false, err
	}
	return r.state.Mode(ctx)
}

// CheckIsOwner fails with notAllowed unless userName owns the room.
func (r *Room) CheckIsOwner(ctx context.Context, userName string) error {
	owner, err := r.state.Owner(ctx)
	if err != nil {
		return err
	}
	if owner == "" || owner != userName {
		return cherrors.New(cherrors.NotAllowed)
	}
	return nil
}

// StartRemoving flips the removing flag; all later operations short-circuit
// with roomRemoved.
func (r *Room) StartRemoving(ctx context.Context) error {
	ok, err := r.state.Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return cherrors.New(cherrors.NoRoom, r.name)
	}
	return r.state.StartRemoving(ctx)
}

// Users returns the current userlist without a permission check; used by the
// removal and eviction flows.
func (r *Room) Users(ctx context.Context) ([]string, error) {
	return r.state.List(ctx, types.ListUserlist)
}

// Destroy drops the room's state and index entry.
func (r *Room) Destroy(ctx context.Context) error {
	if err := r.state.Destroy(ctx); err != nil {
		return err
	}
	if err := r.st.RemoveRoom(ctx, r.name); err != nil {
		return err
	}
	metrics.ActiveRooms.Dec()
	return nil
}

// Message accepts a message from sender: assigns the next id, stamps author
// and timestamp, appends to history and trims it. Admission requires sender
// to be currently joined unless bypass.
func (r *Room) Message(ctx context.Context, sender string, msg types.Message, bypass bool) (types.Message, error) {
	if err := r.checkExists(ctx); err != nil {
		return types.Message{}, err
	}
	if !bypass {
		joined, err := r.state.InList(ctx, types.ListUserlist, sender)
		if err != nil {
			return types.Message{}, err
		}
		if !joined {
			return types.Message{}, cherrors.New(cherrors.NotAllowed)
		}
	}
	msg.Author = sender
	msg.Timestamp = time.Now().UnixMilli()
	out, err := r.state.Append(ctx, msg, r.limits.HistoryMaxSize)
	if err != nil {
		return types.Message{}, err
	}
	metrics.RoomMessages.WithLabelValues(r.name).Inc()
	return out, nil
}

// GetRecentMessages returns up to historyMaxGetMessages latest messages,
// newest first.
func (r *Room) GetRecentMessages(ctx context.Context, userName string, bypass bool) ([]types.Message, error) {
	if err := r.checkExists(ctx); err != nil {
		return nil, err
	}
	if err := r.checkMember(ctx, userName, bypass); err != nil {
		return nil, err
	}
	return r.state.Recent(ctx, r.limits.HistoryMaxGetMessages)
}

// GetMessages returns up to min(limit, historyMaxGetMessages) messages with
// id > fromID, ascending.
func (r *Room) GetMessages(ctx context.Context, userName string, fromID uint64, limit int, bypass bool) ([]types.Message, error) {
	if err := r.checkExists(ctx); err != nil {
		return nil, err
	}
	if err := r.checkMember(ctx, userName, bypass); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > r.limits.HistoryMaxGetMessages {
		limit = r.limits.HistoryMaxGetMessages
	}
	return r.state.MessagesAfter(ctx, fromID, limit)
}

// GetHistoryInfo returns the history cursor and limits.
func (r *Room) GetHistoryInfo(ctx context.Context, userName string, bypass bool) (types.HistoryInfo, error) {
	if err := r.checkExists(ctx); err != nil {
		return types.HistoryInfo{}, err
	}
	if err := r.checkMember(ctx, userName, bypass); err != nil {
		return types.HistoryInfo{}, err
	}
	lastID, err := r.state.LastID(ctx)
	if err != nil {
		return types.HistoryInfo{}, err
	}
	return types.HistoryInfo{
		LastID:                lastID,
		HistoryMaxGetMessages: r.limits.HistoryMaxGetMessages,
		HistoryMaxSize:        r.limits.HistoryMaxSize,
	}, nil
}

// UserSeen reports whether target is currently joined and the timestamp of
// its last join or leave.
func (r *Room) UserSeen(ctx context.Context, userName, target string, bypass bool) (types.UserSeen, error) {
	if err := r.checkExists(ctx); err != nil {
		return types.UserSeen{}, err
	}
	if err := r.checkMember(ctx, userName, bypass); err != nil {
		return types.UserSeen{}, err
	}
	seen, err := r.state.UserSeen(ctx, target)
	if err != nil {
		return types.UserSeen{}, err
	}
	joined, err := r.state.InList(ctx, types.ListUserlist, target)
	if err != nil {
		return types.UserSeen{}, err
	}
	seen.Joined = joined
	return seen, nil
}

// Join admits userName into the userlist. It must be called under the
// per-(user,room) join lock. firstJoin reports whether the user was added to
// the userlist by this call.
func (r *Room) Join(ctx context.Context, userName string) (firstJoin bool, err error) {
	if err := r.checkExists(ctx); err != nil {
		return false, err
	}
	ok, err := r.admits(ctx, userName)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, cherrors.New(cherrors.NotAllowed)
	}
	joined, err := r.state.InList(ctx, types.ListUserlist, userName)
	if err != nil {
		return false, err
	}
	if joined {
		return false, nil
	}
	if err := r.state.AddToList(ctx, types.ListUserlist, []string{userName}); err != nil {
		return false, err
	}
	if err := r.state.SetUserSeen(ctx, userName, true, time.Now().UnixMilli()); err != nil {
		return false, err
	}
	return true, nil
}

// Leave removes userName from the userlist. Idempotent; must be called under
// the join lock. left reports whether the user was actually removed.
func (r *Room) Leave(ctx context.Context, userName string) (left bool, err error) {
	ok, err := r.state.Exists(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		// Room already gone; leaving is a no-op.
		return false, nil
	}
	joined, err := r.state.InList(ctx, types.ListUserlist, userName)
	if err != nil {
		return false, err
	}
	if !joined {
		return false, nil
	}
	if err := r.state.RemoveFromList(ctx, types.ListUserlist, []string{userName}); err != nil {
		return false, err
	}
	if err := r.state.SetUserSeen(ctx, userName, false, time.Now().UnixMilli()); err != nil {
		return false, err
	}
	return true, nil
}
