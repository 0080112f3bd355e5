package user

import (
	"context"
	"encoding/json"
	"time"

	"github.com/RichardWithnell/chat-service/internal/v1/cherrors"
	"github.com/RichardWithnell/chat-service/internal/v1/direct"
	"github.com/RichardWithnell/chat-service/internal/v1/types"
	"github.com/RichardWithnell/chat-service/internal/v1/validator"
)

// Exec dispatches one command to its handler. Arguments must already have
// passed validation for the command's schema. socketID is empty for
// server-side calls; bypass skips permission checks.
func (u *User) Exec(ctx context.Context, command, socketID string, bypass bool, args []any) ([]any, error) {
	switch command {
	case types.CmdDirectAddToList:
		return nil, u.direct.AddToList(ctx, listArg(args[0]), validator.StringSlice(args[1]))
	case types.CmdDirectRemoveFromList:
		return nil, u.direct.RemoveFromList(ctx, listArg(args[0]), validator.StringSlice(args[1]))
	case types.CmdDirectGetAccessList:
		names, err := u.direct.GetList(ctx, listArg(args[0]))
		return results(names), err
	case types.CmdDirectGetWhitelistMode:
		mode, err := u.direct.GetMode(ctx)
		return results(mode), err
	case types.CmdDirectSetWhitelistMode:
		return nil, u.direct.ChangeMode(ctx, args[0].(bool))
	case types.CmdDirectMessage:
		return u.directMessage(ctx, socketID, args[0].(string), args[1].(map[string]any), bypass)

	case types.CmdListJoinedSockets:
		sockets, err := u.sockets().Sockets(ctx)
		return results(sockets), err
	case types.CmdListRooms:
		rooms, err := u.a.st.Rooms(ctx)
		return results(rooms), err

	case types.CmdRoomCreate:
		return u.roomCreate(ctx, args[0].(string), args[1].(bool), bypass)
	case types.CmdRoomDelete:
		return u.roomDelete(ctx, args[0].(string), bypass)
	case types.CmdRoomAddToList:
		return u.roomListMutation(ctx, command, args[0].(string), listArg(args[1]), validator.StringSlice(args[2]), bypass)
	case types.CmdRoomRemoveFromList:
		return u.roomListMutation(ctx, command, args[0].(string), listArg(args[1]), validator.StringSlice(args[2]), bypass)
	case types.CmdRoomGetAccessList:
		names, err := u.a.room(args[0].(string)).GetList(ctx, u.name, listArg(args[1]), bypass)
		return results(names), err
	case types.CmdRoomGetOwner:
		owner, err := u.a.room(args[0].(string)).GetOwner(ctx, u.name, bypass)
		return results(owner), err
	case types.CmdRoomGetWhitelistMode:
		mode, err := u.a.room(args[0].(string)).GetMode(ctx, u.name, bypass)
		return results(mode), err
	case types.CmdRoomSetWhitelistMode:
		return u.roomSetMode(ctx, args[0].(string), args[1].(bool), bypass)

	case types.CmdRoomJoin:
		njoined, err := u.JoinRoom(ctx, socketID, args[0].(string))
		return results(njoined), err
	case types.CmdRoomLeave:
		njoined, err := u.LeaveRoom(ctx, socketID, args[0].(string))
		return results(njoined), err

	case types.CmdRoomMessage:
		return u.roomMessage(ctx, args[0].(string), args[1].(map[string]any), bypass)
	case types.CmdRoomHistoryGet:
		return u.roomHistoryGet(ctx, args[0].(string), validator.IntValue(args[1]), validator.IntValue(args[2]), bypass)
	case types.CmdRoomHistoryInfo:
		info, err := u.a.room(args[0].(string)).GetHistoryInfo(ctx, u.name, bypass)
		return results(info), err
	case types.CmdRoomRecentHistory:
		msgs, err := u.a.room(args[0].(string)).GetRecentMessages(ctx, u.name, bypass)
		return results(msgs), err
	case types.CmdRoomUserSeen:
		seen, err := u.a.room(args[0].(string)).UserSeen(ctx, u.name, args[1].(string), bypass)
		return results(seen), err

	case types.CmdSystemMessage:
		u.a.broadcast(ctx, socketID, u.echo(), types.EventSystemMessage, args[0])
		return results(args[0]), nil
	}
	return nil, cherrors.New(cherrors.NoCommand, command)
}

func (u *User) directMessage(ctx context.Context, socketID, to string, payload map[string]any, bypass bool) ([]any, error) {
	if !u.a.cfg.EnableDirectMessages && !bypass {
		return nil, cherrors.New(cherrors.NotAllowed)
	}
	if to == u.name {
		return nil, cherrors.New(cherrors.NotAllowed)
	}
	known, err := u.a.st.HasUser(ctx, to)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, cherrors.New(cherrors.NoUserOnline, to)
	}
	msg, err := decodeMessage(payload)
	if err != nil {
		return nil, cherrors.New(cherrors.BadArgument, 1, types.CmdDirectMessage)
	}
	if err := direct.New(u.a.st, to).CheckAdmission(ctx, u.name, bypass); err != nil {
		return nil, err
	}
	if checker := u.a.cfg.DirectMessageChecker; checker != nil {
		if err := checker(ctx, u.name, to, &msg); err != nil {
			return nil, cherrors.From(err)
		}
	}
	online, err := u.a.st.UserSockets(to).SocketCount(ctx)
	if err != nil {
		return nil, err
	}
	if online == 0 {
		return nil, cherrors.New(cherrors.NoUserOnline, to)
	}

	msg.Author = u.name
	msg.Timestamp = time.Now().UnixMilli()
	u.a.broadcast(ctx, "", types.EchoChannel(to), types.EventDirectMessage, u.name, msg)
	u.a.broadcast(ctx, socketID, u.echo(), types.EventDirectMessageEcho, to, msg)
	return results(msg), nil
}

func (u *User) roomCreate(ctx context.Context, roomName string, whitelistOnly bool, bypass bool) ([]any, error) {
	if !u.a.cfg.EnableRoomsManagement && !bypass {
		return nil, cherrors.New(cherrors.NotAllowed)
	}
	return nil, u.a.CreateRoom(ctx, roomName, u.name, whitelistOnly)
}

func (u *User) roomDelete(ctx context.Context, roomName string, bypass bool) ([]any, error) {
	if !u.a.cfg.EnableRoomsManagement && !bypass {
		return nil, cherrors.New(cherrors.NotAllowed)
	}
	r := u.a.room(roomName)
	if ok, err := r.Exists(ctx); err != nil {
		return nil, err
	} else if !ok {
		return nil, cherrors.New(cherrors.NoRoom, roomName)
	}
	if !bypass {
		if err := r.CheckIsOwner(ctx, u.name); err != nil {
			return nil, err
		}
	}
	return nil, u.a.DeleteRoom(ctx, roomName)
}

func (u *User) roomListMutation(ctx context.Context, command, roomName string, list types.ListName, values []string, bypass bool) ([]any, error) {
	r := u.a.room(roomName)
	var evicted []string
	var event string
	var err error
	if command == types.CmdRoomAddToList {
		evicted, err = r.AddToList(ctx, u.name, list, values, bypass)
		event = types.EventRoomAccessAdded
	} else {
		evicted, err = r.RemoveFromList(ctx, u.name, list, values, bypass)
		event = types.EventRoomAccessDeleted
	}
	if err != nil {
		return nil, err
	}
	if u.a.cfg.EnableAccessListsUpdates {
		u.a.broadcast(ctx, "", types.RoomChannel(roomName), event, roomName, string(list), values)
	}
	u.a.finishEviction(ctx, roomName, evicted)
	return nil, nil
}

func (u *User) roomSetMode(ctx context.Context, roomName string, whitelistOnly bool, bypass bool) ([]any, error) {
	evicted, newMode, err := u.a.room(roomName).ChangeMode(ctx, u.name, whitelistOnly, bypass)
	if err != nil {
		return nil, err
	}
	if u.a.cfg.EnableAccessListsUpdates {
		u.a.broadcast(ctx, "", types.RoomChannel(roomName), types.EventRoomModeChanged, roomName, newMode)
	}
	u.a.finishEviction(ctx, roomName, evicted)
	return results(newMode), nil
}

func (u *User) roomMessage(ctx context.Context, roomName string, payload map[string]any, bypass bool) ([]any, error) {
	msg, err := decodeMessage(payload)
	if err != nil {
		return nil, cherrors.New(cherrors.BadArgument, 1, types.CmdRoomMessage)
	}
	if checker := u.a.cfg.RoomMessageChecker; checker != nil {
		if err := checker(ctx, u.name, roomName, &msg); err != nil {
			return nil, cherrors.From(err)
		}
	}
	out, err := u.a.room(roomName).Message(ctx, u.name, msg, bypass)
	if err != nil {
		return nil, err
	}
	u.a.broadcast(ctx, "", types.RoomChannel(roomName), types.EventRoomMessage, roomName, out)
	return results(map[string]any{"id": out.ID}), nil
}

func (u *User) roomHistoryGet(ctx context.Context, roomName string, fromID, limit int64, bypass bool) ([]any, error) {
	if fromID < 0 {
		fromID = 0
	}
	msgs, err := u.a.room(roomName).GetMessages(ctx, u.name, uint64(fromID), int(limit), bypass)
	return results(msgs), err
}

func listArg(v any) types.ListName {
	s, _ := v.(string)
	return types.ListName(s)
}

func results(values ...any) []any {
	return values
}

func decodeMessage(payload map[string]any) (types.Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.Message{}, err
	}
	var msg types.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return types.Message{}, err
	}
	return msg, nil
}
