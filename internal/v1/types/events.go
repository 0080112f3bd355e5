package types

// Server-to-client event names, emitted on user echo channels, room channels,
// or directly to a socket.
const (
	EventDirectMessage      = "directMessage"
	EventDirectMessageEcho  = "directMessageEcho"
	EventLoginConfirmed     = "loginConfirmed"
	EventLoginRejected      = "loginRejected"
	EventRoomAccessRemoved  = "roomAccessRemoved"
	EventRoomAccessAdded    = "roomAccessListAdded"
	EventRoomAccessDeleted  = "roomAccessListRemoved"
	EventRoomModeChanged    = "roomModeChanged"
	EventRoomJoinedEcho     = "roomJoinedEcho"
	EventRoomLeftEcho       = "roomLeftEcho"
	EventRoomMessage        = "roomMessage"
	EventRoomUserJoined     = "roomUserJoined"
	EventRoomUserLeft       = "roomUserLeft"
	EventSocketConnectEcho  = "socketConnectEcho"
	EventSocketDisconnect   = "socketDisconnectEcho"
	EventSystemMessage      = "systemMessage"
	EventDisconnect         = "disconnect"
)

// Client command names.
const (
	CmdDirectAddToList        = "directAddToList"
	CmdDirectGetAccessList    = "directGetAccessList"
	CmdDirectGetWhitelistMode = "directGetWhitelistMode"
	CmdDirectMessage          = "directMessage"
	CmdDirectRemoveFromList   = "directRemoveFromList"
	CmdDirectSetWhitelistMode = "directSetWhitelistMode"
	CmdListJoinedSockets      = "listJoinedSockets"
	CmdListRooms              = "listRooms"
	CmdRoomAddToList          = "roomAddToList"
	CmdRoomCreate             = "roomCreate"
	CmdRoomDelete             = "roomDelete"
	CmdRoomGetAccessList      = "roomGetAccessList"
	CmdRoomGetOwner           = "roomGetOwner"
	CmdRoomGetWhitelistMode   = "roomGetWhitelistMode"
	CmdRoomHistoryGet         = "roomHistoryGet"
	CmdRoomHistoryInfo        = "roomHistoryInfo"
	CmdRoomRecentHistory      = "roomRecentHistory"
	CmdRoomJoin               = "roomJoin"
	CmdRoomLeave              = "roomLeave"
	CmdRoomMessage            = "roomMessage"
	CmdRoomRemoveFromList     = "roomRemoveFromList"
	CmdRoomSetWhitelistMode   = "roomSetWhitelistMode"
	CmdRoomUserSeen           = "roomUserSeen"
	CmdSystemMessage          = "systemMessage"
)

// Channel naming. User and room names never contain ':' (see ValidName), so
// the prefixes cannot collide.
const (
	echoChannelPrefix = "user:"
	roomChannelPrefix = "room:"
)

// EchoChannel is the per-user transport channel joined by every socket of a
// user to receive self-echoes.
func EchoChannel(userName string) string {
	return echoChannelPrefix + userName
}

// RoomChannel is the transport channel for a room's broadcasts.
func RoomChannel(roomName string) string {
	return roomChannelPrefix + roomName
}
