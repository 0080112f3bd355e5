package types

import (
	"encoding/json"
	"strings"
	"unicode"
)

// ListName identifies one of the per-room or per-user access lists.
type ListName string

const (
	ListWhitelist ListName = "whitelist"
	ListBlacklist ListName = "blacklist"
	ListAdminlist ListName = "adminlist"
	ListUserlist  ListName = "userlist"
)

// RoomLists are the access lists a client may mutate on a room.
var RoomLists = []ListName{ListWhitelist, ListBlacklist, ListAdminlist}

// DirectLists are the access lists a client may mutate on its own
// direct-messaging record.
var DirectLists = []ListName{ListWhitelist, ListBlacklist}

// ValidRoomList reports whether name is a mutable room access list.
func ValidRoomList(name ListName) bool {
	switch name {
	case ListWhitelist, ListBlacklist, ListAdminlist:
		return true
	}
	return false
}

// ValidDirectList reports whether name is a direct-messaging access list.
func ValidDirectList(name ListName) bool {
	return name == ListWhitelist || name == ListBlacklist
}

// ValidName reports whether s is usable as a user or room name:
// non-empty, printable, and free of whitespace and the ':' ';' ',' separators.
func ValidName(s string) bool {
	if s == "" {
		return false
	}
	if strings.ContainsAny(s, ":;,") {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// Message is a single room or direct message. Unknown fields supplied by the
// client survive a round trip through Extra so checker hooks and downstream
// consumers can attach extensions.
type Message struct {
	ID        uint64 `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Author    string `json:"author,omitempty"`
	Text      string `json:"textMessage"`

	Extra map[string]json.RawMessage `json:"-"`
}

type messageAlias Message

// MarshalJSON inlines Extra next to the fixed fields.
func (m Message) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(messageAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON captures unknown fields into Extra.
func (m *Message) UnmarshalJSON(data []byte) error {
	var a messageAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	delete(raw, "id")
	delete(raw, "timestamp")
	delete(raw, "author")
	delete(raw, "textMessage")
	*m = Message(a)
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// UserSeen is the last-join or last-leave observation of a user in a room.
type UserSeen struct {
	Joined    bool   `json:"joined"`
	Timestamp *int64 `json:"timestamp"`
}

// HistoryInfo describes a room's history cursor and limits.
type HistoryInfo struct {
	LastID                uint64 `json:"lastId"`
	HistoryMaxGetMessages int    `json:"historyMaxGetMessages"`
	HistoryMaxSize        int    `json:"historyMaxSize"`
}
