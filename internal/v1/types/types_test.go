package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidName(t *testing.T) {
	valid := []string{"alice", "bob42", "room-1", "room_2", "Zoë"}
	for _, name := range valid {
		assert.True(t, ValidName(name), name)
	}

	invalid := []string{"", "a b", "a:b", "a;b", "a,b", "a\tb", "a\nb", " lead", "trail "}
	for _, name := range invalid {
		assert.False(t, ValidName(name), "%q should be rejected", name)
	}
}

func TestValidLists(t *testing.T) {
	assert.True(t, ValidRoomList(ListWhitelist))
	assert.True(t, ValidRoomList(ListBlacklist))
	assert.True(t, ValidRoomList(ListAdminlist))
	assert.False(t, ValidRoomList(ListUserlist))
	assert.False(t, ValidRoomList("bogus"))

	assert.True(t, ValidDirectList(ListWhitelist))
	assert.True(t, ValidDirectList(ListBlacklist))
	assert.False(t, ValidDirectList(ListAdminlist))
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "user:alice", EchoChannel("alice"))
	assert.Equal(t, "room:general", RoomChannel("general"))
	// Names never contain ':' so a user named "room" cannot shadow a room
	// channel.
	assert.NotEqual(t, EchoChannel("general"), RoomChannel("general"))
}

func TestMessage_ExtraRoundTrip(t *testing.T) {
	in := []byte(`{"textMessage":"hi","customField":{"k":1},"flag":true}`)

	var msg Message
	require.NoError(t, json.Unmarshal(in, &msg))
	assert.Equal(t, "hi", msg.Text)
	assert.Contains(t, msg.Extra, "customField")
	assert.Contains(t, msg.Extra, "flag")

	msg.ID = 7
	msg.Author = "alice"
	msg.Timestamp = 123

	out, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, float64(7), decoded["id"])
	assert.Equal(t, "alice", decoded["author"])
	assert.Equal(t, "hi", decoded["textMessage"])
	assert.Equal(t, true, decoded["flag"])
	assert.Equal(t, map[string]any{"k": float64(1)}, decoded["customField"])
}

func TestMessage_NoExtra(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"textMessage":"plain"}`), &msg))
	assert.Nil(t, msg.Extra)

	out, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"textMessage":"plain"}`, string(out))
}

func TestMessage_ExtraNeverShadowsFixedFields(t *testing.T) {
	msg := Message{
		Text:  "hello",
		Extra: map[string]json.RawMessage{"textMessage": json.RawMessage(`"evil"`)},
	}
	out, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "hello", decoded["textMessage"])
}
