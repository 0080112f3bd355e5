package cherrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_String(t *testing.T) {
	assert.Equal(t, "Room general does not exist", New(NoRoom, "general").Error())
	assert.Equal(t, "Bad argument at position 1, command roomMessage",
		New(BadArgument, 1, "roomMessage").Error())
	assert.Equal(t, "Action is not allowed", New(NotAllowed).Error())
	// Missing args render as placeholders rather than panicking.
	assert.Equal(t, "Room ? does not exist", New(NoRoom).Error())
}

func TestError_Payload(t *testing.T) {
	e := New(NoUserOnline, "bob")

	assert.Equal(t, "User bob is not online", e.Payload(false))

	raw, err := json.Marshal(e.Payload(true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"noUserOnline","args":["bob"]}`, string(raw))
}

func TestFrom(t *testing.T) {
	assert.Nil(t, From(nil))

	e := New(NotAllowed)
	assert.Same(t, e, From(e))

	wrapped := fmt.Errorf("context: %w", New(NoRoom, "r"))
	assert.Equal(t, NoRoom, From(wrapped).Kind)

	plain := From(errors.New("boom"))
	assert.Equal(t, ServerError, plain.Kind)
	assert.Equal(t, "Server error: boom", plain.Error())
}

func TestIs(t *testing.T) {
	assert.True(t, Is(New(RoomExists, "r"), RoomExists))
	assert.False(t, Is(New(RoomExists, "r"), NoRoom))
	assert.False(t, Is(errors.New("boom"), ServerError))
	assert.True(t, Is(fmt.Errorf("wrap: %w", New(NoSocket, "s")), NoSocket))
}
