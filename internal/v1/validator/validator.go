// Package validator checks command arguments against a fixed per-command
// schema before any hook or handler runs.
package validator

import (
	"github.com/RichardWithnell/chat-service/internal/v1/cherrors"
	"github.com/RichardWithnell/chat-service/internal/v1/types"
)

// ArgType is the expected shape of one positional argument after JSON
// decoding.
type ArgType int

const (
	String ArgType = iota
	Bool
	Int
	Object
	StringArray
	Any
)

// Schema fixes the argument types and arity bounds of one command.
type Schema struct {
	Args     []ArgType
	MinArity int
	MaxArity int
}

func exact(args ...ArgType) Schema {
	return Schema{Args: args, MinArity: len(args), MaxArity: len(args)}
}

var schemas = map[string]Schema{
	types.CmdDirectAddToList:        exact(String, StringArray),
	types.CmdDirectGetAccessList:    exact(String),
	types.CmdDirectGetWhitelistMode: exact(),
	types.CmdDirectMessage:          exact(String, Object),
	types.CmdDirectRemoveFromList:   exact(String, StringArray),
	types.CmdDirectSetWhitelistMode: exact(Bool),
	types.CmdListJoinedSockets:      exact(),
	types.CmdListRooms:              exact(),
	types.CmdRoomAddToList:          exact(String, String, StringArray),
	types.CmdRoomCreate:             exact(String, Bool),
	types.CmdRoomDelete:             exact(String),
	types.CmdRoomGetAccessList:      exact(String, String),
	types.CmdRoomGetOwner:           exact(String),
	types.CmdRoomGetWhitelistMode:   exact(String),
	types.CmdRoomHistoryGet:         exact(String, Int, Int),
	types.CmdRoomHistoryInfo:        exact(String),
	types.CmdRoomRecentHistory:      exact(String),
	types.CmdRoomJoin:               exact(String),
	types.CmdRoomLeave:              exact(String),
	types.CmdRoomMessage:            exact(String, Object),
	types.CmdRoomRemoveFromList:     exact(String, String, StringArray),
	types.CmdRoomSetWhitelistMode:   exact(String, Bool),
	types.CmdRoomUserSeen:           exact(String, String),
	types.CmdSystemMessage:          exact(Any),
}

// Known reports whether command has a registered schema.
func Known(command string) bool {
	_, ok := schemas[command]
	return ok
}

// Commands returns the names of all registered commands.
func Commands() []string {
	out := make([]string, 0, len(schemas))
	for name := range schemas {
		out = append(out, name)
	}
	return out
}

// Validate checks args against the command's schema. It returns noCommand for
// unknown commands, wrongArgumentsCount for arity violations, and badArgument
// (carrying position and command) for type violations.
func Validate(command string, args []any) error {
	schema, ok := schemas[command]
	if !ok {
		return cherrors.New(cherrors.NoCommand, command)
	}
	if len(args) < schema.MinArity || len(args) > schema.MaxArity {
		return cherrors.New(cherrors.WrongArgumentsCount, schema.MinArity, len(args))
	}
	for i, arg := range args {
		if i >= len(schema.Args) {
			break
		}
		if !matches(schema.Args[i], arg) {
			return cherrors.New(cherrors.BadArgument, i, command)
		}
	}
	return nil
}

func matches(t ArgType, v any) bool {
	switch t {
	case String:
		_, ok := v.(string)
		return ok
	case Bool:
		_, ok := v.(bool)
		return ok
	case Int:
		// encoding/json decodes numbers into float64.
		switch n := v.(type) {
		case float64:
			return n == float64(int64(n))
		case int, int64, uint64:
			return true
		}
		return false
	case Object:
		_, ok := v.(map[string]any)
		return ok
	case StringArray:
		items, ok := v.([]any)
		if !ok {
			if _, ok := v.([]string); ok {
				return true
			}
			return false
		}
		for _, item := range items {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	case Any:
		return true
	}
	return false
}

// StringSlice coerces a validated StringArray argument into []string.
func StringSlice(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// IntValue coerces a validated Int argument into int64.
func IntValue(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case uint64:
		return int64(n)
	}
	return 0
}
