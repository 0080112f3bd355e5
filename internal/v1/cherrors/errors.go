// Package cherrors defines the closed error taxonomy returned in command
// acknowledgements, plus the named consistency-failure events.
package cherrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one of the closed set of command error kinds.
type Kind string

const (
	BadArgument         Kind = "badArgument"
	NoCommand           Kind = "noCommand"
	NoSocket            Kind = "noSocket"
	NoUserOnline        Kind = "noUserOnline"
	NoRoom              Kind = "noRoom"
	NoList              Kind = "noList"
	NotAllowed          Kind = "notAllowed"
	UserExists          Kind = "userExists"
	RoomExists          Kind = "roomExists"
	RoomRemoved         Kind = "roomRemoved"
	InvalidName         Kind = "invalidName"
	WrongArgumentsCount Kind = "wrongArgumentsCount"
	ServerError         Kind = "serverError"
)

// Consistency-failure event names. These are server events, never command
// errors.
const (
	StoreConsistencyFailure     = "storeConsistencyFailure"
	TransportConsistencyFailure = "transportConsistencyFailure"
)

// templates render localized strings when raw error objects are disabled.
var templates = map[Kind]string{
	BadArgument:         "Bad argument at position %v, command %v",
	NoCommand:           "No such command %v",
	NoSocket:            "Command %v requires a connected socket",
	NoUserOnline:        "User %v is not online",
	NoRoom:              "Room %v does not exist",
	NoList:              "No such list %v",
	NotAllowed:          "Action is not allowed",
	UserExists:          "User %v already exists",
	RoomExists:          "Room %v already exists",
	RoomRemoved:         "Room %v has been removed",
	InvalidName:         "Invalid name %v",
	WrongArgumentsCount: "Expected %v arguments, got %v",
	ServerError:         "Server error: %v",
}

// Error is a command error carrying its kind and positional arguments.
type Error struct {
	Kind Kind  `json:"name"`
	Args []any `json:"args"`
}

// New builds an Error of the given kind.
func New(kind Kind, args ...any) *Error {
	return &Error{Kind: kind, Args: args}
}

func (e *Error) Error() string {
	tmpl, ok := templates[e.Kind]
	if !ok {
		return string(e.Kind)
	}
	n := strings.Count(tmpl, "%v")
	args := make([]any, n)
	for i := range args {
		if i < len(e.Args) {
			args[i] = e.Args[i]
		} else {
			args[i] = "?"
		}
	}
	return fmt.Sprintf(tmpl, args...)
}

// Payload is the serialized form sent in acknowledgements. With raw enabled it
// is the {name, args} object; otherwise the localized string.
func (e *Error) Payload(raw bool) any {
	if raw {
		return e
	}
	return e.Error()
}

// From coerces an arbitrary error into a command error. Non-Error values
// become serverError, preserving the message.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return New(ServerError, err.Error())
}

// Is reports whether err is a command error of the given kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
