// Package command implements the uniform pipeline every command runs through:
// argument validation, before hook, dispatch, after hook. The pipeline knows
// nothing about the handlers themselves; the caller supplies the dispatcher.
package command

import (
	"context"
	"time"

	"github.com/RichardWithnell/chat-service/internal/v1/cherrors"
	"github.com/RichardWithnell/chat-service/internal/v1/metrics"
	"github.com/RichardWithnell/chat-service/internal/v1/types"
	"github.com/RichardWithnell/chat-service/internal/v1/validator"
)

// Call is one command invocation flowing through the pipeline. Hooks may
// rewrite Args in place before dispatch.
type Call struct {
	Command  string
	UserName string
	// SocketID is empty for server-side calls.
	SocketID string
	// Bypass skips permission checks; set for server-originated calls.
	Bypass bool
	// LocalCall marks invocations made through the server-side exec entry
	// point rather than a client socket.
	LocalCall bool
	Args      []any
}

// BeforeHook runs after validation and before dispatch. Returning an error
// replaces the command outcome; returning a non-nil result slice
// short-circuits dispatch. The hook may instead rewrite call.Args, which are
// re-validated afterwards.
type BeforeHook func(ctx context.Context, call *Call) ([]any, error)

// AfterHook runs after a successful dispatch and may rewrite the results.
// Returning an error replaces the command outcome.
type AfterHook func(ctx context.Context, call *Call, res []any) ([]any, error)

// Hooks holds the per-command hook registrations. The maps are fixed at
// construction and read concurrently.
type Hooks struct {
	Before map[string]BeforeHook
	After  map[string]AfterHook
}

// Dispatcher executes the command once validation and the before hook have
// passed.
type Dispatcher func(ctx context.Context, call *Call) ([]any, error)

// Pipeline runs commands through the fixed validate/before/dispatch/after
// sequence.
type Pipeline struct {
	hooks Hooks
}

// New builds a pipeline with the given hooks.
func New(hooks Hooks) *Pipeline {
	return &Pipeline{hooks: hooks}
}

// Run executes one call. All returned errors belong to the closed command
// error taxonomy.
func (p *Pipeline) Run(ctx context.Context, call *Call, dispatch Dispatcher) ([]any, error) {
	start := time.Now()
	res, err := p.run(ctx, call, dispatch)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Commands.WithLabelValues(call.Command, status).Inc()
	metrics.CommandDuration.WithLabelValues(call.Command).Observe(time.Since(start).Seconds())
	return res, err
}

func (p *Pipeline) run(ctx context.Context, call *Call, dispatch Dispatcher) ([]any, error) {
	if err := validator.Validate(call.Command, call.Args); err != nil {
		return nil, err
	}
	if requiresSocket(call.Command) && call.SocketID == "" {
		return nil, cherrors.New(cherrors.NoSocket, call.Command)
	}

	if before := p.hooks.Before[call.Command]; before != nil {
		res, err := before(ctx, call)
		if err != nil {
			return nil, cherrors.From(err)
		}
		if res != nil {
			return res, nil
		}
		// Rewritten arguments must still satisfy the schema.
		if err := validator.Validate(call.Command, call.Args); err != nil {
			return nil, err
		}
	}

	res, err := dispatch(ctx, call)
	if err != nil {
		return nil, cherrors.From(err)
	}

	if after := p.hooks.After[call.Command]; after != nil {
		rewritten, err := after(ctx, call, res)
		if err != nil {
			return nil, cherrors.From(err)
		}
		if rewritten != nil {
			res = rewritten
		}
	}
	return res, nil
}

// requiresSocket reports whether the command is meaningless without a real
// socket.
func requiresSocket(command string) bool {
	return command == types.CmdRoomJoin || command == types.CmdRoomLeave
}
