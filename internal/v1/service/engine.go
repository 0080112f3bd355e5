package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/RichardWithnell/chat-service/internal/v1/cherrors"
	"github.com/RichardWithnell/chat-service/internal/v1/command"
	"github.com/RichardWithnell/chat-service/internal/v1/logging"
	"github.com/RichardWithnell/chat-service/internal/v1/types"
)

// The Service is the transport's Engine: sockets connect, issue commands, and
// disconnect through these methods.

// HandleConnect authenticates the socket via the onConnect hook, creates the
// user on first sight, and registers the socket. On success the socket
// receives loginConfirmed.
func (s *Service) HandleConnect(ctx context.Context, socketID string, authData map[string]string) error {
	userName := authData["username"]
	if s.opts.OnConnect != nil {
		name, err := s.opts.OnConnect(ctx, authData)
		if err != nil {
			return cherrors.From(err)
		}
		userName = name
	}
	if !types.ValidName(userName) {
		return cherrors.New(cherrors.InvalidName, userName)
	}

	if _, err := s.st.AddUser(ctx, userName); err != nil {
		return err
	}
	if err := s.assoc.User(userName).RegisterSocket(ctx, socketID); err != nil {
		return err
	}

	s.mu.Lock()
	s.socketUsers[socketID] = userName
	s.mu.Unlock()

	if err := s.tr.Emit(socketID, types.EventLoginConfirmed, userName, map[string]any{"id": socketID}); err != nil {
		logging.Warn(ctx, "Failed to emit login confirmation",
			zap.String("userName", userName), zap.Error(err))
	}
	return nil
}

// HandleCommand runs one socket-issued command through the pipeline.
func (s *Service) HandleCommand(ctx context.Context, socketID, name string, args []any) ([]any, error) {
	s.mu.Lock()
	userName, ok := s.socketUsers[socketID]
	s.mu.Unlock()
	if !ok {
		return nil, cherrors.New(cherrors.NoSocket, socketID)
	}

	ctx = context.WithValue(ctx, logging.UserNameKey, userName)
	call := &command.Call{
		Command:  name,
		UserName: userName,
		SocketID: socketID,
		Args:     args,
	}
	return s.pipeline.Run(ctx, call, s.dispatch)
}

// HandleDisconnect unwinds a socket that has gone away.
func (s *Service) HandleDisconnect(ctx context.Context, socketID string) {
	s.mu.Lock()
	userName, ok := s.socketUsers[socketID]
	delete(s.socketUsers, socketID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.assoc.User(userName).RemoveSocket(ctx, socketID); err != nil {
		logging.Error(ctx, "Failed to unwind disconnected socket",
			zap.String("userName", userName), zap.String("socketId", socketID), zap.Error(err))
	}
}

// ErrorPayload serializes a command error for the wire, honoring
// useRawErrorObjects.
func (s *Service) ErrorPayload(err error) any {
	ce := cherrors.From(err)
	if ce == nil {
		return nil
	}
	return ce.Payload(s.opts.UseRawErrorObjects)
}
