// Package service is the engine facade. It binds the state store, the
// transport, and the user association machinery into one value, drives the
// lifecycle, and exposes the server-side API alongside the socket-driven
// command path.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RichardWithnell/chat-service/internal/v1/cherrors"
	"github.com/RichardWithnell/chat-service/internal/v1/command"
	"github.com/RichardWithnell/chat-service/internal/v1/logging"
	"github.com/RichardWithnell/chat-service/internal/v1/ratelimit"
	"github.com/RichardWithnell/chat-service/internal/v1/store"
	"github.com/RichardWithnell/chat-service/internal/v1/transport"
	"github.com/RichardWithnell/chat-service/internal/v1/types"
	"github.com/RichardWithnell/chat-service/internal/v1/user"
)

// Defaults applied by NewService when an option is zero.
const (
	DefaultCloseTimeout          = 5 * time.Second
	DefaultBusAckTimeout         = 2 * time.Second
	DefaultLockTTL               = 10 * time.Second
	DefaultHistoryMaxGetMessages = 100
	DefaultHistoryMaxMessages    = 10000
)

// ConnectHook authenticates a connecting socket from its raw auth payload and
// returns the user name. An error rejects the connection.
type ConnectHook func(ctx context.Context, authData map[string]string) (string, error)

// LifecycleHook runs at service start or close.
type LifecycleHook func(ctx context.Context) error

// Options configures a Service.
type Options struct {
	// State selects a registered state backend; default "memory".
	State string
	// Transport selects a registered transport; default "websocket".
	Transport     string
	RedisAddr     string
	RedisPassword string

	// StateFactory and TransportFactory override the kind registries.
	StateFactory     StateFactory
	TransportFactory TransportFactory

	CloseTimeout  time.Duration
	BusAckTimeout time.Duration
	LockTTL       time.Duration

	EnableAccessListsUpdates bool
	EnableDirectMessages     bool
	EnableRoomsManagement    bool
	EnableUserlistUpdates    bool
	UseRawErrorObjects       bool

	HistoryMaxGetMessages int
	HistoryMaxMessages    int

	AllowedOrigins []string
	RateLimiter    *ratelimit.RateLimiter

	OnConnect ConnectHook
	OnStart   LifecycleHook
	OnClose   LifecycleHook
	// OnServerEvent receives engine-level events such as consistency
	// failures.
	OnServerEvent func(event string, payload map[string]any)

	DirectMessageChecker user.MessageChecker
	RoomMessageChecker   user.MessageChecker

	Hooks command.Hooks
}

func (o *Options) applyDefaults() {
	if o.State == "" {
		o.State = "memory"
	}
	if o.Transport == "" {
		o.Transport = "websocket"
	}
	if o.CloseTimeout == 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.BusAckTimeout == 0 {
		o.BusAckTimeout = DefaultBusAckTimeout
	}
	if o.LockTTL == 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.HistoryMaxGetMessages == 0 {
		o.HistoryMaxGetMessages = DefaultHistoryMaxGetMessages
	}
	if o.HistoryMaxMessages == 0 {
		o.HistoryMaxMessages = DefaultHistoryMaxMessages
	}
}

// Service is the running chat engine.
type Service struct {
	opts       Options
	instanceID string

	st       store.Store
	tr       transport.Transport
	assoc    *user.Associations
	pipeline *command.Pipeline

	busCancel context.CancelFunc

	mu          sync.Mutex
	socketUsers map[string]string // local socketID -> userName
	closed      bool
}

// NewService constructs the engine from options. It does not start the bus
// subscription; call Start.
func NewService(opts Options) (*Service, error) {
	opts.applyDefaults()

	s := &Service{
		opts:        opts,
		instanceID:  uuid.NewString(),
		socketUsers: make(map[string]string),
	}

	makeState := opts.StateFactory
	if makeState == nil {
		var err error
		makeState, err = stateFactory(opts.State)
		if err != nil {
			return nil, err
		}
	}
	st, err := makeState(opts)
	if err != nil {
		return nil, err
	}
	s.st = st

	makeTransport := opts.TransportFactory
	if makeTransport == nil {
		makeTransport, err = transportFactory(opts.Transport)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	s.tr = makeTransport(s, opts)

	s.assoc = user.NewAssociations(st, s.tr, user.Config{
		InstanceID:               s.instanceID,
		LockTTL:                  opts.LockTTL,
		BusAckTimeout:            opts.BusAckTimeout,
		EnableUserlistUpdates:    opts.EnableUserlistUpdates,
		EnableAccessListsUpdates: opts.EnableAccessListsUpdates,
		EnableDirectMessages:     opts.EnableDirectMessages,
		EnableRoomsManagement:    opts.EnableRoomsManagement,
		HistoryMaxSize:           opts.HistoryMaxMessages,
		HistoryMaxGetMessages:    opts.HistoryMaxGetMessages,
		DirectMessageChecker:     opts.DirectMessageChecker,
		RoomMessageChecker:       opts.RoomMessageChecker,
	}, opts.OnServerEvent)

	s.pipeline = command.New(opts.Hooks)
	return s, nil
}

// InstanceID returns this instance's unique identifier.
func (s *Service) InstanceID() string {
	return s.instanceID
}

// Transport returns the transport for HTTP wiring.
func (s *Service) Transport() transport.Transport {
	return s.tr
}

// Ping reports state-backend connectivity; health probes use it.
func (s *Service) Ping(ctx context.Context) error {
	return s.st.Ping(ctx)
}

// Start checks store connectivity, subscribes to the cluster bus, and runs
// the onStart hook.
func (s *Service) Start(ctx context.Context) error {
	if err := s.st.Ping(ctx); err != nil {
		return err
	}
	busCtx, cancel := context.WithCancel(context.Background())
	if err := s.assoc.Start(busCtx); err != nil {
		cancel()
		return err
	}
	s.busCancel = cancel
	if s.opts.OnStart != nil {
		if err := s.opts.OnStart(ctx); err != nil {
			return err
		}
	}
	logging.Info(ctx, "Chat service started", zap.String("instanceId", s.instanceID))
	return nil
}

// Close stops accepting sockets, disconnects everything within closeTimeout,
// runs the onClose hook, then releases the bus and the store.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.tr.CloseAccepting()
	closeCtx, cancel := context.WithTimeout(ctx, s.opts.CloseTimeout)
	defer cancel()
	if err := s.tr.Close(closeCtx); err != nil {
		logging.Warn(ctx, "Timed out disconnecting sockets on close", zap.Error(err))
	}
	if s.opts.OnClose != nil {
		if err := s.opts.OnClose(ctx); err != nil {
			logging.Error(ctx, "onClose hook failed", zap.Error(err))
		}
	}
	if s.busCancel != nil {
		s.busCancel()
	}
	return s.st.Close()
}

// --- server-side API ---

// AddUser registers a user. Fails with userExists when the name is taken.
func (s *Service) AddUser(ctx context.Context, name string) error {
	if !types.ValidName(name) {
		return cherrors.New(cherrors.InvalidName, name)
	}
	created, err := s.st.AddUser(ctx, name)
	if err != nil {
		return err
	}
	if !created {
		return cherrors.New(cherrors.UserExists, name)
	}
	return nil
}

// RemoveUser disconnects the user's local sockets and destroys its records.
func (s *Service) RemoveUser(ctx context.Context, name string) error {
	known, err := s.st.HasUser(ctx, name)
	if err != nil {
		return err
	}
	if !known {
		return cherrors.New(cherrors.NoUserOnline, name)
	}
	u := s.assoc.User(name)
	if err := u.DisconnectLocalSockets(ctx); err != nil {
		return err
	}
	if err := s.st.Direct(name).Destroy(ctx); err != nil {
		return err
	}
	if err := s.st.UserSockets(name).Destroy(ctx); err != nil {
		return err
	}
	return s.st.RemoveUser(ctx, name)
}

// AddRoom creates a room with an optional owner.
func (s *Service) AddRoom(ctx context.Context, name, owner string, whitelistOnly bool) error {
	return s.assoc.CreateRoom(ctx, name, owner, whitelistOnly)
}

// RemoveRoom evicts all joined users, then drops the room state.
func (s *Service) RemoveRoom(ctx context.Context, name string) error {
	return s.assoc.DeleteRoom(ctx, name)
}

// DisconnectUserSockets force-disconnects every socket of the user held by
// this instance.
func (s *Service) DisconnectUserSockets(ctx context.Context, name string) error {
	known, err := s.st.HasUser(ctx, name)
	if err != nil {
		return err
	}
	if !known {
		return cherrors.New(cherrors.NoUserOnline, name)
	}
	return s.assoc.User(name).DisconnectLocalSockets(ctx)
}

// ExecOptions shape a server-side Exec call.
type ExecOptions struct {
	UserName string
	// SocketID may name a connected socket to attribute the call to.
	SocketID string
	// Bypass skips permission checks. Defaults to true for local calls made
	// without a socket.
	Bypass *bool
}

// Exec runs one command through the regular pipeline on behalf of the server.
func (s *Service) Exec(ctx context.Context, cmd string, opts ExecOptions, args ...any) ([]any, error) {
	bypass := opts.SocketID == ""
	if opts.Bypass != nil {
		bypass = *opts.Bypass
	}
	call := &command.Call{
		Command:   cmd,
		UserName:  opts.UserName,
		SocketID:  opts.SocketID,
		Bypass:    bypass,
		LocalCall: true,
		Args:      args,
	}
	return s.pipeline.Run(ctx, call, s.dispatch)
}

func (s *Service) dispatch(ctx context.Context, call *command.Call) ([]any, error) {
	u := s.assoc.User(call.UserName)
	return u.Exec(ctx, call.Command, call.SocketID, call.Bypass, call.Args)
}
