package user

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/RichardWithnell/chat-service/internal/v1/cherrors"
	"github.com/RichardWithnell/chat-service/internal/v1/logging"
	"github.com/RichardWithnell/chat-service/internal/v1/metrics"
	"github.com/RichardWithnell/chat-service/internal/v1/store"
	"github.com/RichardWithnell/chat-service/internal/v1/types"
)

// Start subscribes the association engine to the cluster bus. Handling runs
// on the store's delivery goroutine until ctx is cancelled.
func (a *Associations) Start(ctx context.Context) error {
	return a.st.SubscribeBus(ctx, func(msg store.BusMessage) {
		a.handleBus(ctx, msg)
	})
}

func (a *Associations) handleBus(ctx context.Context, msg store.BusMessage) {
	switch msg.Type {
	case store.BusEmitToChannel:
		if msg.ExcludeSocket != "" {
			a.tr.SendToChannel(msg.ExcludeSocket, msg.Channel, msg.Event, msg.Args...)
		} else {
			a.tr.EmitToChannel(msg.Channel, msg.Event, msg.Args...)
		}

	case store.BusDisconnectUserFromRoom:
		if msg.Target != "" && msg.Target != a.cfg.InstanceID {
			return
		}
		a.dropLocalRoomSockets(ctx, msg.UserName, msg.RoomName)
		a.tr.EmitToChannel(types.EchoChannel(msg.UserName), types.EventRoomAccessRemoved, msg.RoomName)
		if msg.ID != "" && msg.Origin != "" {
			ack := store.BusMessage{
				Type:   store.BusAck,
				ID:     msg.ID,
				Origin: a.cfg.InstanceID,
				Target: msg.Origin,
			}
			if err := a.st.PublishBus(ctx, ack); err != nil {
				logging.Error(ctx, "Failed to publish bus ack", zap.Error(err))
			}
		}

	case store.BusAck:
		if msg.Target != a.cfg.InstanceID {
			return
		}
		a.ackMu.Lock()
		if ch, ok := a.pending[msg.ID]; ok {
			close(ch)
			delete(a.pending, msg.ID)
		}
		a.ackMu.Unlock()
	}
}

// dropLocalRoomSockets detaches this instance's sockets of userName from the
// room channel and the join projection. The room's userlist was already
// mutated by the initiator, so room.Leave is not called here.
func (a *Associations) dropLocalRoomSockets(ctx context.Context, userName, roomName string) {
	us := a.st.UserSockets(userName)
	sockets, err := us.RoomSockets(ctx, roomName)
	if err != nil {
		a.consistencyFailure(cherrors.StoreConsistencyFailure, map[string]any{
			"userName": userName,
			"opType":   "disconnectUserFromRoom",
			"roomName": roomName,
		})
		return
	}
	for _, socketID := range sockets {
		instance, ok, err := a.st.SocketInstance(ctx, socketID)
		if err != nil || !ok || instance != a.cfg.InstanceID {
			continue
		}
		if !a.tr.HasSocket(socketID) {
			a.consistencyFailure(cherrors.StoreConsistencyFailure, map[string]any{
				"userName": userName,
				"opType":   "disconnectUserFromRoom",
				"socketId": socketID,
			})
		}
		_, _ = us.RemoveSocketRoom(ctx, socketID, roomName)
		_ = a.tr.LeaveChannel(ctx, socketID, types.RoomChannel(roomName))
	}
}

// evictFromRoom runs the cross-instance leave protocol for one evicted user:
// every instance holding one of the user's sockets joined to the room is
// asked to detach them and emit roomAccessRemoved. List state is already
// mutated when this runs, so an ack timeout surfaces as a
// transportConsistencyFailure event, never as a command error.
func (a *Associations) evictFromRoom(ctx context.Context, userName, roomName string) {
	us := a.st.UserSockets(userName)
	sockets, err := us.RoomSockets(ctx, roomName)
	if err != nil {
		a.consistencyFailure(cherrors.StoreConsistencyFailure, map[string]any{
			"userName": userName,
			"opType":   "evictFromRoom",
			"roomName": roomName,
		})
		return
	}

	instances := set.New[string]()
	for _, socketID := range sockets {
		instance, ok, err := a.st.SocketInstance(ctx, socketID)
		if err != nil || !ok {
			continue
		}
		instances.Insert(instance)
	}
	if instances.Len() == 0 {
		return
	}

	type ackWait struct {
		id       string
		instance string
		ch       chan struct{}
	}
	waits := make([]ackWait, 0, instances.Len())
	for _, instance := range instances.UnsortedList() {
		id := uuid.NewString()
		ch := make(chan struct{})
		a.ackMu.Lock()
		a.pending[id] = ch
		a.ackMu.Unlock()

		msg := store.BusMessage{
			Type:     store.BusDisconnectUserFromRoom,
			ID:       id,
			Origin:   a.cfg.InstanceID,
			Target:   instance,
			UserName: userName,
			RoomName: roomName,
		}
		if err := a.st.PublishBus(ctx, msg); err != nil {
			a.abandonAck(id)
			a.consistencyFailure(cherrors.TransportConsistencyFailure, map[string]any{
				"userName": userName,
				"opType":   "disconnectUserFromRoom",
				"roomName": roomName,
				"instance": instance,
			})
			continue
		}
		waits = append(waits, ackWait{id: id, instance: instance, ch: ch})
	}

	deadline := time.Now().Add(a.cfg.BusAckTimeout)
	for _, w := range waits {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		select {
		case <-w.ch:
			timer.Stop()
		case <-timer.C:
			a.abandonAck(w.id)
			a.consistencyFailure(cherrors.TransportConsistencyFailure, map[string]any{
				"userName": userName,
				"opType":   "disconnectUserFromRoom",
				"roomName": roomName,
				"instance": w.instance,
			})
		}
	}
}

func (a *Associations) abandonAck(id string) {
	a.ackMu.Lock()
	delete(a.pending, id)
	a.ackMu.Unlock()
}

// broadcast fans an event out to every member of channel cluster-wide by
// relaying it over the bus; this instance delivers through its own loopback
// subscription. On publish failure the event is at least delivered locally.
func (a *Associations) broadcast(ctx context.Context, excludeSocketID, channel, event string, args ...any) {
	msg := store.BusMessage{
		Type:          store.BusEmitToChannel,
		Origin:        a.cfg.InstanceID,
		Channel:       channel,
		Event:         event,
		Args:          args,
		ExcludeSocket: excludeSocketID,
	}
	if err := a.st.PublishBus(ctx, msg); err != nil {
		logging.Error(ctx, "Failed to publish channel event, delivering locally only",
			zap.String("channel", channel), zap.String("event", event), zap.Error(err))
		if excludeSocketID != "" {
			a.tr.SendToChannel(excludeSocketID, channel, event, args...)
		} else {
			a.tr.EmitToChannel(channel, event, args...)
		}
	}
}

// finishEviction emits the userlist updates for evicted users and runs the
// cross-instance eviction for each of them.
func (a *Associations) finishEviction(ctx context.Context, roomName string, evicted []string) {
	for _, userName := range evicted {
		if a.cfg.EnableUserlistUpdates {
			a.broadcast(ctx, "", types.RoomChannel(roomName), types.EventRoomUserLeft, roomName, userName)
		}
		a.evictFromRoom(ctx, userName, roomName)
	}
}

func (a *Associations) consistencyFailure(event string, payload map[string]any) {
	kind := "store"
	if event == cherrors.TransportConsistencyFailure {
		kind = "transport"
	}
	metrics.ConsistencyFailures.WithLabelValues(kind).Inc()
	logging.Warn(context.Background(), "Consistency failure",
		zap.String("event", event), zap.Any("payload", payload))
	a.serverEvent(event, payload)
}
