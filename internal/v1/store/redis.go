package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/RichardWithnell/chat-service/internal/v1/cherrors"
	"github.com/RichardWithnell/chat-service/internal/v1/logging"
	"github.com/RichardWithnell/chat-service/internal/v1/metrics"
	"github.com/RichardWithnell/chat-service/internal/v1/types"
)

const busChannel = "chatservice:bus"

// unlockScript releases a lock only if the caller still holds it, so a lock
// that expired and was re-acquired by someone else is never released by the
// original holder.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is the shared Store for multi-instance deployments. All calls run
// through a circuit breaker; state mutations surface breaker failures to the
// caller, only bus publishes degrade by dropping.
type Redis struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedis creates a Redis store and verifies connectivity.
func NewRedis(addr, password string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis-store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "Connected to Redis state store", zap.String("addr", addr))
	return &Redis{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// Client returns the underlying Redis client, used to share the connection
// with collaborators such as the rate limiter.
func (s *Redis) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

func (s *Redis) do(op func() (any, error)) (any, error) {
	res, err := s.cb.Execute(op)
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return res, err
}

func (s *Redis) doErr(op func() error) error {
	_, err := s.do(func() (any, error) { return nil, op() })
	return err
}

// --- locks ---

func (s *Redis) Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	token := uuid.NewString()
	for {
		res, err := s.do(func() (any, error) {
			return s.client.SetNX(ctx, key, token, ttl).Result()
		})
		if err != nil {
			return nil, err
		}
		if res.(bool) {
			unlock := func(ctx context.Context) error {
				return s.doErr(func() error {
					return unlockScript.Run(ctx, s.client, []string{key}, token).Err()
				})
			}
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrLockTimeout
		case <-time.After(lockPollInterval):
		}
	}
}

// --- room projection ---

type redisRoom struct {
	s    *Redis
	name string
}

func (s *Redis) Room(name string) RoomState {
	return &redisRoom{s: s, name: name}
}

func (r *redisRoom) key(suffix string) string {
	return "room:" + r.name + ":" + suffix
}

func (r *redisRoom) listKey(list types.ListName) string {
	return r.key("list:" + string(list))
}

func (r *redisRoom) Create(ctx context.Context, owner string, whitelistOnly bool) error {
	return r.s.doErr(func() error {
		created, err := r.s.client.HSetNX(ctx, r.key("meta"), "created", "1").Result()
		if err != nil {
			return err
		}
		if !created {
			return cherrors.New(cherrors.RoomExists, r.name)
		}
		return r.s.client.HSet(ctx, r.key("meta"),
			"owner", owner,
			"whitelistOnly", boolField(whitelistOnly),
			"removing", "0",
		).Err()
	})
}

func (r *redisRoom) Exists(ctx context.Context) (bool, error) {
	res, err := r.s.do(func() (any, error) {
		return r.s.client.Exists(ctx, r.key("meta")).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(int64) > 0, nil
}

func (r *redisRoom) Destroy(ctx context.Context) error {
	return r.s.doErr(func() error {
		keys := []string{
			r.key("meta"), r.key("history"), r.key("lastid"), r.key("seen"),
			r.listKey(types.ListWhitelist), r.listKey(types.ListBlacklist),
			r.listKey(types.ListAdminlist), r.listKey(types.ListUserlist),
		}
		return r.s.client.Del(ctx, keys...).Err()
	})
}

func (r *redisRoom) StartRemoving(ctx context.Context) error {
	return r.s.doErr(func() error {
		return r.s.client.HSet(ctx, r.key("meta"), "removing", "1").Err()
	})
}

func (r *redisRoom) Removing(ctx context.Context) (bool, error) {
	return r.metaBool(ctx, "removing")
}

func (r *redisRoom) Owner(ctx context.Context) (string, error) {
	res, err := r.s.do(func() (any, error) {
		v, err := r.s.client.HGet(ctx, r.key("meta"), "owner").Result()
		if err == redis.Nil {
			return "", nil
		}
		return v, err
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (r *redisRoom) Mode(ctx context.Context) (bool, error) {
	return r.metaBool(ctx, "whitelistOnly")
}

func (r *redisRoom) SetMode(ctx context.Context, whitelistOnly bool) error {
	return r.s.doErr(func() error {
		return r.s.client.HSet(ctx, r.key("meta"), "whitelistOnly", boolField(whitelistOnly)).Err()
	})
}

func (r *redisRoom) metaBool(ctx context.Context, field string) (bool, error) {
	res, err := r.s.do(func() (any, error) {
		v, err := r.s.client.HGet(ctx, r.key("meta"), field).Result()
		if err == redis.Nil {
			return "0", nil
		}
		return v, err
	})
	if err != nil {
		return false, err
	}
	return res.(string) == "1", nil
}

func (r *redisRoom) AddToList(ctx context.Context, list types.ListName, names []string) error {
	if len(names) == 0 {
		return nil
	}
	return r.s.doErr(func() error {
		return r.s.client.SAdd(ctx, r.listKey(list), toAny(names)...).Err()
	})
}

func (r *redisRoom) RemoveFromList(ctx context.Context, list types.ListName, names []string) error {
	if len(names) == 0 {
		return nil
	}
	return r.s.doErr(func() error {
		return r.s.client.SRem(ctx, r.listKey(list), toAny(names)...).Err()
	})
}

func (r *redisRoom) List(ctx context.Context, list types.ListName) ([]string, error) {
	res, err := r.s.do(func() (any, error) {
		members, err := r.s.client.SMembers(ctx, r.listKey(list)).Result()
		if err != nil {
			return nil, err
		}
		sortStrings(members)
		return members, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (r *redisRoom) InList(ctx context.Context, list types.ListName, name string) (bool, error) {
	res, err := r.s.do(func() (any, error) {
		return r.s.client.SIsMember(ctx, r.listKey(list), name).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (r *redisRoom) Append(ctx context.Context, msg types.Message, maxSize int) (types.Message, error) {
	res, err := r.s.do(func() (any, error) {
		id, err := r.s.client.Incr(ctx, r.key("lastid")).Result()
		if err != nil {
			return nil, err
		}
		msg.ID = uint64(id)
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		pipe := r.s.client.TxPipeline()
		pipe.ZAdd(ctx, r.key("history"), redis.Z{Score: float64(id), Member: string(data)})
		pipe.ZRemRangeByRank(ctx, r.key("history"), 0, int64(-(maxSize + 1)))
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		return msg, nil
	})
	if err != nil {
		return types.Message{}, err
	}
	return res.(types.Message), nil
}

func (r *redisRoom) LastID(ctx context.Context) (uint64, error) {
	res, err := r.s.do(func() (any, error) {
		v, err := r.s.client.Get(ctx, r.key("lastid")).Result()
		if err == redis.Nil {
			return uint64(0), nil
		}
		if err != nil {
			return nil, err
		}
		id, err := strconv.ParseUint(v, 10, 64)
		return id, err
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

func (r *redisRoom) MessagesAfter(ctx context.Context, fromID uint64, limit int) ([]types.Message, error) {
	res, err := r.s.do(func() (any, error) {
		raw, err := r.s.client.ZRangeByScore(ctx, r.key("history"), &redis.ZRangeBy{
			Min:   "(" + strconv.FormatUint(fromID, 10),
			Max:   "+inf",
			Count: int64(limit),
		}).Result()
		if err != nil {
			return nil, err
		}
		return decodeMessages(raw)
	})
	if err != nil {
		return nil, err
	}
	return res.([]types.Message), nil
}

func (r *redisRoom) Recent(ctx context.Context, limit int) ([]types.Message, error) {
	res, err := r.s.do(func() (any, error) {
		raw, err := r.s.client.ZRevRangeByScore(ctx, r.key("history"), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   "+inf",
			Count: int64(limit),
		}).Result()
		if err != nil {
			return nil, err
		}
		return decodeMessages(raw)
	})
	if err != nil {
		return nil, err
	}
	return res.([]types.Message), nil
}

func (r *redisRoom) SetUserSeen(ctx context.Context, userName string, joined bool, ts int64) error {
	return r.s.doErr(func() error {
		data, err := json.Marshal(types.UserSeen{Joined: joined, Timestamp: &ts})
		if err != nil {
			return err
		}
		return r.s.client.HSet(ctx, r.key("seen"), userName, string(data)).Err()
	})
}

func (r *redisRoom) UserSeen(ctx context.Context, userName string) (types.UserSeen, error) {
	res, err := r.s.do(func() (any, error) {
		v, err := r.s.client.HGet(ctx, r.key("seen"), userName).Result()
		if err == redis.Nil {
			return types.UserSeen{}, nil
		}
		if err != nil {
			return nil, err
		}
		var seen types.UserSeen
		if err := json.Unmarshal([]byte(v), &seen); err != nil {
			return nil, err
		}
		return seen, nil
	})
	if err != nil {
		return types.UserSeen{}, err
	}
	return res.(types.UserSeen), nil
}

// --- direct-messaging projection ---

type redisDirect struct {
	s    *Redis
	name string
}

func (s *Redis) Direct(userName string) DirectState {
	return &redisDirect{s: s, name: userName}
}

func (d *redisDirect) key(suffix string) string {
	return "direct:" + d.name + ":" + suffix
}

func (d *redisDirect) listKey(list types.ListName) string {
	return d.key("list:" + string(list))
}

func (d *redisDirect) Mode(ctx context.Context) (bool, error) {
	res, err := d.s.do(func() (any, error) {
		v, err := d.s.client.Get(ctx, d.key("mode")).Result()
		if err == redis.Nil {
			return "0", nil
		}
		return v, err
	})
	if err != nil {
		return false, err
	}
	return res.(string) == "1", nil
}

func (d *redisDirect) SetMode(ctx context.Context, whitelistOnly bool) error {
	return d.s.doErr(func() error {
		return d.s.client.Set(ctx, d.key("mode"), boolField(whitelistOnly), 0).Err()
	})
}

func (d *redisDirect) AddToList(ctx context.Context, list types.ListName, names []string) error {
	if len(names) == 0 {
		return nil
	}
	return d.s.doErr(func() error {
		return d.s.client.SAdd(ctx, d.listKey(list), toAny(names)...).Err()
	})
}

func (d *redisDirect) RemoveFromList(ctx context.Context, list types.ListName, names []string) error {
	if len(names) == 0 {
		return nil
	}
	return d.s.doErr(func() error {
		return d.s.client.SRem(ctx, d.listKey(list), toAny(names)...).Err()
	})
}

func (d *redisDirect) List(ctx context.Context, list types.ListName) ([]string, error) {
	res, err := d.s.do(func() (any, error) {
		members, err := d.s.client.SMembers(ctx, d.listKey(list)).Result()
		if err != nil {
			return nil, err
		}
		sortStrings(members)
		return members, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (d *redisDirect) InList(ctx context.Context, list types.ListName, name string) (bool, error) {
	res, err := d.s.do(func() (any, error) {
		return d.s.client.SIsMember(ctx, d.listKey(list), name).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (d *redisDirect) Destroy(ctx context.Context) error {
	return d.s.doErr(func() error {
		return d.s.client.Del(ctx, d.key("mode"),
			d.listKey(types.ListWhitelist), d.listKey(types.ListBlacklist)).Err()
	})
}

// --- user-sockets projection ---

type redisUserSockets struct {
	s    *Redis
	name string
}

func (s *Redis) UserSockets(userName string) UserSockets {
	return &redisUserSockets{s: s, name: userName}
}

func (u *redisUserSockets) key(suffix string) string {
	return "user:" + u.name + ":" + suffix
}

func (u *redisUserSockets) AddSocket(ctx context.Context, socketID string) (int, error) {
	res, err := u.s.do(func() (any, error) {
		if err := u.s.client.SAdd(ctx, u.key("sockets"), socketID).Err(); err != nil {
			return nil, err
		}
		return u.s.client.SCard(ctx, u.key("sockets")).Result()
	})
	if err != nil {
		return 0, err
	}
	return int(res.(int64)), nil
}

func (u *redisUserSockets) RemoveSocket(ctx context.Context, socketID string) (int, error) {
	res, err := u.s.do(func() (any, error) {
		rooms, err := u.s.client.SMembers(ctx, u.key("socketrooms:"+socketID)).Result()
		if err != nil {
			return nil, err
		}
		pipe := u.s.client.TxPipeline()
		for _, room := range rooms {
			pipe.SRem(ctx, u.key("roomsockets:"+room), socketID)
		}
		pipe.Del(ctx, u.key("socketrooms:"+socketID))
		pipe.SRem(ctx, u.key("sockets"), socketID)
		card := pipe.SCard(ctx, u.key("sockets"))
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		return card.Result()
	})
	if err != nil {
		return 0, err
	}
	return int(res.(int64)), nil
}

func (u *redisUserSockets) SocketCount(ctx context.Context) (int, error) {
	res, err := u.s.do(func() (any, error) {
		return u.s.client.SCard(ctx, u.key("sockets")).Result()
	})
	if err != nil {
		return 0, err
	}
	return int(res.(int64)), nil
}

func (u *redisUserSockets) Sockets(ctx context.Context) (map[string][]string, error) {
	res, err := u.s.do(func() (any, error) {
		ids, err := u.s.client.SMembers(ctx, u.key("sockets")).Result()
		if err != nil {
			return nil, err
		}
		out := make(map[string][]string, len(ids))
		for _, id := range ids {
			rooms, err := u.s.client.SMembers(ctx, u.key("socketrooms:"+id)).Result()
			if err != nil {
				return nil, err
			}
			sortStrings(rooms)
			if len(rooms) == 0 {
				out[id] = nil
			} else {
				out[id] = rooms
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string][]string), nil
}

func (u *redisUserSockets) AddSocketRoom(ctx context.Context, socketID, roomName string) (int, error) {
	res, err := u.s.do(func() (any, error) {
		pipe := u.s.client.TxPipeline()
		pipe.SAdd(ctx, u.key("socketrooms:"+socketID), roomName)
		pipe.SAdd(ctx, u.key("roomsockets:"+roomName), socketID)
		card := pipe.SCard(ctx, u.key("roomsockets:"+roomName))
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		return card.Result()
	})
	if err != nil {
		return 0, err
	}
	return int(res.(int64)), nil
}

func (u *redisUserSockets) RemoveSocketRoom(ctx context.Context, socketID, roomName string) (int, error) {
	res, err := u.s.do(func() (any, error) {
		pipe := u.s.client.TxPipeline()
		pipe.SRem(ctx, u.key("socketrooms:"+socketID), roomName)
		pipe.SRem(ctx, u.key("roomsockets:"+roomName), socketID)
		card := pipe.SCard(ctx, u.key("roomsockets:"+roomName))
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		return card.Result()
	})
	if err != nil {
		return 0, err
	}
	return int(res.(int64)), nil
}

func (u *redisUserSockets) RoomSockets(ctx context.Context, roomName string) ([]string, error) {
	res, err := u.s.do(func() (any, error) {
		members, err := u.s.client.SMembers(ctx, u.key("roomsockets:"+roomName)).Result()
		if err != nil {
			return nil, err
		}
		sortStrings(members)
		return members, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (u *redisUserSockets) SocketRooms(ctx context.Context, socketID string) ([]string, error) {
	res, err := u.s.do(func() (any, error) {
		members, err := u.s.client.SMembers(ctx, u.key("socketrooms:"+socketID)).Result()
		if err != nil {
			return nil, err
		}
		sortStrings(members)
		return members, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (u *redisUserSockets) Destroy(ctx context.Context) error {
	return u.s.doErr(func() error {
		var cursor uint64
		for {
			keys, next, err := u.s.client.Scan(ctx, cursor, u.key("*"), 100).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				if err := u.s.client.Del(ctx, keys...).Err(); err != nil {
					return err
				}
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
}

// --- socket index ---

func (s *Redis) BindSocket(ctx context.Context, socketID, userName, instanceID string) error {
	return s.doErr(func() error {
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, "sockets:user", socketID, userName)
		pipe.HSet(ctx, "sockets:instance", socketID, instanceID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (s *Redis) UnbindSocket(ctx context.Context, socketID string) error {
	return s.doErr(func() error {
		pipe := s.client.TxPipeline()
		pipe.HDel(ctx, "sockets:user", socketID)
		pipe.HDel(ctx, "sockets:instance", socketID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (s *Redis) SocketUser(ctx context.Context, socketID string) (string, bool, error) {
	return s.hashLookup(ctx, "sockets:user", socketID)
}

func (s *Redis) SocketInstance(ctx context.Context, socketID string) (string, bool, error) {
	return s.hashLookup(ctx, "sockets:instance", socketID)
}

func (s *Redis) hashLookup(ctx context.Context, key, field string) (string, bool, error) {
	res, err := s.do(func() (any, error) {
		v, err := s.client.HGet(ctx, key, field).Result()
		if err == redis.Nil {
			return [2]any{"", false}, nil
		}
		if err != nil {
			return nil, err
		}
		return [2]any{v, true}, nil
	})
	if err != nil {
		return "", false, err
	}
	pair := res.([2]any)
	return pair[0].(string), pair[1].(bool), nil
}

// --- room and user indexes ---

func (s *Redis) AddRoom(ctx context.Context, name string) error {
	return s.doErr(func() error {
		return s.client.SAdd(ctx, "rooms", name).Err()
	})
}

func (s *Redis) RemoveRoom(ctx context.Context, name string) error {
	return s.doErr(func() error {
		return s.client.SRem(ctx, "rooms", name).Err()
	})
}

func (s *Redis) Rooms(ctx context.Context) ([]string, error) {
	res, err := s.do(func() (any, error) {
		members, err := s.client.SMembers(ctx, "rooms").Result()
		if err != nil {
			return nil, err
		}
		sortStrings(members)
		return members, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (s *Redis) AddUser(ctx context.Context, name string) (bool, error) {
	res, err := s.do(func() (any, error) {
		return s.client.SAdd(ctx, "users", name).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(int64) == 1, nil
}

func (s *Redis) HasUser(ctx context.Context, name string) (bool, error) {
	res, err := s.do(func() (any, error) {
		return s.client.SIsMember(ctx, "users", name).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (s *Redis) RemoveUser(ctx context.Context, name string) error {
	return s.doErr(func() error {
		return s.client.SRem(ctx, "users", name).Err()
	})
}

// --- cluster bus ---

// PublishBus degrades gracefully when the breaker is open: cross-instance
// control traffic is dropped and the caller's bus-ack timeout reports the
// consistency failure.
func (s *Redis) PublishBus(ctx context.Context, msg BusMessage) error {
	err := s.doErr(func() error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return s.client.Publish(ctx, busChannel, data).Err()
	})
	if err == gobreaker.ErrOpenState {
		logging.Warn(ctx, "Redis circuit breaker open, dropping bus publish",
			zap.String("type", msg.Type))
		return nil
	}
	return err
}

func (s *Redis) SubscribeBus(ctx context.Context, handler func(BusMessage)) error {
	pubsub := s.client.Subscribe(ctx, busChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					logging.Warn(context.Background(), "Redis bus subscription closed")
					return
				}
				var msg BusMessage
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					logging.Error(context.Background(), "Failed to unmarshal bus message", zap.Error(err))
					continue
				}
				handler(msg)
			}
		}
	}()
	return nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.doErr(func() error {
		return s.client.Ping(ctx).Err()
	})
}

func (s *Redis) Close() error {
	return s.client.Close()
}

// --- helpers ---

func sortStrings(items []string) {
	sort.Strings(items)
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func toAny(names []string) []any {
	out := make([]any, len(names))
	for i, name := range names {
		out[i] = name
	}
	return out
}

func decodeMessages(raw []string) ([]types.Message, error) {
	out := make([]types.Message, 0, len(raw))
	for _, item := range raw {
		var msg types.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}
