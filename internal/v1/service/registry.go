package service

import (
	"fmt"
	"sync"

	"github.com/RichardWithnell/chat-service/internal/v1/store"
	"github.com/RichardWithnell/chat-service/internal/v1/transport"
)

// StateFactory builds a state store from the service options.
type StateFactory func(o Options) (store.Store, error)

// TransportFactory builds a transport bound to the engine.
type TransportFactory func(engine transport.Engine, o Options) transport.Transport

var (
	registryMu     sync.Mutex
	stateKinds     = map[string]StateFactory{}
	transportKinds = map[string]TransportFactory{}
)

// RegisterState makes a state backend available under a kind tag.
func RegisterState(kind string, factory StateFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	stateKinds[kind] = factory
}

// RegisterTransport makes a transport available under a kind tag.
func RegisterTransport(kind string, factory TransportFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	transportKinds[kind] = factory
}

func stateFactory(kind string) (StateFactory, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factory, ok := stateKinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown state kind %q", kind)
	}
	return factory, nil
}

func transportFactory(kind string) (TransportFactory, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factory, ok := transportKinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
	return factory, nil
}

func init() {
	RegisterState("memory", func(Options) (store.Store, error) {
		return store.NewMemory(), nil
	})
	RegisterState("redis", func(o Options) (store.Store, error) {
		return store.NewRedis(o.RedisAddr, o.RedisPassword)
	})
	RegisterTransport("websocket", func(engine transport.Engine, o Options) transport.Transport {
		return transport.NewHub(engine, o.AllowedOrigins, o.RateLimiter)
	})
}
