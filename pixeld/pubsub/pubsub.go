// Package pubsub provides the publish/subscribe primitive underneath the
// event bus. The in-memory implementation serves a single process; the Redis
// implementation is the substrate shards share.
package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Listener represents a pubsub handler.
type Listener func(ctx context.Context, message []byte)

// Pubsub is a generic interface for broadcasting and receiving messages.
// Implementors should assume high-availability with the backing
// implementation.
type Pubsub interface {
	Subscribe(event string, listener Listener) (cancel func(), err error)
	Publish(event string, message []byte) error
	Close() error
}

// MemoryPubsub is an in-memory Pubsub implementation. It's an exported type
// so that test code can do type checks.
type MemoryPubsub struct {
	mut       sync.RWMutex
	listeners map[string]map[uuid.UUID]Listener
}

// NewInMemory returns a Pubsub that fans out within the process only.
func NewInMemory() Pubsub {
	return &MemoryPubsub{
		listeners: make(map[string]map[uuid.UUID]Listener),
	}
}

func (m *MemoryPubsub) Subscribe(event string, listener Listener) (cancel func(), err error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	listeners, ok := m.listeners[event]
	if !ok {
		listeners = map[uuid.UUID]Listener{}
		m.listeners[event] = listeners
	}
	var id uuid.UUID
	for {
		id = uuid.New()
		if _, ok := listeners[id]; !ok {
			break
		}
	}
	listeners[id] = listener
	return func() {
		m.mut.Lock()
		defer m.mut.Unlock()
		listeners := m.listeners[event]
		delete(listeners, id)
	}, nil
}

// Publish delivers synchronously but snapshots the listener set first, so a
// listener may itself subscribe or publish without deadlocking.
func (m *MemoryPubsub) Publish(event string, message []byte) error {
	m.mut.RLock()
	listeners := make([]Listener, 0, len(m.listeners[event]))
	for _, listener := range m.listeners[event] {
		listeners = append(listeners, listener)
	}
	m.mut.RUnlock()

	for _, listener := range listeners {
		listener(context.Background(), message)
	}
	return nil
}

func (*MemoryPubsub) Close() error {
	return nil
}
