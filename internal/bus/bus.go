package bus

import (
	"sync"

	"github.com/openagency/agencyd/pkg/protocol"
)

// Bus is the in-memory EventPublisher. Fan-out is synchronous under a
// read lock; subscriber churn takes the write lock.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string]Handler)}
}

func (b *Bus) Subscribe(id string, h Handler) {
	b.mu.Lock()
	b.subs[id] = h
	b.mu.Unlock()
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *Bus) Broadcast(frame protocol.EventFrame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.subs {
		h(frame)
	}
}
