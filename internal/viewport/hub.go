package viewport

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls this far behind starts losing intermediate frames; the
// next frame it does receive is still a complete snapshot.
const subscriberBuffer = 16

// Hub fans viewport snapshots out to stream subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]chan Snapshot
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]chan Snapshot)}
}

// Subscribe registers a new stream consumer and returns its id and
// receive channel. The channel closes on Unsubscribe.
func (h *Hub) Subscribe() (uuid.UUID, <-chan Snapshot) {
	id := uuid.New()
	ch := make(chan Snapshot, subscriberBuffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	zap.L().Debug("viewport: subscriber attached", zap.String("subscriber", id.String()))
	return id, ch
}

// Unsubscribe removes a consumer and closes its channel.
func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		close(ch)
		zap.L().Debug("viewport: subscriber detached", zap.String("subscriber", id.String()))
	}
}

// Broadcast delivers a snapshot to every subscriber without blocking.
// Slow consumers drop frames rather than stalling publication.
func (h *Hub) Broadcast(s Snapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- s:
		default:
			zap.L().Debug("viewport: dropping frame for slow subscriber",
				zap.String("subscriber", id.String()),
				zap.Uint64("generation", s.Generation))
		}
	}
}

// Len reports the number of attached subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
