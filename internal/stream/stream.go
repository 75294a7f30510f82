// Package stream fans persisted audit entries out to live subscribers such as SSE clients.
package stream

import (
	"context"
	"sync"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/obs"
)

const defaultBuffer = 64

// Filter selects which entries a subscriber receives. An empty TenantID matches every
// tenant and is reserved for platform operators.
type Filter struct {
	TenantID string
	Denied   bool
}

func (f Filter) match(e auth.AuditEntry) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.Denied && e.Decision != auth.DecisionDeny {
		return false
	}
	return true
}

type subscriber struct {
	ch     chan auth.AuditEntry
	filter Filter
}

// Hub fans entries out to all active subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the entry.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]subscriber
	next   int
	buffer int
}

// New initialises an empty hub. A non-positive buffer uses the default.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[int]subscriber), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive matching
// entries. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) <-chan auth.AuditEntry {
	ch := make(chan auth.AuditEntry, h.buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{ch: ch, filter: filter}
	obs.SetStreamSubscribers(len(h.subs))
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		obs.SetStreamSubscribers(len(h.subs))
		h.mu.Unlock()
	}()

	return ch
}

// Publish fans the entry out to every matching subscriber.
func (h *Hub) Publish(e auth.AuditEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			obs.ObserveStreamDropped()
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
