package notify

import (
	"context"
	"sync"

	"github.com/ike666888/RemnaShop-Pro/pkg/metrics"
)

// Hub fans notifications out to stream subscribers. Slow subscribers miss
// events rather than block publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Notification]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Notification]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Notification {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Notification, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	metrics.StreamSubscribers.Set(float64(len(h.subs)))
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Notification) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	metrics.StreamSubscribers.Set(float64(len(h.subs)))
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

func (h *Hub) Notify(_ context.Context, n Notification) error {
	h.Publish(n)
	return nil
}
