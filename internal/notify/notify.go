// Package notify wakes event stream loops when a tenant's event log grows.
// A wake-up is only a hint: loops still read the log themselves, so a lost
// or coalesced wake-up costs at most one poll interval.
package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type Notifier interface {
	Publish(ctx context.Context, tenantID string) error
	Subscribe(tenantID string) *Subscription
}

type Subscription struct {
	C <-chan struct{}

	id       string
	tenantID string
	wake     chan struct{}
	hub      *Hub
	once     sync.Once
}

// Close removes the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unregister(s) })
}

// Hub fans wake-ups out to the subscriptions of one process.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscription)}
}

func (h *Hub) Subscribe(tenantID string) *Subscription {
	wake := make(chan struct{}, 1)
	sub := &Subscription{C: wake, id: uuid.NewString(), tenantID: tenantID, wake: wake, hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub.id] = sub
	return sub
}

func (h *Hub) unregister(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub.id)
}

func (h *Hub) Publish(ctx context.Context, tenantID string) error {
	h.Broadcast(tenantID)
	return nil
}

// Broadcast never blocks: a subscriber that already has a pending wake-up
// keeps just the one.
func (h *Hub) Broadcast(tenantID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.tenantID != tenantID {
			continue
		}
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
