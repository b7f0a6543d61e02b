// Package notify wakes publish log readers as soon as a transaction is
// appended instead of leaving them to their next poll.
package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize bounds undelivered signals per subscriber. A full
// buffer drops the signal; the reader will see the newer entries anyway.
const defaultSignalBufferSize = 1

type subscription struct {
	id     uint64
	ch     chan uint64
	closed atomic.Bool
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans out "log advanced to seq" signals.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal tells every subscriber the log now ends at seq. It never blocks.
func (h *Hub) Signal(seq uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		select {
		case sub.ch <- seq:
		default:
		}
	}
}

// Subscribe returns a signal channel and an idempotent cancel function
// that closes it.
func (h *Hub) Subscribe() (<-chan uint64, func()) {
	sub := &subscription{
		id: h.nextID.Add(1),
		ch: make(chan uint64, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Len is the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
