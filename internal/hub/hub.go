// Package hub fans telemetry envelopes out to connected observers.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ch0002ic/balanced-corridor-planner/internal/protocol"
)

// DefaultBufferSize is the per-subscriber queue length used when none is given.
const DefaultBufferSize = 256

// Subscription is one observer's queue of envelopes.
type Subscription struct {
	ID   string
	send chan protocol.Envelope
	hub  *Hub
	once sync.Once
}

// C delivers envelopes in publish order. It is closed on Unsubscribe or when
// the hub evicts a subscriber that fell behind.
func (s *Subscription) C() <-chan protocol.Envelope {
	return s.send
}

// Unsubscribe detaches the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.hub.remove(s)
}

// Hub manages all live subscriptions.
type Hub struct {
	subscribers map[string]*Subscription
	mu          sync.Mutex
	dropped     atomic.Int64
	logger      zerolog.Logger
}

// New creates an empty hub.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscription),
		logger:      logger.With().Str("component", "hub").Logger(),
	}
}

// Subscribe registers a new observer with the given queue length.
func (h *Hub) Subscribe(bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	sub := &Subscription{
		ID:   uuid.New().String(),
		send: make(chan protocol.Envelope, bufferSize),
		hub:  h,
	}

	h.mu.Lock()
	h.subscribers[sub.ID] = sub
	n := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Debug().Str("subscription", sub.ID).Int("subscribers", n).Msg("subscriber registered")
	return sub
}

// Publish delivers env to every subscriber without blocking. A subscriber
// whose queue is full is evicted. Publishes are serialized so every
// subscriber sees the same order.
func (h *Hub) Publish(env protocol.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subscribers {
		select {
		case sub.send <- env:
		default:
			h.logger.Warn().Str("subscription", id).Str("type", env.Type).Msg("subscriber buffer full, evicting")
			delete(h.subscribers, id)
			sub.once.Do(func() { close(sub.send) })
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subscribers, sub.ID)
	sub.once.Do(func() { close(sub.send) })
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Dropped returns how many subscribers have been evicted for falling behind.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close detaches every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subscribers {
		delete(h.subscribers, id)
		sub.once.Do(func() { close(sub.send) })
	}
}
