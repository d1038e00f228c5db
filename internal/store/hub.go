package store

import (
	"slices"
	"sync"

	"github.com/hereforyou/companion/internal/model"
)

// Hub fans conversation snapshots out to subscribers. Each subscriber owns a
// delivery goroutine and an unbounded FIFO, so a slow listener delays only
// itself and still sees every snapshot in publish order.
//
// Callers must serialize Add and Publish for the same conversation with
// their own writes so that snapshots are published in write order.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]*subscriber
	nextID uint64
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]*subscriber)}
}

type subscriber struct {
	fn   Listener
	wake chan struct{}
	done chan struct{}
	stop sync.Once

	mu    sync.Mutex
	queue [][]model.Message
}

// Add registers fn for conversationID and queues initial as its first
// delivery.
func (h *Hub) Add(conversationID string, initial []model.Message, fn Listener) Unsubscribe {
	sub := &subscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return func() {}
	}
	h.nextID++
	id := h.nextID
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[uint64]*subscriber)
	}
	h.subs[conversationID][id] = sub
	h.mu.Unlock()

	sub.push(slices.Clone(initial))
	go sub.run()

	return func() {
		h.mu.Lock()
		if subs := h.subs[conversationID]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.subs, conversationID)
			}
		}
		h.mu.Unlock()
		sub.close()
	}
}

// Publish queues snapshot for every subscriber of conversationID. Each
// subscriber receives its own copy.
func (h *Hub) Publish(conversationID string, snapshot []model.Message) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs[conversationID]))
	for _, sub := range h.subs[conversationID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.push(slices.Clone(snapshot))
	}
}

// Subscribers returns the number of live subscriptions to conversationID.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[conversationID])
}

// Close stops every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := h.subs
	h.subs = make(map[string]map[uint64]*subscriber)
	h.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.close()
		}
	}
}

func (s *subscriber) push(snapshot []model.Message) {
	if snapshot == nil {
		snapshot = []model.Message{}
	}
	s.mu.Lock()
	s.queue = append(s.queue, snapshot)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.stop.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(next)
		}
	}
}
