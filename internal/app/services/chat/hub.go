package chat

import (
	"sync"

	domain "github.com/lovendo/momentcore/internal/app/domain/chat"
)

// Hub fans delivered messages out to live subscribers, keyed by moment and
// recipient. Slow subscribers drop messages rather than block senders; the
// history endpoint is the source of truth.
type Hub struct {
	mu   sync.RWMutex
	subs map[hubKey]map[*subscription]struct{}
}

type hubKey struct {
	momentID string
	userID   string
}

type subscription struct {
	ch chan domain.Message
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[hubKey]map[*subscription]struct{})}
}

// Subscribe registers userID for messages on momentID. The returned cancel
// func must be called to release the subscription.
func (h *Hub) Subscribe(momentID, userID string) (<-chan domain.Message, func()) {
	sub := &subscription{ch: make(chan domain.Message, 32)}
	key := hubKey{momentID, userID}

	h.mu.Lock()
	set := h.subs[key]
	if set == nil {
		set = make(map[*subscription]struct{})
		h.subs[key] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[key], sub)
			if len(h.subs[key]) == 0 {
				delete(h.subs, key)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish delivers msg to the recipient's subscribers and echoes it to the
// sender's other sessions.
func (h *Hub) Publish(msg domain.Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, user := range []string{msg.RecipientID, msg.SenderID} {
		for sub := range h.subs[hubKey{msg.MomentID, user}] {
			select {
			case sub.ch <- msg:
				delivered++
			default:
			}
		}
	}
	return delivered
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}
