package signaling

import (
	"context"
	"errors"
	"log"
	"sync"
)

// SubscriberBuffer is the channel depth given to every subscriber. A
// subscriber that falls this far behind loses messages, which the call state
// machine tolerates the same way it tolerates a lossy network.
const SubscriberBuffer = 64

// ErrClosed is returned by transports after Close.
var ErrClosed = errors.New("signaling: transport closed")

// Hub is an in-process broadcast transport. Every subscriber of a
// conversation, including the publisher's own, receives each message once.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan *Message]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan *Message]struct{})}
}

func (h *Hub) Subscribe(conversationID string) (<-chan *Message, func(), error) {
	ch := make(chan *Message, SubscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrClosed
	}
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[chan *Message]struct{})
		h.subs[conversationID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[conversationID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(h.subs, conversationID)
				}
			}
			h.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

func (h *Hub) Publish(ctx context.Context, conversationID string, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	msg = Stamp(msg)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for ch := range h.subs[conversationID] {
		cp := *msg
		select {
		case ch <- &cp:
		default:
			log.Printf("SIGNAL: subscriber on %s is full, dropped %s", Topic(conversationID), msg.Kind)
		}
	}
	return nil
}

// Close closes every subscriber channel. Further Subscribe and Publish calls fail.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for conv, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, conv)
	}
	return nil
}
