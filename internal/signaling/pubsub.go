package signaling

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

var plog = logging.Logger("goopcall/signaling")

// PubSub carries signaling over libp2p GossipSub, one topic per conversation.
// A node does not receive its own publications.
type PubSub struct {
	ps   *pubsub.PubSub
	self peer.ID

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	closed bool
}

func NewPubSub(ps *pubsub.PubSub, self peer.ID) *PubSub {
	return &PubSub{ps: ps, self: self, topics: make(map[string]*pubsub.Topic)}
}

// topic joins the conversation topic once and caches the handle. Joining a
// topic twice is an error in go-libp2p-pubsub.
func (p *PubSub) topic(conversationID string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	name := Topic(conversationID)
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t, err := p.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", name, err)
	}
	p.topics[name] = t
	return t, nil
}

func (p *PubSub) Subscribe(conversationID string) (<-chan *Message, func(), error) {
	t, err := p.topic(conversationID)
	if err != nil {
		return nil, nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", t.String(), err)
	}

	ctx, cancelCtx := context.WithCancel(context.Background())
	out := make(chan *Message, SubscriberBuffer)
	go p.readLoop(ctx, sub, out)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			sub.Cancel()
		})
	}
	return out, cancel, nil
}

func (p *PubSub) readLoop(ctx context.Context, sub *pubsub.Subscription, out chan<- *Message) {
	defer close(out)
	seen := NewDedup(0)
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if m.GetFrom() == p.self {
			continue
		}
		msg, err := Decode(m.Data)
		if err != nil {
			plog.Debugf("dropping message from %s on %s: %v", m.GetFrom(), sub.Topic(), err)
			continue
		}
		if !seen.First(msg.ID) {
			continue
		}
		select {
		case out <- msg:
		default:
			plog.Warnf("subscriber on %s is full, dropped %s", sub.Topic(), msg.Kind)
		}
	}
}

func (p *PubSub) Publish(ctx context.Context, conversationID string, msg *Message) error {
	msg = Stamp(msg)
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	t, err := p.topic(conversationID)
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish %s: %w", t.String(), err)
	}
	return nil
}

// Close leaves every joined topic. Topics with live subscriptions are left
// open by pubsub and reclaimed when the host shuts down.
func (p *PubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for name, t := range p.topics {
		if err := t.Close(); err != nil {
			plog.Debugf("close %s: %v", name, err)
		}
		delete(p.topics, name)
	}
	return nil
}
