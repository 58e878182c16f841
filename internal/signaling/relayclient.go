package signaling

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/donovanhide/eventsource"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

// RelayClient is the peer side of RelayServer.
type RelayClient struct {
	base  string
	token string
	post  *http.Client

	mu     sync.Mutex
	subs   map[*relaySub]struct{}
	closed bool
}

type relaySub struct {
	cancel func()
}

func NewRelayClient(baseURL, token string) *RelayClient {
	return &RelayClient{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		post:  &http.Client{Timeout: util.DefaultFetchTimeout},
		subs:  make(map[*relaySub]struct{}),
	}
}

func (c *RelayClient) url(conversationID string) string {
	return c.base + proto.RelaySignalPath + "/" + url.PathEscape(conversationID)
}

func (c *RelayClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *RelayClient) Subscribe(conversationID string) (<-chan *Message, func(), error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, nil, ErrClosed
	}

	ctx, cancelCtx := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(conversationID), nil)
	if err != nil {
		cancelCtx()
		return nil, nil, err
	}
	c.authorize(req)

	// A dedicated client: eventsource installs its own CheckRedirect, and the
	// stream must not be subject to a request timeout.
	stream, err := eventsource.SubscribeWith("", &http.Client{}, req)
	if err != nil {
		cancelCtx()
		return nil, nil, fmt.Errorf("subscribe %s: %w", Topic(conversationID), err)
	}

	out := make(chan *Message, SubscriberBuffer)
	go pumpStream(ctx, conversationID, stream, out)

	sub := &relaySub{}
	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			cancelCtx()
			c.mu.Lock()
			delete(c.subs, sub)
			c.mu.Unlock()
		})
	}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return out, sub.cancel, nil
}

// pumpStream forwards decoded events until the subscription is cancelled.
// Cancelling the request context makes the stream report an error; only then
// is the stream closed, because eventsource closes its channels while its
// reader may still be sending on them.
func pumpStream(ctx context.Context, conversationID string, stream *eventsource.Stream, out chan<- *Message) {
	defer close(out)
	// A reconnecting stream may replay events it already delivered.
	seen := NewDedup(0)
	for {
		select {
		case ev, ok := <-stream.Events:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				continue
			}
			msg, err := Decode([]byte(ev.Data()))
			if err != nil {
				log.Printf("SIGNAL: relay %s: dropping event %s: %v", Topic(conversationID), ev.Id(), err)
				continue
			}
			if !seen.First(msg.ID) {
				continue
			}
			select {
			case out <- msg:
			default:
				log.Printf("SIGNAL: relay %s: subscriber full, dropped %s", Topic(conversationID), msg.Kind)
			}
		case err, ok := <-stream.Errors:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				stream.Close()
				return
			}
			if err != io.EOF {
				log.Printf("SIGNAL: relay %s: stream error (reconnecting): %v", Topic(conversationID), err)
			}
		}
	}
}

func (c *RelayClient) Publish(ctx context.Context, conversationID string, msg *Message) error {
	msg = Stamp(msg)
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(conversationID), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.post.Do(req)
	if err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("relay publish: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// Close cancels every open subscription.
func (c *RelayClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*relaySub, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	return nil
}
