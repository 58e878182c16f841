package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/signaling"
)

// fakeTrack is a captured track that counts Stop calls.
type fakeTrack struct {
	id    string
	kind  TrackKind
	mu    sync.Mutex
	stops int
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }
func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// fakeMedia hands out fake tracks. A non-nil gate holds Acquire until it is
// closed or the context ends.
type fakeMedia struct {
	mu       sync.Mutex
	requests []CallType
	tracks   []*fakeTrack
	fail     error
	gate     chan struct{}
}

func (m *fakeMedia) Acquire(ctx context.Context, callType CallType) ([]LocalTrack, error) {
	m.mu.Lock()
	m.requests = append(m.requests, callType)
	gate, fail := m.gate, m.fail
	n := len(m.requests)
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}

	out := []LocalTrack{}
	kinds := []TrackKind{KindAudio}
	if callType == Video {
		kinds = append(kinds, KindVideo)
	}
	m.mu.Lock()
	for _, k := range kinds {
		t := &fakeTrack{id: fmt.Sprintf("%s-%d", k, n), kind: k}
		m.tracks = append(m.tracks, t)
		out = append(out, t)
	}
	m.mu.Unlock()
	return out, nil
}

func (m *fakeMedia) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *fakeMedia) lastRequest() CallType {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return ""
	}
	return m.requests[len(m.requests)-1]
}

// allStopped reports whether every track handed out was stopped exactly once.
func (m *fakeMedia) allStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracks {
		if t.stopCount() != 1 {
			return false
		}
	}
	return true
}

// fakePeer records negotiation calls and queues candidates until the remote
// description is applied, like the real adapter.
type fakePeer struct {
	gen  uint64
	emit func(PeerEvent)

	mu         sync.Mutex
	remoteSet  bool
	remoteSDP  string
	localSDP   string
	queued     []signaling.Candidate
	applied    []signaling.Candidate
	closes     int
	offerGate  chan struct{}
	failOffer  error
	failRemote error
}

func (p *fakePeer) CreateOffer(ctx context.Context) (string, error) {
	p.mu.Lock()
	gate, fail := p.offerGate, p.failOffer
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fail != nil {
		return "", fail
	}
	return fmt.Sprintf("offer-gen%d", p.gen), nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (string, error) {
	return fmt.Sprintf("answer-gen%d", p.gen), nil
}

func (p *fakePeer) SetLocalDescription(ctx context.Context, typ DescriptionType, sdp string) error {
	p.mu.Lock()
	p.localSDP = sdp
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SetRemoteDescription(ctx context.Context, typ DescriptionType, sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRemote != nil {
		return p.failRemote
	}
	p.remoteSet = true
	p.remoteSDP = sdp
	p.applied = append(p.applied, p.queued...)
	p.queued = nil
	return nil
}

func (p *fakePeer) AddICECandidate(c signaling.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remoteSet {
		p.queued = append(p.queued, c)
		return nil
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	p.emit(PeerEvent{Generation: p.gen, Kind: EventConnectionState, State: StateClosed})
	return nil
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePeer) appliedCandidates() []signaling.Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]signaling.Candidate(nil), p.applied...)
}

func (p *fakePeer) emitCandidate(s string) {
	p.emit(PeerEvent{Generation: p.gen, Kind: EventLocalCandidate, Candidate: signaling.Candidate{Candidate: s}})
}

func (p *fakePeer) emitTrack(kind TrackKind) {
	p.emit(PeerEvent{Generation: p.gen, Kind: EventRemoteTrack, Track: RemoteTrack{ID: string(kind) + "-remote", StreamID: "s", Kind: kind}})
}

func (p *fakePeer) emitState(s ConnectionState) {
	p.emit(PeerEvent{Generation: p.gen, Kind: EventConnectionState, State: s})
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	fail  error

	// applied to every new peer
	offerGate chan struct{}
	failOffer error
}

func (f *fakeFactory) NewPeer(cfg PeerConfig) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	p := &fakePeer{gen: cfg.Generation, emit: cfg.Emit, offerGate: f.offerGate, failOffer: f.failOffer}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

// flakySignaler wraps a Signaler and fails publishes while broken is set.
type flakySignaler struct {
	Signaler
	mu     sync.Mutex
	broken bool
}

var errTransportDown = errors.New("transport down")

func (s *flakySignaler) Publish(ctx context.Context, conv string, msg *signaling.Message) error {
	s.mu.Lock()
	broken := s.broken
	s.mu.Unlock()
	if broken {
		return errTransportDown
	}
	return s.Signaler.Publish(ctx, conv, msg)
}

func (s *flakySignaler) setBroken(b bool) {
	s.mu.Lock()
	s.broken = b
	s.mu.Unlock()
}

type memLog struct {
	mu      sync.Mutex
	records []Record
}

func (l *memLog) Record(ctx context.Context, r Record) error {
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
	return nil
}

func (l *memLog) all() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records...)
}

// party is one side of a conversation under test.
type party struct {
	c     *Controller
	media *fakeMedia
	peers *fakeFactory
	log   *memLog

	mu   sync.Mutex
	ends []EndInfo
}

func (p *party) endCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ends)
}

// lastEnd waits for at least one OnCallEnd and returns the latest.
func (p *party) lastEnd() EndInfo {
	deadline := time.Now().Add(3 * time.Second)
	for {
		p.mu.Lock()
		if n := len(p.ends); n > 0 {
			info := p.ends[n-1]
			p.mu.Unlock()
			return info
		}
		p.mu.Unlock()
		if time.Now().After(deadline) {
			panic("no call end recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

const conv = "c1"

func newParty(t *testing.T, self string, sig Signaler, ring time.Duration) *party {
	t.Helper()
	p := &party{media: &fakeMedia{}, peers: &fakeFactory{}, log: &memLog{}}
	c, err := NewController(Options{
		ConversationID: conv,
		SelfID:         self,
		Signaler:       sig,
		Peers:          p.peers,
		Media:          p.media,
		CallLog:        p.log,
		RingTimeout:    ring,
		OnCallEnd: func(info EndInfo) {
			p.mu.Lock()
			p.ends = append(p.ends, info)
			p.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewController(%s): %v", self, err)
	}
	t.Cleanup(func() { c.Close() })
	p.c = c
	return p
}

// tap observes every message on the conversation.
type tap struct {
	ch <-chan *signaling.Message
}

func newTap(t *testing.T, hub *signaling.Hub) *tap {
	t.Helper()
	ch, cancel, err := hub.Subscribe(conv)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cancel)
	return &tap{ch: ch}
}

func (tp *tap) next(t *testing.T) *signaling.Message {
	t.Helper()
	select {
	case m := <-tp.ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a signaling message")
	}
	return nil
}

// nextKind skips messages of other kinds.
func (tp *tap) nextKind(t *testing.T, kind signaling.Kind) *signaling.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-tp.ch:
			if m.Kind == kind {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// drain returns what arrives within d.
func (tp *tap) drain(d time.Duration) []*signaling.Message {
	var out []*signaling.Message
	deadline := time.After(d)
	for {
		select {
		case m := <-tp.ch:
			out = append(out, m)
		case <-deadline:
			return out
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitPhase(t *testing.T, p *party, want Phase) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%s phase %s", p.c.self, want), func() bool { return p.c.Snapshot().Phase == want })
}

// heldOfferSignaler holds every offer publish until release is closed,
// ignoring the caller's context, like a transport that has already taken the
// message. held is closed once an offer is waiting.
type heldOfferSignaler struct {
	Signaler
	held    chan struct{}
	release chan struct{}
	once    sync.Once
}

func newHeldOfferSignaler(s Signaler) *heldOfferSignaler {
	return &heldOfferSignaler{Signaler: s, held: make(chan struct{}), release: make(chan struct{})}
}

func (s *heldOfferSignaler) Publish(ctx context.Context, conv string, msg *signaling.Message) error {
	if msg.Kind == signaling.KindOffer {
		s.once.Do(func() { close(s.held) })
		<-s.release
	}
	return s.Signaler.Publish(ctx, conv, msg)
}
