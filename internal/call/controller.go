// Package call coordinates one-to-one audio/video calls: it owns the call
// state machine, drives a Peer through offer/answer negotiation and trickles
// ICE candidates over a conversation-scoped Signaler.
//
// A Controller serializes everything that touches call state behind one
// mutex. Inbound signaling and adapter events are posted to an unbounded
// queue and consumed by a single goroutine; local actions take the same
// mutex and release it around negotiation steps, re-checking afterwards that
// their attempt is still current.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/goopcall/internal/signaling"
)

const (
	sendTimeout = 5 * time.Second

	// maxPendingCandidates bounds every queue of remote candidates that
	// cannot be applied yet.
	maxPendingCandidates = 64
	// earlyCandidateTTL is how long a candidate waits for its offer.
	earlyCandidateTTL = 30 * time.Second
)

var errClosed = errors.New("controller closed")

// Options configures a Controller. Signaler, Peers and Media are required.
type Options struct {
	ConversationID string
	SelfID         string

	Signaler Signaler
	Peers    PeerFactory
	Media    MediaSource

	// CallLog receives one record per attempt that this side started.
	CallLog CallLog

	// RingTimeout ends unanswered outgoing calls. Zero disables it.
	RingTimeout time.Duration

	// OnCallEnd runs exactly once per attempt, after it reached Idle.
	OnCallEnd func(EndInfo)

	// OnChange receives a snapshot after every visible state change.
	OnChange func(Snapshot)
}

type event struct {
	signal *signaling.Message
	peer   *PeerEvent
	ring   uint64
}

// attempt is one call attempt. It owns the adapter and local media created
// for it; both are released by terminateLocked and never shared.
type attempt struct {
	gen      uint64
	callID   string
	caller   bool
	callType CallType
	remote   string
	offerSDP string

	ctx    context.Context
	cancel context.CancelFunc

	media        *LocalStream
	remoteStream *RemoteStream
	peer         Peer

	pending []signaling.Candidate // remote candidates received before the adapter exists
	outbox  []*signaling.Message  // local candidates produced before offer/answer went out

	published      bool
	answering      bool
	applyingAnswer bool
	answered       bool
	ended          bool
	endReason      Reason

	// Glare: the attempt this one replaced, or the one that replaced it.
	pred      *attempt
	successor *attempt

	ring      *time.Timer
	startedAt time.Time
}

// Controller is the call API for one conversation.
type Controller struct {
	conv string
	self string
	opts Options

	mu          sync.Mutex
	phase       Phase
	connected   bool
	cur         *attempt
	nextGen     uint64
	lastEnd     *EndInfo
	ringTimeout time.Duration
	notes       []func()
	closed      bool

	// Candidates that overtook the offer of their call.
	early []earlyCandidate

	events    *queue[event]
	outbound  *queue[*signaling.Message]
	dedup     *signaling.Dedup
	cancelSub func()
	done      chan struct{}
	sent      chan struct{} // closed when sendLoop has drained outbound
	wg        sync.WaitGroup
}

type earlyCandidate struct {
	from   string
	callID string
	cand   signaling.Candidate
	at     time.Time
}

// NewController subscribes to the conversation and starts processing
// inbound signaling. Close releases the subscription.
func NewController(opts Options) (*Controller, error) {
	switch {
	case opts.ConversationID == "":
		return nil, errors.New("call: conversation id is required")
	case opts.SelfID == "":
		return nil, errors.New("call: self id is required")
	case opts.Signaler == nil || opts.Peers == nil || opts.Media == nil:
		return nil, errors.New("call: signaler, peer factory and media source are required")
	}

	ch, cancel, err := opts.Signaler.Subscribe(opts.ConversationID)
	if err != nil {
		return nil, opError("subscribe", ErrSignalingUnavailable, err)
	}

	c := &Controller{
		conv:        opts.ConversationID,
		self:        opts.SelfID,
		opts:        opts,
		phase:       PhaseIdle,
		ringTimeout: opts.RingTimeout,
		events:      newQueue[event](),
		outbound:    newQueue[*signaling.Message](),
		dedup:       signaling.NewDedup(512),
		cancelSub:   cancel,
		done:        make(chan struct{}),
		sent:        make(chan struct{}),
	}

	c.wg.Add(3)
	go c.pump(ch)
	go c.run()
	go c.sendLoop()
	return c, nil
}

func (c *Controller) ConversationID() string { return c.conv }

// SetRingTimeout applies to calls started afterwards.
func (c *Controller) SetRingTimeout(d time.Duration) {
	c.mu.Lock()
	c.ringTimeout = d
	c.mu.Unlock()
}

// StartCall places a call to remoteID. It returns once the offer has been
// published; the call becomes Active when the answer arrives.
func (c *Controller) StartCall(ctx context.Context, callType CallType, remoteID string) error {
	const op = "start"
	if !callType.Valid() {
		return opError(op, ErrInvalidArgument, fmt.Errorf("unknown call type %q", callType))
	}
	if remoteID == "" || remoteID == c.self {
		return opError(op, ErrInvalidArgument, fmt.Errorf("bad remote participant %q", remoteID))
	}

	c.mu.Lock()
	if c.closed {
		c.unlock()
		return opError(op, ErrInvalidStateTransition, errClosed)
	}
	if c.phase != PhaseIdle {
		phase := c.phase
		c.unlock()
		return opError(op, ErrInvalidStateTransition, fmt.Errorf("phase is %s", phase))
	}
	a := c.newAttemptLocked(true, callType, remoteID)
	a.callID = uuid.NewString()
	c.phase = PhaseOutgoing
	log.Printf("CALL [%s]: calling %s (%s, gen %d)", c.conv, remoteID, callType, a.gen)
	c.changed()
	c.unlock()

	ctx, stop := joinContext(ctx, a)
	defer stop()

	media, err := acquireLocalMedia(ctx, c.opts.Media, callType)

	c.mu.Lock()
	if a.successor != nil {
		err = c.handoffLocked(a, media, err)
		c.unlock()
		return err
	}
	if c.stale(a) {
		c.unlock()
		if media != nil {
			media.Stop()
		}
		return opError(op, ErrCallEnded, nil)
	}
	if err != nil {
		c.terminateLocked(a, ReasonMediaFailed, err)
		c.unlock()
		return opError(op, ErrMediaAcquisitionFailed, err)
	}
	a.media = media
	peer, err := c.newPeerLocked(a)
	if err != nil {
		c.terminateLocked(a, ReasonNegotiationFailed, err)
		c.unlock()
		return opError(op, ErrNegotiationFailed, err)
	}
	c.changed()
	c.unlock()

	sdp, err := peer.CreateOffer(ctx)
	if err == nil {
		err = peer.SetLocalDescription(ctx, DescOffer, sdp)
	}

	c.mu.Lock()
	if a.successor != nil {
		c.unlock()
		return nil
	}
	if c.stale(a) {
		c.unlock()
		return opError(op, ErrCallEnded, nil)
	}
	if err != nil {
		c.terminateLocked(a, ReasonNegotiationFailed, err)
		c.unlock()
		return opError(op, ErrNegotiationFailed, err)
	}
	offer := signaling.NewOffer(a.callID, c.self, remoteID, callType, sdp)
	c.unlock()

	if err := c.opts.Signaler.Publish(ctx, c.conv, offer); err != nil {
		c.mu.Lock()
		defer c.unlock()
		if a.successor != nil {
			return nil
		}
		if c.stale(a) {
			return opError(op, ErrCallEnded, nil)
		}
		c.terminateLocked(a, ReasonSignalingFailed, err)
		return opError(op, ErrSignalingUnavailable, err)
	}

	c.mu.Lock()
	defer c.unlock()
	if a.successor != nil {
		return nil
	}
	if c.stale(a) {
		// Ended while the offer was in flight. A hangup or Close already told
		// the remote; anything else must still stop it ringing.
		switch a.endReason {
		case ReasonLocalHangup, ReasonRemoteHangup, ReasonClosed:
		default:
			c.outbound.push(signaling.NewEnd(a.callID, c.self, remoteID))
		}
		return opError(op, ErrCallEnded, nil)
	}
	a.published = true
	c.flushOutboxLocked(a)
	if c.phase == PhaseOutgoing && c.ringTimeout > 0 {
		gen := a.gen
		a.ring = time.AfterFunc(c.ringTimeout, func() { c.events.push(event{ring: gen}) })
	}
	log.Printf("CALL [%s]: offer sent to %s", c.conv, remoteID)
	return nil
}

// AnswerCall accepts the pending incoming call.
func (c *Controller) AnswerCall(ctx context.Context) error {
	const op = "answer"

	c.mu.Lock()
	a := c.cur
	if c.closed || c.phase != PhaseIncoming || a == nil || a.answering {
		phase := c.phase
		c.unlock()
		return opError(op, ErrInvalidStateTransition, fmt.Errorf("phase is %s", phase))
	}
	a.answering = true
	log.Printf("CALL [%s]: answering %s (%s, gen %d)", c.conv, a.remote, a.callType, a.gen)
	c.unlock()

	ctx, stop := joinContext(ctx, a)
	defer stop()

	media, err := acquireLocalMedia(ctx, c.opts.Media, a.callType)

	c.mu.Lock()
	if c.stale(a) {
		c.unlock()
		if media != nil {
			media.Stop()
		}
		return opError(op, ErrCallEnded, nil)
	}
	if err != nil {
		c.terminateLocked(a, ReasonMediaFailed, err)
		c.unlock()
		return opError(op, ErrMediaAcquisitionFailed, err)
	}
	a.media = media
	c.changed()
	c.unlock()

	return c.completeAnswer(ctx, op, a)
}

// completeAnswer applies the stored offer and publishes the answer. a.media
// must be set.
func (c *Controller) completeAnswer(ctx context.Context, op string, a *attempt) error {
	c.mu.Lock()
	if c.stale(a) {
		c.unlock()
		return opError(op, ErrCallEnded, nil)
	}
	peer, err := c.newPeerLocked(a)
	if err != nil {
		c.terminateLocked(a, ReasonNegotiationFailed, err)
		c.unlock()
		return opError(op, ErrNegotiationFailed, err)
	}
	for _, cand := range a.pending {
		if err := peer.AddICECandidate(cand); err != nil {
			log.Printf("CALL [%s]: queued candidate rejected: %v", c.conv, err)
		}
	}
	a.pending = nil
	offer := a.offerSDP
	c.unlock()

	err = peer.SetRemoteDescription(ctx, DescOffer, offer)
	var sdp string
	if err == nil {
		sdp, err = peer.CreateAnswer(ctx)
	}
	if err == nil {
		err = peer.SetLocalDescription(ctx, DescAnswer, sdp)
	}

	c.mu.Lock()
	if c.stale(a) {
		c.unlock()
		return opError(op, ErrCallEnded, nil)
	}
	if err != nil {
		c.terminateLocked(a, ReasonNegotiationFailed, err)
		c.unlock()
		return opError(op, ErrNegotiationFailed, err)
	}
	answer := signaling.NewAnswer(a.callID, c.self, a.remote, sdp)
	c.unlock()

	if err := c.opts.Signaler.Publish(ctx, c.conv, answer); err != nil {
		c.mu.Lock()
		c.terminateLocked(a, ReasonSignalingFailed, err)
		c.unlock()
		return opError(op, ErrSignalingUnavailable, err)
	}

	c.mu.Lock()
	defer c.unlock()
	if c.stale(a) {
		// The callee's End went out from terminateLocked or EndCall.
		return opError(op, ErrCallEnded, nil)
	}
	a.published = true
	a.answered = true
	c.phase = PhaseActive
	c.flushOutboxLocked(a)
	log.Printf("CALL [%s]: answer sent to %s, call active", c.conv, a.remote)
	c.changed()
	return nil
}

// EndCall hangs up. Local cleanup always completes; the returned error only
// reports that the remote could not be told.
func (c *Controller) EndCall(ctx context.Context) error {
	const op = "end"

	c.mu.Lock()
	a := c.cur
	if a == nil {
		c.unlock()
		return opError(op, ErrInvalidStateTransition, errors.New("no call in progress"))
	}
	end := signaling.NewEnd(a.callID, c.self, a.remote)
	c.terminateLocked(a, ReasonLocalHangup, nil)
	c.unlock()

	if err := c.opts.Signaler.Publish(ctx, c.conv, end); err != nil {
		log.Printf("CALL [%s]: hangup not delivered to %s: %v", c.conv, end.To, err)
		c.mu.Lock()
		if c.lastEnd != nil && c.lastEnd.Generation == a.gen {
			c.lastEnd.Error = "remote not notified: " + err.Error()
		}
		c.mu.Unlock()
		return opError(op, ErrSignalingUnavailable, err)
	}
	return nil
}

// ToggleMute flips the first audio track. Returns the new muted state; a
// no-op returning false when there is no local media.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	defer c.unlock()
	t := c.firstTrackLocked(KindAudio)
	if t == nil {
		return false
	}
	t.SetEnabled(!t.Enabled())
	muted := !t.Enabled()
	log.Printf("CALL [%s]: audio muted=%v", c.conv, muted)
	c.changed()
	return muted
}

// ToggleVideo flips the first video track. Returns whether video is now
// enabled; a no-op returning true when there is no local video.
func (c *Controller) ToggleVideo() bool {
	c.mu.Lock()
	defer c.unlock()
	t := c.firstTrackLocked(KindVideo)
	if t == nil {
		return true
	}
	t.SetEnabled(!t.Enabled())
	enabled := t.Enabled()
	log.Printf("CALL [%s]: video enabled=%v", c.conv, enabled)
	c.changed()
	return enabled
}

func (c *Controller) firstTrackLocked(kind TrackKind) *Track {
	if c.cur == nil || c.cur.media == nil {
		return nil
	}
	return c.cur.media.First(kind)
}

// Snapshot returns the current presentation state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// LocalStream returns the current attempt's local media, or nil.
func (c *Controller) LocalStream() *LocalStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil
	}
	return c.cur.media
}

// RemoteStream returns the current attempt's remote tracks, or nil.
func (c *Controller) RemoteStream() *RemoteStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || len(c.cur.remoteStream.Tracks()) == 0 {
		return nil
	}
	return c.cur.remoteStream
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		ConversationID: c.conv,
		Phase:          c.phase,
		Connected:      c.connected,
		LocalTracks:    []TrackInfo{},
		RemoteTracks:   []RemoteTrack{},
		IsVideoEnabled: true,
	}
	if c.lastEnd != nil {
		le := *c.lastEnd
		s.LastEnd = &le
	}
	a := c.cur
	if a == nil {
		return s
	}
	s.CallType = a.callType
	s.RemoteParticipantID = a.remote
	s.Generation = a.gen
	s.RemoteTracks = a.remoteStream.Tracks()
	if a.media != nil {
		for _, t := range a.media.Tracks() {
			s.LocalTracks = append(s.LocalTracks, t.info())
		}
		if t := a.media.First(KindAudio); t != nil {
			s.IsMuted = !t.Enabled()
		}
		if t := a.media.First(KindVideo); t != nil {
			s.IsVideoEnabled = t.Enabled()
		}
	}
	return s
}

// Close ends any call in progress, notifying the remote best-effort, and
// releases the signaling subscription. Safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var end *signaling.Message
	if a := c.cur; a != nil {
		end = signaling.NewEnd(a.callID, c.self, a.remote)
		c.terminateLocked(a, ReasonClosed, nil)
	}
	c.unlock()

	// Candidates and hangups already queued go out first.
	c.outbound.close()
	select {
	case <-c.sent:
	case <-time.After(sendTimeout):
		log.Printf("CALL [%s]: outbound signaling not drained on close", c.conv)
	}

	if end != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := c.opts.Signaler.Publish(ctx, c.conv, end); err != nil {
			log.Printf("CALL [%s]: hangup on close not delivered: %v", c.conv, err)
		}
		cancel()
	}

	close(c.done)
	c.events.close()
	c.cancelSub()
	c.wg.Wait()
	return nil
}

// unlock releases c.mu and then runs the callbacks queued while it was held,
// so user callbacks never run under the controller lock.
func (c *Controller) unlock() {
	notes := c.notes
	c.notes = nil
	c.mu.Unlock()
	for _, fn := range notes {
		fn()
	}
}

func (c *Controller) changed() {
	if c.opts.OnChange == nil {
		return
	}
	snap := c.snapshotLocked()
	c.notes = append(c.notes, func() { c.opts.OnChange(snap) })
}

func (c *Controller) newAttemptLocked(caller bool, callType CallType, remote string) *attempt {
	c.nextGen++
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{
		gen:          c.nextGen,
		caller:       caller,
		callType:     callType,
		remote:       remote,
		ctx:          ctx,
		cancel:       cancel,
		remoteStream: &RemoteStream{},
		startedAt:    time.Now(),
	}
	c.cur = a
	return a
}

func (c *Controller) newPeerLocked(a *attempt) (Peer, error) {
	peer, err := c.opts.Peers.NewPeer(PeerConfig{
		ConversationID: c.conv,
		Generation:     a.gen,
		Tracks:         a.media.Tracks(),
		Emit:           c.emit,
	})
	if err != nil {
		return nil, err
	}
	a.peer = peer
	return peer, nil
}

// stale reports whether a no longer owns the controller state.
func (c *Controller) stale(a *attempt) bool {
	return a.ended || c.cur != a
}

func (c *Controller) emit(ev PeerEvent) {
	c.events.push(event{peer: &ev})
}

// joinContext returns a context cancelled by either ctx or the attempt.
func joinContext(ctx context.Context, a *attempt) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(a.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
