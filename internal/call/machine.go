package call

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/goopcall/internal/signaling"
)

// pump moves inbound signaling onto the event queue.
func (c *Controller) pump(ch <-chan *signaling.Message) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-ch:
			if !ok {
				select {
				case <-c.done:
				default:
					log.Printf("CALL [%s]: signaling subscription closed", c.conv)
				}
				return
			}
			c.events.push(event{signal: msg})
		}
	}
}

// run is the single consumer of the event queue.
func (c *Controller) run() {
	defer c.wg.Done()
	for {
		ev, ok := c.events.pop(c.done)
		if !ok {
			return
		}
		c.mu.Lock()
		switch {
		case ev.signal != nil:
			c.handleSignalLocked(ev.signal)
		case ev.peer != nil:
			c.handlePeerEventLocked(*ev.peer)
		case ev.ring != 0:
			c.handleRingTimeoutLocked(ev.ring)
		}
		c.unlock()
	}
}

// sendLoop publishes trickled candidates and best-effort hangups in order.
func (c *Controller) sendLoop() {
	defer c.wg.Done()
	defer close(c.sent)
	for {
		msg, ok := c.outbound.pop(c.done)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := c.opts.Signaler.Publish(ctx, c.conv, msg); err != nil {
			log.Printf("CALL [%s]: send %s to %s failed: %v", c.conv, msg.Kind, msg.To, err)
		}
		cancel()
	}
}

// belongs is the stale-remote guard: msg must come from the tracked remote
// and, when both sides name one, carry the attempt's call ID.
func (c *Controller) belongs(a *attempt, msg *signaling.Message) bool {
	if a == nil || a.ended || msg.From != a.remote {
		return false
	}
	return msg.CallID == "" || a.callID == "" || msg.CallID == a.callID
}

func (c *Controller) handleSignalLocked(msg *signaling.Message) {
	if msg.To != c.self || msg.From == c.self {
		return
	}
	if !c.dedup.First(msg.ID) {
		return
	}
	switch msg.Kind {
	case signaling.KindOffer:
		c.handleOfferLocked(msg)
	case signaling.KindAnswer:
		c.handleAnswerLocked(msg)
	case signaling.KindCandidate:
		c.handleCandidateLocked(msg)
	case signaling.KindEnd:
		c.handleEndLocked(msg)
	}
}

func (c *Controller) handleOfferLocked(msg *signaling.Message) {
	if msg.SDP == "" || !msg.CallType.Valid() || c.closed {
		return
	}
	a := c.cur
	switch {
	case a == nil:
		c.acceptOfferLocked(msg)

	case msg.From != a.remote:
		log.Printf("CALL [%s]: busy with %s, ignoring offer from %s", c.conv, a.remote, msg.From)

	case msg.CallID != "" && msg.CallID == a.callID:
		// duplicate of the offer that created this attempt

	case c.phase == PhaseOutgoing && a.caller:
		// Glare: both sides called each other. The smaller participant ID
		// keeps its outgoing call; the other side answers it.
		if c.self < msg.From {
			log.Printf("CALL [%s]: glare with %s, keeping outgoing call", c.conv, msg.From)
			return
		}
		c.yieldLocked(a, msg)

	case c.phase == PhaseIncoming && !a.answering:
		// The caller started over without our seeing its hangup.
		log.Printf("CALL [%s]: %s re-offered, replacing pending call", c.conv, msg.From)
		c.terminateLocked(a, ReasonRemoteHangup, nil)
		c.acceptOfferLocked(msg)

	default:
		log.Printf("CALL [%s]: ignoring offer from %s in phase %s", c.conv, msg.From, c.phase)
	}
}

func (c *Controller) acceptOfferLocked(msg *signaling.Message) {
	a := c.newAttemptLocked(false, msg.CallType, msg.From)
	a.callID = msg.CallID
	a.offerSDP = msg.SDP
	c.claimEarlyLocked(a)
	c.phase = PhaseIncoming
	log.Printf("CALL [%s]: incoming %s call from %s (gen %d)", c.conv, msg.CallType, msg.From, a.gen)
	c.changed()
}

// yieldLocked replaces the outgoing attempt old with an incoming one that
// answers msg. The new attempt takes over old's local media; if capture is
// still running, StartCall hands it over through handoffLocked.
func (c *Controller) yieldLocked(old *attempt, msg *signaling.Message) {
	log.Printf("CALL [%s]: glare with %s, answering their call", c.conv, msg.From)

	old.ended = true
	if old.ring != nil {
		old.ring.Stop()
	}
	if old.peer != nil {
		if err := old.peer.Close(); err != nil {
			log.Printf("CALL [%s]: close superseded peer: %v", c.conv, err)
		}
	}
	old.outbox = nil

	s := c.newAttemptLocked(false, msg.CallType, msg.From)
	s.callID = msg.CallID
	s.offerSDP = msg.SDP
	c.claimEarlyLocked(s)
	s.answering = true
	s.pred = old
	old.successor = s
	c.phase = PhaseIncoming

	if old.media != nil && msg.CallType == old.callType {
		s.media = old.media
		old.media = nil
		go c.autoAnswer(s)
	} else if old.media != nil {
		// Their call type wins; recapture for it.
		old.media.Stop()
		old.media = nil
		go c.acquireAndAnswer(s)
	}
	c.changed()
}

// handoffLocked completes a glare yield for an attempt whose media capture
// finished after it was superseded.
func (c *Controller) handoffLocked(old *attempt, media *LocalStream, err error) error {
	s := old.successor
	if c.stale(s) || s.media != nil {
		if media != nil {
			media.Stop()
		}
		if c.stale(s) {
			return opError("start", ErrCallEnded, nil)
		}
		return nil
	}
	if err != nil {
		c.terminateLocked(s, ReasonMediaFailed, err)
		return opError("start", ErrMediaAcquisitionFailed, err)
	}
	if s.callType != old.callType {
		media.Stop()
		go c.acquireAndAnswer(s)
		return nil
	}
	s.media = media
	go c.autoAnswer(s)
	return nil
}

func (c *Controller) autoAnswer(s *attempt) {
	if err := c.completeAnswer(s.ctx, "answer", s); err != nil {
		log.Printf("CALL [%s]: automatic answer failed: %v", c.conv, err)
	}
}

func (c *Controller) acquireAndAnswer(s *attempt) {
	media, err := acquireLocalMedia(s.ctx, c.opts.Media, s.callType)
	c.mu.Lock()
	if c.stale(s) {
		c.unlock()
		if media != nil {
			media.Stop()
		}
		return
	}
	if err != nil {
		c.terminateLocked(s, ReasonMediaFailed, err)
		c.unlock()
		return
	}
	s.media = media
	c.changed()
	c.unlock()
	c.autoAnswer(s)
}

func (c *Controller) handleAnswerLocked(msg *signaling.Message) {
	a := c.cur
	if !c.belongs(a, msg) || !a.caller || c.phase != PhaseOutgoing || a.peer == nil || a.applyingAnswer {
		log.Printf("CALL [%s]: ignoring answer from %s", c.conv, msg.From)
		return
	}
	a.applyingAnswer = true
	go c.applyAnswer(a, a.peer, msg.SDP)
}

func (c *Controller) applyAnswer(a *attempt, peer Peer, sdp string) {
	err := peer.SetRemoteDescription(a.ctx, DescAnswer, sdp)

	c.mu.Lock()
	defer c.unlock()
	if c.stale(a) {
		return
	}
	if err != nil {
		c.terminateLocked(a, ReasonNegotiationFailed, err)
		return
	}
	a.answered = true
	if a.ring != nil {
		a.ring.Stop()
	}
	c.phase = PhaseActive
	log.Printf("CALL [%s]: %s answered, call active", c.conv, a.remote)
	c.changed()
}

func (c *Controller) handleCandidateLocked(msg *signaling.Message) {
	if msg.Candidate == nil {
		return
	}
	a := c.cur
	if !c.belongs(a, msg) {
		c.holdEarlyLocked(a, msg)
		return
	}
	if a.peer == nil {
		c.queueCandidateLocked(a, *msg.Candidate)
		return
	}
	if err := a.peer.AddICECandidate(*msg.Candidate); err != nil {
		log.Printf("CALL [%s]: remote candidate rejected: %v", c.conv, err)
	}
}

func (c *Controller) queueCandidateLocked(a *attempt, cand signaling.Candidate) {
	if len(a.pending) >= maxPendingCandidates {
		log.Printf("CALL [%s]: candidate queue for %s is full, dropped one", c.conv, a.remote)
		return
	}
	a.pending = append(a.pending, cand)
}

// holdEarlyLocked keeps a candidate whose call has not been offered yet:
// transports do not order messages of different kinds, so it may overtake
// its offer. Candidates for the current call from anyone but its remote are
// not held.
func (c *Controller) holdEarlyLocked(cur *attempt, msg *signaling.Message) {
	if c.closed || msg.CallID == "" || (cur != nil && msg.CallID == cur.callID) {
		return
	}
	now := time.Now()
	c.pruneEarlyLocked(now)
	if len(c.early) >= maxPendingCandidates {
		log.Printf("CALL [%s]: too many early candidates, dropped one from %s", c.conv, c.early[0].from)
		c.early = c.early[1:]
	}
	c.early = append(c.early, earlyCandidate{from: msg.From, callID: msg.CallID, cand: *msg.Candidate, at: now})
}

func (c *Controller) pruneEarlyLocked(now time.Time) {
	i := 0
	for i < len(c.early) && now.Sub(c.early[i].at) > earlyCandidateTTL {
		i++
	}
	c.early = c.early[i:]
}

// claimEarlyLocked moves the held candidates of a's call into its queue.
func (c *Controller) claimEarlyLocked(a *attempt) {
	if a.callID == "" || len(c.early) == 0 {
		return
	}
	c.pruneEarlyLocked(time.Now())
	kept := c.early[:0]
	for _, e := range c.early {
		if e.from == a.remote && e.callID == a.callID {
			c.queueCandidateLocked(a, e.cand)
			continue
		}
		kept = append(kept, e)
	}
	c.early = kept
}

func (c *Controller) handleEndLocked(msg *signaling.Message) {
	a := c.cur
	if !c.belongs(a, msg) {
		return
	}
	log.Printf("CALL [%s]: %s hung up", c.conv, msg.From)
	c.terminateLocked(a, ReasonRemoteHangup, nil)
}

func (c *Controller) handlePeerEventLocked(ev PeerEvent) {
	a := c.cur
	if a == nil || a.ended || ev.Generation != a.gen {
		return
	}
	switch ev.Kind {
	case EventLocalCandidate:
		m := signaling.NewCandidate(a.callID, c.self, a.remote, ev.Candidate)
		if a.published {
			c.outbound.push(m)
		} else {
			a.outbox = append(a.outbox, m)
		}

	case EventRemoteTrack:
		if a.remoteStream.add(ev.Track) {
			log.Printf("CALL [%s]: remote %s track %s", c.conv, ev.Track.Kind, ev.Track.ID)
		}
		if !c.connected {
			c.connected = true
			log.Printf("CALL [%s]: media flowing from %s", c.conv, a.remote)
		}
		c.changed()

	case EventConnectionState:
		log.Printf("CALL [%s]: peer connection %s (gen %d)", c.conv, ev.State, ev.Generation)
		if ev.State.Terminal() {
			c.terminateLocked(a, ReasonConnectionLost, fmt.Errorf("%w: peer connection %s", ErrConnectionLost, ev.State))
		}
	}
}

func (c *Controller) handleRingTimeoutLocked(gen uint64) {
	a := c.cur
	if a == nil || a.ended || a.gen != gen || c.phase != PhaseOutgoing {
		return
	}
	log.Printf("CALL [%s]: %s did not answer", c.conv, a.remote)
	c.terminateLocked(a, ReasonTimeout, nil)
}

func (c *Controller) flushOutboxLocked(a *attempt) {
	for _, m := range a.outbox {
		c.outbound.push(m)
	}
	a.outbox = nil
}

// terminateLocked is the single cleanup path. It releases the attempt's
// adapter and media and returns the controller to Idle; repeated calls for
// the same attempt do nothing.
func (c *Controller) terminateLocked(a *attempt, reason Reason, cause error) {
	if a == nil || a.ended {
		return
	}
	a.ended = true
	a.endReason = reason
	a.cancel()
	if a.pred != nil {
		a.pred.cancel()
	}
	if a.ring != nil {
		a.ring.Stop()
	}
	if a.peer != nil {
		if err := a.peer.Close(); err != nil {
			log.Printf("CALL [%s]: close peer (gen %d): %v", c.conv, a.gen, err)
		}
	}
	if a.media != nil {
		a.media.Stop()
	}

	now := time.Now()
	info := EndInfo{
		Generation: a.gen,
		Reason:     reason,
		Remote:     a.remote,
		CallType:   a.callType,
		Connected:  c.cur == a && c.connected,
		At:         now,
		Err:        cause,
	}
	if cause != nil {
		info.Error = cause.Error()
	}
	c.lastEnd = &info

	if c.cur == a {
		c.cur = nil
		c.phase = PhaseIdle
		c.connected = false
	}

	switch reason {
	case ReasonLocalHangup, ReasonRemoteHangup, ReasonClosed:
		// EndCall and Close notify the remote themselves.
	default:
		if a.published || !a.caller {
			c.outbound.push(signaling.NewEnd(a.callID, c.self, a.remote))
		}
	}

	if a.caller {
		rec := Record{
			ID:             uuid.NewString(),
			ConversationID: c.conv,
			CallerID:       c.self,
			CalleeID:       a.remote,
			CallType:       a.callType,
			Status:         callStatus(a, reason),
			StartedAt:      a.startedAt,
			EndedAt:        now,
		}
		if c.opts.CallLog != nil {
			go c.writeLog(rec)
		}
	}

	if cause != nil {
		log.Printf("CALL [%s]: ended with %s (gen %d): %v", c.conv, a.remote, a.gen, cause)
	} else {
		log.Printf("CALL [%s]: ended with %s (gen %d): %s", c.conv, a.remote, a.gen, reason)
	}

	if fn := c.opts.OnCallEnd; fn != nil {
		c.notes = append(c.notes, func() { fn(info) })
	}
	c.changed()
}

func callStatus(a *attempt, reason Reason) string {
	switch {
	case a.answered:
		return StatusAnswered
	case reason == ReasonLocalHangup || reason == ReasonClosed:
		return StatusCancelled
	case reason == ReasonRemoteHangup:
		return StatusDeclined
	case reason == ReasonTimeout:
		return StatusMissed
	}
	return StatusFailed
}

func (c *Controller) writeLog(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := c.opts.CallLog.Record(ctx, rec); err != nil {
		log.Printf("CALL [%s]: call log write failed: %v", c.conv, err)
	}
}
