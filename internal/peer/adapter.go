package peer

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/signaling"
)

// sendable is implemented by local tracks that carry a pion TrackLocal.
type sendable interface {
	TrackLocal() webrtc.TrackLocal
}

// Adapter is one pion PeerConnection bound to a call attempt. Remote
// candidates that arrive before the remote description are held back and
// applied right after it.
type Adapter struct {
	conv string
	gen  uint64
	pc   *webrtc.PeerConnection
	emit func(call.PeerEvent)

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool

	stop chan struct{}
	once sync.Once
}

func newAdapter(api *webrtc.API, conf webrtc.Configuration, cfg call.PeerConfig) (*Adapter, error) {
	pc, err := api.NewPeerConnection(conf)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	a := &Adapter{
		conv: cfg.ConversationID,
		gen:  cfg.Generation,
		pc:   pc,
		emit: cfg.Emit,
		stop: make(chan struct{}),
	}
	if a.emit == nil {
		a.emit = func(call.PeerEvent) {}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		a.emit(call.PeerEvent{
			Generation: a.gen,
			Kind:       call.EventLocalCandidate,
			Candidate:  signaling.CandidateFromPion(c.ToJSON()),
		})
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		log.Printf("PEER [%s]: remote %s track %s (%s)", a.conv, tr.Kind(), tr.ID(), tr.Codec().MimeType)
		a.emit(call.PeerEvent{
			Generation: a.gen,
			Kind:       call.EventRemoteTrack,
			Track: call.RemoteTrack{
				ID:       tr.ID(),
				StreamID: tr.StreamID(),
				Kind:     trackKind(tr.Kind()),
			},
		})
		go a.readRemote(tr)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		a.emit(call.PeerEvent{
			Generation: a.gen,
			Kind:       call.EventConnectionState,
			State:      call.ConnectionState(s.String()),
		})
	})

	if err := a.addTracks(cfg.Tracks); err != nil {
		pc.Close()
		return nil, err
	}
	return a, nil
}

func (a *Adapter) addTracks(tracks []*call.Track) error {
	if len(tracks) == 0 {
		// Receive-only: the SDP still needs m-lines with ICE credentials.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := a.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
		return nil
	}

	for _, t := range tracks {
		s, ok := t.Source().(sendable)
		if !ok {
			return fmt.Errorf("track %s has no pion track", t.ID())
		}
		local := s.TrackLocal()
		sender, err := a.pc.AddTrack(local)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go a.drainRTCP(sender)

		if !t.Enabled() {
			if err := sender.ReplaceTrack(nil); err != nil {
				log.Printf("PEER [%s]: detach disabled %s track: %v", a.conv, t.Kind(), err)
			}
		}
		kind := t.Kind()
		t.OnEnabledChange(func(on bool) {
			a.setSending(sender, kind, local, on)
		})
	}
	return nil
}

// setSending swaps the sender's track so a disabled track sends nothing.
func (a *Adapter) setSending(sender *webrtc.RTPSender, kind call.TrackKind, local webrtc.TrackLocal, on bool) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	var next webrtc.TrackLocal
	if on {
		next = local
	}
	if err := sender.ReplaceTrack(next); err != nil {
		log.Printf("PEER [%s]: replace %s track: %v", a.conv, kind, err)
	}
}

// drainRTCP keeps the interceptors fed; pion needs RTCP read for NACK and
// congestion feedback to work.
func (a *Adapter) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (a *Adapter) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	desc, err := a.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return desc.SDP, nil
}

func (a *Adapter) CreateAnswer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	desc, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	return desc.SDP, nil
}

func (a *Adapter) SetLocalDescription(ctx context.Context, typ call.DescriptionType, sdp string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.pc.SetLocalDescription(description(typ, sdp)); err != nil {
		return fmt.Errorf("set local %s: %w", typ, err)
	}
	return nil
}

func (a *Adapter) SetRemoteDescription(ctx context.Context, typ call.DescriptionType, sdp string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.pc.SetRemoteDescription(description(typ, sdp)); err != nil {
		return fmt.Errorf("set remote %s: %w", typ, err)
	}

	a.mu.Lock()
	a.remoteSet = true
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, c := range pending {
		if err := a.pc.AddICECandidate(c); err != nil {
			log.Printf("PEER [%s]: queued candidate rejected: %v", a.conv, err)
		}
	}
	return nil
}

func (a *Adapter) AddICECandidate(c signaling.Candidate) error {
	init := c.ToPion()
	a.mu.Lock()
	if !a.remoteSet {
		a.pending = append(a.pending, init)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	if err := a.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// Close tears down the connection and stops remote readers. Safe to call
// more than once.
func (a *Adapter) Close() error {
	var err error
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.pending = nil
		a.mu.Unlock()
		close(a.stop)
		err = a.pc.Close()
	})
	return err
}

func description(typ call.DescriptionType, sdp string) webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if typ == call.DescAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: sdp}
}

func trackKind(k webrtc.RTPCodecType) call.TrackKind {
	if k == webrtc.RTPCodecTypeVideo {
		return call.KindVideo
	}
	return call.KindAudio
}
