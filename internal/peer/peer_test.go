package peer

import (
	"context"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/signaling"
)

// vnetFactories returns two factories wired to a private virtual network.
func vnetFactories(t *testing.T) (*Factory, *Factory) {
	t.Helper()
	wan, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "1.2.3.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatal(err)
	}

	var out []*Factory
	for _, ip := range []string{"1.2.3.4", "1.2.3.5"} {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatal(err)
		}
		if err := wan.AddNet(n); err != nil {
			t.Fatal(err)
		}
		api, err := NewAPI(Options{
			Codecs:              media.NewSynthetic().RegisterCodecs,
			DisconnectedTimeout: time.Second,
			FailedTimeout:       time.Second,
			Keepalive:           200 * time.Millisecond,
			Net:                 n,
		})
		if err != nil {
			t.Fatal(err)
		}
		f, err := NewFactory(api, nil)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, f)
	}

	if err := wan.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { wan.Stop() })
	return out[0], out[1]
}

func syntheticTracks(t *testing.T, ct call.CallType) []*call.Track {
	t.Helper()
	srcs, err := media.NewSynthetic().Acquire(context.Background(), ct)
	if err != nil {
		t.Fatal(err)
	}
	var out []*call.Track
	for _, s := range srcs {
		out = append(out, call.NewTrack(s))
		t.Cleanup(func() { s.Stop() })
	}
	return out
}

type side struct {
	peer   call.Peer
	events chan call.PeerEvent
}

func newSide(t *testing.T, f *Factory, tracks []*call.Track) *side {
	t.Helper()
	s := &side{events: make(chan call.PeerEvent, 256)}
	p, err := f.NewPeer(call.PeerConfig{
		ConversationID: "c1",
		Generation:     7,
		Tracks:         tracks,
		Emit: func(ev call.PeerEvent) {
			select {
			case s.events <- ev:
			default:
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	s.peer = p
	return s
}

func TestAdaptersConnectOverVNet(t *testing.T) {
	fa, fb := vnetFactories(t)
	a := newSide(t, fa, syntheticTracks(t, call.Video))
	b := newSide(t, fb, syntheticTracks(t, call.Audio))
	ctx := context.Background()

	offer, err := a.peer.CreateOffer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.peer.SetLocalDescription(ctx, call.DescOffer, offer); err != nil {
		t.Fatal(err)
	}
	if err := b.peer.SetRemoteDescription(ctx, call.DescOffer, offer); err != nil {
		t.Fatal(err)
	}
	answer, err := b.peer.CreateAnswer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.peer.SetLocalDescription(ctx, call.DescAnswer, answer); err != nil {
		t.Fatal(err)
	}
	if err := a.peer.SetRemoteDescription(ctx, call.DescAnswer, answer); err != nil {
		t.Fatal(err)
	}

	type seen struct{ connected, track bool }
	state := map[*side]*seen{a: {}, b: {}}
	other := map[*side]*side{a: b, b: a}
	deadline := time.After(10 * time.Second)
	for !(state[a].connected && state[a].track && state[b].connected && state[b].track) {
		var ev call.PeerEvent
		var from *side
		select {
		case ev = <-a.events:
			from = a
		case ev = <-b.events:
			from = b
		case <-deadline:
			t.Fatalf("not connected: a=%+v b=%+v", *state[a], *state[b])
		}
		if ev.Generation != 7 {
			t.Fatalf("event generation %d", ev.Generation)
		}
		switch ev.Kind {
		case call.EventLocalCandidate:
			if err := other[from].peer.AddICECandidate(ev.Candidate); err != nil {
				t.Fatalf("AddICECandidate: %v", err)
			}
		case call.EventRemoteTrack:
			state[from].track = true
		case call.EventConnectionState:
			if ev.State == call.StateConnected {
				state[from].connected = true
			}
			if ev.State.Terminal() {
				t.Fatalf("connection went %s", ev.State)
			}
		}
	}

	if err := a.peer.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.peer.Close(); err != nil {
		t.Fatal("second Close failed")
	}
}

func TestCandidatesWaitForRemoteDescription(t *testing.T) {
	fa, _ := vnetFactories(t)
	s := newSide(t, fa, nil)
	ad := s.peer.(*Adapter)

	mid := "0"
	c := signaling.Candidate{Candidate: "candidate:1 1 udp 2130706431 1.2.3.5 5000 typ host", SDPMid: &mid}
	if err := ad.AddICECandidate(c); err != nil {
		t.Fatalf("candidate before remote description: %v", err)
	}
	ad.mu.Lock()
	n := len(ad.pending)
	ad.mu.Unlock()
	if n != 1 {
		t.Fatalf("pending = %d", n)
	}

	// Receive-only adapters still produce a usable offer.
	offer, err := ad.CreateOffer(context.Background())
	if err != nil || offer == "" {
		t.Fatalf("CreateOffer = %q, %v", offer, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ad.CreateAnswer(ctx); err == nil {
		t.Fatal("CreateAnswer on a cancelled context succeeded")
	}
}

func TestParseICEServer(t *testing.T) {
	cases := []struct {
		in   string
		url  string
		user string
		ok   bool
	}{
		{"stun:stun.l.google.com:19302", "stun:stun.l.google.com:19302", "", true},
		{"turn:relay.example.org:3478", "turn:relay.example.org:3478", "", true},
		{"turns:alice:s3cret@relay.example.org:5349", "turns:relay.example.org:5349", "alice", true},
		{"turn:nopass@relay.example.org", "", "", false},
		{"http://example.org", "", "", false},
		{"stun:", "", "", false},
	}
	for _, tc := range cases {
		s, err := parseICEServer(tc.in)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err = %v", tc.in, err)
		}
		if !tc.ok {
			continue
		}
		if s.URLs[0] != tc.url || s.Username != tc.user {
			t.Fatalf("%s: got %+v", tc.in, s)
		}
	}
}

func TestLoggerFactoryLevels(t *testing.T) {
	for _, lvl := range []string{"", "error", "warn", "INFO", "debug", "trace", "disable"} {
		if _, err := LoggerFactory(lvl, nil); err != nil {
			t.Fatalf("%q: %v", lvl, err)
		}
	}
	if _, err := LoggerFactory("loud", nil); err == nil {
		t.Fatal("unknown level accepted")
	}
}

func TestRTPStatsCountsGaps(t *testing.T) {
	var st rtpStats
	for _, seq := range []uint16{65533, 65534, 1, 2, 2} {
		st.add(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: []byte{1, 2}})
	}
	if st.packets != 5 || st.bytes != 10 {
		t.Fatalf("stats = %+v", st)
	}
	// 65535 and 0 are missing.
	if st.lost != 2 {
		t.Fatalf("lost = %d", st.lost)
	}
}

func TestNewAPIRejectsBadCodecs(t *testing.T) {
	_, err := NewAPI(Options{Codecs: func(me *webrtc.MediaEngine) error {
		return me.RegisterCodec(webrtc.RTPCodecParameters{}, webrtc.RTPCodecTypeUnknown)
	}})
	if err == nil {
		t.Fatal("NewAPI accepted a failing codec registration")
	}
}
