package app

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/signaling"
)

func TestNormalizeLocalViewer(t *testing.T) {
	cases := []struct{ in, listen, url string }{
		{":8791", "127.0.0.1:8791", "http://127.0.0.1:8791"},
		{"0.0.0.0:9000", "127.0.0.1:9000", "http://127.0.0.1:9000"},
		{" 127.0.0.1:1234 ", "127.0.0.1:1234", "http://127.0.0.1:1234"},
	}
	for _, tc := range cases {
		listen, url, tcp := NormalizeLocalViewer(tc.in)
		if listen != tc.listen || url != tc.url || tcp != tc.listen {
			t.Errorf("%q: got %q %q %q", tc.in, listen, url, tcp)
		}
	}
}

func TestWaitTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	if err := WaitTCP(addr, time.Second); err != nil {
		t.Fatal(err)
	}
	ln.Close()
	if err := WaitTCP(addr, 300*time.Millisecond); err == nil {
		t.Fatal("WaitTCP succeeded on a closed port")
	}
}

func TestFilterShareable(t *testing.T) {
	var addrs []ma.Multiaddr
	for _, s := range []string{
		"/ip4/127.0.0.1/tcp/4001",
		"/ip4/192.168.1.20/tcp/4001",
		"/ip6/fe80::1/udp/4001/quic-v1",
		"/ip4/0.0.0.0/tcp/4001",
		"/dns4/example.org/tcp/4001",
	} {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			t.Fatal(err)
		}
		addrs = append(addrs, a)
	}
	got := filterShareable(addrs)
	if len(got) != 1 || got[0] != "/ip4/192.168.1.20/tcp/4001" {
		t.Fatalf("shareable = %v", got)
	}
}

func newTestManager(t *testing.T) (*call.Manager, *peer.Factory) {
	t.Helper()
	api, err := peer.NewAPI(peer.Options{})
	if err != nil {
		t.Fatal(err)
	}
	factory, err := peer.NewFactory(api, nil)
	if err != nil {
		t.Fatal(err)
	}
	hub := signaling.NewHub()
	t.Cleanup(func() { hub.Close() })
	mgr := call.NewManager(call.ManagerConfig{
		SelfID:   "alice",
		Signaler: hub,
		Peers:    factory,
		Media:    media.NewSynthetic(),
	})
	t.Cleanup(mgr.Close)
	return mgr, factory
}

func openConversations(mgr *call.Manager) []string {
	var ids []string
	for _, s := range mgr.List() {
		ids = append(ids, s.ConversationID)
	}
	sort.Strings(ids)
	return ids
}

func TestSyncConversations(t *testing.T) {
	mgr, _ := newTestManager(t)

	first := []config.Conversation{{ID: "c1", Remote: "bob"}, {ID: "c2", Remote: "carol"}}
	syncConversations(mgr, nil, first)
	if got := openConversations(mgr); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Fatalf("open = %v", got)
	}

	second := []config.Conversation{{ID: "c2", Remote: "carol"}, {ID: "c3", Remote: "dave"}}
	syncConversations(mgr, first, second)
	if got := openConversations(mgr); len(got) != 2 || got[0] != "c2" || got[1] != "c3" {
		t.Fatalf("open after reload = %v", got)
	}
}

func TestDirectoryFollowsReload(t *testing.T) {
	cfg := config.Default()
	cfg.Conversations = []config.Conversation{{ID: "c1", Remote: "bob"}}
	var current atomic.Pointer[config.Config]
	current.Store(&cfg)
	dir := directory(&current)

	if r, err := dir.RemoteParticipant("c1"); err != nil || r != "bob" {
		t.Fatalf("c1 -> %q, %v", r, err)
	}
	if _, err := dir.RemoteParticipant("c9"); err == nil {
		t.Fatal("unknown conversation resolved")
	}

	next := config.Default()
	next.Conversations = []config.Conversation{{ID: "c9", Remote: "zoe"}}
	current.Store(&next)
	if r, err := dir.RemoteParticipant("c9"); err != nil || r != "zoe" {
		t.Fatalf("after reload c9 -> %q, %v", r, err)
	}
}

func TestApplyConfig(t *testing.T) {
	mgr, factory := newTestManager(t)
	prev := config.Default()
	next := config.Default()
	next.Call.RingTimeoutSec = 5
	next.Conversations = []config.Conversation{{ID: "c1", Remote: "bob"}}

	applyConfig(mgr, factory, &prev, &next)
	if got := openConversations(mgr); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("open = %v", got)
	}

	// A bad ICE server is logged and the previous list stays in place.
	bad := next
	bad.ICE.Servers = []string{"turn:nopass@relay.example.org"}
	applyConfig(mgr, factory, &next, &bad)
}

func TestServeRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeRelay(ctx, ln, "") }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	// An open subscription must not hold up shutdown.
	client := signaling.NewRelayClient(base, "")
	defer client.Close()
	if _, unsub, err := client.Subscribe("c1"); err != nil {
		t.Fatal(err)
	} else {
		defer unsub()
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServeRelay: %v", err)
		}
	case <-time.After(7 * time.Second):
		t.Fatal("ServeRelay did not return")
	}
}
