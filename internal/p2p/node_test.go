package p2p

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/signaling"
)

func TestLoadOrCreateKey(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys", "identity.key")

	id1, err := LoadIdentity(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := LoadIdentity(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("identity changed across loads: %s != %s", id1, id2)
	}

	fi, err := os.Stat(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0600 {
		t.Fatalf("key mode = %v", fi.Mode().Perm())
	}

	if err := os.WriteFile(keyFile, []byte("garbage"), 0600); err != nil {
		t.Fatal(err)
	}
	_, isNew, err := loadOrCreateKey(keyFile)
	if err != nil || !isNew {
		t.Fatalf("corrupt key not replaced: new=%v err=%v", isNew, err)
	}
}

func TestSetLogLevel(t *testing.T) {
	if err := SetLogLevel("error"); err != nil {
		t.Fatal(err)
	}
	if err := SetLogLevel("chatty"); err == nil {
		t.Fatal("bad level accepted")
	}
}

func TestParsePeerAddr(t *testing.T) {
	if _, err := parsePeerAddr("/ip4/127.0.0.1/tcp/4001"); err == nil {
		t.Fatal("address without /p2p/ accepted")
	}
	if _, err := parsePeerAddr("not a multiaddr"); err == nil {
		t.Fatal("garbage accepted")
	}
}

func newTestNode(t *testing.T, ctx context.Context) *Node {
	t.Helper()
	n, err := New(ctx, Options{KeyFile: filepath.Join(t.TempDir(), "identity.key")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

// Signaling over GossipSub between two directly connected nodes.
func TestPubSubSignaling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestNode(t, ctx)
	b := newTestNode(t, ctx)
	if err := b.Connect(ctx, a.Addrs()[0]); err != nil {
		t.Fatal(err)
	}
	if b.Peers() != 1 {
		t.Fatalf("peers = %d", b.Peers())
	}

	sa := signaling.NewPubSub(a.PS, a.Host.ID())
	sb := signaling.NewPubSub(b.PS, b.Host.ID())
	defer sa.Close()
	defer sb.Close()

	inA, cancelA, err := sa.Subscribe("c1")
	if err != nil {
		t.Fatal(err)
	}
	defer cancelA()
	inB, cancelB, err := sb.Subscribe("c1")
	if err != nil {
		t.Fatal(err)
	}
	defer cancelB()

	// The mesh forms on the first heartbeat; retry until the message lands.
	msg := signaling.NewOffer("k1", a.ID(), b.ID(), signaling.CallAudio, "v=0")
	deadline := time.After(15 * time.Second)
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-inB:
			if got.Kind != signaling.KindOffer || got.From != a.ID() || got.CallID != "k1" {
				t.Fatalf("received %+v", got)
			}
			select {
			case own := <-inA:
				t.Fatalf("publisher received its own message %+v", own)
			default:
			}
			return
		case <-tick.C:
			if err := sa.Publish(ctx, "c1", msg); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("offer never arrived")
		}
	}
}
