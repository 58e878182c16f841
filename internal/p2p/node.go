// Package p2p runs the libp2p host that carries call signaling between
// peers: LAN discovery over mDNS and one GossipSub topic per conversation.
package p2p

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/goopcall/internal/util"
)

// Subsystems that log dial failures and backoff at warn level.
var noisySubsystems = []string{"swarm2", "basichost", "autonat", "mdns", "pubsub", "net/identify"}

// SetLogLevel applies level to the chatty libp2p subsystems.
func SetLogLevel(level string) error {
	if _, err := logging.LevelFromString(level); err != nil {
		return fmt.Errorf("libp2p log level %q: %w", level, err)
	}
	for _, s := range noisySubsystems {
		_ = logging.SetLogLevel(s, level)
	}
	_ = logging.SetLogLevel("goopcall/signaling", "info")
	return nil
}

type Options struct {
	ListenPort int
	KeyFile    string
	// MdnsTag enables LAN discovery; empty disables it.
	MdnsTag string
	// Bootstrap peers as /ip4/.../tcp/.../p2p/<id> multiaddrs.
	Bootstrap []string
}

type Node struct {
	Host host.Host
	PS   *pubsub.PubSub

	mdns      mdns.Service
	startTime time.Time
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err == nil {
		log.Printf("P2P: discovered %s on the LAN", pi.ID)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("P2P: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// LoadIdentity returns the peer ID of the key in keyFile, creating the key
// if needed. The peer ID doubles as the participant ID.
func LoadIdentity(keyFile string) (peer.ID, error) {
	priv, _, err := loadOrCreateKey(keyFile)
	if err != nil {
		return "", err
	}
	return peer.IDFromPrivateKey(priv)
}

func New(ctx context.Context, o Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(o.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("P2P: generated new identity key: %s", o.KeyFile)
	} else {
		log.Printf("P2P: loaded identity key: %s", o.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", o.ListenPort),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", o.ListenPort),
		),
	)
	if err != nil {
		return nil, err
	}

	n := &Node{Host: h, startTime: time.Now()}

	if o.MdnsTag != "" {
		md := mdns.NewMdnsService(h, o.MdnsTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("start mdns: %w", err)
		}
		n.mdns = md
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		n.Close()
		return nil, err
	}
	n.PS = ps

	h.Network().Notify(&network.NotifyBundle{
		DisconnectedF: func(_ network.Network, c network.Conn) {
			log.Printf("P2P: disconnected from %s", c.RemotePeer())
		},
	})

	for _, addr := range o.Bootstrap {
		go n.connectBootstrap(ctx, addr)
	}

	log.Printf("P2P: node %s listening on %v", h.ID(), h.Addrs())
	return n, nil
}

func (n *Node) connectBootstrap(ctx context.Context, addr string) {
	pi, err := parsePeerAddr(addr)
	if err != nil {
		log.Printf("P2P: bootstrap %s: %v", addr, err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	if err := n.Host.Connect(ctx, *pi); err != nil {
		log.Printf("P2P: bootstrap %s unreachable: %v", pi.ID, err)
		return
	}
	log.Printf("P2P: connected to bootstrap peer %s", pi.ID)
}

func parsePeerAddr(s string) (*peer.AddrInfo, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, err
	}
	return peer.AddrInfoFromP2pAddr(m)
}

// Connect dials a peer given as a full /p2p/ multiaddr.
func (n *Node) Connect(ctx context.Context, addr string) error {
	pi, err := parsePeerAddr(addr)
	if err != nil {
		return err
	}
	return n.Host.Connect(ctx, *pi)
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Addrs returns the node's listen addresses with its /p2p/ suffix, ready to
// hand to another peer's bootstrap list.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.Host.ID()))
	}
	return out
}

func (n *Node) Peers() int {
	return len(n.Host.Network().Peers())
}

func (n *Node) Uptime() time.Duration {
	return time.Since(n.startTime)
}

func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}
