package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// transport is a signaler the process owns and must close.
type transport interface {
	call.Signaler
	io.Closer
}

func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(opt.Cfg.Viewer.LogLines)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	logBanner(opt.PeerDir, opt.CfgPath)

	return runPeer(ctx, runPeerOpts{
		PeerDir: opt.PeerDir,
		CfgPath: opt.CfgPath,
		Cfg:     opt.Cfg,
		Logs:    logBuf,
	})
}

type runPeerOpts struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	Logs    *viewer.LogBuffer
}

func runPeer(ctx context.Context, o runPeerOpts) error {
	cfg := o.Cfg
	started := time.Now()

	if err := p2p.SetLogLevel(cfg.Log.Libp2pLevel); err != nil {
		log.Printf("WARNING: %v", err)
	}

	// ── Call log
	db, err := storage.Open(util.ResolvePath(o.PeerDir, cfg.Storage.DBPath))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	log.Printf("STORAGE: call log at %s", db.Path())

	// ── Signaling transport and identity
	keyPath := util.ResolvePath(o.PeerDir, cfg.Identity.KeyFile)
	var (
		sig    transport
		selfID string
		peers  func() int
	)
	switch cfg.Signaling.Transport {
	case config.TransportRelay:
		id, err := p2p.LoadIdentity(keyPath)
		if err != nil {
			return fmt.Errorf("load identity: %w", err)
		}
		selfID = id.String()
		sig = signaling.NewRelayClient(cfg.Signaling.RelayURL, cfg.Signaling.RelayToken)
		log.Printf("SIGNAL: using relay %s", cfg.Signaling.RelayURL)

	default:
		node, err := p2p.New(ctx, p2p.Options{
			ListenPort: cfg.P2P.ListenPort,
			KeyFile:    keyPath,
			MdnsTag:    cfg.P2P.MdnsTag,
			Bootstrap:  cfg.P2P.Bootstrap,
		})
		if err != nil {
			return err
		}
		defer node.Close()
		selfID = node.ID()
		peers = node.Peers
		sig = signaling.NewPubSub(node.PS, node.Host.ID())
		for _, a := range wanAddrs(node.Host) {
			log.Printf("P2P: reachable at %s/p2p/%s", a, selfID)
		}
	}
	defer sig.Close()

	if id := cfg.Identity.ParticipantID; id != "" {
		selfID = id
	}
	log.Printf("participant id: %s", selfID)

	// ── Media and WebRTC
	src, err := media.New(cfg.Media)
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	pionLogs, err := peer.LoggerFactory(cfg.Log.PionLevel, log.Writer())
	if err != nil {
		return err
	}
	api, err := peer.NewAPI(peer.Options{
		Codecs:              src.RegisterCodecs,
		DisconnectedTimeout: time.Duration(cfg.ICE.DisconnectedTimeoutSec) * time.Second,
		FailedTimeout:       time.Duration(cfg.ICE.FailedTimeoutSec) * time.Second,
		Keepalive:           time.Duration(cfg.ICE.KeepaliveSec) * time.Second,
		PortMin:             uint16(cfg.ICE.PortMin),
		PortMax:             uint16(cfg.ICE.PortMax),
		LoggerFactory:       pionLogs,
	})
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}
	factory, err := peer.NewFactory(api, cfg.ICE.Servers)
	if err != nil {
		return err
	}

	// ── Calls
	var current atomic.Pointer[config.Config]
	current.Store(&cfg)

	mgr := call.NewManager(call.ManagerConfig{
		SelfID:      selfID,
		Signaler:    sig,
		Peers:       factory,
		Media:       src,
		CallLog:     db,
		Directory:   directory(&current),
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
	})
	defer mgr.Close()

	mgr.OnCallEnd(func(conv string, info call.EndInfo) {
		if info.Remote == "" {
			return
		}
		if err := db.TouchParticipant(info.Remote, info); err != nil {
			log.Printf("STORAGE: participant %s: %v", info.Remote, err)
		}
	})

	syncConversations(mgr, nil, cfg.Conversations)

	if err := config.Watch(ctx, o.CfgPath, func(next config.Config) {
		prev := current.Swap(&next)
		applyConfig(mgr, factory, prev, &next)
	}); err != nil {
		log.Printf("WARNING: config hot reload disabled: %v", err)
	}

	// ── Viewer
	if cfg.Viewer.HTTPAddr != "" {
		addr, url, tcpAddr := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			err := viewer.Start(ctx, addr, viewer.Viewer{
				Calls:     mgr,
				DB:        db,
				Logs:      o.Logs,
				Transport: cfg.Signaling.Transport,
				Peers:     peers,
				Started:   started,
			})
			if err != nil {
				log.Printf("VIEWER: %v", err)
			}
		}()
		if cfg.Viewer.OpenBrowser {
			go func() {
				if err := WaitTCP(tcpAddr, 5*time.Second); err != nil {
					log.Printf("VIEWER: %v", err)
					return
				}
				if err := util.OpenURL(url); err != nil {
					log.Printf("VIEWER: open browser: %v", err)
				}
			}()
		}
		log.Printf("📞 Call viewer: %s", url)
	}

	<-ctx.Done()
	log.Println("PEER: shutting down, ending calls in progress")
	return nil
}

// directory resolves a conversation's remote participant from the live config.
func directory(current *atomic.Pointer[config.Config]) call.Directory {
	return call.DirectoryFunc(func(conv string) (string, error) {
		if remote, ok := current.Load().Remote(conv); ok {
			return remote, nil
		}
		return "", fmt.Errorf("conversation %s is not configured", conv)
	})
}

// applyConfig carries a reloaded config into the running peer. ICE servers
// and the ring timeout affect later attempts; calls in progress keep theirs.
func applyConfig(mgr *call.Manager, factory *peer.Factory, prev, next *config.Config) {
	if err := factory.SetICEServers(next.ICE.Servers); err != nil {
		log.Printf("CONFIG: ice servers: %v", err)
	}
	if prev.Call.RingTimeoutSec != next.Call.RingTimeoutSec {
		mgr.SetRingTimeout(time.Duration(next.Call.RingTimeoutSec) * time.Second)
		log.Printf("CONFIG: ring timeout now %ds", next.Call.RingTimeoutSec)
	}
	syncConversations(mgr, prev.Conversations, next.Conversations)
}

// syncConversations opens a controller for every configured conversation,
// so incoming calls ring, and closes the ones no longer configured.
func syncConversations(mgr *call.Manager, prev, next []config.Conversation) {
	keep := make(map[string]bool, len(next))
	for _, c := range next {
		keep[c.ID] = true
		if _, err := mgr.Open(c.ID); err != nil {
			log.Printf("CALL: open conversation %s: %v", c.ID, err)
		}
	}
	for _, c := range prev {
		if !keep[c.ID] {
			mgr.CloseConversation(c.ID)
		}
	}
}
