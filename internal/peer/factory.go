package peer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
)

// Factory creates one Adapter per call attempt.
type Factory struct {
	api *webrtc.API

	mu      sync.RWMutex
	servers []webrtc.ICEServer
}

func NewFactory(api *webrtc.API, iceServers []string) (*Factory, error) {
	f := &Factory{api: api}
	if err := f.SetICEServers(iceServers); err != nil {
		return nil, err
	}
	return f, nil
}

// SetICEServers applies to connections created afterwards.
func (f *Factory) SetICEServers(urls []string) error {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		s, err := parseICEServer(u)
		if err != nil {
			return err
		}
		servers = append(servers, s)
	}
	f.mu.Lock()
	f.servers = servers
	f.mu.Unlock()
	return nil
}

func (f *Factory) NewPeer(cfg call.PeerConfig) (call.Peer, error) {
	f.mu.RLock()
	servers := append([]webrtc.ICEServer(nil), f.servers...)
	f.mu.RUnlock()
	return newAdapter(f.api, webrtc.Configuration{ICEServers: servers}, cfg)
}

// parseICEServer accepts stun:host:port and turn[s]:user:secret@host:port.
func parseICEServer(raw string) (webrtc.ICEServer, error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok || rest == "" {
		return webrtc.ICEServer{}, fmt.Errorf("bad ice server %q", raw)
	}
	switch scheme {
	case "stun":
		return webrtc.ICEServer{URLs: []string{raw}}, nil
	case "turn", "turns":
	default:
		return webrtc.ICEServer{}, fmt.Errorf("bad ice server scheme %q", scheme)
	}

	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return webrtc.ICEServer{URLs: []string{raw}}, nil
	}
	user, secret, ok := strings.Cut(rest[:at], ":")
	if !ok || user == "" {
		return webrtc.ICEServer{}, fmt.Errorf("turn server %q: credentials must be user:secret", scheme+":"+rest[at+1:])
	}
	return webrtc.ICEServer{
		URLs:       []string{scheme + ":" + rest[at+1:]},
		Username:   user,
		Credential: secret,
	}, nil
}
