package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

const (
	TransportPubSub = "pubsub"
	TransportRelay  = "relay"

	MediaDevices   = "devices"
	MediaSynthetic = "synthetic"
)

type Config struct {
	Identity      Identity       `json:"identity"`
	P2P           P2P            `json:"p2p"`
	Signaling     Signaling      `json:"signaling"`
	ICE           ICE            `json:"ice"`
	Media         Media          `json:"media"`
	Call          Call           `json:"call"`
	Storage       Storage        `json:"storage"`
	Viewer        Viewer         `json:"viewer"`
	Log           Log            `json:"log"`
	Conversations []Conversation `json:"conversations"`
}

type Identity struct {
	KeyFile string `json:"key_file"`

	// Optional override. Empty means the libp2p peer ID derived from key_file.
	ParticipantID string `json:"participant_id"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Multiaddrs (with /p2p/<id>) dialed at startup, for peers mDNS cannot see.
	Bootstrap []string `json:"bootstrap"`
}

type Signaling struct {
	// "pubsub" (libp2p gossipsub) or "relay" (HTTP/SSE relay server).
	Transport string `json:"transport"`

	// Client side of the relay transport.
	RelayURL   string `json:"relay_url"`
	RelayToken string `json:"relay_token"`

	// Server side, used by "goopcall relay".
	RelayBind      string `json:"relay_bind"`
	RelayPort      int    `json:"relay_port"`
	RelayTokenHash string `json:"relay_token_hash"` // bcrypt; empty disables auth
}

type ICE struct {
	Servers []string `json:"servers"`

	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds"`
	KeepaliveSec           int `json:"keepalive_seconds"`

	// Optional UDP port range for host candidates. 0/0 means ephemeral.
	PortMin int `json:"port_min"`
	PortMax int `json:"port_max"`
}

type Media struct {
	// "devices" (camera + microphone) or "synthetic" (generated tracks).
	Source       string `json:"source"`
	MaxWidth     int    `json:"max_width"`
	MaxHeight    int    `json:"max_height"`
	VideoBitrate int    `json:"video_bitrate"`
}

type Call struct {
	// Outgoing calls not answered within this many seconds are ended. 0 disables.
	RingTimeoutSec int `json:"ring_timeout_seconds"`
}

type Storage struct {
	DBPath string `json:"db_path"`
}

type Viewer struct {
	HTTPAddr    string `json:"http_addr"`
	OpenBrowser bool   `json:"open_browser"`
	LogLines    int    `json:"log_lines"`
}

type Log struct {
	Libp2pLevel string `json:"libp2p_level"`
	PionLevel   string `json:"pion_level"`
}

// Conversation binds a conversation ID to the other participant. This is the
// directory the call manager consults when a call is started without an
// explicit remote.
type Conversation struct {
	ID     string `json:"id"`
	Remote string `json:"remote"`
	Label  string `json:"label,omitempty"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    proto.MdnsTag,
		},
		Signaling: Signaling{
			Transport: TransportPubSub,
			RelayBind: "127.0.0.1",
			RelayPort: 8790,
		},
		ICE: ICE{
			Servers:                append([]string(nil), proto.DefaultSTUNServers...),
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepaliveSec:           2,
		},
		Media: Media{
			Source:       MediaDevices,
			MaxWidth:     640,
			MaxHeight:    480,
			VideoBitrate: 1_500_000,
		},
		Call: Call{
			RingTimeoutSec: 45,
		},
		Storage: Storage{
			DBPath: "data/calls.db",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8791",
			LogLines: 800,
		},
		Log: Log{
			Libp2pLevel: "error",
			PionLevel:   "warn",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if id := strings.TrimSpace(c.Identity.ParticipantID); id != "" {
		if _, err := util.ValidateID(id); err != nil {
			return fmt.Errorf("identity.participant_id: %w", err)
		}
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Signaling
	switch c.Signaling.Transport {
	case TransportPubSub:
	case TransportRelay:
		if err := validateRelayURL(strings.TrimSpace(c.Signaling.RelayURL)); err != nil {
			return fmt.Errorf("signaling.relay_url: %w", err)
		}
	default:
		return errors.New("signaling.transport must be pubsub or relay")
	}
	if c.Signaling.RelayPort < 0 || c.Signaling.RelayPort > 65535 {
		return errors.New("signaling.relay_port must be 0..65535")
	}
	if b := c.Signaling.RelayBind; b != "" && net.ParseIP(b) == nil {
		return errors.New("signaling.relay_bind must be a valid IP address")
	}

	// ICE
	if len(c.ICE.Servers) == 0 {
		return errors.New("ice.servers must not be empty")
	}
	for _, s := range c.ICE.Servers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("ice.servers: %q must start with stun:, turn: or turns:", s)
		}
	}
	if c.ICE.DisconnectedTimeoutSec <= 0 || c.ICE.FailedTimeoutSec <= 0 || c.ICE.KeepaliveSec <= 0 {
		return errors.New("ice timeouts must be > 0")
	}
	if c.ICE.PortMin < 0 || c.ICE.PortMax > 65535 || c.ICE.PortMin > c.ICE.PortMax {
		return errors.New("ice.port_min/port_max must form a range within 0..65535")
	}

	// Media
	switch c.Media.Source {
	case MediaDevices, MediaSynthetic:
	default:
		return errors.New("media.source must be devices or synthetic")
	}
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}
	if c.Media.VideoBitrate < 100_000 {
		return errors.New("media.video_bitrate must be >= 100000")
	}

	// Call
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path is required")
	}

	if c.Viewer.LogLines < 0 {
		return errors.New("viewer.log_lines must be >= 0")
	}

	// Conversations
	seen := make(map[string]bool, len(c.Conversations))
	for i, conv := range c.Conversations {
		if _, err := util.ValidateID(conv.ID); err != nil {
			return fmt.Errorf("conversations[%d].id: %w", i, err)
		}
		if _, err := util.ValidateID(conv.Remote); err != nil {
			return fmt.Errorf("conversations[%d].remote: %w", i, err)
		}
		if seen[conv.ID] {
			return fmt.Errorf("conversations[%d].id %q is duplicated", i, conv.ID)
		}
		seen[conv.ID] = true
	}

	return nil
}

// Remote returns the other participant of a configured conversation.
func (c *Config) Remote(conversationID string) (string, bool) {
	for _, conv := range c.Conversations {
		if conv.ID == conversationID {
			return conv.Remote, true
		}
	}
	return "", false
}

func validateRelayURL(raw string) error {
	if raw == "" {
		return errors.New("required when transport is relay")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing hostname")
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
