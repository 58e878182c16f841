// Package peer adapts pion/webrtc peer connections to the call package's
// Peer interface.
package peer

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
)

// Options configures the pion API shared by every peer connection.
type Options struct {
	// Codecs registers the codecs the local tracks encode to. Nil registers
	// pion's defaults.
	Codecs func(*webrtc.MediaEngine) error

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	Keepalive           time.Duration

	// UDP range for host candidates; zero means ephemeral.
	PortMin, PortMax uint16

	// Net replaces the OS network, e.g. with a vnet in tests.
	Net transport.Net

	LoggerFactory logging.LoggerFactory
}

// NewAPI builds a webrtc.API with the media engine, default interceptors and
// ICE timeouts from o.
func NewAPI(o Options) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	register := o.Codecs
	if register == nil {
		register = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := register(me); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if o.DisconnectedTimeout > 0 && o.FailedTimeout > 0 && o.Keepalive > 0 {
		// A relay path can stall for several seconds during failover; the
		// pion default of 5s would drop those calls.
		se.SetICETimeouts(o.DisconnectedTimeout, o.FailedTimeout, o.Keepalive)
	}
	if o.PortMin > 0 && o.PortMax >= o.PortMin {
		if err := se.SetEphemeralUDPPortRange(o.PortMin, o.PortMax); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}
	if o.Net != nil {
		se.SetNet(o.Net)
	}
	if o.LoggerFactory != nil {
		se.LoggerFactory = o.LoggerFactory
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// LoggerFactory routes pion's internal logging to w at the named level
// ("error", "warn", "info", "debug", "trace" or "disable").
func LoggerFactory(level string, w io.Writer) (logging.LoggerFactory, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = lvl
	f.Writer = w
	return f, nil
}

func parseLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "error":
		return logging.LogLevelError, nil
	case "disable", "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelError, fmt.Errorf("unknown pion log level %q", s)
}
