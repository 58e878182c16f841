package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no key file", func(c *Config) { c.Identity.KeyFile = " " }, "identity.key_file"},
		{"bad port", func(c *Config) { c.P2P.ListenPort = 70000 }, "p2p.listen_port"},
		{"unknown transport", func(c *Config) { c.Signaling.Transport = "carrier-pigeon" }, "signaling.transport"},
		{"relay without url", func(c *Config) { c.Signaling.Transport = TransportRelay }, "signaling.relay_url"},
		{"relay bad scheme", func(c *Config) {
			c.Signaling.Transport = TransportRelay
			c.Signaling.RelayURL = "ftp://relay.example.org"
		}, "scheme"},
		{"no ice servers", func(c *Config) { c.ICE.Servers = nil }, "ice.servers"},
		{"bad ice url", func(c *Config) { c.ICE.Servers = []string{"http://x"} }, "ice.servers"},
		{"inverted port range", func(c *Config) { c.ICE.PortMin, c.ICE.PortMax = 5000, 4000 }, "port_min"},
		{"media source", func(c *Config) { c.Media.Source = "screen" }, "media.source"},
		{"negative ring", func(c *Config) { c.Call.RingTimeoutSec = -1 }, "call.ring_timeout_seconds"},
		{"duplicate conversation", func(c *Config) {
			c.Conversations = []Conversation{{ID: "c1", Remote: "bob"}, {ID: "c1", Remote: "carol"}}
		}, "duplicated"},
		{"conversation with slash", func(c *Config) {
			c.Conversations = []Conversation{{ID: "a/b", Remote: "bob"}}
		}, "conversations[0].id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("expected config to be created")
	}

	cfg.Conversations = []Conversation{{ID: "c1", Remote: "bob"}}
	cfg.Call.RingTimeoutSec = 10
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	again, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure reload: %v", err)
	}
	if created {
		t.Fatal("config should not be recreated")
	}
	if again.Call.RingTimeoutSec != 10 {
		t.Fatalf("ring timeout = %d, want 10", again.Call.RingTimeoutSec)
	}
	if remote, ok := again.Remote("c1"); !ok || remote != "bob" {
		t.Fatalf("Remote(c1) = %q, %v", remote, ok)
	}
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"call":{"ring_timeout_seconds":5}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Call.RingTimeoutSec != 5 {
		t.Fatalf("ring timeout = %d", cfg.Call.RingTimeoutSec)
	}
	if len(cfg.ICE.Servers) == 0 || cfg.Media.Source != MediaDevices {
		t.Fatal("defaults not preserved")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	if err := Watch(ctx, path, func(c Config) { got <- c }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	cfg.Call.RingTimeoutSec = 7
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if c.Call.RingTimeoutSec != 7 {
			t.Fatalf("reloaded ring timeout = %d, want 7", c.Call.RingTimeoutSec)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}
