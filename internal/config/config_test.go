package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	req := require.New(t)

	cfg := Default()

	req.NoError(cfg.Validate())
	req.Zero(cfg.Call.NegotiationTimeoutSec)
	req.NotEmpty(cfg.ICE.Servers)
	for _, s := range cfg.ICE.Servers {
		req.Contains(s, "stun:")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"turn server accepted", func(c *Config) { c.ICE.Servers = append(c.ICE.Servers, "turn:turn.example.org:3478") }, ""},
		{"empty server list accepted", func(c *Config) { c.ICE.Servers = nil }, ""},
		{"bad ice scheme", func(c *Config) { c.ICE.Servers = []string{"http://stun.example.org"} }, "ice.servers[0]"},
		{"keepalive too long", func(c *Config) { c.ICE.KeepaliveSec = 60 }, "ice.keepalive_seconds"},
		{"negative negotiation timeout", func(c *Config) { c.Call.NegotiationTimeoutSec = -1 }, "call.negotiation_timeout_seconds"},
		{"unknown signal mode", func(c *Config) { c.Signal.Mode = "carrier-pigeon" }, "signal.mode"},
		{"relay url must be websocket", func(c *Config) { c.Signal.RelayURL = "http://127.0.0.1:8787" }, "signal.relay_url"},
		{"bad bootstrap multiaddr", func(c *Config) {
			c.Signal.Mode = SignalPubSub
			c.Signal.Bootstrap = []string{"not-a-multiaddr"}
		}, "signal.bootstrap[0]"},
		{"relay port range", func(c *Config) { c.Relay.Port = 70000 }, "relay.port"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()

			if tt.wantErr == "" {
				req.NoError(err)
				return
			}
			req.ErrorContains(err, tt.wantErr)
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "carecall.json")

	cfg, created, err := Ensure(path)
	req.NoError(err)
	req.True(created)
	req.Equal(Default(), cfg)

	cfg.Profile.Label = "Dr. Silva"
	req.NoError(Save(path, cfg))

	loaded, created, err := Ensure(path)
	req.NoError(err)
	req.False(created)
	req.Equal("Dr. Silva", loaded.Profile.Label)
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "carecall.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"profile":{"label":"caregiver"}}`)...)
	req.NoError(os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)

	req.NoError(err)
	req.Equal("caregiver", cfg.Profile.Label)
	req.Equal(Default().ICE, cfg.ICE)
}

func TestWatcherReloadsValidEdits(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "carecall.json")
	cfg, _, err := Ensure(path)
	req.NoError(err)

	loaded := make(chan Config, 16)
	w, err := Watch(path, cfg, func(c Config) { loaded <- c })
	req.NoError(err)
	defer w.Close()

	// Invalid edit is ignored.
	req.NoError(os.WriteFile(path, []byte(`{"log":{"level":"loud"}}`), 0o644))

	cfg.ICE.Servers = []string{"stun:stun.example.org:3478"}
	req.NoError(Save(path, cfg))

	select {
	case got := <-loaded:
		req.Equal([]string{"stun:stun.example.org:3478"}, got.ICE.Servers)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload not observed")
	}
	req.Equal([]string{"stun:stun.example.org:3478"}, w.Current().ICE.Servers)
}
