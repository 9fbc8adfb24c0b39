package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/carecall/internal/util"
	ma "github.com/multiformats/go-multiaddr"
)

// Signal transport modes.
const (
	SignalMemory    = "memory"
	SignalWebSocket = "websocket"
	SignalPubSub    = "pubsub"
)

type Config struct {
	Profile Profile `json:"profile"`
	ICE     ICE     `json:"ice"`
	Call    Call    `json:"call"`
	Signal  Signal  `json:"signal"`
	Relay   Relay   `json:"relay"`
	Viewer  Viewer  `json:"viewer"`
	Storage Storage `json:"storage"`
	Log     Log     `json:"log"`
}

type Profile struct {
	// Label shown to the remote participant (e.g. "Dr. Silva").
	Label string `json:"label"`
}

type ICE struct {
	// STUN (or operator-supplied TURN) URLs. TURN is never added implicitly.
	Servers []string `json:"servers"`

	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds"`
	KeepaliveSec           int `json:"keepalive_seconds"`
}

type Call struct {
	// 0 means wait for the remote side forever.
	NegotiationTimeoutSec int `json:"negotiation_timeout_seconds"`

	VideoMaxWidth  int `json:"video_max_width"`
	VideoMaxHeight int `json:"video_max_height"`
	VideoBitrate   int `json:"video_bitrate"`

	// Synthetic replaces camera/microphone capture with generated tracks.
	Synthetic bool `json:"synthetic"`
}

type Signal struct {
	Mode string `json:"mode"`

	// Websocket relay base URL, e.g. ws://127.0.0.1:8787
	RelayURL string `json:"relay_url"`

	// libp2p settings for pubsub mode.
	ListenPort int      `json:"listen_port"`
	KeyFile    string   `json:"key_file"`
	Bootstrap  []string `json:"bootstrap"`
	MdnsTag    string   `json:"mdns_tag"`
}

type Relay struct {
	Bind string `json:"bind"`
	Port int    `json:"port"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Storage struct {
	// Relative to the peer directory. Empty disables the call journal.
	DBPath string `json:"db_path"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Profile: Profile{
			Label: "participant",
		},
		ICE: ICE{
			Servers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepaliveSec:           2,
		},
		Call: Call{
			NegotiationTimeoutSec: 0,
			VideoMaxWidth:         640,
			VideoMaxHeight:        480,
			VideoBitrate:          1_500_000,
		},
		Signal: Signal{
			Mode:       SignalWebSocket,
			RelayURL:   "ws://127.0.0.1:8787",
			ListenPort: 0,
			KeyFile:    "data/identity.key",
			MdnsTag:    "carecall-mdns",
		},
		Relay: Relay{
			Bind: "127.0.0.1",
			Port: 8787,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7777",
		},
		Storage: Storage{
			DBPath: "data/calls.db",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// ICE
	for i, s := range c.ICE.Servers {
		if err := validateICEURL(s); err != nil {
			return fmt.Errorf("ice.servers[%d]: %w", i, err)
		}
	}
	if c.ICE.DisconnectedTimeoutSec <= 0 {
		return errors.New("ice.disconnected_timeout_seconds must be > 0")
	}
	if c.ICE.FailedTimeoutSec <= 0 {
		return errors.New("ice.failed_timeout_seconds must be > 0")
	}
	if c.ICE.KeepaliveSec <= 0 {
		return errors.New("ice.keepalive_seconds must be > 0")
	}
	if c.ICE.KeepaliveSec >= c.ICE.DisconnectedTimeoutSec {
		return errors.New("ice.keepalive_seconds must be < ice.disconnected_timeout_seconds")
	}

	// Call
	if c.Call.NegotiationTimeoutSec < 0 {
		return errors.New("call.negotiation_timeout_seconds must be >= 0")
	}
	if c.Call.VideoMaxWidth <= 0 || c.Call.VideoMaxHeight <= 0 {
		return errors.New("call.video_max_width and call.video_max_height must be > 0")
	}
	if c.Call.VideoBitrate <= 0 {
		return errors.New("call.video_bitrate must be > 0")
	}

	// Signal
	switch c.Signal.Mode {
	case SignalMemory:
	case SignalWebSocket:
		if err := validateRelayURL(c.Signal.RelayURL); err != nil {
			return fmt.Errorf("signal.relay_url: %w", err)
		}
	case SignalPubSub:
		if c.Signal.ListenPort < 0 || c.Signal.ListenPort > 65535 {
			return errors.New("signal.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Signal.KeyFile) == "" {
			return errors.New("signal.key_file is required in pubsub mode")
		}
		for i, b := range c.Signal.Bootstrap {
			if _, err := ma.NewMultiaddr(b); err != nil {
				return fmt.Errorf("signal.bootstrap[%d]: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("signal.mode must be one of %s, %s, %s", SignalMemory, SignalWebSocket, SignalPubSub)
	}

	// Relay
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return errors.New("relay.port must be 1..65535")
	}
	if b := c.Relay.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("relay.bind must be a valid IP address")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}

	return nil
}

func validateICEURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("empty url")
	}
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok || rest == "" {
		return errors.New("missing host")
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("unsupported scheme %q", scheme)
	}
	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

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
