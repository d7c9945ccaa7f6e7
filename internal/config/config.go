package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("config")

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Call     Call     `json:"call"`
	Media    Media    `json:"media"`
	Viewer   Viewer   `json:"viewer"`
	Logging  Logging  `json:"logging"`
}

type Identity struct {
	KeyFile     string `json:"key_file"`
	DisplayName string `json:"display_name"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Multiaddrs with a /p2p/<id> suffix, dialled at startup and kept
	// connected. Useful where mDNS does not reach.
	BootstrapPeers []string `json:"bootstrap_peers"`
}

type Presence struct {
	Topic        string `json:"topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Call struct {
	ICEServers         []ICEServer `json:"ice_servers"`
	ICETransportPolicy string      `json:"ice_transport_policy"` // all|relay

	DisconnectGraceMs int `json:"disconnect_grace_ms"`
	MaxRetryAttempts  int `json:"max_retry_attempts"`
	BackoffBaseMs     int `json:"backoff_base_ms"`
	BackoffMaxMs      int `json:"backoff_max_ms"`
	QualityIntervalMs int `json:"quality_interval_ms"`
	RingTimeoutSec    int `json:"ring_timeout_seconds"`

	// pion ICE agent timers; 0 keeps the pion default.
	ICEDisconnectedTimeoutMs int `json:"ice_disconnected_timeout_ms"`
	ICEFailedTimeoutMs       int `json:"ice_failed_timeout_ms"`
	ICEKeepaliveMs           int `json:"ice_keepalive_ms"`
}

type Media struct {
	DeviceID     string `json:"device_id"`
	SampleRate   int    `json:"sample_rate"`
	LowBandwidth bool   `json:"low_bandwidth"` // 16 kHz capture, 40 ms frames

	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Logging struct {
	Level      string            `json:"level"`
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile:     "data/identity.key",
			DisplayName: "goopcall",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "goopcall-mdns",
		},
		Presence: Presence{
			Topic:        "goopcall.presence.v1",
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Call: Call{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			ICETransportPolicy: "all",
			DisconnectGraceMs:  10000,
			MaxRetryAttempts:   3,
			BackoffBaseMs:      1000,
			BackoffMaxMs:       5000,
			QualityIntervalMs:  3000,
			RingTimeoutSec:     45,
		},
		Media: Media{
			SampleRate:       48000,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	name, err := util.ValidateDisplayName(c.Identity.DisplayName)
	if err != nil {
		return fmt.Errorf("identity.display_name: %w", err)
	}
	c.Identity.DisplayName = name

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	for _, s := range c.P2P.BootstrapPeers {
		if err := validateBootstrap(s); err != nil {
			return fmt.Errorf("p2p.bootstrap_peers: %w", err)
		}
	}

	// Presence
	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	// Call
	if err := c.Call.validate(); err != nil {
		return err
	}

	// Media
	switch c.Media.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return errors.New("media.sample_rate must be one of 8000, 12000, 16000, 24000, 48000")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Logging
	return c.Logging.validate()
}

func (c Call) validate() error {
	if len(c.ICEServers) == 0 {
		return errors.New("call.ice_servers must not be empty")
	}
	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("call.ice_servers[%d]: urls is required", i)
		}
		for _, u := range s.URLs {
			if err := validateICEURL(u); err != nil {
				return fmt.Errorf("call.ice_servers[%d]: %w", i, err)
			}
		}
	}
	switch c.ICETransportPolicy {
	case "all", "relay":
	default:
		return errors.New(`call.ice_transport_policy must be "all" or "relay"`)
	}

	positive := []struct {
		name string
		v    int
	}{
		{"call.disconnect_grace_ms", c.DisconnectGraceMs},
		{"call.backoff_base_ms", c.BackoffBaseMs},
		{"call.backoff_max_ms", c.BackoffMaxMs},
		{"call.quality_interval_ms", c.QualityIntervalMs},
		{"call.ring_timeout_seconds", c.RingTimeoutSec},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be > 0", p.name)
		}
	}
	if c.MaxRetryAttempts < 1 || c.MaxRetryAttempts > 10 {
		return errors.New("call.max_retry_attempts must be 1..10")
	}
	if c.BackoffMaxMs < c.BackoffBaseMs {
		return errors.New("call.backoff_max_ms must be >= call.backoff_base_ms")
	}
	if c.ICEDisconnectedTimeoutMs < 0 || c.ICEFailedTimeoutMs < 0 || c.ICEKeepaliveMs < 0 {
		return errors.New("call ICE timers must be >= 0")
	}
	return nil
}

func validateICEURL(u string) error {
	for _, scheme := range []string{"stun:", "turn:", "turns:"} {
		if strings.HasPrefix(u, scheme) && len(u) > len(scheme) {
			return nil
		}
	}
	return fmt.Errorf("invalid ICE url %q (want stun:, turn: or turns:)", u)
}

func validateBootstrap(s string) error {
	a, err := ma.NewMultiaddr(s)
	if err != nil {
		return fmt.Errorf("%q: %w", s, err)
	}
	if _, err := peer.AddrInfoFromP2pAddr(a); err != nil {
		return fmt.Errorf("%q: %w", s, err)
	}
	return nil
}

func (l *Logging) validate() error {
	if l.Level == "" {
		l.Level = "info"
	}
	if _, err := logging.LevelFromString(l.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	for sys, lvl := range l.Subsystems {
		if _, err := logging.LevelFromString(lvl); err != nil {
			return fmt.Errorf("logging.subsystems[%s]: %w", sys, err)
		}
	}
	return nil
}

// Timing derives the call timing from the config.
func (c Call) Timing() call.Timing {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	t := call.DefaultTiming()
	t.DisconnectGrace = ms(c.DisconnectGraceMs)
	t.MaxRetries = c.MaxRetryAttempts
	t.BackoffBase = ms(c.BackoffBaseMs)
	t.BackoffMax = ms(c.BackoffMaxMs)
	t.QualityInterval = ms(c.QualityIntervalMs)
	t.RingTimeout = time.Duration(c.RingTimeoutSec) * time.Second
	return t
}

// PeerConfig builds the pion peer settings. registerCodecs comes from the
// capturer so the negotiated codec matches what the microphone produces.
func (c Call) PeerConfig(registerCodecs func(*webrtc.MediaEngine) error) call.PeerConfig {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" || s.Credential != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, srv)
	}
	policy := webrtc.ICETransportPolicyAll
	if c.ICETransportPolicy == "relay" {
		policy = webrtc.ICETransportPolicyRelay
	}
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return call.PeerConfig{
		ICEServers:          servers,
		ICETransportPolicy:  policy,
		DisconnectedTimeout: ms(c.ICEDisconnectedTimeoutMs),
		FailedTimeout:       ms(c.ICEFailedTimeoutMs),
		KeepAliveInterval:   ms(c.ICEKeepaliveMs),
		RegisterCodecs:      registerCodecs,
	}
}

// Constraints returns the capture profile for calls.
func (m Media) Constraints() call.AudioConstraints {
	c := call.VoiceConstraints(m.DeviceID, m.SampleRate, m.LowBandwidth)
	c.EchoCancellation = m.EchoCancellation
	c.NoiseSuppression = m.NoiseSuppression
	c.AutoGainControl = m.AutoGainControl
	return c
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
