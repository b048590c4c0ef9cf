package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/goparty/internal/pingpong"
	"github.com/petervdpas/goparty/internal/proto"
	"github.com/petervdpas/goparty/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Session  Session  `json:"session"`
	Ping     Ping     `json:"ping"`
	Profile  Profile  `json:"profile"`
	Viewer   Viewer   `json:"viewer"`
	Log      Log      `json:"log"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Multiaddrs with a /p2p/<id> suffix dialled at startup, for peers
	// outside mDNS reach.
	Bootstrap []string `json:"bootstrap"`
}

type Session struct {
	// Peers sharing a session id see each other as members.
	ID          string `json:"id"`
	TopicPrefix string `json:"topic_prefix"`
}

type Ping struct {
	IntervalMs   int `json:"interval_ms"`
	RecentWindow int `json:"recent_window"`

	// 0 = keep retrying until the peer leaves.
	AcquireAttempts   uint `json:"acquire_attempts"`
	AcquireDelayMs    int  `json:"acquire_delay_ms"`
	AcquireMaxDelayMs int  `json:"acquire_max_delay_ms"`
}

type Profile struct {
	Name  string `json:"name"`
	Item  string `json:"item"`
	Ready bool   `json:"ready"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level string `json:"level"`
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
		Session: Session{
			ID:          "",
			TopicPrefix: proto.SessionTopicPrefix,
		},
		Ping: Ping{
			IntervalMs:        int(pingpong.DefaultInterval / time.Millisecond),
			RecentWindow:      pingpong.DefaultRecentWindow,
			AcquireAttempts:   0,
			AcquireDelayMs:    500,
			AcquireMaxDelayMs: 30000,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7788",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	for _, s := range c.P2P.Bootstrap {
		if _, err := ma.NewMultiaddr(s); err != nil {
			return fmt.Errorf("p2p.bootstrap: %q: %w", s, err)
		}
	}

	// Session
	if strings.TrimSpace(c.Session.ID) == "" {
		return errors.New("session.id is required")
	}
	if strings.TrimSpace(c.Session.TopicPrefix) == "" {
		return errors.New("session.topic_prefix is required")
	}

	// Ping
	if c.Ping.IntervalMs < 10 || c.Ping.IntervalMs > 60000 {
		return errors.New("ping.interval_ms must be 10..60000")
	}
	if c.Ping.RecentWindow < 1 || c.Ping.RecentWindow > 1024 {
		return errors.New("ping.recent_window must be 1..1024")
	}
	if c.Ping.AcquireDelayMs <= 0 {
		return errors.New("ping.acquire_delay_ms must be > 0")
	}
	if c.Ping.AcquireMaxDelayMs < c.Ping.AcquireDelayMs {
		return errors.New("ping.acquire_max_delay_ms must be >= ping.acquire_delay_ms")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}

// PingOptions converts the ping section for the engine.
func (c *Config) PingOptions() pingpong.Options {
	opts := pingpong.DefaultOptions()
	opts.Interval = time.Duration(c.Ping.IntervalMs) * time.Millisecond
	opts.RecentWindow = c.Ping.RecentWindow
	opts.AcquireAttempts = c.Ping.AcquireAttempts
	opts.AcquireDelay = time.Duration(c.Ping.AcquireDelayMs) * time.Millisecond
	opts.AcquireMaxDelay = time.Duration(c.Ping.AcquireMaxDelayMs) * time.Millisecond
	return opts
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

// Ensure loads config if it exists; otherwise creates a default config file
// with a fresh session id. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Session.ID = uuid.NewString()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
