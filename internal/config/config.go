package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/petervdpas/peershare/internal/util"
)

var log = logging.Logger("config")

// EnvPrefix prefixes environment overrides, e.g. PEERSHARE_BROKER_URL.
const EnvPrefix = "PEERSHARE"

type Config struct {
	Broker  Broker  `json:"broker" mapstructure:"broker"`
	ICE     ICE     `json:"ice" mapstructure:"ice"`
	Session Session `json:"session" mapstructure:"session"`
	Media   Media   `json:"media" mapstructure:"media"`
	Control Control `json:"control" mapstructure:"control"`
	Log     Log     `json:"log" mapstructure:"log"`
}

type Broker struct {
	// URL is the websocket endpoint sessions register with.
	URL string `json:"url" mapstructure:"url"`

	// Listen is the bind address of `peershare broker`.
	Listen        string `json:"listen" mapstructure:"listen"`
	MaxPeers      int    `json:"max_peers" mapstructure:"max_peers"`
	RatePerMinute int    `json:"rate_per_minute" mapstructure:"rate_per_minute"`
	PingSec       int    `json:"ping_seconds" mapstructure:"ping_seconds"`
}

type ICE struct {
	Servers         []string `json:"servers" mapstructure:"servers"`
	DisconnectedSec int      `json:"disconnected_seconds" mapstructure:"disconnected_seconds"`
	FailedSec       int      `json:"failed_seconds" mapstructure:"failed_seconds"`
	KeepaliveSec    int      `json:"keepalive_seconds" mapstructure:"keepalive_seconds"`
	PionLogLevel    string   `json:"pion_log_level" mapstructure:"pion_log_level"`
}

type Session struct {
	ConnectTimeoutSec  int `json:"connect_timeout_seconds" mapstructure:"connect_timeout_seconds"`
	IdentityTimeoutSec int `json:"identity_timeout_seconds" mapstructure:"identity_timeout_seconds"`
	HistorySize        int `json:"history_size" mapstructure:"history_size"`
}

type Media struct {
	Mic          bool    `json:"mic" mapstructure:"mic"`
	Camera       bool    `json:"camera" mapstructure:"camera"`
	Width        int     `json:"width" mapstructure:"width"`
	Height       int     `json:"height" mapstructure:"height"`
	FrameRate    float32 `json:"frame_rate" mapstructure:"frame_rate"`
	VideoBitRate int     `json:"video_bitrate" mapstructure:"video_bitrate"`
	AudioBitRate int     `json:"audio_bitrate" mapstructure:"audio_bitrate"`
}

type Control struct {
	Listen string `json:"listen" mapstructure:"listen"`

	// PublicURL is the externally reachable base used for share links,
	// e.g. https://share.example.org. Empty disables share links.
	PublicURL string `json:"public_url" mapstructure:"public_url"`
}

type Log struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"`
}

func Default() Config {
	return Config{
		Broker: Broker{
			URL:           "ws://127.0.0.1:8787/ws",
			Listen:        "127.0.0.1:8787",
			MaxPeers:      1024,
			RatePerMinute: 120,
			PingSec:       25,
		},
		ICE: ICE{
			Servers:         []string{"stun:stun.l.google.com:19302"},
			DisconnectedSec: 30,
			FailedSec:       120,
			KeepaliveSec:    2,
			PionLogLevel:    "warn",
		},
		Session: Session{
			ConnectTimeoutSec:  20,
			IdentityTimeoutSec: 10,
			HistorySize:        64,
		},
		Media: Media{
			Mic:          true,
			Camera:       false,
			Width:        640,
			Height:       480,
			FrameRate:    30,
			VideoBitRate: 1_500_000,
			AudioBitRate: 64_000,
		},
		Control: Control{
			Listen: "127.0.0.1:8090",
		},
		Log: Log{
			Level:  "info",
			Format: "color",
		},
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (b Broker) PingPeriod() time.Duration { return seconds(b.PingSec) }
func (i ICE) DisconnectedTimeout() time.Duration { return seconds(i.DisconnectedSec) }
func (i ICE) FailedTimeout() time.Duration { return seconds(i.FailedSec) }
func (i ICE) KeepaliveInterval() time.Duration { return seconds(i.KeepaliveSec) }
func (s Session) ConnectTimeout() time.Duration { return seconds(s.ConnectTimeoutSec) }
func (s Session) IdentityTimeout() time.Duration { return seconds(s.IdentityTimeoutSec) }

// ShareURL returns the join link for id, or "" when no public URL is set.
func (c Control) ShareURL(id string) string {
	base := strings.TrimRight(strings.TrimSpace(c.PublicURL), "/")
	if base == "" || id == "" {
		return ""
	}
	return base + "/join/" + url.PathEscape(id)
}

func (c *Config) Validate() error {
	// Broker
	if err := validateURL(c.Broker.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("broker.url: %w", err)
	}
	if strings.TrimSpace(c.Broker.Listen) != "" {
		if _, _, err := net.SplitHostPort(c.Broker.Listen); err != nil {
			return fmt.Errorf("broker.listen: %w", err)
		}
	}
	if c.Broker.MaxPeers <= 0 {
		return errors.New("broker.max_peers must be > 0")
	}
	if c.Broker.RatePerMinute < 1 || c.Broker.RatePerMinute > 600 {
		return errors.New("broker.rate_per_minute must be 1..600")
	}
	if c.Broker.PingSec <= 0 {
		return errors.New("broker.ping_seconds must be > 0")
	}

	// ICE
	for _, s := range c.ICE.Servers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("ice.servers: %q must be a stun: or turn: url", s)
		}
	}
	if c.ICE.DisconnectedSec <= 0 || c.ICE.FailedSec <= 0 || c.ICE.KeepaliveSec <= 0 {
		return errors.New("ice timeouts must be > 0")
	}
	if c.ICE.KeepaliveSec >= c.ICE.DisconnectedSec {
		return errors.New("ice.keepalive_seconds must be < ice.disconnected_seconds")
	}
	switch strings.ToLower(c.ICE.PionLogLevel) {
	case "disabled", "error", "warn", "info", "debug", "trace":
	default:
		return fmt.Errorf("ice.pion_log_level: unknown level %q", c.ICE.PionLogLevel)
	}

	// Session
	if c.Session.ConnectTimeoutSec <= 0 {
		return errors.New("session.connect_timeout_seconds must be > 0")
	}
	if c.Session.IdentityTimeoutSec <= 0 {
		return errors.New("session.identity_timeout_seconds must be > 0")
	}
	if c.Session.HistorySize <= 0 {
		return errors.New("session.history_size must be > 0")
	}

	// Media
	if c.Media.Width <= 0 || c.Media.Height <= 0 {
		return errors.New("media.width and media.height must be > 0")
	}
	if c.Media.FrameRate <= 0 || c.Media.FrameRate > 120 {
		return errors.New("media.frame_rate must be 1..120")
	}
	if c.Media.VideoBitRate <= 0 || c.Media.AudioBitRate <= 0 {
		return errors.New("media bitrates must be > 0")
	}

	// Control
	if strings.TrimSpace(c.Control.Listen) == "" {
		return errors.New("control.listen is required")
	}
	if _, _, err := net.SplitHostPort(c.Control.Listen); err != nil {
		return fmt.Errorf("control.listen: %w", err)
	}
	if p := strings.TrimSpace(c.Control.PublicURL); p != "" {
		if err := validateURL(p, "http", "https"); err != nil {
			return fmt.Errorf("control.public_url: %w", err)
		}
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, ok := logFormats[c.Log.Format]; !ok {
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if u.Hostname() == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	return nil
}

// Load reads path (JSON, YAML or TOML by extension) over the defaults,
// then applies .env and PEERSHARE_* environment overrides. An empty path
// uses defaults and environment only.
func Load(path string) (Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

func load(path string) (Config, *viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Debugw("dotenv not loaded", "err", err)
	}

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	d := Default()

	v.SetDefault("broker.url", d.Broker.URL)
	v.SetDefault("broker.listen", d.Broker.Listen)
	v.SetDefault("broker.max_peers", d.Broker.MaxPeers)
	v.SetDefault("broker.rate_per_minute", d.Broker.RatePerMinute)
	v.SetDefault("broker.ping_seconds", d.Broker.PingSec)

	v.SetDefault("ice.servers", d.ICE.Servers)
	v.SetDefault("ice.disconnected_seconds", d.ICE.DisconnectedSec)
	v.SetDefault("ice.failed_seconds", d.ICE.FailedSec)
	v.SetDefault("ice.keepalive_seconds", d.ICE.KeepaliveSec)
	v.SetDefault("ice.pion_log_level", d.ICE.PionLogLevel)

	v.SetDefault("session.connect_timeout_seconds", d.Session.ConnectTimeoutSec)
	v.SetDefault("session.identity_timeout_seconds", d.Session.IdentityTimeoutSec)
	v.SetDefault("session.history_size", d.Session.HistorySize)

	v.SetDefault("media.mic", d.Media.Mic)
	v.SetDefault("media.camera", d.Media.Camera)
	v.SetDefault("media.width", d.Media.Width)
	v.SetDefault("media.height", d.Media.Height)
	v.SetDefault("media.frame_rate", d.Media.FrameRate)
	v.SetDefault("media.video_bitrate", d.Media.VideoBitRate)
	v.SetDefault("media.audio_bitrate", d.Media.AudioBitRate)

	v.SetDefault("control.listen", d.Control.Listen)
	v.SetDefault("control.public_url", d.Control.PublicURL)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save validates cfg and writes it as JSON.
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

	if err := Save(path, Default()); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	cfg, err := Load(path)
	return cfg, true, err
}

// Watch re-reads path whenever it is written and hands every valid result
// to fn. Invalid edits are logged and skipped.
func Watch(path string, fn func(Config)) error {
	_, v, err := load(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			log.Warnw("config change rejected", "file", e.Name, "err", err)
			return
		}
		log.Infow("config reloaded", "file", e.Name)
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}
