package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const fileName = "guestlink.toml"

// Link transports.
const (
	TransportSerial    = "serial"
	TransportWebSocket = "websocket"
)

// Config is the top-level configuration loaded from guestlink.toml.
type Config struct {
	Link     LinkConfig   `toml:"link"`
	Daemon   DaemonConfig `toml:"daemon"`
	Runner   RunnerConfig `toml:"runner"`
	LogLevel string       `toml:"log_level"`
}

// LinkConfig describes the physical link to the peer.
type LinkConfig struct {
	// "serial" or "websocket".
	Transport string `toml:"transport"`
	// Serial or virtio console device, e.g. /dev/hvc1 in the guest or the
	// pty the hypervisor exposes on the host.
	Device string `toml:"device"`
	// WebSocket console URL to dial (websocket transport).
	URL *string `toml:"url,omitempty"`
	// Address to accept WebSocket console connections on (websocket
	// transport, serve side).
	Listen *string `toml:"listen,omitempty"`

	HandshakeTimeout Duration `toml:"handshake_timeout"`
	// How long to keep retrying a device that does not exist yet.
	OpenTimeout Duration `toml:"open_timeout"`
}

// DaemonConfig locates the VPN daemon's management endpoint in the guest.
type DaemonConfig struct {
	Socket string `toml:"socket"`
	// TCP address used instead of Socket when set.
	Address     *string  `toml:"address,omitempty"`
	DialTimeout Duration `toml:"dial_timeout"`
}

// RunnerConfig configures the runner service. An empty RebootCommand
// disables runner.reboot.
type RunnerConfig struct {
	RebootCommand []string `toml:"reboot_command"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Link: LinkConfig{
			Transport:        TransportSerial,
			Device:           "/dev/hvc1",
			HandshakeTimeout: Duration{30 * time.Second},
			OpenTimeout:      Duration{time.Minute},
		},
		Daemon: DaemonConfig{
			Socket:      "/run/vpnd/management.sock",
			DialTimeout: Duration{30 * time.Second},
		},
		Runner: RunnerConfig{
			RebootCommand: []string{"systemctl", "reboot"},
		},
		LogLevel: "info",
	}
}

// LoadConfig reads guestlink.toml from dataDir over the defaults, applies
// GUESTLINK_* environment overrides and validates the result. A missing
// file is not an error.
func LoadConfig(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, fileName)
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("GUESTLINK_TRANSPORT"); v != "" {
		c.Link.Transport = v
	}
	if v := os.Getenv("GUESTLINK_DEVICE"); v != "" {
		c.Link.Device = v
	}
	if v := os.Getenv("GUESTLINK_URL"); v != "" {
		c.Link.URL = &v
	}
	if v := os.Getenv("GUESTLINK_LISTEN"); v != "" {
		c.Link.Listen = &v
	}
	if v := os.Getenv("GUESTLINK_HANDSHAKE_TIMEOUT"); v != "" {
		if err := c.Link.HandshakeTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("GUESTLINK_HANDSHAKE_TIMEOUT: %w", err)
		}
	}
	if v := os.Getenv("GUESTLINK_DAEMON_SOCKET"); v != "" {
		c.Daemon.Socket = v
	}
	if v := os.Getenv("GUESTLINK_DAEMON_ADDRESS"); v != "" {
		c.Daemon.Address = &v
	}
	if v := os.Getenv("GUESTLINK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Link.Transport {
	case TransportSerial:
		if c.Link.Device == "" {
			return fmt.Errorf("link.device is required for the serial transport")
		}
	case TransportWebSocket:
		if c.Link.URL == nil && c.Link.Listen == nil {
			return fmt.Errorf("link.url or link.listen is required for the websocket transport")
		}
	default:
		return fmt.Errorf("unknown link.transport %q (want %q or %q)", c.Link.Transport, TransportSerial, TransportWebSocket)
	}
	if c.Link.HandshakeTimeout.Duration <= 0 {
		return fmt.Errorf("link.handshake_timeout must be positive, got %s", c.Link.HandshakeTimeout)
	}
	if c.Link.OpenTimeout.Duration <= 0 {
		return fmt.Errorf("link.open_timeout must be positive, got %s", c.Link.OpenTimeout)
	}
	if c.Daemon.Socket == "" && c.Daemon.Address == nil {
		return fmt.Errorf("daemon.socket or daemon.address is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel parses a slog level name such as "debug" or "warn".
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// Save writes the configuration to guestlink.toml inside dataDir, creating
// the directory if necessary.
func (c *Config) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dataDir, fileName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encoding %s: %w", fileName, err)
	}
	return nil
}
