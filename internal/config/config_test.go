package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Link.Transport != TransportSerial || cfg.Link.Device != "/dev/hvc1" {
		t.Errorf("link = %+v", cfg.Link)
	}
	if cfg.Link.HandshakeTimeout.Duration != 30*time.Second {
		t.Errorf("handshake timeout = %s", cfg.Link.HandshakeTimeout)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
log_level = "debug"

[link]
transport = "websocket"
url = "ws://127.0.0.1:5700/console"
handshake_timeout = "2m"

[daemon]
address = "127.0.0.1:7000"

[runner]
reboot_command = ["reboot", "-f"]
`)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Link.Transport != TransportWebSocket {
		t.Errorf("transport = %q", cfg.Link.Transport)
	}
	if cfg.Link.URL == nil || *cfg.Link.URL != "ws://127.0.0.1:5700/console" {
		t.Errorf("url = %v", cfg.Link.URL)
	}
	if cfg.Link.HandshakeTimeout.Duration != 2*time.Minute {
		t.Errorf("handshake timeout = %s", cfg.Link.HandshakeTimeout)
	}
	if cfg.Daemon.Address == nil || *cfg.Daemon.Address != "127.0.0.1:7000" {
		t.Errorf("daemon address = %v", cfg.Daemon.Address)
	}
	// Unset keys keep their defaults.
	if cfg.Daemon.Socket != "/run/vpnd/management.sock" {
		t.Errorf("daemon socket = %q", cfg.Daemon.Socket)
	}
	if strings.Join(cfg.Runner.RebootCommand, " ") != "reboot -f" {
		t.Errorf("reboot command = %v", cfg.Runner.RebootCommand)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[link]\ndevice = \"/dev/ttyS1\"\n")
	t.Setenv("GUESTLINK_DEVICE", "/dev/hvc2")
	t.Setenv("GUESTLINK_HANDSHAKE_TIMEOUT", "5s")
	t.Setenv("GUESTLINK_DAEMON_SOCKET", "/tmp/d.sock")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Link.Device != "/dev/hvc2" {
		t.Errorf("device = %q, want env override", cfg.Link.Device)
	}
	if cfg.Link.HandshakeTimeout.Duration != 5*time.Second {
		t.Errorf("handshake timeout = %s", cfg.Link.HandshakeTimeout)
	}
	if cfg.Daemon.Socket != "/tmp/d.sock" {
		t.Errorf("daemon socket = %q", cfg.Daemon.Socket)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
		want string
	}{
		{name: "transport", body: "[link]\ntransport = \"carrier-pigeon\"\n", want: "unknown link.transport"},
		{name: "websocket without url", body: "[link]\ntransport = \"websocket\"\n", want: "link.url or link.listen"},
		{name: "duration", body: "[link]\nhandshake_timeout = \"soon\"\n", want: "parsing"},
		{name: "zero timeout", body: "[link]\nhandshake_timeout = \"0s\"\n", want: "must be positive"},
		{name: "log level", body: "log_level = \"loud\"\n", want: "invalid log level"},
		{name: "env duration", env: map[string]string{"GUESTLINK_HANDSHAKE_TIMEOUT": "x"}, want: "GUESTLINK_HANDSHAKE_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.body != "" {
				writeConfig(t, dir, tt.body)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(dir)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	cfg := Default()
	cfg.Link.Device = "/dev/ttyS4"
	cfg.Link.OpenTimeout = Duration{90 * time.Second}

	if err := cfg.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.Link.Device != "/dev/ttyS4" || got.Link.OpenTimeout.Duration != 90*time.Second {
		t.Errorf("link = %+v", got.Link)
	}
}
