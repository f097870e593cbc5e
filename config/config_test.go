package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vtap/tun"
)

const testFingerprint = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vtap.toml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, `
[device]
name = "tap0"
medium = "tap"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Device.Name != "tap0" {
		t.Fatalf("device.name = %q, want tap0", cfg.Device.Name)
	}
	medium, err := cfg.Medium()
	if err != nil || medium != tun.MediumEthernet {
		t.Fatalf("Medium() = %v, %v; want ethernet", medium, err)
	}
	if cfg.Device.PollTimeoutMs != DefaultPollTimeoutMs {
		t.Fatalf("poll_timeout_ms = %d, want default %d", cfg.Device.PollTimeoutMs, DefaultPollTimeoutMs)
	}
	if cfg.Control.Socket != DefaultSocket {
		t.Fatalf("control.socket = %q, want %q", cfg.Control.Socket, DefaultSocket)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log.level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadFullBridgeConfig(t *testing.T) {
	path := writeFile(t, `
[device]
name = "tun7"
medium = "ip"
poll_timeout_ms = 100

[log]
level = "debug"

[metrics]
listen = ":9100"

[identity]
cert = "/etc/vtap/node.crt"
key = "/etc/vtap/node.key"

[bridge]
mode = "dial"
address = "198.51.100.7:51820"
peer_fingerprint = "`+testFingerprint+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Bridge.Mode != BridgeDial || cfg.Bridge.PeerFingerprint != testFingerprint {
		t.Fatalf("unexpected bridge section %+v", cfg.Bridge)
	}
	if cfg.Metrics.Listen != ":9100" || cfg.Device.PollTimeoutMs != 100 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "unknown key",
			body:    "[device]\nname = \"tap0\"\nmtu = 9000\n",
			wantErr: "unknown keys device.mtu",
		},
		{
			name:    "bad medium",
			body:    "[device]\nname = \"tap0\"\nmedium = \"wifi\"\n",
			wantErr: "device.medium",
		},
		{
			name:    "missing name",
			body:    "[device]\nmedium = \"tun\"\n",
			wantErr: "device.name",
		},
		{
			name:    "name too long",
			body:    "[device]\nname = \"a-very-long-tap-name\"\n",
			wantErr: "longer than 15 bytes",
		},
		{
			name:    "bad log level",
			body:    "[device]\nname = \"tun0\"\n[log]\nlevel = \"loud\"\n",
			wantErr: "log.level",
		},
		{
			name:    "bridge without identity",
			body:    "[device]\nname = \"tun0\"\n[bridge]\nmode = \"listen\"\naddress = \":51820\"\n",
			wantErr: "required by bridge",
		},
		{
			name:    "dial without fingerprint",
			body:    "[device]\nname = \"tun0\"\n[identity]\ncert = \"c\"\nkey = \"k\"\n[bridge]\nmode = \"dial\"\naddress = \"10.0.0.1:51820\"\n",
			wantErr: "bridge.peer_fingerprint",
		},
		{
			name:    "listen without peer pin",
			body:    "[device]\nname = \"tun0\"\n[identity]\ncert = \"c\"\nkey = \"k\"\n[bridge]\nmode = \"listen\"\naddress = \":51820\"\n",
			wantErr: "bridge.known_peers",
		},
		{
			name:    "unknown bridge mode",
			body:    "[device]\nname = \"tun0\"\n[bridge]\nmode = \"mesh\"\n",
			wantErr: "bridge.mode",
		},
		{
			name:    "malformed toml",
			body:    "[device\nname = \"tun0\"\n",
			wantErr: "parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestDeviceFdWithoutName(t *testing.T) {
	cfg := Default()
	cfg.Device.Fd = 5
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fd-only device should validate: %v", err)
	}
}

func TestValidateHostPort(t *testing.T) {
	if err := ValidateHostPort("127.0.0.1:51820", false); err != nil {
		t.Fatalf("expected valid host:port, got error: %v", err)
	}
	if err := ValidateHostPort(":51820", true); err != nil {
		t.Fatalf("expected listen address to be valid, got error: %v", err)
	}
	if err := ValidateHostPort(":51820", false); err == nil {
		t.Fatalf("expected empty host error")
	}
	if err := ValidateHostPort("invalid", false); err == nil {
		t.Fatalf("expected invalid host:port error")
	}
	if err := ValidateHostPort("127.0.0.1:70000", false); err == nil {
		t.Fatalf("expected invalid port error")
	}
}
