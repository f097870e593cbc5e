package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"vtap/crypto"
	"vtap/log"
	"vtap/tun"
)

const (
	DefaultSocket        = "/var/run/vtap.sock"
	DefaultPollTimeoutMs = 250

	BridgeListen = "listen"
	BridgeDial   = "dial"
)

type Config struct {
	Device   Device   `toml:"device"`
	Log      Log      `toml:"log"`
	Metrics  Metrics  `toml:"metrics"`
	Control  Control  `toml:"control"`
	Identity Identity `toml:"identity"`
	Bridge   Bridge   `toml:"bridge"`
}

type Device struct {
	Name          string `toml:"name"`
	Medium        string `toml:"medium"`          // ethernet|tap|ip|tun
	Fd            int    `toml:"fd,omitempty"`    // inherited /dev/net/tun descriptor; 0 opens by name
	PollTimeoutMs int    `toml:"poll_timeout_ms"` // upper bound on one readiness wait
}

type Log struct {
	Level string `toml:"level"`
}

type Metrics struct {
	Listen string `toml:"listen"` // empty disables /metrics
}

type Control struct {
	Socket string `toml:"socket"`
}

type Identity struct {
	Cert        string `toml:"cert"`
	Key         string `toml:"key"`
	Fingerprint string `toml:"fingerprint"` // optional, checked against the cert when set
}

type Bridge struct {
	Mode            string `toml:"mode"` // "", "listen" or "dial"
	Address         string `toml:"address"`
	PeerFingerprint string `toml:"peer_fingerprint"` // required when dialing
	KnownPeers      string `toml:"known_peers"`      // TOFU store for listeners without peer_fingerprint
}

// Default returns a config with every optional field filled in.
func Default() *Config {
	return &Config{
		Device: Device{
			Medium:        "tun",
			PollTimeoutMs: DefaultPollTimeoutMs,
		},
		Log:     Log{Level: "info"},
		Control: Control{Socket: DefaultSocket},
	}
}

// Load reads and parses the config file, then validates it
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	md, err := toml.NewDecoder(f).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("parse %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Medium parses Device.Medium.
func (c *Config) Medium() (tun.Medium, error) {
	return tun.ParseMedium(c.Device.Medium)
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Medium(); err != nil {
		errs = append(errs, fmt.Errorf("device.medium: %w", err))
	}
	switch {
	case c.Device.Fd < 0:
		errs = append(errs, fmt.Errorf("device.fd: must not be negative"))
	case c.Device.Fd == 0 && strings.TrimSpace(c.Device.Name) == "":
		errs = append(errs, errors.New("device.name: required unless device.fd is set"))
	case len(c.Device.Name) > 15:
		errs = append(errs, fmt.Errorf("device.name: %q longer than 15 bytes", c.Device.Name))
	}
	if c.Device.PollTimeoutMs <= 0 {
		errs = append(errs, errors.New("device.poll_timeout_ms: must be positive"))
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, fmt.Errorf("metrics.listen: %w", err))
		}
	}

	switch c.Bridge.Mode {
	case "":
	case BridgeListen, BridgeDial:
		if err := ValidateHostPort(c.Bridge.Address, c.Bridge.Mode == BridgeListen); err != nil {
			errs = append(errs, fmt.Errorf("bridge.address: %w", err))
		}
		if c.Identity.Cert == "" || c.Identity.Key == "" {
			errs = append(errs, errors.New("identity.cert and identity.key: required by bridge"))
		}
		switch {
		case c.Bridge.PeerFingerprint != "":
			if !crypto.IsValidFingerprint(c.Bridge.PeerFingerprint) {
				errs = append(errs, errors.New("bridge.peer_fingerprint: want 64 hex characters"))
			}
		case c.Bridge.Mode == BridgeDial:
			errs = append(errs, errors.New("bridge.peer_fingerprint: required when dialing"))
		case c.Bridge.KnownPeers == "":
			errs = append(errs, errors.New("bridge.known_peers: required when listening without peer_fingerprint"))
		}
	default:
		errs = append(errs, fmt.Errorf("bridge.mode: unknown mode %q", c.Bridge.Mode))
	}

	if c.Identity.Fingerprint != "" && !crypto.IsValidFingerprint(c.Identity.Fingerprint) {
		errs = append(errs, errors.New("identity.fingerprint: want 64 hex characters"))
	}

	return errors.Join(errs...)
}

// ValidateHostPort checks a host:port pair. An empty host is accepted
// only when allowEmptyHost is set, as for listen addresses.
func ValidateHostPort(address string, allowEmptyHost bool) error {
	host, port, err := net.SplitHostPort(strings.TrimSpace(address))
	if err != nil {
		return err
	}
	if strings.TrimSpace(host) == "" && !allowEmptyHost {
		return errors.New("empty host")
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 1 || portNum > 65535 {
		return errors.New("port must be 1-65535")
	}
	return nil
}
