package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/BurntSushi/toml"

	"vtap/config"
	"vtap/control"
	"vtap/crypto"
)

const (
	defaultConfigPath = "/etc/vtap/config.toml"
	defaultCertPath   = "/etc/vtap/certs/node.crt"
	defaultKeyPath    = "/etc/vtap/certs/node.key"
	defaultKnownPeers = "/etc/vtap/known_peers.json"
	tunControlPath    = "/dev/net/tun"
)

func main() {
	jsonMode := flag.Bool("json", false, "Output raw JSON for daemon commands")
	socket := flag.String("socket", config.DefaultSocket, "Daemon control socket")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch cmd {
	case "status", "caps", "shutdown":
		err = runDaemonCommand(os.Stdout, *socket, cmd, *jsonMode)
	case "init":
		err = runInit(args)
	case "doctor":
		err = runDoctor(args)
	default:
		flag.Usage()
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [--json] [--socket path] <command> [options]\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Daemon control commands:")
	fmt.Fprintln(os.Stderr, "  status | caps | shutdown")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Setup commands:")
	fmt.Fprintln(os.Stderr, "  init      Generate cert/key/fingerprint and write config TOML")
	fmt.Fprintln(os.Stderr, "  doctor    Validate config, identity and host prerequisites")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Use '<command> -h' for command-specific flags.")
	flag.PrintDefaults()
}

func runDaemonCommand(w io.Writer, socket, cmd string, jsonMode bool) error {
	raw, err := control.Request(socket, cmd)
	if err != nil {
		return err
	}

	if jsonMode {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode output: %w", err)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	return printOutput(w, cmd, raw)
}

func printOutput(w io.Writer, cmd string, raw json.RawMessage) error {
	switch cmd {
	case "caps":
		var c control.CapsOutput
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("decode caps: %w", err)
		}
		fmt.Fprintf(w, "Device: %s\nMedium: %s\nMTU:    %d\n", c.Device, c.Medium, c.MTU)

	case "status":
		var s control.StatusOutput
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "Device:\t%s (%s, mtu %d)\n", s.Device, s.Medium, s.MTU)
		fmt.Fprintf(tw, "Uptime:\t%s\n", s.Uptime)
		fmt.Fprintf(tw, "RX:\t%d packets\t%d bytes\n", s.Stats.RxPackets, s.Stats.RxBytes)
		fmt.Fprintf(tw, "TX:\t%d packets\t%d bytes\n", s.Stats.TxPackets, s.Stats.TxBytes)
		fmt.Fprintf(tw, "Errors:\t%d read\t%d write\n", s.Stats.ReadErrors, s.Stats.WriteErrors)
		fmt.Fprintf(tw, "Empty polls:\t%d\n", s.Stats.EmptyPolls)
		if s.Bridge != nil {
			fmt.Fprintf(tw, "Bridge:\t%d sent\t%d received\t%d dropped\n", s.Bridge.Sent, s.Bridge.Received, s.Bridge.Dropped)
		} else {
			fmt.Fprintf(tw, "Bridge:\tdisabled\n")
		}
		return tw.Flush()

	default:
		fmt.Fprintln(w, "OK")
	}
	return nil
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", defaultConfigPath, "Path to config file to write")
	certPath := fs.String("cert", defaultCertPath, "Path to node certificate to write")
	keyPath := fs.String("key", defaultKeyPath, "Path to node private key to write")
	name := fs.String("name", defaultNodeName(), "Node name / certificate common name")
	device := fs.String("device", "vtap0", "Interface name to create or attach to")
	medium := fs.String("medium", "tun", "Device medium: tun|ip|tap|ethernet")
	mode := fs.String("bridge", "", "Bridge mode: listen|dial (empty disables the bridge)")
	address := fs.String("address", "", "Bridge address (host:port)")
	peerFP := fs.String("peer-fingerprint", "", "Pinned peer certificate fingerprint")
	metricsAddr := fs.String("metrics", "", "Prometheus listen address (empty disables)")
	force := fs.Bool("force", false, "Overwrite existing config/cert/key files")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s init [options]\n", os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if !*force {
		if pathExists(*configPath) {
			return fmt.Errorf("config %q already exists (use --force to overwrite)", *configPath)
		}
		if pathExists(*certPath) {
			return fmt.Errorf("certificate %q already exists (use --force to overwrite)", *certPath)
		}
		if pathExists(*keyPath) {
			return fmt.Errorf("private key %q already exists (use --force to overwrite)", *keyPath)
		}
	}

	cfg := config.Default()
	cfg.Device.Name = *device
	cfg.Device.Medium = *medium
	cfg.Metrics.Listen = *metricsAddr
	cfg.Identity.Cert = *certPath
	cfg.Identity.Key = *keyPath
	cfg.Bridge.Mode = *mode
	cfg.Bridge.Address = *address
	cfg.Bridge.PeerFingerprint = strings.TrimSpace(*peerFP)
	if cfg.Bridge.Mode == config.BridgeListen && cfg.Bridge.PeerFingerprint == "" {
		cfg.Bridge.KnownPeers = filepath.Join(filepath.Dir(*configPath), filepath.Base(defaultKnownPeers))
	}
	// checked before any file is written
	if err := cfg.Validate(); err != nil {
		return err
	}

	fp, err := crypto.GenerateIdentity(*certPath, *keyPath, *name)
	if err != nil {
		return err
	}
	cfg.Identity.Fingerprint = fp

	if err := writeConfig(*configPath, cfg); err != nil {
		return err
	}

	fmt.Printf("Initialized %s\nFingerprint: %s\n", *configPath, fp)
	return nil
}

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s doctor [options]\n", os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	passCount, warnCount, failCount := 0, 0, 0
	report := func(level, check, message string) {
		fmt.Printf("%s %s: %s\n", level, check, message)
		switch level {
		case "PASS":
			passCount++
		case "WARN":
			warnCount++
		case "FAIL":
			failCount++
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		report("FAIL", "1) config parse/validate", err.Error())
		fmt.Printf("Summary: PASS=%d WARN=%d FAIL=%d\n", passCount, warnCount, failCount)
		return fmt.Errorf("doctor detected %d failing checks", failCount)
	}
	report("PASS", "1) config parse/validate", fmt.Sprintf("loaded %q", *configPath))

	medium, _ := cfg.Medium()
	if cfg.Device.Fd > 0 {
		report("PASS", "2) device", fmt.Sprintf("attach to inherited fd %d as %s", cfg.Device.Fd, medium))
	} else {
		report("PASS", "2) device", fmt.Sprintf("open %q as %s", cfg.Device.Name, medium))
	}

	switch {
	case cfg.Device.Fd > 0:
		report("PASS", "3) tun control device", "not needed for an inherited fd")
	case pathExists(tunControlPath):
		report("PASS", "3) tun control device", tunControlPath+" present")
	default:
		report("FAIL", "3) tun control device", tunControlPath+" missing (is the tun module loaded?)")
	}

	socketDir := filepath.Dir(cfg.Control.Socket)
	if info, err := os.Stat(socketDir); err != nil || !info.IsDir() {
		report("WARN", "4) control socket directory", fmt.Sprintf("%q is not a directory", socketDir))
	} else {
		report("PASS", "4) control socket directory", fmt.Sprintf("%q exists", socketDir))
	}

	if cfg.Bridge.Mode == "" {
		report("WARN", "5) bridge identity", "bridge disabled; device input will be discarded")
	} else if _, err := crypto.LoadTLS(cfg.Identity.Cert, cfg.Identity.Key, cfg.Identity.Fingerprint); err != nil {
		report("FAIL", "5) bridge identity", err.Error())
	} else {
		report("PASS", "5) bridge identity", "certificate and key load")
	}

	switch {
	case cfg.Bridge.Mode == "":
	case cfg.Bridge.PeerFingerprint != "":
		report("PASS", "6) peer pinning", "peer fingerprint pinned")
	default:
		if _, err := crypto.LoadTOFU(cfg.Bridge.KnownPeers); err != nil {
			report("FAIL", "6) peer pinning", err.Error())
		} else {
			report("WARN", "6) peer pinning", fmt.Sprintf("first peer will be trusted on first use (%s)", cfg.Bridge.KnownPeers))
		}
	}

	fmt.Printf("Summary: PASS=%d WARN=%d FAIL=%d\n", passCount, warnCount, failCount)
	if failCount > 0 {
		return fmt.Errorf("doctor detected %d failing checks", failCount)
	}
	return nil
}

func writeConfig(path string, cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config TOML: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("set config permissions: %w", err)
	}
	return nil
}

func defaultNodeName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "node"
	}
	return hostname
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
