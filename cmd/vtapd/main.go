package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vtap/bridge"
	"vtap/config"
	"vtap/control"
	"vtap/crypto"
	"vtap/log"
	"vtap/metrics"
	"vtap/netpoll"
	"vtap/tun"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	dialTimeout = 5 * time.Second
	redialDelay = 5 * time.Second
	peerName    = "bridge"
)

var mainLog = log.New("main")

func main() {
	logger := mainLog

	var configPath string
	flag.StringVar(&configPath, "config", "/etc/vtap/config.toml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	level, _ := log.ParseLevel(cfg.Log.Level)
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	logger.Infof("Shut down cleanly")
}

func openDevice(cfg *config.Config) (*tun.Device, error) {
	medium, err := cfg.Medium()
	if err != nil {
		return nil, err
	}
	if cfg.Device.Fd > 0 {
		return tun.OpenFd(cfg.Device.Fd, medium)
	}
	return tun.Open(cfg.Device.Name, medium)
}

func run(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, gather prometheus.Gatherer) error {
	logger := mainLog

	dev, err := openDevice(cfg)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer dev.Close()

	caps := dev.Capabilities()
	logger.Infof("Opened %s (%s, mtu %d)", dev.Name(), caps.Medium, caps.MaxTransmissionUnit)

	var wait bridge.Waiter
	if p, err := netpoll.New(int(dev.Fd())); err != nil {
		logger.Warnf("Readiness polling unavailable, falling back to timed polls: %v", err)
	} else {
		defer p.Close()
		wait = p
	}
	pollTimeout := time.Duration(cfg.Device.PollTimeoutMs) * time.Millisecond

	if err := reg.Register(metrics.NewDeviceCollector(dev)); err != nil {
		return fmt.Errorf("register device metrics: %w", err)
	}

	var sess *bridge.Session
	if cfg.Bridge.Mode != "" {
		sess = bridge.NewSession(dev, wait, pollTimeout)
		for _, c := range metrics.NewBridgeCollector(sess, dev.Name()) {
			if err := reg.Register(c); err != nil {
				return fmt.Errorf("register bridge metrics: %w", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	handler := control.NewHandler(dev, cancel)
	g.Go(func() error { return control.Serve(ctx, cfg.Control.Socket, handler) })

	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return metrics.Serve(ctx, cfg.Metrics.Listen, gather) })
	}

	if sess == nil {
		g.Go(func() error { return drain(ctx, dev, wait, pollTimeout) })
	} else {
		handler.SetBridge(sess)
		g.Go(func() error {
			defer sess.Close()
			return runBridge(ctx, cfg, sess)
		})
	}

	logger.Infof("vtap started and running")
	return g.Wait()
}

// drain reads and discards device input when no bridge is configured.
func drain(ctx context.Context, dev *tun.Device, wait bridge.Waiter, pollTimeout time.Duration) error {
	logger := mainLog.With("drain")

	for ctx.Err() == nil {
		rx, _, err := dev.Receive()
		if err != nil {
			var ioErr *tun.IOError
			if errors.As(err, &ioErr) && !errors.Is(err, tun.ErrClosed) {
				if err := idle(ctx, wait, pollTimeout); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if rx == nil {
			if err := idle(ctx, wait, pollTimeout); err != nil {
				return err
			}
			continue
		}
		_ = rx.Consume(func(buf []byte) error {
			logger.Debugf("Discarded %d byte packet", len(buf))
			return nil
		})
	}
	return nil
}

func idle(ctx context.Context, wait bridge.Waiter, timeout time.Duration) error {
	if wait != nil {
		_, err := wait.Wait(timeout)
		return err
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return nil
}

func runBridge(ctx context.Context, cfg *config.Config, sess *bridge.Session) error {
	local, err := crypto.LoadTLS(cfg.Identity.Cert, cfg.Identity.Key, cfg.Identity.Fingerprint)
	if err != nil {
		return fmt.Errorf("load TLS identity: %w", err)
	}

	if cfg.Bridge.Mode == config.BridgeListen {
		return listenBridge(ctx, cfg, sess, local)
	}
	return dialBridge(ctx, cfg, sess, local)
}

func listenBridge(ctx context.Context, cfg *config.Config, sess *bridge.Session, local *tls.Config) error {
	logger := mainLog.With("bridge")

	var serverTLS *tls.Config
	if cfg.Bridge.PeerFingerprint != "" {
		serverTLS = crypto.PinnedServerTLS(local, cfg.Bridge.PeerFingerprint)
	} else {
		store, err := crypto.LoadTOFU(cfg.Bridge.KnownPeers)
		if err != nil {
			return fmt.Errorf("load known peers: %w", err)
		}
		serverTLS = store.ServerTLS(local, peerName)
	}

	ln, err := bridge.Listen(cfg.Bridge.Address, serverTLS)
	if err != nil {
		return err
	}
	defer ln.Close()
	logger.Infof("Waiting for peer on %s", ln.Addr())

	return acceptLoop(ctx, func(ctx context.Context) (bridge.Conn, error) {
		conn, err := bridge.Accept(ctx, ln)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, sess)
}

// acceptLoop keeps accepting while a peer is served, so a reconnecting
// peer replaces a stale connection at once. It stops when ctx is cancelled
// or the device closes.
func acceptLoop(ctx context.Context, accept func(context.Context) (bridge.Conn, error), sess *bridge.Session) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			conn, err := accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept peer: %w", err)
			}
			g.Go(func() error {
				if err := sess.Serve(ctx, conn); errors.Is(err, tun.ErrClosed) {
					return err
				}
				return nil
			})
		}
	})
	return g.Wait()
}

func dialBridge(ctx context.Context, cfg *config.Config, sess *bridge.Session, local *tls.Config) error {
	logger := mainLog.With("bridge")
	peerTLS := crypto.LoadPeerTLS(local, cfg.Bridge.PeerFingerprint)

	for ctx.Err() == nil {
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, err := bridge.Dial(dctx, cfg.Bridge.Address, peerTLS)
		cancel()
		if err != nil {
			logger.Warnf("Dial %s failed: %v", cfg.Bridge.Address, err)
		} else if err := sess.Serve(ctx, conn); errors.Is(err, tun.ErrClosed) {
			return err
		}

		select {
		case <-ctx.Done():
		case <-time.After(redialDelay):
		}
	}
	return nil
}
