package bridge

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"vtap/log"

	quic "github.com/quic-go/quic-go"
)

var quicConfig = &quic.Config{
	EnableDatagrams: true,
	KeepAlivePeriod: 10 * time.Second,
	MaxIdleTimeout:  30 * time.Second,
}

func Listen(addr string, tlsConf *tls.Config) (*quic.Listener, error) {
	logger := log.New("bridge/listener")
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig)
	if err != nil {
		return nil, err
	}
	logger.Infof("Listening for QUIC peers on %s", addr)
	return ln, nil
}

// Accept waits for the next peer that negotiated datagram support.
// Peers without it are closed and skipped.
func Accept(ctx context.Context, ln *quic.Listener) (quic.Connection, error) {
	logger := log.New("bridge/accept")

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return nil, err
		}
		if !conn.ConnectionState().SupportsDatagrams {
			logger.Warnf("Peer %s does not support datagrams", conn.RemoteAddr())
			_ = conn.CloseWithError(1, "datagrams required")
			continue
		}
		logger.Infof("Accepted peer %s", conn.RemoteAddr())
		return conn, nil
	}
}

func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (quic.Connection, error) {
	logger := log.New("bridge/dial")

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig)
	if err != nil {
		return nil, err
	}
	if !conn.ConnectionState().SupportsDatagrams {
		_ = conn.CloseWithError(1, "datagrams required")
		return nil, errors.New("peer does not support QUIC datagrams")
	}
	logger.Infof("Connected to peer %s", conn.RemoteAddr())
	return conn, nil
}
