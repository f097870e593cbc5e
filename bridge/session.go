package bridge

import (
	"context"
	"net"
	"sync"
	"time"

	"vtap/log"
	"vtap/tun"

	quic "github.com/quic-go/quic-go"
)

// Conn is the part of quic.Connection a Session needs.
type Conn interface {
	DatagramConn
	RemoteAddr() net.Addr
	CloseWithError(quic.ApplicationErrorCode, string) error
}

// Session relays a device over successive peer connections, one at a time,
// and keeps counters across reconnects.
type Session struct {
	dev         *tun.Device
	wait        Waiter
	pollTimeout time.Duration
	logger      *log.Logger

	mu   sync.Mutex
	conn Conn
	link *Link
	base Stats
}

func NewSession(dev *tun.Device, wait Waiter, pollTimeout time.Duration) *Session {
	return &Session{
		dev:         dev,
		wait:        wait,
		pollTimeout: pollTimeout,
		logger:      log.New("bridge/session"),
	}
}

// Serve relays over conn until the connection fails or ctx is cancelled.
// A connection already being served is closed first.
func (s *Session) Serve(ctx context.Context, conn Conn) error {
	link := NewLink(s.dev, conn, s.wait, s.pollTimeout)

	s.mu.Lock()
	if s.conn != nil {
		s.logger.Warnf("Replacing connection to %s", s.conn.RemoteAddr())
		_ = s.conn.CloseWithError(0, "replaced")
	}
	s.conn = conn
	s.link = link
	s.mu.Unlock()

	s.logger.Infof("Relaying %s <-> %s", s.dev.Name(), conn.RemoteAddr())
	err := link.Run(ctx)

	s.mu.Lock()
	st := link.Stats()
	s.base.Sent += st.Sent
	s.base.Received += st.Received
	s.base.Dropped += st.Dropped
	if s.link == link {
		s.link = nil
		s.conn = nil
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Infof("Connection to %s ended: %v", conn.RemoteAddr(), err)
		_ = conn.CloseWithError(1, "relay stopped")
	}
	return err
}

// Connected reports whether a peer is currently being served.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Stats sums the finished links and the active one.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.base
	if s.link != nil {
		st := s.link.Stats()
		out.Sent += st.Sent
		out.Received += st.Received
		out.Dropped += st.Dropped
	}
	return out
}

// Close disconnects the active peer, if any.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.CloseWithError(0, "shutdown")
		s.logger.Infof("Disconnected from %s", s.conn.RemoteAddr())
	}
	s.conn = nil
}
