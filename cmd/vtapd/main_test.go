package main

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"vtap/bridge"
	"vtap/config"
	"vtap/tun"

	quic "github.com/quic-go/quic-go"
)

type pendingDescriptor struct {
	mu      sync.Mutex
	pending [][]byte
	reads   int
}

func (p *pendingDescriptor) Attach() error     { return nil }
func (p *pendingDescriptor) Name() string      { return "drain0" }
func (p *pendingDescriptor) MTU() (int, error) { return 1500, nil }
func (p *pendingDescriptor) Fd() uintptr       { return 0 }
func (p *pendingDescriptor) Close() error      { return nil }

func (p *pendingDescriptor) Send(b []byte) (int, error) { return len(b), nil }

func (p *pendingDescriptor) Recv(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	if len(p.pending) == 0 {
		return 0, tun.ErrWouldBlock
	}
	n := copy(b, p.pending[0])
	p.pending = p.pending[1:]
	return n, nil
}

func (p *pendingDescriptor) left() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func TestDrainDiscardsPendingPackets(t *testing.T) {
	desc := &pendingDescriptor{pending: [][]byte{{0x45, 0}, {0x60, 0, 0}}}
	dev, err := tun.New(desc, tun.MediumIP)
	if err != nil {
		t.Fatalf("tun.New: %v", err)
	}
	defer dev.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- drain(ctx, dev, nil, time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for desc.left() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("packets not drained")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("drain = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("drain did not stop")
	}
	if st := dev.Stats(); st.RxPackets != 2 || st.RxBytes != 5 {
		t.Fatalf("Stats() = %+v", st)
	}
}

func TestDrainStopsWhenDeviceCloses(t *testing.T) {
	dev, err := tun.New(&pendingDescriptor{}, tun.MediumIP)
	if err != nil {
		t.Fatalf("tun.New: %v", err)
	}
	_ = dev.Close()

	err = drain(context.Background(), dev, nil, time.Millisecond)
	if !errors.Is(err, tun.ErrClosed) {
		t.Fatalf("drain = %v, want ErrClosed", err)
	}
}

func TestOpenDeviceRejectsBadMedium(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Name = "vt0"
	cfg.Device.Medium = "token-ring"
	if _, err := openDevice(cfg); err == nil {
		t.Fatalf("expected error for unknown medium")
	}
}

type peerConn struct {
	port     int
	incoming chan []byte

	once   sync.Once
	closed chan struct{}
	reason string
}

func newPeerConn(port int) *peerConn {
	return &peerConn{port: port, incoming: make(chan []byte, 4), closed: make(chan struct{})}
}

func (c *peerConn) SendDatagram([]byte) error { return nil }

func (c *peerConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	case p := <-c.incoming:
		return p, nil
	}
}

func (c *peerConn) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: c.port}
}

func (c *peerConn) CloseWithError(_ quic.ApplicationErrorCode, reason string) error {
	c.once.Do(func() {
		c.reason = reason
		close(c.closed)
	})
	return nil
}

func chanAccept(conns <-chan bridge.Conn) func(context.Context) (bridge.Conn, error) {
	return func(ctx context.Context) (bridge.Conn, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case c := <-conns:
			return c, nil
		}
	}
}

func TestAcceptLoopReplacesActivePeer(t *testing.T) {
	desc := &pendingDescriptor{}
	dev, err := tun.New(desc, tun.MediumIP)
	if err != nil {
		t.Fatalf("tun.New: %v", err)
	}
	defer dev.Close()

	sess := bridge.NewSession(dev, nil, time.Millisecond)
	conns := make(chan bridge.Conn)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- acceptLoop(ctx, chanAccept(conns), sess) }()

	first := newPeerConn(1001)
	conns <- first
	first.incoming <- []byte{0x45, 1}
	deadline := time.Now().Add(2 * time.Second)
	for sess.Stats().Received < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("first connection not relayed")
		}
		time.Sleep(time.Millisecond)
	}

	second := newPeerConn(1002)
	select {
	case conns <- second:
	case <-time.After(2 * time.Second):
		t.Fatalf("second peer not accepted while the first was served")
	}

	select {
	case <-first.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("first connection not closed after the peer reconnected")
	}
	if first.reason != "replaced" {
		t.Fatalf("first close reason = %q, want replaced", first.reason)
	}

	second.incoming <- []byte{0x45, 2}
	deadline = time.Now().Add(2 * time.Second)
	for sess.Stats().Received < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("second connection not relayed, stats %+v", sess.Stats())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acceptLoop = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("acceptLoop did not stop")
	}
}

func TestAcceptLoopStopsWhenDeviceCloses(t *testing.T) {
	dev, err := tun.New(&pendingDescriptor{}, tun.MediumIP)
	if err != nil {
		t.Fatalf("tun.New: %v", err)
	}
	_ = dev.Close()

	conns := make(chan bridge.Conn, 1)
	conns <- newPeerConn(1003)

	sess := bridge.NewSession(dev, nil, time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- acceptLoop(context.Background(), chanAccept(conns), sess) }()

	select {
	case err := <-done:
		if !errors.Is(err, tun.ErrClosed) {
			t.Fatalf("acceptLoop = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("acceptLoop did not stop on a closed device")
	}
}
