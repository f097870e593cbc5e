package tun

import (
	"sync"
	"sync/atomic"
	"time"
)

// memDescriptor is an in-memory Descriptor. It records any overlap
// between calls so tests can check that Device serializes access.
type memDescriptor struct {
	name string
	mtu  int

	attachErr error
	mtuErr    error
	recvErr   error
	sendErr   error
	hold      time.Duration

	mu      sync.Mutex
	inbound [][]byte
	written [][]byte
	closed  bool

	inFlight atomic.Int32
	overlaps atomic.Int32
	mtuCalls atomic.Int32
}

func newMem(mtu int) *memDescriptor {
	return &memDescriptor{name: "mem0", mtu: mtu}
}

func (m *memDescriptor) enter() {
	if m.inFlight.Add(1) > 1 {
		m.overlaps.Add(1)
	}
	if m.hold > 0 {
		time.Sleep(m.hold)
	}
}

func (m *memDescriptor) leave() { m.inFlight.Add(-1) }

func (m *memDescriptor) inject(pkt []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = append(m.inbound, append([]byte(nil), pkt...))
}

func (m *memDescriptor) writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.written...)
}

func (m *memDescriptor) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *memDescriptor) Attach() error { return m.attachErr }

func (m *memDescriptor) Name() string { return m.name }

func (m *memDescriptor) MTU() (int, error) {
	m.mtuCalls.Add(1)
	return m.mtu, m.mtuErr
}

func (m *memDescriptor) Recv(p []byte) (int, error) {
	m.enter()
	defer m.leave()

	if m.recvErr != nil {
		return 0, m.recvErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inbound) == 0 {
		return 0, ErrWouldBlock
	}
	pkt := m.inbound[0]
	m.inbound = m.inbound[1:]
	return copy(p, pkt), nil
}

func (m *memDescriptor) Send(p []byte) (int, error) {
	m.enter()
	defer m.leave()

	if m.sendErr != nil {
		return 0, m.sendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, append([]byte(nil), p...))
	return len(p), nil
}

func (m *memDescriptor) Fd() uintptr { return 42 }

func (m *memDescriptor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
