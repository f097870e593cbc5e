// Package tun adapts a TUN (IP) or TAP (Ethernet) interface to a
// poll-driven packet device with single-use receive and transmit tokens.
package tun

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"vtap/log"
)

// Device is a handle on one open TUN/TAP interface. It is safe for
// concurrent use; every access to the descriptor is serialized.
type Device struct {
	mu     sync.Mutex
	desc   Descriptor
	closed bool

	name   string
	mtu    int
	medium Medium

	stats counters
	log   *log.Logger
}

type Option func(*Device)

// WithLogger replaces the default "tun/<name>" logger.
func WithLogger(l *log.Logger) Option {
	return func(d *Device) { d.log = l }
}

// Open attaches to the interface called name, creating it if it does not
// exist. Unless name is a persistent interface owned by the current user,
// this needs CAP_NET_ADMIN.
func Open(name string, medium Medium, opts ...Option) (*Device, error) {
	desc, err := openDescriptor(name, medium)
	if err != nil {
		return nil, err
	}
	return New(desc, medium, opts...)
}

// OpenFd builds a Device over an already open /dev/net/tun descriptor. The
// Device owns fd from here on, and closes it if setup fails.
func OpenFd(fd int, medium Medium, opts ...Option) (*Device, error) {
	desc, err := fdDescriptor(fd, medium)
	if err != nil {
		return nil, err
	}
	return New(desc, medium, opts...)
}

// New attaches desc and caches its MTU. desc is closed on failure.
func New(desc Descriptor, medium Medium, opts ...Option) (*Device, error) {
	if err := desc.Attach(); err != nil {
		_ = desc.Close()
		return nil, &SetupError{Op: "attach", Name: desc.Name(), Err: err}
	}

	mtu, err := desc.MTU()
	if err == nil && mtu <= 0 {
		err = fmt.Errorf("non-positive MTU %d", mtu)
	}
	if err != nil {
		_ = desc.Close()
		return nil, &SetupError{Op: "query mtu", Name: desc.Name(), Err: err}
	}

	d := &Device{
		desc:   desc,
		name:   desc.Name(),
		mtu:    mtu,
		medium: medium,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = log.New("tun/" + d.name)
	}

	d.log.Infof("Attached %s device %s (mtu %d)", medium, d.name, mtu)
	return d, nil
}

func (d *Device) Name() string { return d.name }

// Capabilities never touches the descriptor.
func (d *Device) Capabilities() Capabilities {
	return Capabilities{
		MaxTransmissionUnit: d.mtu,
		Medium:              d.medium,
	}
}

// InvalidFd is what Fd returns once the Device is closed.
const InvalidFd = ^uintptr(0)

// Fd returns the raw descriptor so an external poller can wait for input.
// It is only meaningful before Close; afterwards it returns InvalidFd.
func (d *Device) Fd() uintptr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return InvalidFd
	}
	return d.desc.Fd()
}

// Receive makes one non-blocking read. When a packet is pending it returns
// a token holding exactly the bytes read, paired with a transmit token on
// the same device. When nothing is pending all three results are nil.
func (d *Device) Receive() (*RxToken, *TxToken, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, nil, &IOError{Op: "read", Err: ErrClosed}
	}

	buf := make([]byte, d.mtu)
	n, err := d.desc.Recv(buf)
	if errors.Is(err, ErrWouldBlock) {
		d.stats.emptyPolls.Add(1)
		return nil, nil, nil
	}
	if err == nil && (n < 0 || n > len(buf)) {
		err = fmt.Errorf("descriptor reported %d bytes for a %d byte buffer", n, len(buf))
	}
	if err != nil {
		d.stats.readErrors.Add(1)
		d.log.Warnf("Read failed: %v", err)
		return nil, nil, &IOError{Op: "read", Err: err}
	}

	d.stats.rxPackets.Add(1)
	d.stats.rxBytes.Add(uint64(n))
	if d.log.Enabled(log.DEBUG) {
		d.log.Debugf("Received %d bytes", n)
	}
	return &RxToken{buf: buf[:n:n]}, &TxToken{dev: d}, nil
}

// Transmit hands out a transmit token. It never fails and does no I/O.
func (d *Device) Transmit() *TxToken {
	return &TxToken{dev: d}
}

func (d *Device) send(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return &IOError{Op: "write", Err: ErrClosed}
	}

	n, err := d.desc.Send(buf)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		d.stats.writeErrors.Add(1)
		d.log.Warnf("Write of %d bytes failed: %v", len(buf), err)
		return &IOError{Op: "write", Err: err}
	}

	d.stats.txPackets.Add(1)
	d.stats.txBytes.Add(uint64(n))
	if d.log.Enabled(log.DEBUG) {
		d.log.Debugf("Sent %d bytes", n)
	}
	return nil
}

// Close releases the descriptor. Tokens still outstanding fail with
// ErrClosed when they reach the descriptor.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.log.Infof("Closing %s", d.name)
	return d.desc.Close()
}

// Stats is a snapshot of a Device's traffic counters.
type Stats struct {
	RxPackets   uint64 `json:"rx_packets"`
	RxBytes     uint64 `json:"rx_bytes"`
	TxPackets   uint64 `json:"tx_packets"`
	TxBytes     uint64 `json:"tx_bytes"`
	EmptyPolls  uint64 `json:"empty_polls"`
	ReadErrors  uint64 `json:"read_errors"`
	WriteErrors uint64 `json:"write_errors"`
}

type counters struct {
	rxPackets   atomic.Uint64
	rxBytes     atomic.Uint64
	txPackets   atomic.Uint64
	txBytes     atomic.Uint64
	emptyPolls  atomic.Uint64
	readErrors  atomic.Uint64
	writeErrors atomic.Uint64
}

func (d *Device) Stats() Stats {
	return Stats{
		RxPackets:   d.stats.rxPackets.Load(),
		RxBytes:     d.stats.rxBytes.Load(),
		TxPackets:   d.stats.txPackets.Load(),
		TxBytes:     d.stats.txBytes.Load(),
		EmptyPolls:  d.stats.emptyPolls.Load(),
		ReadErrors:  d.stats.readErrors.Load(),
		WriteErrors: d.stats.writeErrors.Load(),
	}
}
