// Package bridge relays raw packets between a device and a QUIC peer,
// one packet per datagram.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"vtap/log"
	"vtap/tun"

	quic "github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"
)

// DatagramConn is the part of quic.Connection the relay uses.
type DatagramConn interface {
	SendDatagram(payload []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
}

// Waiter blocks until the device may have input. netpoll.Poller is one.
type Waiter interface {
	Wait(timeout time.Duration) (bool, error)
}

type Link struct {
	dev         *tun.Device
	conn        DatagramConn
	wait        Waiter
	pollTimeout time.Duration
	logger      *log.Logger

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

// Stats counts datagrams that crossed the link and packets dropped because
// they did not fit the other side.
type Stats struct {
	Sent     uint64 `json:"datagrams_sent"`
	Received uint64 `json:"datagrams_received"`
	Dropped  uint64 `json:"dropped"`
}

// NewLink relays between dev and conn. wait may be nil, in which case the
// device is polled every pollTimeout.
func NewLink(dev *tun.Device, conn DatagramConn, wait Waiter, pollTimeout time.Duration) *Link {
	return &Link{
		dev:         dev,
		conn:        conn,
		wait:        wait,
		pollTimeout: pollTimeout,
		logger:      log.New("bridge/" + dev.Name()),
	}
}

func (l *Link) Stats() Stats {
	return Stats{
		Sent:     l.sent.Load(),
		Received: l.received.Load(),
		Dropped:  l.dropped.Load(),
	}
}

// Run relays in both directions until ctx is cancelled or either side
// fails. Cancellation is not reported as an error.
func (l *Link) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.outbound(gctx) })
	g.Go(func() error { return l.inbound(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (l *Link) outbound(ctx context.Context) error {
	for {
		if err := l.drain(ctx); err != nil {
			return err
		}
		if err := l.idle(ctx); err != nil {
			return err
		}
	}
}

// drain forwards every packet pending on the device.
func (l *Link) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		rx, _, err := l.dev.Receive()
		var ioErr *tun.IOError
		if errors.As(err, &ioErr) && !errors.Is(err, tun.ErrClosed) {
			// logged by the device; retry after the next wait
			return nil
		}
		if err != nil {
			return fmt.Errorf("read from device: %w", err)
		}
		if rx == nil {
			return nil
		}

		err = rx.Consume(func(buf []byte) error {
			return l.conn.SendDatagram(buf)
		})
		var tooLarge *quic.DatagramTooLargeError
		switch {
		case err == nil:
			l.sent.Add(1)
		case errors.As(err, &tooLarge):
			l.dropped.Add(1)
			l.logger.Debugf("Dropped packet larger than datagram limit %d", tooLarge.MaxDatagramPayloadSize)
		default:
			return fmt.Errorf("send datagram: %w", err)
		}
	}
	return ctx.Err()
}

func (l *Link) idle(ctx context.Context) error {
	if l.wait != nil {
		if _, err := l.wait.Wait(l.pollTimeout); err != nil {
			return fmt.Errorf("wait for device input: %w", err)
		}
		return ctx.Err()
	}

	t := time.NewTimer(l.pollTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Link) inbound(ctx context.Context) error {
	for {
		pkt, err := l.conn.ReceiveDatagram(ctx)
		if err != nil {
			return fmt.Errorf("receive datagram: %w", err)
		}

		err = l.dev.Transmit().Consume(len(pkt), func(buf []byte) error {
			copy(buf, pkt)
			return nil
		})
		var ioErr *tun.IOError
		switch {
		case err == nil:
			l.received.Add(1)
		case errors.Is(err, tun.ErrClosed):
			return err
		case errors.Is(err, tun.ErrPacketTooLarge), errors.As(err, &ioErr):
			l.dropped.Add(1)
			l.logger.Warnf("Dropped %d byte packet from peer: %v", len(pkt), err)
		default:
			return fmt.Errorf("write to device: %w", err)
		}
	}
}
