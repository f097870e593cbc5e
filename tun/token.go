package tun

import (
	"errors"
	"sync/atomic"
)

// RxToken owns one received packet. It can be consumed once and is meant
// for a single goroutine.
type RxToken struct {
	buf  []byte
	used atomic.Bool
}

// Len is the packet size, or 0 once the token is consumed.
func (t *RxToken) Len() int {
	if t.used.Load() {
		return 0
	}
	return len(t.buf)
}

// Consume passes the packet to f and returns f's result. The buffer
// belongs to f; it is not reused after Consume returns.
func (t *RxToken) Consume(f func(buf []byte) error) error {
	if !t.used.CompareAndSwap(false, true) {
		return ErrConsumed
	}
	return f(t.buf)
}

// TxToken is the right to write one packet to its Device.
type TxToken struct {
	dev  *Device
	used atomic.Bool
}

// Consume allocates a zeroed buffer of n bytes, lets f fill it, then writes
// it to the device as one packet whatever f returned. f's error is returned
// verbatim when the write succeeds; a failed write is an *IOError, joined
// with f's error when both fail. The token is spent whatever the outcome.
func (t *TxToken) Consume(n int, f func(buf []byte) error) error {
	if !t.used.CompareAndSwap(false, true) {
		return ErrConsumed
	}
	if n < 0 {
		return ErrInvalidLength
	}
	if n > t.dev.mtu {
		return ErrPacketTooLarge
	}

	buf := make([]byte, n)
	fillErr := f(buf)
	sendErr := t.dev.send(buf)
	switch {
	case sendErr == nil:
		return fillErr
	case fillErr == nil:
		return sendErr
	}
	return errors.Join(fillErr, sendErr)
}
