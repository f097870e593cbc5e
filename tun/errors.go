package tun

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrWouldBlock is returned by Descriptor.Recv when no packet is pending.
	// Device.Receive turns it into an empty result.
	ErrWouldBlock = errors.New("tun: no packet available")

	// ErrConsumed is returned when a token is consumed a second time.
	ErrConsumed = errors.New("tun: token already consumed")

	// ErrClosed is returned for I/O on a closed Device.
	ErrClosed = errors.New("tun: device closed")

	// ErrPacketTooLarge is returned by TxToken.Consume when the requested
	// length exceeds the device MTU.
	ErrPacketTooLarge = fmt.Errorf("tun: packet size exceeds MTU: %w", syscall.EMSGSIZE)

	// ErrInvalidLength is returned by TxToken.Consume for negative lengths.
	ErrInvalidLength = errors.New("tun: invalid packet length")
)

// SetupError reports a failure to open, attach or query an interface.
// No OS resource outlives a SetupError.
type SetupError struct {
	Op   string
	Name string
	Err  error
}

func (e *SetupError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("tun setup %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tun setup %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// IOError reports a read or write failure on an open device other than
// the would-block condition. The caller decides whether the interface can
// continue.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("tun %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
