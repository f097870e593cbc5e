//go:build linux

// Package netpoll waits for a raw descriptor to become readable, so a
// poll-driven device can be drained without spinning.
package netpoll

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Poller watches one descriptor for input with epoll(7). The descriptor
// itself is not owned and is never read.
type Poller struct {
	epfd   int
	fd     int
	closed atomic.Bool

	events [1]unix.EpollEvent
}

func New(fd int) (*Poller, error) {
	ep, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(ep, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		_ = unix.Close(ep)
		return nil, err
	}
	return &Poller{epfd: ep, fd: fd}, nil
}

// Wait blocks until the descriptor is readable or timeout passes, and
// reports which. A negative timeout waits indefinitely. Hang-up or error
// on the descriptor is reported as io.EOF.
func (p *Poller) Wait(timeout time.Duration) (bool, error) {
	if p.closed.Load() {
		return false, io.ErrClosedPipe
	}
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	for {
		n, err := unix.EpollWait(p.epfd, p.events[:], ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		ev := p.events[0].Events
		if ev&unix.EPOLLIN != 0 {
			return true, nil
		}
		if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			return false, io.EOF
		}
	}
}

func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(p.epfd)
}
