//go:build !linux

// Package netpoll waits for a raw descriptor to become readable, so a
// poll-driven device can be drained without spinning.
package netpoll

import (
	"fmt"
	"runtime"
	"time"
)

type Poller struct{}

func New(int) (*Poller, error) {
	return nil, fmt.Errorf("netpoll: not supported on %s", runtime.GOOS)
}

func (p *Poller) Wait(time.Duration) (bool, error) { return false, nil }

func (p *Poller) Close() error { return nil }
