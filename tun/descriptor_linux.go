//go:build linux

package tun

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

const cloneDevice = "/dev/net/tun"

// linuxDescriptor is a /dev/net/tun file descriptor in non-blocking mode.
type linuxDescriptor struct {
	fd     int
	name   string
	medium Medium
	byFd   bool
}

func openDescriptor(name string, medium Medium) (Descriptor, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, &SetupError{Op: "open", Name: name, Err: fmt.Errorf("interface name longer than %d bytes", unix.IFNAMSIZ-1)}
	}
	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &SetupError{Op: "open", Name: cloneDevice, Err: err}
	}
	return &linuxDescriptor{fd: fd, name: name, medium: medium}, nil
}

// fdDescriptor takes ownership of fd; it is closed if setup fails.
func fdDescriptor(fd int, medium Medium) (Descriptor, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, &SetupError{Op: "set nonblocking", Name: fmt.Sprintf("fd %d", fd), Err: err}
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		_ = unix.Close(fd)
		return nil, &SetupError{Op: "set close-on-exec", Name: fmt.Sprintf("fd %d", fd), Err: err}
	}
	return &linuxDescriptor{fd: fd, medium: medium, byFd: true}, nil
}

func (d *linuxDescriptor) kind() uint16 {
	if d.medium == MediumEthernet {
		return unix.IFF_TAP
	}
	return unix.IFF_TUN
}

// Attach issues TUNSETIFF. A descriptor handed over by fd may already be
// bound to an interface, in which case TUNGETIFF reports it and only the
// medium is checked.
func (d *linuxDescriptor) Attach() error {
	if d.byFd {
		ifr, err := unix.NewIfreq("")
		if err != nil {
			return err
		}
		err = unix.IoctlIfreq(d.fd, unix.TUNGETIFF, ifr)
		if err == nil {
			got := ifr.Uint16() & (unix.IFF_TUN | unix.IFF_TAP)
			if got != d.kind() {
				return fmt.Errorf("interface %s is not a %s device (flags %#x)", ifr.Name(), d.medium, ifr.Uint16())
			}
			d.name = ifr.Name()
			return nil
		}
		if !errors.Is(err, unix.EBADFD) {
			return fmt.Errorf("ioctl TUNGETIFF: %w", err)
		}
	}

	ifr, err := unix.NewIfreq(d.name)
	if err != nil {
		return err
	}
	ifr.SetUint16(d.kind() | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(d.fd, unix.TUNSETIFF, ifr); err != nil {
		return fmt.Errorf("ioctl TUNSETIFF: %w", err)
	}
	d.name = ifr.Name()
	return nil
}

func (d *linuxDescriptor) Name() string { return d.name }

func (d *linuxDescriptor) MTU() (int, error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("open query socket: %w", err)
	}
	defer unix.Close(sock)

	ifr, err := unix.NewIfreq(d.name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(sock, unix.SIOCGIFMTU, ifr); err != nil {
		return 0, fmt.Errorf("ioctl SIOCGIFMTU: %w", err)
	}
	mtu := int(ifr.Uint32())
	if d.medium == MediumEthernet {
		mtu += EthernetHeaderLen
	}
	return mtu, nil
}

func (d *linuxDescriptor) Recv(p []byte) (int, error) {
	for {
		n, err := unix.Read(d.fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, err
		}
	}
}

// Send writes one packet, waiting in poll(2) while the queue is full.
func (d *linuxDescriptor) Send(p []byte) (int, error) {
	for {
		n, err := unix.Write(d.fd, p)
		switch {
		case err == nil:
			if n < len(p) {
				return n, io.ErrShortWrite
			}
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := d.waitWritable(); err != nil {
				return 0, err
			}
		default:
			return 0, err
		}
	}
}

func (d *linuxDescriptor) waitWritable() error {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return io.EOF
		}
		return nil
	}
}

func (d *linuxDescriptor) Fd() uintptr { return uintptr(d.fd) }

func (d *linuxDescriptor) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
