package tun

// Descriptor is the OS resource behind a Device. Implementations need not
// be safe for concurrent use; Device serializes every call.
type Descriptor interface {
	// Attach binds the resource to its interface. Called once, before MTU.
	Attach() error

	// Name is the interface name, valid after Attach.
	Name() string

	// MTU returns the largest packet the interface carries, including the
	// link-layer header for Ethernet devices.
	MTU() (int, error)

	// Recv performs one non-blocking read of a single packet into p. It
	// returns ErrWouldBlock when nothing is pending.
	Recv(p []byte) (int, error)

	// Send writes one packet.
	Send(p []byte) (int, error)

	// Fd exposes the raw resource for readiness notification.
	Fd() uintptr

	Close() error
}
