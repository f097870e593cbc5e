//go:build !linux

package tun

import (
	"fmt"
	"os"
	"runtime"
)

var errUnsupported = fmt.Errorf("TUN/TAP descriptors are not supported on %s", runtime.GOOS)

func openDescriptor(name string, _ Medium) (Descriptor, error) {
	return nil, &SetupError{Op: "open", Name: name, Err: errUnsupported}
}

func fdDescriptor(fd int, _ Medium) (Descriptor, error) {
	_ = os.NewFile(uintptr(fd), "tun").Close()
	return nil, &SetupError{Op: "open", Name: fmt.Sprintf("fd %d", fd), Err: errUnsupported}
}
