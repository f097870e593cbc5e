package tun

import (
	"fmt"
	"strings"
)

// Medium is the framing a device exposes to its consumer.
type Medium int

const (
	// MediumEthernet carries whole Ethernet frames (TAP).
	MediumEthernet Medium = iota
	// MediumIP carries bare IP packets with no link-layer header (TUN).
	MediumIP
)

// EthernetHeaderLen is added to the interface MTU for Ethernet devices so
// the MTU bounds a complete frame.
const EthernetHeaderLen = 14

func (m Medium) String() string {
	switch m {
	case MediumEthernet:
		return "ethernet"
	case MediumIP:
		return "ip"
	}
	return fmt.Sprintf("Medium(%d)", int(m))
}

// ParseMedium accepts "ethernet"/"tap" and "ip"/"tun".
func ParseMedium(s string) (Medium, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ethernet", "tap":
		return MediumEthernet, nil
	case "ip", "tun":
		return MediumIP, nil
	}
	return 0, fmt.Errorf("unknown medium %q (want ethernet|tap|ip|tun)", s)
}

// Capabilities describes what a Device can carry.
type Capabilities struct {
	MaxTransmissionUnit int
	Medium              Medium
}
