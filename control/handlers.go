package control

import (
	"sync"
	"time"

	"vtap/bridge"
	"vtap/tun"
)

type CommandRequest struct {
	Cmd string `json:"cmd"`
}

type CommandResponse struct {
	Status string      `json:"status"`
	Output interface{} `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// DeviceSource is implemented by *tun.Device.
type DeviceSource interface {
	Name() string
	Capabilities() tun.Capabilities
	Stats() tun.Stats
}

type BridgeSource interface {
	Stats() bridge.Stats
}

type CapsOutput struct {
	Device string `json:"device"`
	Medium string `json:"medium"`
	MTU    int    `json:"mtu"`
}

type StatusOutput struct {
	CapsOutput
	Uptime string        `json:"uptime"`
	Stats  tun.Stats     `json:"stats"`
	Bridge *bridge.Stats `json:"bridge,omitempty"`
}

// Handler answers control commands for one device.
type Handler struct {
	dev      DeviceSource
	started  time.Time
	shutdown func()

	mu     sync.Mutex
	bridge BridgeSource
}

// NewHandler serves dev. shutdown, if not nil, runs on a "shutdown" command.
func NewHandler(dev DeviceSource, shutdown func()) *Handler {
	return &Handler{
		dev:      dev,
		started:  time.Now(),
		shutdown: shutdown,
	}
}

// SetBridge adds the relay counters to "status" replies.
func (h *Handler) SetBridge(b BridgeSource) {
	h.mu.Lock()
	h.bridge = b
	h.mu.Unlock()
}

func (h *Handler) caps() CapsOutput {
	c := h.dev.Capabilities()
	return CapsOutput{
		Device: h.dev.Name(),
		Medium: c.Medium.String(),
		MTU:    c.MaxTransmissionUnit,
	}
}

func (h *Handler) Handle(cmd string) CommandResponse {
	switch cmd {
	case "caps":
		return CommandResponse{Status: "ok", Output: h.caps()}

	case "status":
		out := StatusOutput{
			CapsOutput: h.caps(),
			Uptime:     time.Since(h.started).Round(time.Second).String(),
			Stats:      h.dev.Stats(),
		}
		h.mu.Lock()
		if h.bridge != nil {
			s := h.bridge.Stats()
			out.Bridge = &s
		}
		h.mu.Unlock()
		return CommandResponse{Status: "ok", Output: out}

	case "shutdown":
		if h.shutdown == nil {
			return CommandResponse{Status: "error", Error: "shutdown not supported"}
		}
		go h.shutdown()
		return CommandResponse{Status: "ok", Output: "shutting down"}

	default:
		return CommandResponse{Status: "error", Error: "unknown command: " + cmd}
	}
}
