package control

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"vtap/bridge"
	"vtap/tun"
)

type stubDevice struct{}

func (stubDevice) Name() string { return "tap7" }

func (stubDevice) Capabilities() tun.Capabilities {
	return tun.Capabilities{MaxTransmissionUnit: 1514, Medium: tun.MediumEthernet}
}

func (stubDevice) Stats() tun.Stats {
	return tun.Stats{RxPackets: 3, RxBytes: 180, EmptyPolls: 9}
}

type stubBridge struct{}

func (stubBridge) Stats() bridge.Stats { return bridge.Stats{Sent: 4, Received: 2} }

func TestHandleCaps(t *testing.T) {
	h := NewHandler(stubDevice{}, nil)
	resp := h.Handle("caps")
	if resp.Status != "ok" {
		t.Fatalf("status = %q (%s)", resp.Status, resp.Error)
	}
	caps, ok := resp.Output.(CapsOutput)
	if !ok {
		t.Fatalf("output type %T", resp.Output)
	}
	if caps.Device != "tap7" || caps.Medium != "ethernet" || caps.MTU != 1514 {
		t.Fatalf("unexpected caps %+v", caps)
	}
}

func TestHandleStatusIncludesBridgeOnceAttached(t *testing.T) {
	h := NewHandler(stubDevice{}, nil)

	out := h.Handle("status").Output.(StatusOutput)
	if out.Bridge != nil {
		t.Fatalf("bridge stats reported before a bridge is attached")
	}
	if out.Stats.RxPackets != 3 || out.Stats.EmptyPolls != 9 {
		t.Fatalf("unexpected device stats %+v", out.Stats)
	}

	h.SetBridge(stubBridge{})
	out = h.Handle("status").Output.(StatusOutput)
	if out.Bridge == nil || out.Bridge.Sent != 4 {
		t.Fatalf("bridge stats = %+v", out.Bridge)
	}
}

func TestHandleUnknownAndShutdown(t *testing.T) {
	h := NewHandler(stubDevice{}, nil)
	if resp := h.Handle("bogus"); resp.Status != "error" {
		t.Fatalf("unknown command status = %q", resp.Status)
	}
	if resp := h.Handle("shutdown"); resp.Status != "error" {
		t.Fatalf("shutdown without hook status = %q", resp.Status)
	}

	called := make(chan struct{})
	h = NewHandler(stubDevice{}, func() { close(called) })
	if resp := h.Handle("shutdown"); resp.Status != "ok" {
		t.Fatalf("shutdown status = %q", resp.Status)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatalf("shutdown hook not invoked")
	}
}

func TestServeAndRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vtap.sock")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, path, NewHandler(stubDevice{}, nil)) }()

	var raw json.RawMessage
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for {
		raw, err = Request(path, "caps")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var caps CapsOutput
	if err := json.Unmarshal(raw, &caps); err != nil {
		t.Fatalf("decode caps: %v", err)
	}
	if caps.Device != "tap7" || caps.MTU != 1514 {
		t.Fatalf("unexpected caps %+v", caps)
	}

	if _, err := Request(path, "bogus"); err == nil {
		t.Fatalf("expected error response for unknown command")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not stop")
	}
}
