package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"vtap/log"
)

const udsTimeout = 2 * time.Second

// Serve answers one JSON command per connection on a Unix socket at path
// until ctx is cancelled.
func Serve(ctx context.Context, path string, h *Handler) error {
	logger := log.New("control/uds")

	_ = os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	defer os.Remove(path)

	if err := os.Chmod(path, 0o600); err != nil {
		logger.Warnf("Failed to set socket permissions: %v", err)
	}

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	logger.Infof("Control socket listening on %s", path)
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warnf("UDS accept error: %v", err)
			continue
		}

		go handleConn(conn, h, logger)
	}
}

func handleConn(c net.Conn, h *Handler, logger *log.Logger) {
	defer c.Close()

	_ = c.SetDeadline(time.Now().Add(udsTimeout))

	var req CommandRequest
	dec := json.NewDecoder(c)
	if err := dec.Decode(&req); err != nil {
		logger.Warnf("UDS decode error: %v", err)
		return
	}

	logger.Debugf("Received command: %s", req.Cmd)
	resp := h.Handle(req.Cmd)

	enc := json.NewEncoder(c)
	if err := enc.Encode(resp); err != nil {
		logger.Warnf("UDS encode error: %v", err)
	}
}

// Request sends cmd to the daemon at path. A non-ok response is returned
// as an error.
func Request(path, cmd string) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", path, udsTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(udsTimeout))

	if err := json.NewEncoder(conn).Encode(CommandRequest{Cmd: cmd}); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp struct {
		Status string          `json:"status"`
		Output json.RawMessage `json:"output"`
		Error  string          `json:"error"`
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.Status != "ok" {
		return nil, errors.New(resp.Error)
	}
	return resp.Output, nil
}
