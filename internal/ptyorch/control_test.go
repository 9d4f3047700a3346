package ptyorch

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

type echoHandler struct {
	lastReq ControlRequest
}

func (h *echoHandler) HandleControl(req ControlRequest) ControlResponse {
	h.lastReq = req
	switch req.Type {
	case "inject":
		return ControlResponse{Type: "inject_result", OK: true}
	case "status":
		return ControlResponse{Type: "status", OK: true, State: "active", QueueDepth: 2, Backpressure: true}
	case "shutdown":
		return ControlResponse{Type: "shutdown", OK: true}
	default:
		return ControlResponse{Type: "error", OK: false, Error: "unknown type"}
	}
}

func startTestControlServer(t *testing.T, handler ControlHandler) (string, *ControlServer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	cs := NewControlServer(path, handler, nil)
	go cs.Serve()
	t.Cleanup(func() { cs.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return path, cs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("control server never became dialable")
	return "", nil
}

func roundTrip(t *testing.T, path string, req ControlRequest) ControlResponse {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response line: %v", scanner.Err())
	}
	var resp ControlResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestControlServer_InjectRoundTrip(t *testing.T) {
	path, _ := startTestControlServer(t, &echoHandler{})
	resp := roundTrip(t, path, ControlRequest{Type: "inject", Body: "hello"})
	if !resp.OK || resp.Type != "inject_result" {
		t.Errorf("got %+v, want ok inject_result", resp)
	}
}

func TestControlServer_StatusReportsBackpressure(t *testing.T) {
	path, _ := startTestControlServer(t, &echoHandler{})
	resp := roundTrip(t, path, ControlRequest{Type: "status"})
	if !resp.OK || resp.State != "active" || resp.QueueDepth != 2 || !resp.Backpressure {
		t.Errorf("got %+v, want active state with backpressure", resp)
	}
}

func TestControlServer_UnknownTypeReturnsError(t *testing.T) {
	path, _ := startTestControlServer(t, &echoHandler{})
	resp := roundTrip(t, path, ControlRequest{Type: "bogus"})
	if resp.OK {
		t.Errorf("expected error response for unknown type, got %+v", resp)
	}
}

func TestControlServer_CloseRemovesSocket(t *testing.T) {
	path, cs := startTestControlServer(t, &echoHandler{})
	if err := cs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := net.Dial("unix", path); err == nil {
		t.Error("expected dial to fail after Close")
	}
}
