package ptyorch

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func TestController_StartCapturesOutput(t *testing.T) {
	c := NewController(4096, nil)
	var mu sync.Mutex
	var got bytes.Buffer

	if err := c.Start("sh", []string{"-c", "echo hello-from-pty"}, nil, "", func(chunk []byte) {
		mu.Lock()
		got.Write(chunk)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		contains := bytes.Contains(got.Bytes(), []byte("hello-from-pty"))
		mu.Unlock()
		if contains {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected output to contain hello-from-pty, got %q", got.String())
}

func TestController_InjectWritesToStdin(t *testing.T) {
	c := NewController(4096, nil)
	if err := c.Start("cat", nil, nil, "", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	time.Sleep(50 * time.Millisecond)
	if err := c.Inject("echo-me"); err != nil {
		t.Fatalf("inject: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bytes.Contains(c.Buffer().Bytes(), []byte("echo-me")) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected cat to echo injected input, got %q", string(c.Buffer().Bytes()))
}

func TestController_InjectWithoutStartErrors(t *testing.T) {
	c := NewController(4096, nil)
	if err := c.Inject("nope"); err == nil {
		t.Error("expected inject to fail with no active pty")
	}
}

func TestController_StopStopsRunningChild(t *testing.T) {
	c := NewController(4096, nil)
	if err := c.Start("sleep", []string{"30"}, nil, "", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !c.Running() {
		t.Fatal("expected Running() true right after Start")
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if c.Running() {
		t.Error("expected Running() false after Stop")
	}
}

func TestController_PidZeroBeforeStart(t *testing.T) {
	c := NewController(4096, nil)
	if pid := c.Pid(); pid != 0 {
		t.Errorf("got pid %d before Start, want 0", pid)
	}
}
