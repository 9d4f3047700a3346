package ptyorch

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/agentrelay/internal/config"
	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/envelope"
)

// fakeOrchDaemon accepts a single HELLO/WELCOME handshake then exchanges
// envelopes freely, recording every SEND it receives back from the
// orchestrator so tests can observe directives parsed out of PTY output.
type fakeOrchDaemon struct {
	cdc      *envelope.Codec
	received chan *domain.Envelope
}

func startFakeOrchDaemon(t *testing.T) (string, chan *fakeOrchDaemon) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan *fakeOrchDaemon, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				cdc := envelope.NewCodec(conn, 0)
				hello, err := cdc.ReadEnvelope()
				if err != nil {
					return
				}
				welcome := envelope.New(domain.TypeWelcome, domain.TargetRouter, hello.From)
				_ = welcome.SetPayload(domain.WelcomePayload{SessionID: "s-" + hello.From})
				if err := cdc.WriteEnvelope(welcome); err != nil {
					return
				}

				fd := &fakeOrchDaemon{cdc: cdc, received: make(chan *domain.Envelope, 16)}
				accepted <- fd

				for {
					env, err := cdc.ReadEnvelope()
					if err != nil {
						return
					}
					if env.Type == domain.TypeSend {
						fd.received <- env
					}
				}
			}(conn)
		}
	}()
	return path, accepted
}

func testPTYConfig() config.PTYConfig {
	return config.PTYConfig{
		StuckCheckInterval:     50 * time.Millisecond,
		StuckIdleSilence:       time.Second,
		StuckInjectionTimeout:  time.Second,
		ParserLookbackBytes:    200,
		ThrottleMin:            time.Millisecond,
		ThrottleMax:            10 * time.Millisecond,
		ControlConnectAttempts: 3,
		ControlConnectBackoff:  10 * time.Millisecond,
	}
}

func TestOrchestrator_SpawnInjectsAndParsesDirective(t *testing.T) {
	daemonPath, accepted := startFakeOrchDaemon(t)
	controlDir := t.TempDir()

	orch := NewOrchestrator(daemonPath, controlDir, testPTYConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Spawn(ctx, domain.SpawnPayload{Name: "worker1", CLI: "cat"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	var fd *fakeOrchDaemon
	select {
	case fd = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("daemon never saw an incoming connection")
	}

	send := envelope.New(domain.TypeSend, "peer0", "worker1")
	_ = send.SetPayload(domain.SendPayload{Body: "please relay: →peer1 hi there"})
	if err := fd.cdc.WriteEnvelope(send); err != nil {
		t.Fatalf("write send: %v", err)
	}

	select {
	case out := <-fd.received:
		var payload domain.SendPayload
		if err := out.DecodePayload(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.To != "peer1" || payload.Body != "hi there" {
			t.Errorf("got to=%q body=%q, want to=peer1 body=%q", out.To, payload.Body, "hi there")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected a SEND directive parsed out of injected PTY output")
	}

	if err := orch.Release(ctx, "worker1"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestOrchestrator_SpawnRejectsDuplicateName(t *testing.T) {
	daemonPath, accepted := startFakeOrchDaemon(t)
	controlDir := t.TempDir()
	orch := NewOrchestrator(daemonPath, controlDir, testPTYConfig(), nil)
	ctx := context.Background()

	if err := orch.Spawn(ctx, domain.SpawnPayload{Name: "dup", CLI: "cat"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-accepted

	if err := orch.Spawn(ctx, domain.SpawnPayload{Name: "dup", CLI: "cat"}); err == nil {
		t.Error("expected spawning an already-spawned name to fail")
	}

	_ = orch.Release(ctx, "dup")
}

type fakePidTracker struct {
	tracked   map[string]int
	untracked []string
}

func newFakePidTracker() *fakePidTracker {
	return &fakePidTracker{tracked: make(map[string]int)}
}

func (f *fakePidTracker) Track(name string, pid int) { f.tracked[name] = pid }
func (f *fakePidTracker) Untrack(name string)        { f.untracked = append(f.untracked, name) }

func TestOrchestrator_SpawnAndReleaseTrackPidWithSupervisor(t *testing.T) {
	daemonPath, accepted := startFakeOrchDaemon(t)
	controlDir := t.TempDir()
	orch := NewOrchestrator(daemonPath, controlDir, testPTYConfig(), nil)
	sup := newFakePidTracker()
	orch.SetSupervisor(sup)
	ctx := context.Background()

	if err := orch.Spawn(ctx, domain.SpawnPayload{Name: "tracked1", CLI: "cat"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-accepted

	pid, ok := sup.tracked["tracked1"]
	if !ok || pid <= 0 {
		t.Errorf("got tracked=%v pid=%d, want a tracked positive pid", ok, pid)
	}

	if err := orch.Release(ctx, "tracked1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(sup.untracked) != 1 || sup.untracked[0] != "tracked1" {
		t.Errorf("got untracked %v, want [tracked1]", sup.untracked)
	}
}

func TestOrchestrator_ReleaseUnknownAgentErrors(t *testing.T) {
	orch := NewOrchestrator("unused.sock", t.TempDir(), testPTYConfig(), nil)
	if err := orch.Release(context.Background(), "nope"); err == nil {
		t.Error("expected releasing an unknown agent to error")
	}
}

func TestAgentHandle_HandleControl(t *testing.T) {
	ctrl := NewController(4096, nil)
	if err := ctrl.Start("cat", nil, nil, "", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := &agentHandle{name: "h1", controller: ctrl}

	resp := h.HandleControl(ControlRequest{Type: "status"})
	if !resp.OK || resp.State != "running" {
		t.Errorf("got %+v, want running status", resp)
	}

	resp = h.HandleControl(ControlRequest{Type: "inject", Body: "ping"})
	if !resp.OK {
		t.Errorf("got %+v, want ok inject_result", resp)
	}

	resp = h.HandleControl(ControlRequest{Type: "shutdown"})
	if !resp.OK {
		t.Errorf("got %+v, want ok shutdown", resp)
	}

	resp = h.HandleControl(ControlRequest{Type: "status"})
	if resp.State != "stopped" {
		t.Errorf("got state %q after shutdown, want stopped", resp.State)
	}
}

func TestFormatInject(t *testing.T) {
	got := formatInject("peer0", "hello")
	want := "[from:peer0] hello"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
