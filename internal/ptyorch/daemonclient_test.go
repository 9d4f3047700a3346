package ptyorch

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/envelope"
)

// fakeDaemon accepts one connection, reads a HELLO, and replies WELCOME.
// Grounded on the same handshake shape internal/connection tests its
// Connection state machine against.
type fakeDaemon struct {
	ln     net.Listener
	conn   net.Conn
	helloC chan *domain.Envelope
}

func startFakeDaemon(t *testing.T, resumeToken string) (*fakeDaemon, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fd := &fakeDaemon{ln: ln, helloC: make(chan *domain.Envelope, 1)}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		cdc := envelope.NewCodec(conn, 0)
		hello, err := cdc.ReadEnvelope()
		if err != nil {
			return
		}
		fd.conn = conn
		fd.helloC <- hello

		welcome := envelope.New(domain.TypeWelcome, domain.TargetRouter, hello.From)
		_ = welcome.SetPayload(domain.WelcomePayload{SessionID: "sess-1", ResumeToken: resumeToken})
		_ = cdc.WriteEnvelope(welcome)

		for {
			env, err := cdc.ReadEnvelope()
			if err != nil {
				return
			}
			if env.Type == domain.TypePing {
				pong := envelope.New(domain.TypePong, domain.TargetRouter, env.From)
				_ = cdc.WriteEnvelope(pong)
			}
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return fd, path
}

func TestDial_CompletesHandshake(t *testing.T) {
	_, path := startFakeDaemon(t, "resume-tok-1")

	dc, err := Dial(context.Background(), DialOpts{SocketPath: path, AgentName: "agent-1", CLI: "bash"}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer dc.Close()

	if dc.ResumeToken() != "resume-tok-1" {
		t.Errorf("got resume token %q, want resume-tok-1", dc.ResumeToken())
	}
}

func TestDial_FailsWhenSocketMissing(t *testing.T) {
	_, err := Dial(context.Background(), DialOpts{SocketPath: filepath.Join(t.TempDir(), "nope.sock"), AgentName: "a"}, nil)
	if err == nil {
		t.Error("expected dial error for missing socket")
	}
}

func TestDaemonClient_DoneClosesOnPeerDisconnect(t *testing.T) {
	fd, path := startFakeDaemon(t, "")
	dc, err := Dial(context.Background(), DialOpts{SocketPath: path, AgentName: "agent-1"}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer dc.Close()

	fd.ln.Close()
	<-fd.helloC
	fd.conn.Close()

	select {
	case <-dc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected Done() to close after peer disconnect")
	}
}

func TestReconnect_SucceedsAfterSocketAppears(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.sock")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		time.Sleep(150 * time.Millisecond)
		ln, err := net.Listen("unix", path)
		if err != nil {
			return
		}
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		cdc := envelope.NewCodec(conn, 0)
		hello, err := cdc.ReadEnvelope()
		if err != nil {
			return
		}
		welcome := envelope.New(domain.TypeWelcome, domain.TargetRouter, hello.From)
		_ = welcome.SetPayload(domain.WelcomePayload{SessionID: "s"})
		_ = cdc.WriteEnvelope(welcome)
		<-done
	}()
	defer close(done)

	dc, err := Reconnect(ctx, DialOpts{SocketPath: path, AgentName: "agent-1"}, 10, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer dc.Close()
}

func TestReconnect_GivesUpAfterBoundedAttempts(t *testing.T) {
	_, err := Reconnect(context.Background(), DialOpts{SocketPath: filepath.Join(t.TempDir(), "gone.sock"), AgentName: "a"}, 3, time.Millisecond, nil)
	if err == nil {
		t.Error("expected reconnect to give up and return an error")
	}
}
