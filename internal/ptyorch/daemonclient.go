package ptyorch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/envelope"
)

// DaemonClient is the orchestrator's own connection to the relay daemon's
// Unix socket. An orchestrator is, from the daemon's point of view, an
// ordinary agent: it performs its own HELLO/WELCOME handshake rather than
// being handed a pre-accepted connection (§4.6).
type DaemonClient struct {
	agentName string
	cli       string
	program   string

	log  *slog.Logger
	conn net.Conn
	cdc  *envelope.Codec

	mu            sync.Mutex
	sessionID     string
	resumeToken   string
	seedSequences map[string]int64

	incoming chan *domain.Envelope
	closed   chan struct{}
	closeErr error
	once     sync.Once
}

// DialOpts configures DaemonClient.Dial.
type DialOpts struct {
	SocketPath    string
	AgentName     string
	CLI           string
	Program       string
	MaxFrameBytes int
	ResumeToken   string // non-empty to attempt resume of a prior session
}

// Dial connects to the daemon's Unix socket and completes HELLO/WELCOME.
func Dial(ctx context.Context, opts DialOpts, log *slog.Logger) (*DaemonClient, error) {
	if log == nil {
		log = slog.Default()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", opts.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("dial daemon socket: %w", err)
	}

	dc := &DaemonClient{
		agentName: opts.AgentName,
		cli:       opts.CLI,
		program:   opts.Program,
		log:       log,
		conn:      conn,
		cdc:       envelope.NewCodec(conn, opts.MaxFrameBytes),
		incoming:  make(chan *domain.Envelope, 64),
		closed:    make(chan struct{}),
	}

	hello := envelope.New(domain.TypeHello, opts.AgentName, domain.TargetRouter)
	_ = hello.SetPayload(domain.HelloPayload{
		AgentName:   opts.AgentName,
		EntityType:  "agent",
		CLI:         opts.CLI,
		Program:     opts.Program,
		ResumeToken: opts.ResumeToken,
	})
	if err := dc.cdc.WriteEnvelope(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write HELLO: %w", err)
	}

	welcome, err := dc.cdc.ReadEnvelope()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read WELCOME: %w", err)
	}
	if welcome.Type != domain.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("expected WELCOME, got %s", welcome.Type)
	}
	var wp domain.WelcomePayload
	if err := welcome.DecodePayload(&wp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode WELCOME: %w", err)
	}

	dc.mu.Lock()
	dc.sessionID = wp.SessionID
	dc.resumeToken = wp.ResumeToken
	dc.seedSequences = wp.SeedSequences
	dc.mu.Unlock()

	go dc.readLoop()
	return dc, nil
}

func (dc *DaemonClient) readLoop() {
	for {
		env, err := dc.cdc.ReadEnvelope()
		if err != nil {
			dc.closeErr = err
			close(dc.closed)
			close(dc.incoming)
			return
		}
		if env.Type == domain.TypePing {
			pong := envelope.New(domain.TypePong, dc.agentName, domain.TargetRouter)
			_ = dc.cdc.WriteEnvelope(pong)
			continue
		}
		select {
		case dc.incoming <- env:
		case <-dc.closed:
			return
		}
	}
}

// Incoming yields envelopes addressed to this orchestrator's agent identity
// (typically SEND) for translation into injected PTY stdin.
func (dc *DaemonClient) Incoming() <-chan *domain.Envelope { return dc.incoming }

// Done closes when the underlying connection has been lost.
func (dc *DaemonClient) Done() <-chan struct{} { return dc.closed }

// Err returns the error that caused the read loop to stop, if any.
func (dc *DaemonClient) Err() error { return dc.closeErr }

// SendText emits a SEND envelope carrying parsed-command output toward
// target.
func (dc *DaemonClient) SendText(target, thread, body string) error {
	env := envelope.New(domain.TypeSend, dc.agentName, target)
	_ = env.SetPayload(domain.SendPayload{Body: body, Thread: thread, IsBroadcast: target == domain.TargetBroadcast})
	return dc.cdc.WriteEnvelope(env)
}

// Write sends an already-constructed envelope as-is (SPAWN/RELEASE/ACK).
func (dc *DaemonClient) Write(env *domain.Envelope) error {
	return dc.cdc.WriteEnvelope(env)
}

// ResumeToken returns the token issued at WELCOME, to be persisted for
// reconnect-with-resume across orchestrator restarts.
func (dc *DaemonClient) ResumeToken() string {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.resumeToken
}

// Close tears down the connection.
func (dc *DaemonClient) Close() error {
	var err error
	dc.once.Do(func() {
		err = dc.conn.Close()
	})
	return err
}

// Reconnect re-dials with the previously issued resume token after a
// connection loss, with bounded retries and backoff (grounded on the
// teacher's retry-with-backoff idiom in internal/container/ttl.go).
func Reconnect(ctx context.Context, opts DialOpts, attempts int, backoff time.Duration, log *slog.Logger) (*DaemonClient, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		dc, err := Dial(ctx, opts, log)
		if err == nil {
			return dc, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff * time.Duration(1<<uint(i))):
		}
	}
	return nil, fmt.Errorf("reconnect failed after %d attempts: %w", attempts, lastErr)
}
