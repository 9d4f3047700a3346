// Package connection implements one live transport session (§4.2):
// handshake, heartbeat, resume seeding, and an exclusive send/recv loop
// pair per Connection, per the one-task-per-connection scheduling model.
package connection

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/envelope"
	"github.com/google/uuid"
)

// Dispatcher is the narrow surface a Connection needs from its owner (the
// Router/Daemon) to hand off inbound frames and be notified of lifecycle
// events. Implemented as explicit subscriber registration rather than an
// event emitter (§9 Design Notes): the owner passes itself in at
// construction and is released by Close running exactly once.
type Dispatcher interface {
	// Dispatch handles one inbound envelope already past HELLO.
	Dispatch(ctx context.Context, c *Connection, env *domain.Envelope)
	// OnActive fires once, when the Connection transitions to ACTIVE.
	OnActive(c *Connection)
	// OnClose fires once, when the Connection is torn down for any reason.
	OnClose(c *Connection)
}

// ResumeSeeder resolves resume tokens against storage. It is a narrow
// interface over the storage adapter so Connection does not depend on the
// full store.Adapter surface.
type ResumeSeeder interface {
	SessionByResumeToken(ctx context.Context, agentName, resumeToken string) (sessionID string, seedSeqs map[string]int64, ok bool, err error)
	StartSession(ctx context.Context, agentName, sessionID string) (resumeToken string, err error)
}

// Config bundles the Connection's operational timing.
type Config struct {
	HeartbeatInterval  time.Duration
	MissedHeartbeatTol int
}

// Connection owns one transport's envelope stream exclusively. External
// senders enqueue via Send; they never touch the codec directly (§5 shared
// resource policy).
type Connection struct {
	id         string
	codec      *envelope.Codec
	closer     io.Closer
	dispatcher Dispatcher
	seeder     ResumeSeeder
	cfg        Config
	logger     *slog.Logger

	mu         sync.Mutex
	state      domain.ConnectionState
	agentName  string
	entityType domain.EntityType
	hello      domain.HelloPayload
	sessionID  string
	resumeTok  string
	seedSeqs   map[string]int64
	processing bool
	missedPing int

	outbox chan *domain.Envelope
	done   chan struct{}
	once   sync.Once
}

// New creates a Connection in CONNECTING state. Run must be called to
// start its read/write loops.
func New(rw io.ReadWriteCloser, maxFrameBytes int, dispatcher Dispatcher, seeder ResumeSeeder, cfg Config, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		id:         uuid.NewString(),
		codec:      envelope.NewCodec(rw, maxFrameBytes),
		closer:     rw,
		dispatcher: dispatcher,
		seeder:     seeder,
		cfg:        cfg,
		logger:     logger,
		state:      domain.StateConnecting,
		outbox:     make(chan *domain.Envelope, 64),
		done:       make(chan struct{}),
	}
}

// ID returns the Connection's unique id.
func (c *Connection) ID() string { return c.id }

// AgentName returns the bound agent name (empty before HELLO).
func (c *Connection) AgentName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentName
}

// State returns the current ConnectionState.
func (c *Connection) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EntityType returns whether this Connection is an agent or a user/dashboard.
func (c *Connection) EntityType() domain.EntityType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entityType
}

// HelloInfo returns the HELLO payload this Connection registered with.
func (c *Connection) HelloInfo() domain.HelloPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// SessionID returns the current (possibly resumed) session id.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SeedSequences returns the per-stream high-water marks a resumed session
// was seeded with; empty for a fresh (non-resumed) session.
func (c *Connection) SeedSequences() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seedSeqs
}

// SetProcessing marks whether the agent is in a long-running tool call; a
// missed heartbeat is forgiven while true (§4.2).
func (c *Connection) SetProcessing(v bool) {
	c.mu.Lock()
	c.processing = v
	c.mu.Unlock()
}

// Send enqueues env for delivery on this Connection's write loop. It never
// blocks the caller on transport I/O.
func (c *Connection) Send(env *domain.Envelope) error {
	select {
	case c.outbox <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("connection %s closed", c.id)
	default:
		return fmt.Errorf("connection %s outbox full", c.id)
	}
}

// Close tears the Connection down exactly once, releasing the transport
// and firing OnClose.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.closer.Close()
		c.mu.Lock()
		c.state = domain.StateClosed
		c.mu.Unlock()
		c.dispatcher.OnClose(c)
	})
}

// Run drives the Connection's read loop until the transport closes or ctx
// is cancelled. It spawns the write loop and blocks until both exit.
func (c *Connection) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	c.readLoop(ctx)
	cancel()
	wg.Wait()
	c.Close()
}

func (c *Connection) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := c.codec.ReadEnvelope()
		if err != nil {
			if _, ok := err.(*envelope.ProtocolError); ok {
				c.logger.Warn("protocol error, closing connection", "connection", c.id, "error", err)
				_ = c.Send(errorEnvelope(domain.ErrProtocol, err.Error(), true, ""))
			}
			return
		}

		c.handle(ctx, env)
	}
}

func (c *Connection) handle(ctx context.Context, env *domain.Envelope) {
	switch env.Type {
	case domain.TypeHello:
		c.handleHello(ctx, env)
	case domain.TypePing:
		_ = c.Send(envResponse(domain.TypePong, env))
	case domain.TypePong:
		c.mu.Lock()
		c.missedPing = 0
		c.mu.Unlock()
	default:
		c.mu.Lock()
		active := c.state == domain.StateActive
		c.mu.Unlock()
		if !active {
			_ = c.Send(errorEnvelope(domain.ErrProtocol, "frame received before HELLO", true, ""))
			return
		}
		c.dispatcher.Dispatch(ctx, c, env)
	}
}

func (c *Connection) handleHello(ctx context.Context, env *domain.Envelope) {
	var hello domain.HelloPayload
	if err := env.DecodePayload(&hello); err != nil || hello.AgentName == "" {
		_ = c.Send(errorEnvelope(domain.ErrProtocol, "invalid HELLO payload", true, ""))
		return
	}

	c.mu.Lock()
	c.agentName = hello.AgentName
	c.entityType = domain.EntityType(hello.EntityType)
	if c.entityType == "" {
		c.entityType = domain.EntityAgent
	}
	c.hello = hello
	c.state = domain.StateHelloSent
	c.mu.Unlock()

	sessionID := uuid.NewString()
	seeds := map[string]int64{}

	if hello.ResumeToken != "" && c.seeder != nil {
		if priorSession, priorSeeds, ok, err := c.seeder.SessionByResumeToken(ctx, hello.AgentName, hello.ResumeToken); err == nil && ok {
			sessionID = priorSession
			seeds = priorSeeds
		}
	}

	resumeToken := hello.ResumeToken
	if c.seeder != nil {
		if tok, err := c.seeder.StartSession(ctx, hello.AgentName, sessionID); err == nil {
			resumeToken = tok
		}
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.resumeTok = resumeToken
	c.seedSeqs = seeds
	c.state = domain.StateActive
	c.mu.Unlock()

	welcome := envelope.New(domain.TypeWelcome, "_router", hello.AgentName)
	_ = welcome.SetPayload(domain.WelcomePayload{
		SessionID:     sessionID,
		ResumeToken:   resumeToken,
		SeedSequences: seeds,
	})
	_ = c.Send(welcome)

	c.dispatcher.OnActive(c)
}

func (c *Connection) writeLoop(ctx context.Context) {
	heartbeat := time.NewTicker(c.heartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case env := <-c.outbox:
			if err := c.codec.WriteEnvelope(env); err != nil {
				return
			}
		case <-heartbeat.C:
			if !c.tickHeartbeat() {
				return
			}
		}
	}
}

func (c *Connection) heartbeatInterval() time.Duration {
	if c.cfg.HeartbeatInterval <= 0 {
		return 10 * time.Second
	}
	return c.cfg.HeartbeatInterval
}

// tickHeartbeat sends a PING and evaluates the missed-heartbeat budget,
// forgiven while the agent is flagged processing (§4.2).
func (c *Connection) tickHeartbeat() bool {
	c.mu.Lock()
	if c.state != domain.StateActive {
		c.mu.Unlock()
		return true
	}
	processing := c.processing
	tol := c.cfg.MissedHeartbeatTol
	if tol <= 0 {
		tol = 3
	}
	c.missedPing++
	missed := c.missedPing
	c.mu.Unlock()

	if missed > tol && !processing {
		c.logger.Warn("missed heartbeat budget exceeded, closing", "connection", c.id, "agent", c.AgentName())
		return false
	}

	ping := envelope.New(domain.TypePing, "_router", c.AgentName())
	if err := c.codec.WriteEnvelope(ping); err != nil {
		return false
	}
	return true
}

func envResponse(typ domain.EnvelopeType, req *domain.Envelope) *domain.Envelope {
	resp := envelope.New(typ, req.To, req.From)
	resp.Topic = req.Topic
	return resp
}

func errorEnvelope(kind domain.ErrorKind, message string, fatal bool, correlationID string) *domain.Envelope {
	env := envelope.New(domain.TypeError, "_router", "")
	_ = env.SetPayload(domain.ErrorPayload{
		Code:          kind,
		Message:       message,
		Fatal:         fatal,
		CorrelationID: correlationID,
	})
	return env
}
