package ptyorch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentrelay/internal/config"
	"github.com/ashureev/agentrelay/internal/domain"
)

// PidTracker registers a spawned child's PID for health/heartbeat
// supervision, matching supervisor.Supervisor.Track. Nil when no supervisor
// is wired (e.g. in tests).
type PidTracker interface {
	Track(name string, pid int)
	Untrack(name string)
}

// Orchestrator owns the fleet of PTY-attached agents for one relay daemon
// installation. It implements daemon.SpawnManager so SPAWN/RELEASE
// envelopes routed through the daemon create and tear down real child
// processes (§4.6).
type Orchestrator struct {
	cfg        config.PTYConfig
	socketPath string
	controlDir string
	log        *slog.Logger
	supervisor PidTracker

	mu     sync.Mutex
	agents map[string]*agentHandle
}

type agentHandle struct {
	name       string
	controller *Controller
	client     *DaemonClient
	parser     *Parser
	throttle   *Throttle
	control    *ControlServer
	cancel     context.CancelFunc

	mu          sync.Mutex
	queueDepth  int
	lastInject  time.Time
	backpressed bool
}

// NewOrchestrator returns an Orchestrator dialing socketPath for each
// spawned agent and exposing per-agent control sockets under controlDir.
func NewOrchestrator(socketPath, controlDir string, cfg config.PTYConfig, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		socketPath: socketPath,
		controlDir: controlDir,
		log:        log,
		agents:     make(map[string]*agentHandle),
	}
}

// SetSupervisor wires the health/heartbeat supervisor so every subsequently
// spawned child's PID is tracked for liveness and resource probing (§4.8).
// Optional: a nil supervisor (the default) leaves spawned agents unsupervised.
func (o *Orchestrator) SetSupervisor(sup PidTracker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.supervisor = sup
}

// Spawn launches a new PTY child for req and attaches it to the daemon as
// an agent connection.
func (o *Orchestrator) Spawn(ctx context.Context, req domain.SpawnPayload) error {
	o.mu.Lock()
	if _, exists := o.agents[req.Name]; exists {
		o.mu.Unlock()
		return fmt.Errorf("agent %q already spawned", req.Name)
	}
	o.mu.Unlock()

	dc, err := Dial(ctx, DialOpts{
		SocketPath: o.socketPath,
		AgentName:  req.Name,
		CLI:        req.CLI,
		Program:    req.Program,
	}, o.log.With("agent", req.Name))
	if err != nil {
		return fmt.Errorf("dial daemon for %s: %w", req.Name, err)
	}

	ctrl := NewController(DefaultRawBufferSize, o.log.With("agent", req.Name))
	argv := strings.Fields(req.CLI)
	if len(argv) == 0 {
		dc.Close()
		return fmt.Errorf("spawn %s: empty cli command", req.Name)
	}
	if err := ctrl.Start(argv[0], argv[1:], nil, req.WorkDir, nil); err != nil {
		dc.Close()
		return fmt.Errorf("start pty for %s: %w", req.Name, err)
	}

	h := &agentHandle{
		name:       req.Name,
		controller: ctrl,
		client:     dc,
		parser:     NewParser(o.cfg.ParserLookbackBytes),
		throttle:   NewThrottleBand(o.cfg.ThrottleMin, o.cfg.ThrottleMax),
	}

	cs := NewControlServer(filepath.Join(o.controlDir, req.Name+".sock"), h, o.log.With("agent", req.Name))
	h.control = cs
	go func() {
		if err := cs.Serve(); err != nil {
			o.log.Warn("control server stopped", "agent", req.Name, "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	o.mu.Lock()
	o.agents[req.Name] = h
	sup := o.supervisor
	o.mu.Unlock()

	if sup != nil {
		sup.Track(req.Name, ctrl.Pid())
	}

	go o.pumpIncoming(runCtx, h)
	go o.pumpOutput(runCtx, h)
	go o.watchStuck(runCtx, h)
	go o.watchConnection(runCtx, h, req)

	return nil
}

// watchConnection re-dials the daemon with the agent's resume token if the
// control connection drops, so a transient daemon restart does not strand
// a still-running child process.
func (o *Orchestrator) watchConnection(ctx context.Context, h *agentHandle, req domain.SpawnPayload) {
	prev := h.activeClient()
	select {
	case <-ctx.Done():
		return
	case <-prev.Done():
	}
	if ctx.Err() != nil {
		return
	}
	o.log.Warn("daemon connection lost, attempting reconnect", "agent", h.name, "error", prev.Err())

	dc, err := Reconnect(ctx, DialOpts{
		SocketPath:  o.socketPath,
		AgentName:   req.Name,
		CLI:         req.CLI,
		Program:     req.Program,
		ResumeToken: prev.ResumeToken(),
	}, o.cfg.ControlConnectAttempts, o.cfg.ControlConnectBackoff, o.log.With("agent", h.name))
	if err != nil {
		o.log.Error("reconnect to daemon failed, releasing agent", "agent", h.name, "error", err)
		_ = o.Release(ctx, h.name)
		return
	}

	h.mu.Lock()
	h.client = dc
	h.mu.Unlock()

	go o.pumpIncoming(ctx, h)
	go o.watchConnection(ctx, h, req)
}

// Release stops the named agent's child process and tears down its
// connections.
func (o *Orchestrator) Release(ctx context.Context, name string) error {
	o.mu.Lock()
	h, ok := o.agents[name]
	if ok {
		delete(o.agents, name)
	}
	sup := o.supervisor
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %q not spawned here", name)
	}

	if sup != nil {
		sup.Untrack(name)
	}

	h.cancel()
	h.control.Close()
	h.activeClient().Close()
	return h.controller.Stop()
}

// pumpIncoming delivers SEND envelopes addressed to this agent into its
// PTY stdin, pacing via the adaptive throttle.
func (o *Orchestrator) pumpIncoming(ctx context.Context, h *agentHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-h.activeClient().Incoming():
			if !ok {
				return
			}
			if env.Type != domain.TypeSend {
				continue
			}
			var payload domain.SendPayload
			if err := env.DecodePayload(&payload); err != nil {
				continue
			}
			h.mu.Lock()
			h.queueDepth++
			h.mu.Unlock()

			time.Sleep(h.throttle.Delay())
			if err := h.controller.Inject(formatInject(env.From, payload.Body)); err != nil {
				h.throttle.Failure()
				o.log.Warn("inject failed", "agent", h.name, "error", err)
			} else {
				h.throttle.Success()
				h.mu.Lock()
				h.lastInject = time.Now()
				h.mu.Unlock()
			}
			h.mu.Lock()
			h.queueDepth--
			h.mu.Unlock()
		}
	}
}

func formatInject(from, body string) string {
	return fmt.Sprintf("[from:%s] %s", from, body)
}

// pumpOutput re-scans the controller's raw buffer every 100ms, parsing the
// bytes beyond the last scanned length plus the parser's lookback window and
// translating recognized directives into SEND/SPAWN/RELEASE traffic.
func (o *Orchestrator) pumpOutput(ctx context.Context, h *agentHandle) {
	consumed := 0
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			all := h.controller.Buffer().Bytes()
			if consumed >= len(all) {
				continue
			}
			start := consumed - h.parser.Lookback()
			if start < 0 {
				start = 0
			}
			window := all[start:]
			cmds := h.parser.Parse(window)
			for _, cmd := range cmds {
				o.dispatchParsed(ctx, h, cmd)
			}
			consumed = len(all)
		}
	}
}

// dispatchParsed acts on one directive recognized in an agent's PTY output:
// SEND relays text, SPAWN/RELEASE route to the same spawn manager the
// daemon's own SPAWN/RELEASE envelopes use (§6 — outbound CLI directives are
// not a separate code path from daemon-initiated spawns).
func (o *Orchestrator) dispatchParsed(ctx context.Context, h *agentHandle, cmd ParsedCommand) {
	switch cmd.Kind {
	case CommandSend:
		if err := h.activeClient().SendText(cmd.Recipient, cmd.Thread, cmd.Body); err != nil {
			o.log.Warn("send from parsed output failed", "agent", h.name, "to", cmd.Recipient, "error", err)
		}
	case CommandSpawn:
		cli := cmd.Body
		if cmd.Thread != "" {
			cli = cli + " " + cmd.Thread
		}
		req := domain.SpawnPayload{Name: cmd.Recipient, CLI: cli}
		if err := o.Spawn(ctx, req); err != nil {
			o.log.Warn("spawn directive from output failed", "agent", h.name, "target", cmd.Recipient, "error", err)
		}
	case CommandRelease:
		if err := o.Release(ctx, cmd.Recipient); err != nil {
			o.log.Warn("release directive from output failed", "agent", h.name, "target", cmd.Recipient, "error", err)
		}
	}
}

// watchStuck implements the stuck-queue detector: if the throttle's queue
// has depth but the PTY has gone idle beyond StuckIdleSilence for longer
// than StuckInjectionTimeout, force a throttle reset so injection resumes.
func (o *Orchestrator) watchStuck(ctx context.Context, h *agentHandle) {
	ticker := time.NewTicker(o.cfg.StuckCheckInterval)
	defer ticker.Stop()

	var stuckSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			depth := h.queueDepth
			h.mu.Unlock()

			idle := h.controller.IdleSilence()
			if depth > 0 && idle > o.cfg.StuckIdleSilence {
				if stuckSince.IsZero() {
					stuckSince = time.Now()
				}
				if time.Since(stuckSince) > o.cfg.StuckInjectionTimeout {
					o.log.Warn("force-resetting stuck agent", "agent", h.name)
					h.throttle.Reset()
					stuckSince = time.Time{}
				}
			} else {
				stuckSince = time.Time{}
			}
		}
	}
}

// activeClient returns the agent's current daemon connection, safe to call
// concurrently with watchConnection swapping it in after a reconnect.
func (h *agentHandle) activeClient() *DaemonClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client
}

// HandleControl answers the per-agent control socket protocol.
func (h *agentHandle) HandleControl(req ControlRequest) ControlResponse {
	switch req.Type {
	case "inject":
		if err := h.controller.Inject(req.Body); err != nil {
			return ControlResponse{Type: "inject_result", OK: false, Error: err.Error()}
		}
		return ControlResponse{Type: "inject_result", OK: true}
	case "status":
		h.mu.Lock()
		depth := h.queueDepth
		bp := h.backpressed
		h.mu.Unlock()
		state := "running"
		if !h.controller.Running() {
			state = "stopped"
		}
		return ControlResponse{Type: "status", OK: true, State: state, QueueDepth: depth, Backpressure: bp}
	case "shutdown":
		err := h.controller.Stop()
		if err != nil {
			return ControlResponse{Type: "shutdown", OK: false, Error: err.Error()}
		}
		return ControlResponse{Type: "shutdown", OK: true}
	default:
		return ControlResponse{Type: "error", OK: false, Error: "unknown control request type: " + req.Type}
	}
}
