// Package daemon owns the local Unix control socket, the durable state
// snapshot loop, and the query-envelope surface (§4.5): everything that is
// not Connection framing or Router multiplexing lives here.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/agentrelay/internal/config"
	"github.com/ashureev/agentrelay/internal/connection"
	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/envelope"
	"github.com/ashureev/agentrelay/internal/router"
	"github.com/ashureev/agentrelay/internal/store"
)

// SpawnManager is the narrow surface the daemon needs from the PTY
// orchestrator / supervisor to serve SPAWN and RELEASE envelopes. nil until
// an orchestrator is wired (SPAWN/RELEASE then fail with NOT_FOUND).
type SpawnManager interface {
	Spawn(ctx context.Context, req domain.SpawnPayload) error
	Release(ctx context.Context, name string) error
}

// EventSink receives optional dashboard-facing lifecycle notifications.
// Satisfied by events.Hub; nil is valid and simply means no dashboard is
// mounted.
type EventSink interface {
	AgentConnected(name string)
	AgentDisconnected(name string)
}

// Daemon wires together storage, the Router, and the local control socket.
// It implements connection.Dispatcher: query envelopes are answered here,
// everything else is forwarded to the Router.
type Daemon struct {
	cfg     *config.Config
	storage store.Adapter
	rtr     *router.Router
	spawner SpawnManager
	sink    EventSink
	logger  *slog.Logger

	startedAt    time.Time
	shuttingDown atomic.Bool

	mu       sync.Mutex
	entities map[string]domain.EntityType // agent name -> entity type, active connections only

	listener net.Listener
	wg       sync.WaitGroup
}

// New constructs a Daemon. spawner may be nil if no PTY orchestrator is
// wired yet.
func New(cfg *config.Config, storage store.Adapter, rtr *router.Router, spawner SpawnManager, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		cfg:       cfg,
		storage:   storage,
		rtr:       rtr,
		spawner:   spawner,
		logger:    logger,
		startedAt: time.Now(),
		entities:  make(map[string]domain.EntityType),
	}
}

// SetEventSink wires an optional dashboard event sink after construction,
// keeping Daemon's constructor signature stable for callers that don't
// mount a dashboard.
func (d *Daemon) SetEventSink(sink EventSink) { d.sink = sink }

// Run listens on the configured Unix socket and accepts connections until
// ctx is cancelled. It then waits for connection goroutines to exit for at
// most Daemon.ShutdownGrace (5s when unset) and returns.
func (d *Daemon) Run(ctx context.Context) error {
	socketPath := d.cfg.SocketPath()
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o750); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := removeStaleSocket(socketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	d.listener = listener

	if err := writePidFile(d.pidFilePath()); err != nil {
		d.logger.Warn("write pid file failed", "error", err)
	}

	d.logger.Info("daemon listening", "socket", socketPath)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.snapshotLoop(ctx)
	}()

	go func() {
		<-ctx.Done()
		d.shuttingDown.Store(true)
		listener.Close()
	}()

	var acceptErr error
	for {
		conn, err := listener.Accept()
		if err != nil {
			if d.shuttingDown.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			acceptErr = err
			break
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.serveConnection(ctx, conn)
		}()
	}

	waited := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waited)
	}()
	grace := d.cfg.Daemon.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-waited:
	case <-time.After(grace):
		d.logger.Warn("shutdown grace elapsed with connections still open", "grace", grace)
	}
	os.Remove(d.pidFilePath())
	return acceptErr
}

func (d *Daemon) serveConnection(ctx context.Context, rw net.Conn) {
	c := connection.New(rw, d.cfg.Connection.MaxFrameBytes, d, d.resumeSeeder(), connection.Config{
		HeartbeatInterval:  d.cfg.Connection.HeartbeatInterval,
		MissedHeartbeatTol: d.cfg.Connection.MissedHeartbeatTol,
	}, d.logger)
	c.Run(ctx)
}

func (d *Daemon) resumeSeeder() connection.ResumeSeeder { return seederAdapter{d.storage} }

type seederAdapter struct{ s store.Adapter }

func (a seederAdapter) SessionByResumeToken(ctx context.Context, agentName, resumeToken string) (string, map[string]int64, bool, error) {
	if a.s == nil {
		return "", nil, false, nil
	}
	return a.s.SessionByResumeToken(ctx, agentName, resumeToken)
}

func (a seederAdapter) StartSession(ctx context.Context, agentName, sessionID string) (string, error) {
	if a.s == nil {
		return "", nil
	}
	return a.s.StartSession(ctx, agentName, sessionID)
}

// OnActive implements connection.Dispatcher: persists the agent registry
// entry, registers the connection with the Router, and replays or
// delivers any pending messages.
func (d *Daemon) OnActive(c *connection.Connection) {
	name := c.AgentName()
	entity := c.EntityType()
	hello := c.HelloInfo()

	d.mu.Lock()
	d.entities[name] = entity
	d.mu.Unlock()

	ctx := context.Background()
	if entity == domain.EntityAgent && d.storage != nil {
		entry := domain.AgentRegistryEntry{
			Name: name, CLI: hello.CLI, Program: hello.Program, Model: hello.Model,
			Task: hello.Task, WorkDir: hello.WorkDir, Team: hello.Team,
			LastSeen: time.Now(),
		}
		if err := d.storage.UpsertAgent(ctx, entry); err != nil {
			d.logger.Warn("upsert agent registry failed", "agent", name, "error", err)
		}
	}

	d.rtr.Register(c)

	seeds := c.SeedSequences()
	if len(seeds) > 0 {
		d.rtr.ReplayPending(ctx, c, seeds)
	} else {
		d.rtr.DeliverPendingMessages(ctx, c)
	}

	if d.sink != nil {
		d.sink.AgentConnected(name)
	}
}

// OnClose implements connection.Dispatcher.
func (d *Daemon) OnClose(c *connection.Connection) {
	name := c.AgentName()
	d.mu.Lock()
	delete(d.entities, name)
	d.mu.Unlock()

	d.rtr.Unregister(c)

	if d.storage != nil && name != "" && c.SessionID() != "" {
		if err := d.storage.EndSession(context.Background(), name, c.SessionID()); err != nil {
			d.logger.Warn("end session failed", "agent", name, "error", err)
		}
	}

	if d.sink != nil {
		d.sink.AgentDisconnected(name)
	}
}

// Dispatch implements connection.Dispatcher: query envelopes are answered
// directly, everything else is forwarded to the Router.
func (d *Daemon) Dispatch(ctx context.Context, c *connection.Connection, env *domain.Envelope) {
	switch env.Type {
	case domain.TypeSend:
		d.dispatchSend(ctx, c, env)
	case domain.TypeAck:
		d.rtr.HandleAck(env)
	case domain.TypeSubscribe:
		var p domain.SubscribePayload
		_ = env.DecodePayload(&p)
		d.rtr.Subscribe(c.AgentName(), p.Topic)
	case domain.TypeUnsubscribe:
		var p domain.SubscribePayload
		_ = env.DecodePayload(&p)
		d.rtr.Unsubscribe(c.AgentName(), p.Topic)
	case domain.TypeChannelJoin:
		var p domain.ChannelPayload
		_ = env.DecodePayload(&p)
		d.rtr.HandleChannelJoin(ctx, c.AgentName(), p.Channel)
	case domain.TypeChannelLeave:
		var p domain.ChannelPayload
		_ = env.DecodePayload(&p)
		d.rtr.HandleChannelLeave(ctx, c.AgentName(), p.Channel)
	case domain.TypeChannelMessage:
		d.rtr.RouteChannelMessage(ctx, c, env)
	case domain.TypeShadowBind:
		var p domain.ShadowBindPayload
		_ = env.DecodePayload(&p)
		d.rtr.BindShadow(c.AgentName(), p.Primary, p.SpeakOn, p.ReceiveIncoming, p.ReceiveOutgoing)
	case domain.TypeShadowUnbind:
		d.rtr.UnbindShadow(c.AgentName())
	case domain.TypeSpawn:
		d.dispatchSpawn(ctx, c, env)
	case domain.TypeRelease:
		d.dispatchRelease(ctx, c, env)
	case domain.TypeStatus:
		d.dispatchStatus(c, env)
	case domain.TypeInbox:
		d.dispatchInbox(ctx, c, env)
	case domain.TypeMessagesQuery:
		d.dispatchMessagesQuery(ctx, c, env)
	case domain.TypeListAgents:
		d.dispatchListAgents(ctx, c, env)
	case domain.TypeListConnectedAgents:
		d.dispatchListConnectedAgents(c, env)
	case domain.TypeRemoveAgent:
		d.dispatchRemoveAgent(ctx, c, env)
	case domain.TypeHealth:
		d.dispatchHealth(ctx, c, env)
	case domain.TypeMetrics:
		d.dispatchMetrics(c, env)
	case domain.TypeLog, domain.TypeAgentReady:
		// Accepted and ignored: EventSink has no method for these types.
	default:
		d.logger.Debug("unhandled envelope type", "type", env.Type, "from", env.From)
	}
}

func (d *Daemon) dispatchSend(ctx context.Context, c *connection.Connection, env *domain.Envelope) {
	if env.Meta != nil && env.Meta.Sync != nil && env.Meta.Sync.Blocking {
		if err := d.rtr.RegisterPendingAck(c, env.Meta.Sync.CorrelationID, env.Meta.Sync.TimeoutMs); err != nil {
			d.reply(c, env, domain.ErrProtocol, err.Error())
			return
		}
	}
	d.rtr.Route(ctx, c, env)
}

func (d *Daemon) dispatchSpawn(ctx context.Context, c *connection.Connection, env *domain.Envelope) {
	if d.spawner == nil {
		d.reply(c, env, domain.ErrNotFound, "no spawn manager configured")
		return
	}
	var p domain.SpawnPayload
	_ = env.DecodePayload(&p)
	d.rtr.MarkSpawning(p.Name)
	err := d.spawner.Spawn(ctx, p)
	d.rtr.ClearSpawning(p.Name)
	if err != nil {
		d.reply(c, env, domain.ErrInternal, err.Error())
	}
}

func (d *Daemon) dispatchRelease(ctx context.Context, c *connection.Connection, env *domain.Envelope) {
	if d.spawner == nil {
		d.reply(c, env, domain.ErrNotFound, "no spawn manager configured")
		return
	}
	var p domain.ReleasePayload
	_ = env.DecodePayload(&p)
	if err := d.spawner.Release(ctx, p.Name); err != nil {
		d.reply(c, env, domain.ErrInternal, err.Error())
	}
}

func (d *Daemon) dispatchStatus(c *connection.Connection, env *domain.Envelope) {
	driver := ""
	if d.storage != nil {
		driver = d.storage.Driver()
	}
	d.mu.Lock()
	connected := len(d.entities)
	d.mu.Unlock()

	resp := envelope.New(domain.TypeStatusResponse, "_router", env.From)
	resp.ID = env.ID
	_ = resp.SetPayload(domain.StatusResponsePayload{
		Uptime:          time.Since(d.startedAt).Milliseconds(),
		ConnectedAgents: connected,
		Driver:          driver,
	})
	_ = c.Send(resp)
}

func (d *Daemon) dispatchInbox(ctx context.Context, c *connection.Connection, env *domain.Envelope) {
	if d.storage == nil {
		d.reply(c, env, domain.ErrStorage, "no storage configured")
		return
	}
	msgs, err := d.storage.QueryMessages(ctx, domain.MessageFilter{To: c.AgentName(), UnreadOnly: true, Order: "asc"})
	if err != nil {
		d.reply(c, env, domain.ErrStorage, err.Error())
		return
	}
	resp := envelope.New(domain.TypeInboxResponse, "_router", env.From)
	resp.ID = env.ID
	_ = resp.SetPayload(domain.InboxResponsePayload{Messages: msgs})
	_ = c.Send(resp)
}

func (d *Daemon) dispatchMessagesQuery(ctx context.Context, c *connection.Connection, env *domain.Envelope) {
	if d.storage == nil {
		d.reply(c, env, domain.ErrStorage, "no storage configured")
		return
	}
	var q domain.MessagesQueryPayload
	_ = env.DecodePayload(&q)

	filter := domain.MessageFilter{
		From: q.From, To: q.To, Thread: q.Thread, Limit: q.Limit,
		Order: q.Order, UnreadOnly: q.UnreadOnly,
	}
	if q.SinceTs > 0 {
		filter.SinceTs = time.UnixMilli(q.SinceTs)
	}

	msgs, err := d.storage.QueryMessages(ctx, filter)
	if err != nil {
		d.reply(c, env, domain.ErrStorage, err.Error())
		return
	}
	resp := envelope.New(domain.TypeMessagesResponse, "_router", env.From)
	resp.ID = env.ID
	_ = resp.SetPayload(domain.MessagesResponsePayload{Messages: msgs})
	_ = c.Send(resp)
}

func (d *Daemon) dispatchListAgents(ctx context.Context, c *connection.Connection, env *domain.Envelope) {
	if d.storage == nil {
		d.reply(c, env, domain.ErrStorage, "no storage configured")
		return
	}
	agents, err := d.storage.ListAgents(ctx)
	if err != nil {
		d.reply(c, env, domain.ErrStorage, err.Error())
		return
	}
	resp := envelope.New(domain.TypeListAgentsResponse, "_router", env.From)
	resp.ID = env.ID
	_ = resp.SetPayload(domain.ListAgentsResponsePayload{Agents: agents})
	_ = c.Send(resp)
}

func (d *Daemon) dispatchListConnectedAgents(c *connection.Connection, env *domain.Envelope) {
	d.mu.Lock()
	var agents, users []string
	for name, entity := range d.entities {
		if entity == domain.EntityUser {
			users = append(users, name)
		} else {
			agents = append(agents, name)
		}
	}
	d.mu.Unlock()

	resp := envelope.New(domain.TypeListConnectedAgentsResponse, "_router", env.From)
	resp.ID = env.ID
	_ = resp.SetPayload(domain.ListConnectedAgentsResponsePayload{Agents: agents, Users: users})
	_ = c.Send(resp)
}

func (d *Daemon) dispatchRemoveAgent(ctx context.Context, c *connection.Connection, env *domain.Envelope) {
	var p domain.RemoveAgentPayload
	_ = env.DecodePayload(&p)
	if _, reserved := domain.ReservedAgentNames[p.Name]; reserved {
		d.reply(c, env, domain.ErrProtocol, "cannot remove reserved agent name")
		return
	}

	removed := d.rtr.ForceRemoveAgent(p.Name)
	if d.storage != nil {
		if err := d.storage.RemoveAgent(ctx, p.Name); err != nil {
			d.reply(c, env, domain.ErrStorage, err.Error())
			return
		}
		removed = true
	}

	resp := envelope.New(domain.TypeRemoveAgentResponse, "_router", env.From)
	resp.ID = env.ID
	_ = resp.SetPayload(domain.RemoveAgentResponsePayload{Removed: removed})
	_ = c.Send(resp)
}

func (d *Daemon) dispatchHealth(ctx context.Context, c *connection.Connection, env *domain.Envelope) {
	healthy := true
	detail := ""
	driver := ""
	if d.storage != nil {
		driver = d.storage.Driver()
		if err := d.storage.Ping(ctx); err != nil {
			healthy = false
			detail = err.Error()
		}
	}
	resp := envelope.New(domain.TypeHealthResponse, "_router", env.From)
	resp.ID = env.ID
	_ = resp.SetPayload(domain.HealthResponsePayload{Healthy: healthy, Driver: driver, Detail: detail})
	_ = c.Send(resp)
}

func (d *Daemon) dispatchMetrics(c *connection.Connection, env *domain.Envelope) {
	d.mu.Lock()
	connected := float64(len(d.entities))
	d.mu.Unlock()

	resp := envelope.New(domain.TypeMetricsResponse, "_router", env.From)
	resp.ID = env.ID
	_ = resp.SetPayload(domain.MetricsResponsePayload{Metrics: map[string]float64{
		"connected_agents": connected,
		"uptime_seconds":   time.Since(d.startedAt).Seconds(),
	}})
	_ = c.Send(resp)
}

func (d *Daemon) reply(c *connection.Connection, req *domain.Envelope, kind domain.ErrorKind, message string) {
	resp := envelope.New(domain.TypeError, "_router", req.From)
	resp.ID = req.ID
	_ = resp.SetPayload(domain.ErrorPayload{Code: kind, Message: message})
	_ = c.Send(resp)
}

// snapshotLoop periodically calls writeSnapshot (agents, connected-agents
// and processing-state files) so an external process can inspect daemon
// state without going through the control socket.
func (d *Daemon) snapshotLoop(ctx context.Context) {
	interval := d.cfg.Daemon.SnapshotInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.writeSnapshot()
		}
	}
}

// writeSnapshot emits the three state-directory snapshots named in §6:
// agents.json (historical registry), connected-agents.json (live roster),
// and processing-state.json (mid-spawn agents, withheld during shutdown).
func (d *Daemon) writeSnapshot() {
	d.mu.Lock()
	var agents, users []string
	for name, entity := range d.entities {
		if entity == domain.EntityUser {
			users = append(users, name)
		} else {
			agents = append(agents, name)
		}
	}
	d.mu.Unlock()

	now := time.Now().UnixMilli()

	connected := connectedAgentsSnapshot{Agents: agents, Users: users, UpdatedAt: now}
	if err := atomicWriteJSON(filepath.Join(d.cfg.DataDir, "connected-agents.json"), connected); err != nil {
		d.logger.Warn("write connected-agents snapshot failed", "error", err)
	}

	if d.storage != nil {
		registry, err := d.storage.ListAgents(context.Background())
		if err != nil {
			d.logger.Warn("list agents for snapshot failed", "error", err)
		} else if err := atomicWriteJSON(filepath.Join(d.cfg.DataDir, "agents.json"), registry); err != nil {
			d.logger.Warn("write agents snapshot failed", "error", err)
		}
	}

	if d.shuttingDown.Load() {
		return
	}
	processing := processingStateSnapshot{ProcessingAgents: d.rtr.GetProcessingAgents(), UpdatedAt: now}
	if err := atomicWriteJSON(filepath.Join(d.cfg.DataDir, "processing-state.json"), processing); err != nil {
		d.logger.Warn("write processing-state snapshot failed", "error", err)
	}
}

func (d *Daemon) pidFilePath() string {
	return filepath.Join(d.cfg.DataDir, "relay.pid")
}

func writePidFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("refusing to unlink non-socket file at %s", path)
	}
	// A Unix socket file left behind by an unclean shutdown; a live daemon
	// would have removed it, so it's safe to unlink before re-listening.
	return os.Remove(path)
}
