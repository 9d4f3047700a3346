package daemon

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/agentrelay/internal/config"
	"github.com/ashureev/agentrelay/internal/connection"
	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/envelope"
	"github.com/ashureev/agentrelay/internal/router"
)

// connectionNew wires a live Connection against d as its Dispatcher and
// resume seeder, exactly as Daemon.serveConnection does.
func connectionNew(rw net.Conn, d *Daemon) *connection.Connection {
	return connection.New(rw, 0, d, d.resumeSeeder(), connection.Config{}, nil)
}

// fakeStore is a minimal in-memory store.Adapter, grounded on the same
// "fake narrow collaborator instead of a mock library" idiom the router
// package's own tests use.
type fakeStore struct {
	agents map[string]domain.AgentRegistryEntry
}

func newFakeStore() *fakeStore { return &fakeStore{agents: make(map[string]domain.AgentRegistryEntry)} }

func (f *fakeStore) AppendMessage(ctx context.Context, msg *domain.MessageRecord) error { return nil }
func (f *fakeStore) UpdateMessageStatus(ctx context.Context, id string, status domain.MessageStatus) error {
	return nil
}
func (f *fakeStore) QueryMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.MessageRecord, error) {
	return nil, nil
}
func (f *fakeStore) StartSession(ctx context.Context, agentName, sessionID string) (string, error) {
	return "resume-tok", nil
}
func (f *fakeStore) EndSession(ctx context.Context, agentName, sessionID string) error { return nil }
func (f *fakeStore) SessionByResumeToken(ctx context.Context, agentName, resumeToken string) (string, map[string]int64, bool, error) {
	return "", nil, false, nil
}
func (f *fakeStore) NextSeq(ctx context.Context, agentName string, key domain.StreamSeqKey) (int64, error) {
	return 1, nil
}
func (f *fakeStore) UpsertAgent(ctx context.Context, entry domain.AgentRegistryEntry) error {
	f.agents[entry.Name] = entry
	return nil
}
func (f *fakeStore) GetAgent(ctx context.Context, name string) (*domain.AgentRegistryEntry, error) {
	if e, ok := f.agents[name]; ok {
		return &e, nil
	}
	return nil, nil
}
func (f *fakeStore) ListAgents(ctx context.Context) ([]domain.AgentRegistryEntry, error) {
	out := make([]domain.AgentRegistryEntry, 0, len(f.agents))
	for _, e := range f.agents {
		out = append(out, e)
	}
	return out, nil
}
func (f *fakeStore) RemoveAgent(ctx context.Context, name string) error {
	delete(f.agents, name)
	return nil
}
func (f *fakeStore) RemoveMessagesForAgent(ctx context.Context, name string) (int64, error) {
	return 0, nil
}
func (f *fakeStore) ChannelMembers(ctx context.Context, channel string) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) SetChannelMembers(ctx context.Context, channel string, members []string) error {
	return nil
}
func (f *fakeStore) UnackedSince(ctx context.Context, agentName string, key domain.StreamSeqKey, fromSeq int64) ([]domain.MessageRecord, error) {
	return nil, nil
}
func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Driver() string                 { return "fake" }
func (f *fakeStore) Close() error                   { return nil }

type fakeSpawner struct {
	spawned  []string
	released []string
	failSpawn bool
}

func (f *fakeSpawner) Spawn(ctx context.Context, req domain.SpawnPayload) error {
	if f.failSpawn {
		return context.DeadlineExceeded
	}
	f.spawned = append(f.spawned, req.Name)
	return nil
}

func (f *fakeSpawner) Release(ctx context.Context, name string) error {
	f.released = append(f.released, name)
	return nil
}

type fakeSink struct {
	connected    []string
	disconnected []string
}

func (f *fakeSink) AgentConnected(name string)    { f.connected = append(f.connected, name) }
func (f *fakeSink) AgentDisconnected(name string) { f.disconnected = append(f.disconnected, name) }

// newTestDaemonConn wires a Daemon as a real connection.Dispatcher driving a
// Connection over an in-process pipe, and completes the HELLO/WELCOME
// handshake for agent name.
func newTestDaemonConn(t *testing.T, d *Daemon, name string) *envelope.Codec {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c := connectionNew(serverSide, d)
	go c.Run(ctx)

	clientCodec := envelope.NewCodec(clientSide, 0)
	hello := envelope.New(domain.TypeHello, name, "_router")
	_ = hello.SetPayload(domain.HelloPayload{AgentName: name, EntityType: "agent"})
	if err := clientCodec.WriteEnvelope(hello); err != nil {
		t.Fatalf("write HELLO: %v", err)
	}
	welcome, err := clientCodec.ReadEnvelope()
	if err != nil {
		t.Fatalf("read WELCOME: %v", err)
	}
	if welcome.Type != domain.TypeWelcome {
		t.Fatalf("got %s, want WELCOME", welcome.Type)
	}
	return clientCodec
}

func newTestDaemon(t *testing.T, spawner SpawnManager) (*Daemon, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	rtr := router.New(fs, nil, nil)
	cfg := &config.Config{DataDir: t.TempDir()}
	d := New(cfg, fs, rtr, spawner, nil)
	return d, fs
}

func TestDaemon_StatusReportsConnectedAgents(t *testing.T) {
	d, _ := newTestDaemon(t, nil)
	codec := newTestDaemonConn(t, d, "agent-1")

	req := envelope.New(domain.TypeStatus, "agent-1", "_router")
	if err := codec.WriteEnvelope(req); err != nil {
		t.Fatalf("write STATUS: %v", err)
	}
	resp, err := codec.ReadEnvelope()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Type != domain.TypeStatusResponse {
		t.Fatalf("got %s, want STATUS_RESPONSE", resp.Type)
	}
	var payload domain.StatusResponsePayload
	if err := resp.DecodePayload(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ConnectedAgents != 1 {
		t.Errorf("got %d connected agents, want 1", payload.ConnectedAgents)
	}
}

func TestDaemon_HealthReflectsStorage(t *testing.T) {
	d, _ := newTestDaemon(t, nil)
	codec := newTestDaemonConn(t, d, "agent-1")

	req := envelope.New(domain.TypeHealth, "agent-1", "_router")
	_ = codec.WriteEnvelope(req)
	resp, err := codec.ReadEnvelope()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var payload domain.HealthResponsePayload
	_ = resp.DecodePayload(&payload)
	if !payload.Healthy || payload.Driver != "fake" {
		t.Errorf("got %+v, want healthy fake driver", payload)
	}
}

func TestDaemon_SpawnWithoutManagerReturnsNotFound(t *testing.T) {
	d, _ := newTestDaemon(t, nil)
	codec := newTestDaemonConn(t, d, "agent-1")

	req := envelope.New(domain.TypeSpawn, "agent-1", "_router")
	_ = req.SetPayload(domain.SpawnPayload{Name: "child", CLI: "bash"})
	_ = codec.WriteEnvelope(req)

	resp, err := codec.ReadEnvelope()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Type != domain.TypeError {
		t.Fatalf("got %s, want ERROR", resp.Type)
	}
	var payload domain.ErrorPayload
	_ = resp.DecodePayload(&payload)
	if payload.Code != domain.ErrNotFound {
		t.Errorf("got error code %q, want NOT_FOUND", payload.Code)
	}
}

func TestDaemon_SpawnDelegatesToSpawner(t *testing.T) {
	spawner := &fakeSpawner{}
	d, _ := newTestDaemon(t, spawner)
	codec := newTestDaemonConn(t, d, "agent-1")

	req := envelope.New(domain.TypeSpawn, "agent-1", "_router")
	_ = req.SetPayload(domain.SpawnPayload{Name: "child", CLI: "bash"})
	if err := codec.WriteEnvelope(req); err != nil {
		t.Fatalf("write SPAWN: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(spawner.spawned) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(spawner.spawned) != 1 || spawner.spawned[0] != "child" {
		t.Errorf("got spawned %v, want [child]", spawner.spawned)
	}
}

func TestDaemon_EventSinkNotifiedOnConnectAndClose(t *testing.T) {
	d, _ := newTestDaemon(t, nil)
	sink := &fakeSink{}
	d.SetEventSink(sink)

	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	c := connectionNew(serverSide, d)
	go c.Run(ctx)

	clientCodec := envelope.NewCodec(clientSide, 0)
	hello := envelope.New(domain.TypeHello, "agent-x", "_router")
	_ = hello.SetPayload(domain.HelloPayload{AgentName: "agent-x", EntityType: "agent"})
	_ = clientCodec.WriteEnvelope(hello)
	if _, err := clientCodec.ReadEnvelope(); err != nil {
		t.Fatalf("read WELCOME: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(sink.connected) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(sink.connected) != 1 || sink.connected[0] != "agent-x" {
		t.Fatalf("got connected %v, want [agent-x]", sink.connected)
	}

	cancel()
	clientSide.Close()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(sink.disconnected) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(sink.disconnected) != 1 || sink.disconnected[0] != "agent-x" {
		t.Errorf("got disconnected %v, want [agent-x]", sink.disconnected)
	}
}

func TestDaemon_WriteSnapshotEmitsThreeFiles(t *testing.T) {
	d, fs := newTestDaemon(t, nil)
	fs.agents["legacy"] = domain.AgentRegistryEntry{Name: "legacy"}
	codec := newTestDaemonConn(t, d, "agent-1")
	_ = codec

	d.writeSnapshot()

	var connected connectedAgentsSnapshot
	readSnapshotJSON(t, filepath.Join(d.cfg.DataDir, "connected-agents.json"), &connected)
	if len(connected.Agents) != 1 || connected.Agents[0] != "agent-1" {
		t.Errorf("got connected agents %v, want [agent-1]", connected.Agents)
	}

	var agents []domain.AgentRegistryEntry
	readSnapshotJSON(t, filepath.Join(d.cfg.DataDir, "agents.json"), &agents)
	if len(agents) != 1 || agents[0].Name != "legacy" {
		t.Errorf("got agents snapshot %+v, want [legacy]", agents)
	}

	var processing processingStateSnapshot
	readSnapshotJSON(t, filepath.Join(d.cfg.DataDir, "processing-state.json"), &processing)
}

func TestDaemon_WriteSnapshotSuppressesProcessingDuringShutdown(t *testing.T) {
	d, _ := newTestDaemon(t, nil)
	d.shuttingDown.Store(true)

	d.writeSnapshot()

	path := filepath.Join(d.cfg.DataDir, "processing-state.json")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected no processing-state.json to be written during shutdown, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(d.cfg.DataDir, "connected-agents.json")); err != nil {
		t.Errorf("expected connected-agents.json to still be written during shutdown: %v", err)
	}
}

func readSnapshotJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", path, err)
	}
}

func TestRemoveStaleSocket_RefusesNonSocketFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.sock")
	if err := os.WriteFile(path, []byte("not a socket"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := removeStaleSocket(path); err == nil {
		t.Error("expected removeStaleSocket to refuse a non-socket file")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("expected the non-socket file to remain untouched")
	}
}

func TestRemoveStaleSocket_RemovesActualSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	// The listener is still open here; removeStaleSocket only checks that
	// the file is a genuine socket, so it must unlink it rather than refuse.
	if err := removeStaleSocket(path); err != nil {
		t.Fatalf("removeStaleSocket: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected socket file to be removed, stat err=%v", err)
	}
}

func TestRemoveStaleSocket_NoFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	if err := removeStaleSocket(filepath.Join(dir, "missing.sock")); err != nil {
		t.Errorf("got %v, want nil for a non-existent path", err)
	}
}

func TestDaemon_ListConnectedAgentsSeparatesUsers(t *testing.T) {
	d, _ := newTestDaemon(t, nil)
	codec := newTestDaemonConn(t, d, "agent-1")

	userSide, userClient := net.Pipe()
	userCtx, userCancel := context.WithCancel(context.Background())
	t.Cleanup(userCancel)
	go connectionNew(userSide, d).Run(userCtx)
	userCodec := envelope.NewCodec(userClient, 0)
	userHello := envelope.New(domain.TypeHello, "dash", "_router")
	_ = userHello.SetPayload(domain.HelloPayload{AgentName: "dash", EntityType: "user"})
	if err := userCodec.WriteEnvelope(userHello); err != nil {
		t.Fatalf("write user HELLO: %v", err)
	}
	if _, err := userCodec.ReadEnvelope(); err != nil {
		t.Fatalf("read user WELCOME: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		n := len(d.entities)
		d.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	req := envelope.New(domain.TypeListConnectedAgents, "agent-1", "_router")
	_ = codec.WriteEnvelope(req)
	resp, err := codec.ReadEnvelope()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var payload domain.ListConnectedAgentsResponsePayload
	_ = resp.DecodePayload(&payload)
	if len(payload.Agents) != 1 || payload.Agents[0] != "agent-1" {
		t.Errorf("got agents %v, want [agent-1]", payload.Agents)
	}
	if len(payload.Users) != 1 || payload.Users[0] != "dash" {
		t.Errorf("got users %v, want [dash]", payload.Users)
	}
}
