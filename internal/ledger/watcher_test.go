package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/router"
)

func TestParseOutboxContent_HeadersAndBody(t *testing.T) {
	data := []byte("TO: bob\nTHREAD: t1\n\nhello there\nsecond line")
	headers, body, err := parseOutboxContent(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if headers["TO"] != "bob" || headers["THREAD"] != "t1" {
		t.Errorf("got headers %+v, want TO=bob THREAD=t1", headers)
	}
	if body != "hello there\nsecond line" {
		t.Errorf("got body %q", body)
	}
}

func TestParseOutboxContent_MalformedHeaderErrors(t *testing.T) {
	if _, _, err := parseOutboxContent([]byte("not-a-header\n\nbody")); err == nil {
		t.Error("expected malformed header line to error")
	}
}

func writeOutboxFile(t *testing.T, dir, agent, name, content string) string {
	t.Helper()
	agentDir := filepath.Join(dir, agent)
	if err := os.MkdirAll(agentDir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(agentDir, name)
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

type fakeLedgerSpawner struct {
	spawned  []domain.SpawnPayload
	released []string
	failErr  error
}

func (f *fakeLedgerSpawner) Spawn(ctx context.Context, req domain.SpawnPayload) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.spawned = append(f.spawned, req)
	return nil
}

func (f *fakeLedgerSpawner) Release(ctx context.Context, name string) error {
	f.released = append(f.released, name)
	return nil
}

func newTestWatcher(t *testing.T, rtr *router.Router, spawner SpawnManager) (*Watcher, *Store, string) {
	t.Helper()
	s := newTestStore(t)
	dir := t.TempDir()
	w, err := NewWatcher(dir, s, rtr, spawner, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, s, dir
}

func TestWatcher_RegisterIfNew_DerivesAgentFromSubdirectory(t *testing.T) {
	w, s, dir := newTestWatcher(t, nil, nil)
	path := writeOutboxFile(t, dir, "alice", "msg1", "TO: bob\n\nhi")

	ctx := context.Background()
	w.registerIfNew(ctx, path)

	active, err := s.IsActive(ctx, path)
	if err != nil {
		t.Fatalf("IsActive: %v", err)
	}
	if !active {
		t.Fatal("expected file to be registered as active")
	}

	rec, ok, err := s.Claim(ctx)
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if rec.AgentName != "alice" {
		t.Errorf("got agent %q, want alice", rec.AgentName)
	}
	if rec.MessageType != domain.FileKindMessage {
		t.Errorf("got kind %q, want msg", rec.MessageType)
	}
}

func TestWatcher_RegisterIfNew_RejectsOversizedFile(t *testing.T) {
	w, s, dir := newTestWatcher(t, nil, nil)
	big := make([]byte, maxOutboxFileBytes+1)
	path := writeOutboxFile(t, dir, "alice", "bigmsg", string(big))

	ctx := context.Background()
	w.registerIfNew(ctx, path)

	active, err := s.IsActive(ctx, path)
	if err != nil {
		t.Fatalf("IsActive: %v", err)
	}
	if active {
		t.Error("expected oversized file to be skipped, not registered")
	}
}

func TestWatcher_Deliver_SpawnKindCallsSpawner(t *testing.T) {
	spawner := &fakeLedgerSpawner{}
	w, s, dir := newTestWatcher(t, nil, spawner)
	path := writeOutboxFile(t, dir, "alice", "spawnreq", "KIND: spawn\nNAME: worker1\nCLI: bash\n\n")

	ctx := context.Background()
	w.registerIfNew(ctx, path)
	if !w.claimAndDeliverOne(ctx) {
		t.Fatal("expected a claimable record")
	}

	if len(spawner.spawned) != 1 || spawner.spawned[0].Name != "worker1" || spawner.spawned[0].CLI != "bash" {
		t.Errorf("got spawned %+v, want [{worker1 bash}]", spawner.spawned)
	}

	rec, ok, err := s.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if ok {
		t.Errorf("expected no further claimable records, got %+v", rec)
	}
}

func TestWatcher_Deliver_SpawnMissingHeadersFails(t *testing.T) {
	spawner := &fakeLedgerSpawner{}
	w, s, dir := newTestWatcher(t, nil, spawner)
	path := writeOutboxFile(t, dir, "alice", "spawnreq", "KIND: spawn\nNAME: worker1\n\n")

	ctx := context.Background()
	w.registerIfNew(ctx, path)
	w.claimAndDeliverOne(ctx)

	if len(spawner.spawned) != 0 {
		t.Errorf("expected no spawn to be issued for a missing CLI header, got %+v", spawner.spawned)
	}

	row := s.db.QueryRow(`SELECT status FROM relay_files WHERE source_path = ?`, path)
	var status string
	if err := row.Scan(&status); err != nil {
		t.Fatalf("scan status: %v", err)
	}
	if status != "pending" && status != "failed" {
		t.Errorf("got status %q, want pending (retry) or failed", status)
	}
}

func TestWatcher_Deliver_MessageWithNoRecipientFails(t *testing.T) {
	rtr := router.New(nil, nil, nil)
	w, s, dir := newTestWatcher(t, rtr, nil)
	path := writeOutboxFile(t, dir, "alice", "msg1", "TO: nobody-home\n\nhi there")

	ctx := context.Background()
	w.registerIfNew(ctx, path)
	w.claimAndDeliverOne(ctx)

	row := s.db.QueryRow(`SELECT status, retries FROM relay_files WHERE source_path = ?`, path)
	var status string
	var retries int
	if err := row.Scan(&status, &retries); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != "pending" || retries != 1 {
		t.Errorf("got status=%q retries=%d, want pending/1 after first failed attempt", status, retries)
	}
}

func TestWatcher_RunClaimLoop_ArchivesFileOnSuccessfulSpawn(t *testing.T) {
	spawner := &fakeLedgerSpawner{}
	w, s, dir := newTestWatcher(t, nil, spawner)
	path := writeOutboxFile(t, dir, "alice", "spawnreq", "KIND: spawn\nNAME: worker1\nCLI: bash\n\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.registerIfNew(ctx, path)
	go w.runClaimLoop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(spawner.spawned) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(spawner.spawned) != 1 {
		t.Fatalf("expected exactly one spawn, got %d", len(spawner.spawned))
	}

	deadline = time.Now().Add(2 * time.Second)
	var archived bool
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(dir, "alice", ".archive", "spawnreq")); err == nil {
			archived = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !archived {
		t.Error("expected delivered file to be moved into .archive")
	}

	row := s.db.QueryRow(`SELECT status FROM relay_files WHERE source_path = ?`, path)
	var status string
	if err := row.Scan(&status); err != nil {
		t.Fatalf("scan status: %v", err)
	}
	if status != "archived" {
		t.Errorf("got status %q, want archived", status)
	}
}
