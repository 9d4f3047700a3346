package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/envelope"
	"github.com/ashureev/agentrelay/internal/router"
	"github.com/fsnotify/fsnotify"
)

// maxOutboxFileBytes is the default file-size bound for an outbox drop (§6).
const maxOutboxFileBytes = 1 << 20

// claimPollInterval governs how often the claim-loop worker looks for newly
// claimable records between fsnotify-driven wakeups.
const claimPollInterval = 200 * time.Millisecond

// SpawnManager is the narrow surface the claim loop needs to act on
// spawn/release outbox drops, matching ptyorch.Orchestrator.
type SpawnManager interface {
	Spawn(ctx context.Context, req domain.SpawnPayload) error
	Release(ctx context.Context, name string) error
}

// Watcher watches a per-agent outbox tree (outbox/<name>/) for new files,
// registers each one with the Store, and runs the claim loop that delivers
// them (§4.7).
type Watcher struct {
	dir     string
	store   *Store
	rtr     *router.Router
	spawner SpawnManager
	log     *slog.Logger
}

// NewWatcher returns a Watcher for dir, creating it if missing. rtr and
// spawner may be nil (a watcher constructed for tests of the register path
// alone); Run still operates but delivery attempts fail loudly.
func NewWatcher(dir string, store *Store, rtr *router.Router, spawner SpawnManager, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &Watcher{dir: dir, store: store, rtr: rtr, spawner: spawner, log: log}, nil
}

// Run recovers any crashed-mid-claim records, reconciles rows whose source
// file vanished while the daemon was down, performs an initial directory
// sweep, starts the claim-loop worker, then blocks watching for new writes
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if n, err := w.store.RecoverStuckProcessing(ctx); err != nil {
		return err
	} else if n > 0 {
		w.log.Warn("recovered stuck outbox claims", "count", n)
	}
	if n, err := w.store.ReconcileMissingFiles(ctx); err != nil {
		w.log.Warn("outbox reconciliation failed", "error", err)
	} else if n > 0 {
		w.log.Warn("failed outbox records whose source file vanished", "count", n)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return err
	}

	if err := w.sweep(ctx, fw); err != nil {
		w.log.Warn("initial outbox sweep failed", "error", err)
	}

	go w.runClaimLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("outbox watcher error", "error", err)
		}
	}
}

// handleEvent reacts to one fsnotify event on the outbox root or one of its
// per-agent subdirectories: a newly created agent subdirectory is watched
// and swept; a file write/create inside one is registered.
func (w *Watcher) handleEvent(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Op&fsnotify.Create == 0 || filepath.Dir(ev.Name) != w.dir || strings.HasPrefix(info.Name(), ".") {
			return
		}
		if err := fw.Add(ev.Name); err != nil {
			w.log.Warn("failed to watch new outbox subdirectory", "dir", ev.Name, "error", err)
			return
		}
		w.sweepDir(ctx, ev.Name)
		return
	}
	if filepath.Dir(ev.Name) == w.dir {
		// A file dropped directly in the outbox root, not inside a
		// per-agent subdirectory — not a valid drop per §6.
		return
	}
	w.registerIfNew(ctx, ev.Name)
}

// sweep watches every existing per-agent subdirectory and registers any
// files already sitting in them (drops made while the daemon was down).
func (w *Watcher) sweep(ctx context.Context, fw *fsnotify.Watcher) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		agentDir := filepath.Join(w.dir, e.Name())
		if err := fw.Add(agentDir); err != nil {
			w.log.Warn("failed to watch outbox subdirectory", "dir", agentDir, "error", err)
			continue
		}
		w.sweepDir(ctx, agentDir)
	}
	return nil
}

func (w *Watcher) sweepDir(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.log.Warn("failed reading outbox subdirectory", "dir", dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.registerIfNew(ctx, filepath.Join(dir, e.Name()))
	}
}

// registerIfNew captures a freshly discovered outbox file's metadata into
// the ledger. The agent name comes from its parent subdirectory, per §6's
// outbox/<name>/ layout. The headers are parsed here to read KIND, and
// parsed again at delivery time.
func (w *Watcher) registerIfNew(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return // file already consumed/removed, or not a regular file
	}
	if info.Size() > maxOutboxFileBytes {
		w.log.Warn("outbox file exceeds size bound, skipping", "path", path, "size", info.Size())
		return
	}

	active, err := w.store.IsActive(ctx, path)
	if err != nil {
		w.log.Warn("outbox active-check failed", "path", path, "error", err)
		return
	}
	if active {
		return
	}

	agentName := filepath.Base(filepath.Dir(path))
	if domain.ReservedAgentNames[agentName] {
		w.log.Warn("ignoring outbox file for reserved agent name", "path", path, "agent", agentName)
		return
	}

	headers, _, err := parseOutboxFile(path)
	if err != nil {
		w.log.Warn("malformed outbox file, skipping", "path", path, "error", err)
		return
	}
	kind := domain.FileKind(strings.ToLower(headers["KIND"]))
	if kind == "" {
		kind = domain.FileKindMessage
	}

	hash, err := hashFile(path)
	if err != nil {
		w.log.Warn("failed hashing outbox file", "path", path, "error", err)
		return
	}

	rec := &domain.FileLedgerRecord{
		SourcePath:  path,
		AgentName:   agentName,
		MessageType: kind,
		ContentHash: hash,
		FileSize:    info.Size(),
		FileMtimeNs: info.ModTime().UnixNano(),
	}
	if err := w.store.Register(ctx, rec); err != nil {
		w.log.Warn("failed registering outbox file", "path", path, "error", err)
	}
}

// runClaimLoop drains claimable records until ctx is cancelled, sleeping
// claimPollInterval whenever the ledger has nothing pending.
func (w *Watcher) runClaimLoop(ctx context.Context) {
	ticker := time.NewTicker(claimPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for w.claimAndDeliverOne(ctx) {
			}
		}
	}
}

// claimAndDeliverOne claims one pending record and delivers it, returning
// whether a record was claimed (so the caller can keep draining the queue).
func (w *Watcher) claimAndDeliverOne(ctx context.Context) bool {
	rec, ok, err := w.store.Claim(ctx)
	if err != nil {
		w.log.Warn("outbox claim failed", "error", err)
		return false
	}
	if !ok {
		return false
	}
	w.deliver(ctx, rec)
	return true
}

// deliver reads and parses the claimed file, translates it into a
// SEND/SPAWN/RELEASE envelope, hands it to the Router or SpawnManager, and
// marks the record delivered+archived on success or failed/pending on
// failure (§4.7).
func (w *Watcher) deliver(ctx context.Context, rec *domain.FileLedgerRecord) {
	headers, body, err := parseOutboxFile(rec.SourcePath)
	if err != nil {
		w.fail(ctx, rec, fmt.Errorf("read outbox file: %w", err))
		return
	}

	switch rec.MessageType {
	case domain.FileKindSpawn:
		name, cli := headers["NAME"], headers["CLI"]
		if name == "" || cli == "" {
			w.fail(ctx, rec, fmt.Errorf("spawn outbox file missing required NAME/CLI headers"))
			return
		}
		if w.spawner == nil {
			w.fail(ctx, rec, fmt.Errorf("no spawn manager configured"))
			return
		}
		req := domain.SpawnPayload{Name: name, CLI: cli, Model: headers["MODEL"], WorkDir: headers["CWD"]}
		if err := w.spawner.Spawn(ctx, req); err != nil {
			w.fail(ctx, rec, err)
			return
		}

	case domain.FileKindRelease:
		name := headers["NAME"]
		if name == "" {
			w.fail(ctx, rec, fmt.Errorf("release outbox file missing required NAME header"))
			return
		}
		if w.spawner == nil {
			w.fail(ctx, rec, fmt.Errorf("no spawn manager configured"))
			return
		}
		if err := w.spawner.Release(ctx, name); err != nil {
			w.fail(ctx, rec, err)
			return
		}

	default:
		to := headers["TO"]
		if to == "" {
			w.fail(ctx, rec, fmt.Errorf("message outbox file missing required TO header"))
			return
		}
		if w.rtr == nil {
			w.fail(ctx, rec, fmt.Errorf("no router configured"))
			return
		}
		env := envelope.New(domain.TypeSend, rec.AgentName, to)
		_ = env.SetPayload(domain.SendPayload{Body: body, Thread: headers["THREAD"], IsBroadcast: to == domain.TargetBroadcast})
		rep := &capturingReplier{name: rec.AgentName}
		w.rtr.Route(ctx, rep, env)
		if rep.errEnv != nil {
			var ep domain.ErrorPayload
			_ = rep.errEnv.DecodePayload(&ep)
			w.fail(ctx, rec, fmt.Errorf("route: %s", ep.Message))
			return
		}
	}

	w.archive(ctx, rec)
}

func (w *Watcher) fail(ctx context.Context, rec *domain.FileLedgerRecord, cause error) {
	w.log.Warn("outbox delivery failed", "file", rec.FileID, "path", rec.SourcePath, "error", cause)
	if err := w.store.MarkFailed(ctx, rec.FileID, cause); err != nil {
		w.log.Warn("mark failed failed", "file", rec.FileID, "error", err)
	}
}

func (w *Watcher) archive(ctx context.Context, rec *domain.FileLedgerRecord) {
	if err := w.store.MarkDelivered(ctx, rec.FileID); err != nil {
		w.log.Warn("mark delivered failed", "file", rec.FileID, "error", err)
		return
	}
	archivedPath, err := moveToArchive(rec.SourcePath)
	if err != nil {
		w.log.Warn("archive outbox file failed", "file", rec.FileID, "path", rec.SourcePath, "error", err)
		return
	}
	if err := w.store.MarkArchived(ctx, rec.FileID, archivedPath); err != nil {
		w.log.Warn("mark archived failed", "file", rec.FileID, "error", err)
	}
}

func moveToArchive(path string) (string, error) {
	archiveDir := filepath.Join(filepath.Dir(path), ".archive")
	if err := os.MkdirAll(archiveDir, 0o750); err != nil {
		return "", err
	}
	dest := filepath.Join(archiveDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// capturingReplier is a router.Replier with no live connection, used by the
// claim loop to detect whether Route resolved a delivery failure (a
// no-recipients or persistence ERROR) without needing a real socket to
// attach it to.
type capturingReplier struct {
	name   string
	errEnv *domain.Envelope
}

func (r *capturingReplier) AgentName() string { return r.name }

func (r *capturingReplier) Send(env *domain.Envelope) error {
	if env.Type == domain.TypeError {
		r.errEnv = env
	}
	return nil
}

// parseOutboxFile reads path and splits it into its header block and body
// per §6: header lines of the form "KEY: value" up to the first blank line,
// then the body verbatim.
func parseOutboxFile(path string) (map[string]string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return parseOutboxContent(data)
}

func parseOutboxContent(data []byte) (map[string]string, string, error) {
	lines := strings.Split(string(data), "\n")
	headers := make(map[string]string)
	i := 0
	for ; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if line == "" {
			i++
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, "", fmt.Errorf("malformed header line %q", line)
		}
		key := strings.ToUpper(strings.TrimSpace(line[:idx]))
		headers[key] = strings.TrimSpace(line[idx+1:])
	}
	body := strings.Join(lines[i:], "\n")
	return headers, body, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
