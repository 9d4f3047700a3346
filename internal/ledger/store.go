// Package ledger implements the file-drop outbox protocol (§4.7): agents
// (or their PTY orchestrators) signal outbound work by writing a file into
// a watched outbox directory; the ledger claims it exactly once, tracks it
// through delivery, and recovers cleanly from a mid-claim crash.
package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/shared"
	_ "modernc.org/sqlite"
)

// Store is the ledger's durable backing, grounded on the same embedded
// pure-Go sqlite driver and WAL/busy-timeout tuning as internal/store.
type Store struct {
	db *sql.DB
}

// Open creates or attaches to the ledger database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create ledger db directory: %w", err)
	}
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	db.SetMaxOpenConns(10)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize ledger schema: %w", err)
	}
	return s, nil
}

// schemaVersion identifies the current schema; bump it whenever schemaDDL
// changes so a stale on-disk checksum is detected instead of silently
// running against a drifted table shape.
const schemaVersion = 1

const schemaDDL = `
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS relay_files (
	file_id       TEXT PRIMARY KEY,
	source_path   TEXT NOT NULL,
	symlink_path  TEXT,
	agent_name    TEXT NOT NULL,
	message_type  TEXT NOT NULL,
	status        TEXT NOT NULL,
	retries       INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 3,
	discovered_at INTEGER NOT NULL,
	processed_at  INTEGER,
	archived_at   INTEGER,
	error         TEXT,
	content_hash  TEXT,
	file_size     INTEGER NOT NULL DEFAULT 0,
	file_mtime_ns INTEGER NOT NULL DEFAULT 0,
	file_inode    INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_relay_files_active_path
	ON relay_files(source_path) WHERE status IN ('pending', 'processing');
CREATE INDEX IF NOT EXISTS idx_relay_files_status ON relay_files(status);

CREATE TABLE IF NOT EXISTS orchestrator_state (
	agent_name TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_operations (
	op_id      TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return err
	}
	return s.verifySchemaChecksum()
}

// verifySchemaChecksum guards against running a binary whose compiled-in
// schema has drifted from what's already on disk: a mismatched checksum
// fails startup with a diagnostic rather than silently operating against
// tables the code no longer agrees with (§4.7).
func (s *Store) verifySchemaChecksum() error {
	sum := sha256.Sum256([]byte(schemaDDL))
	checksum := hex.EncodeToString(sum[:])

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version  INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL
		)`); err != nil {
		return err
	}

	row := s.db.QueryRow(`SELECT checksum FROM schema_migrations WHERE version = ?`, schemaVersion)
	var existing string
	switch err := row.Scan(&existing); {
	case err == sql.ErrNoRows:
		_, err := s.db.Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`, schemaVersion, checksum)
		return err
	case err != nil:
		return err
	case existing != checksum:
		return fmt.Errorf("ledger schema migration %d checksum mismatch: db has %s, binary expects %s", schemaVersion, existing, checksum)
	default:
		return nil
	}
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Register inserts a new pending record for a freshly discovered outbox
// file. Rejects a source_path already active (pending/processing) via the
// partial unique index, matching the "one active record per canonical
// path" invariant.
func (s *Store) Register(ctx context.Context, rec *domain.FileLedgerRecord) error {
	if domain.ReservedAgentNames[rec.AgentName] {
		return fmt.Errorf("agent name %q is reserved", rec.AgentName)
	}
	if rec.FileID == "" {
		id, err := randomHex(6)
		if err != nil {
			return fmt.Errorf("generate file id: %w", err)
		}
		rec.FileID = id
	}
	if rec.Status == "" {
		rec.Status = domain.FileStatusPending
	}
	if rec.MaxRetries == 0 {
		rec.MaxRetries = 3
	}
	rec.DiscoveredAt = time.Now()

	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO relay_files
				(file_id, source_path, symlink_path, agent_name, message_type, status,
				 retries, max_retries, discovered_at, content_hash, file_size, file_mtime_ns, file_inode)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.FileID, rec.SourcePath, nullIfEmpty(rec.SymlinkPath), rec.AgentName, string(rec.MessageType),
			string(rec.Status), rec.Retries, rec.MaxRetries, rec.DiscoveredAt.UnixMilli(),
			nullIfEmpty(rec.ContentHash), rec.FileSize, rec.FileMtimeNs, rec.FileInode)
		return err
	})
}

// Claim atomically transitions one pending record to processing, incrementing
// retries as part of the same UPDATE, and returns it, or (nil, false) if
// nothing is claimable. The conditional UPDATE (status still 'pending' at
// commit time, retries still under max_retries) is the atomic claim protocol
// called for by §4.7: only one worker ever wins a given file_id, and an
// exhausted record is never handed out again.
func (s *Store) Claim(ctx context.Context) (*domain.FileLedgerRecord, bool, error) {
	var rec *domain.FileLedgerRecord
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `
			SELECT file_id FROM relay_files
			WHERE status = 'pending' AND retries < max_retries
			ORDER BY discovered_at ASC LIMIT 1`)
		var fileID string
		if err := row.Scan(&fileID); err != nil {
			if err == sql.ErrNoRows {
				rec = nil
				return nil
			}
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE relay_files SET status = 'processing', retries = retries + 1
			WHERE file_id = ? AND status = 'pending' AND retries < max_retries`, fileID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost the race to another claimant; caller retries.
			rec = nil
			return nil
		}

		rec, err = scanByID(tx, ctx, fileID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, false, err
	}
	return rec, rec != nil, nil
}

func scanByID(tx *sql.Tx, ctx context.Context, fileID string) (*domain.FileLedgerRecord, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT file_id, source_path, symlink_path, agent_name, message_type, status,
		       retries, max_retries, discovered_at, processed_at, archived_at, error,
		       content_hash, file_size, file_mtime_ns, file_inode
		FROM relay_files WHERE file_id = ?`, fileID)
	return scanRow(row)
}

func scanRow(row *sql.Row) (*domain.FileLedgerRecord, error) {
	var r domain.FileLedgerRecord
	var symlink, errStr, hash sql.NullString
	var discoveredMs int64
	var processedMs, archivedMs sql.NullInt64
	var status, kind string

	if err := row.Scan(&r.FileID, &r.SourcePath, &symlink, &r.AgentName, &kind, &status,
		&r.Retries, &r.MaxRetries, &discoveredMs, &processedMs, &archivedMs, &errStr,
		&hash, &r.FileSize, &r.FileMtimeNs, &r.FileInode); err != nil {
		return nil, err
	}
	r.SymlinkPath = symlink.String
	r.Error = errStr.String
	r.ContentHash = hash.String
	r.MessageType = domain.FileKind(kind)
	r.Status = domain.FileLedgerStatus(status)
	r.DiscoveredAt = time.UnixMilli(discoveredMs)
	if processedMs.Valid {
		t := time.UnixMilli(processedMs.Int64)
		r.ProcessedAt = &t
	}
	if archivedMs.Valid {
		t := time.UnixMilli(archivedMs.Int64)
		r.ArchivedAt = &t
	}
	return &r, nil
}

// MarkDelivered transitions a processing record to delivered.
func (s *Store) MarkDelivered(ctx context.Context, fileID string) error {
	now := time.Now().UnixMilli()
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE relay_files SET status = 'delivered', processed_at = ? WHERE file_id = ?`, now, fileID)
		return err
	})
}

// MarkFailed records a failed delivery attempt. retries was already
// incremented by the Claim that handed out this record; MarkFailed only
// decides the outcome: back to pending if retries remain, else archived as a
// terminal failure.
func (s *Store) MarkFailed(ctx context.Context, fileID string, cause error) error {
	return withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT retries, max_retries FROM relay_files WHERE file_id = ?`, fileID)
		var retries, maxRetries int
		if err := row.Scan(&retries, &maxRetries); err != nil {
			return err
		}
		status := string(domain.FileStatusPending)
		var archivedAt interface{}
		if retries >= maxRetries {
			status = string(domain.FileStatusFailed)
			archivedAt = time.Now().UnixMilli()
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE relay_files SET status = ?, error = ?, archived_at = ? WHERE file_id = ?`,
			status, cause.Error(), archivedAt, fileID)
		return err
	})
}

// MarkArchived transitions a delivered record to archived, recording where
// its source file was moved to.
func (s *Store) MarkArchived(ctx context.Context, fileID, archivedPath string) error {
	now := time.Now().UnixMilli()
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE relay_files SET status = 'archived', symlink_path = ?, archived_at = ? WHERE file_id = ?`,
			archivedPath, now, fileID)
		return err
	})
}

// forceFail marks fileID failed immediately regardless of remaining
// retries, used for files reconciled away (source no longer exists): a
// vanished file can never be retried successfully, so retrying is pointless.
func (s *Store) forceFail(ctx context.Context, fileID string, cause error) error {
	now := time.Now().UnixMilli()
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE relay_files SET status = 'failed', error = ?, archived_at = ? WHERE file_id = ?`,
			cause.Error(), now, fileID)
		return err
	})
}

// RecoverStuckProcessing resets any record left in processing (a crash
// mid-claim) back to pending, called once at daemon startup (§4.7 crash
// recovery).
func (s *Store) RecoverStuckProcessing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE relay_files SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReconcileMissingFiles fails any active (pending) record whose source file
// vanished while the daemon was down — the other half of startup recovery
// alongside RecoverStuckProcessing: a stuck claim is retryable, a deleted
// file is not.
func (s *Store) ReconcileMissingFiles(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_id, source_path FROM relay_files WHERE status = 'pending'`)
	if err != nil {
		return 0, err
	}
	type candidate struct{ id, path string }
	var missing []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.path); err != nil {
			rows.Close()
			return 0, err
		}
		if _, statErr := os.Stat(c.path); os.IsNotExist(statErr) {
			missing = append(missing, c)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	rows.Close()

	for _, c := range missing {
		if err := s.forceFail(ctx, c.id, fmt.Errorf("source file no longer exists")); err != nil {
			return 0, err
		}
	}
	return int64(len(missing)), nil
}

// IsActive reports whether sourcePath already has a pending/processing
// record, used by the outbox watcher to ignore duplicate fsnotify events.
func (s *Store) IsActive(ctx context.Context, sourcePath string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM relay_files WHERE source_path = ? AND status IN ('pending','processing')`, sourcePath)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func withRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("after %d retries: %w", maxRetries, err)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
