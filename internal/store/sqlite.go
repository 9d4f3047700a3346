package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Adapter using an embedded, pure-Go SQLite driver.
type SQLiteStore struct {
	db     *sql.DB
	seqMu  sync.Mutex // serializes sequence increments to avoid lost updates
}

// NewSQLite creates a new SQLite-backed storage adapter.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS agents (
		name TEXT PRIMARY KEY,
		cli TEXT,
		program TEXT,
		model TEXT,
		task TEXT,
		work_dir TEXT,
		team TEXT,
		last_seen INTEGER NOT NULL,
		resume_token TEXT
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		resume_token TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_name);
	CREATE INDEX IF NOT EXISTS idx_sessions_resume ON sessions(agent_name, resume_token);

	CREATE TABLE IF NOT EXISTS stream_seqs (
		agent_name TEXT NOT NULL,
		topic TEXT NOT NULL,
		peer TEXT NOT NULL,
		max_seq INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (agent_name, topic, peer)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		from_name TEXT NOT NULL,
		to_name TEXT NOT NULL,
		body TEXT NOT NULL,
		thread TEXT,
		channel TEXT,
		topic TEXT,
		peer TEXT,
		seq INTEGER,
		ts INTEGER NOT NULL,
		status TEXT NOT NULL,
		is_broadcast INTEGER NOT NULL DEFAULT 0,
		reply_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_name, ts);
	CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_name, ts);
	CREATE INDEX IF NOT EXISTS idx_messages_resume ON messages(to_name, peer, topic, seq) WHERE status != 'ACKED';

	CREATE TABLE IF NOT EXISTS channel_members (
		channel TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		PRIMARY KEY (channel, agent_name)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Driver reports the backend name.
func (s *SQLiteStore) Driver() string { return "sqlite" }

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// AppendMessage persists one message record. seq is left NULL here: a
// message can fan out to several recipients (broadcast, channel, topic),
// each assigned its own per-recipient sequence by NextSeq at delivery time,
// so no single seq value belongs to the shared row.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.MessageRecord) error {
	query := `
	INSERT INTO messages (id, from_name, to_name, body, thread, channel, topic, peer, seq, ts, status, is_broadcast, reply_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var thread, channel interface{}
	if msg.Thread != "" {
		thread = msg.Thread
	}
	if msg.Channel != "" {
		channel = msg.Channel
	}

	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			msg.ID, msg.From, msg.To, msg.Body, thread, channel,
			nullIfEmpty(msg.Topic), nullIfEmpty(msg.From), nil, msg.Timestamp.UnixMilli(), string(msg.Status),
			boolToInt(msg.IsBroadcast), msg.ReplyCount,
		)
		return err
	})
}

// UpdateMessageStatus transitions a message's delivery status.
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id string, status domain.MessageStatus) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
		return err
	})
}

// QueryMessages returns messages matching filter.
func (s *SQLiteStore) QueryMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.MessageRecord, error) {
	query := `SELECT id, from_name, to_name, body, thread, channel, ts, status, is_broadcast, reply_count FROM messages WHERE 1=1`
	var args []interface{}

	if filter.From != "" {
		query += ` AND from_name = ?`
		args = append(args, filter.From)
	}
	if filter.To != "" {
		query += ` AND to_name = ?`
		args = append(args, filter.To)
	}
	if filter.Thread != "" {
		query += ` AND thread = ?`
		args = append(args, filter.Thread)
	}
	if !filter.SinceTs.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, filter.SinceTs.UnixMilli())
	}
	if filter.UnreadOnly {
		query += ` AND status NOT IN ('READ', 'ACKED')`
	}

	order := "DESC"
	if filter.Order == "asc" {
		order = "ASC"
	}
	query += fmt.Sprintf(` ORDER BY ts %s`, order)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			slog.Warn("failed to close message rows", "error", cerr)
		}
	}()

	var out []domain.MessageRecord
	for rows.Next() {
		var m domain.MessageRecord
		var thread, channel sql.NullString
		var ts int64
		var isBroadcast int

		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Body, &thread, &channel, &ts, &m.Status, &isBroadcast, &m.ReplyCount); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Thread = thread.String
		m.Channel = channel.String
		m.Timestamp = time.UnixMilli(ts)
		m.IsBroadcast = isBroadcast != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// StartSession records a new session and returns a fresh resume token.
func (s *SQLiteStore) StartSession(ctx context.Context, agentName, sessionID string) (string, error) {
	token, err := randomHex(16)
	if err != nil {
		return "", fmt.Errorf("generate resume token: %w", err)
	}

	err = withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (session_id, agent_name, resume_token, started_at) VALUES (?, ?, ?, ?)`,
			sessionID, agentName, token, time.Now().UnixMilli(),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	return token, nil
}

// EndSession marks a session ended.
func (s *SQLiteStore) EndSession(ctx context.Context, agentName, sessionID string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET ended_at = ? WHERE session_id = ? AND agent_name = ?`,
			time.Now().UnixMilli(), sessionID, agentName,
		)
		return err
	})
}

// SessionByResumeToken looks up the prior session and seeds its per-stream
// sequence high-water marks for the reconnecting Connection.
func (s *SQLiteStore) SessionByResumeToken(ctx context.Context, agentName, resumeToken string) (string, map[string]int64, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE agent_name = ? AND resume_token = ? ORDER BY started_at DESC LIMIT 1`,
		agentName, resumeToken,
	)
	var sessionID string
	if err := row.Scan(&sessionID); err != nil {
		if err == sql.ErrNoRows {
			return "", nil, false, nil
		}
		return "", nil, false, fmt.Errorf("lookup resume token: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT topic, peer, max_seq FROM stream_seqs WHERE agent_name = ?`, agentName)
	if err != nil {
		return "", nil, false, fmt.Errorf("seed sequences: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			slog.Warn("failed to close stream_seqs rows", "error", cerr)
		}
	}()

	seeds := make(map[string]int64)
	for rows.Next() {
		var topic, peer string
		var maxSeq int64
		if err := rows.Scan(&topic, &peer, &maxSeq); err != nil {
			return "", nil, false, fmt.Errorf("scan stream seq row: %w", err)
		}
		seeds[topic+"|"+peer] = maxSeq
	}

	return sessionID, seeds, true, rows.Err()
}

// NextSeq atomically increments and returns the per-stream sequence number.
// Serialized by an in-process mutex (§5: structured message passing
// preferred over locks; this is one of the short-held-mutex exceptions
// named there, matching the teacher's agentSessionMu discipline).
func (s *SQLiteStore) NextSeq(ctx context.Context, agentName string, key domain.StreamSeqKey) (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	var next int64
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var cur int64
		row := tx.QueryRowContext(ctx,
			`SELECT max_seq FROM stream_seqs WHERE agent_name = ? AND topic = ? AND peer = ?`,
			agentName, key.Topic, key.Peer,
		)
		switch err := row.Scan(&cur); {
		case err == sql.ErrNoRows:
			cur = 0
		case err != nil:
			return err
		}

		next = cur + 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stream_seqs (agent_name, topic, peer, max_seq) VALUES (?, ?, ?, ?)
			ON CONFLICT(agent_name, topic, peer) DO UPDATE SET max_seq = excluded.max_seq`,
			agentName, key.Topic, key.Peer, next,
		)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return next, err
}

// UpsertAgent creates or refreshes a durable registry entry.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, entry domain.AgentRegistryEntry) error {
	query := `
	INSERT INTO agents (name, cli, program, model, task, work_dir, team, last_seen, resume_token)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		cli = COALESCE(excluded.cli, agents.cli),
		program = COALESCE(excluded.program, agents.program),
		model = COALESCE(excluded.model, agents.model),
		task = COALESCE(excluded.task, agents.task),
		work_dir = COALESCE(excluded.work_dir, agents.work_dir),
		team = COALESCE(excluded.team, agents.team),
		last_seen = excluded.last_seen,
		resume_token = COALESCE(excluded.resume_token, agents.resume_token)`

	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			entry.Name, nullIfEmpty(entry.CLI), nullIfEmpty(entry.Program),
			nullIfEmpty(entry.Model), nullIfEmpty(entry.Task), nullIfEmpty(entry.WorkDir),
			nullIfEmpty(entry.Team), entry.LastSeen.UnixMilli(), nullIfEmpty(entry.ResumeToken),
		)
		return err
	})
}

// GetAgent looks up a registry entry by name.
func (s *SQLiteStore) GetAgent(ctx context.Context, name string) (*domain.AgentRegistryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, cli, program, model, task, work_dir, team, last_seen, resume_token FROM agents WHERE name = ?`, name)
	entry, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// ListAgents returns every known registry entry.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]domain.AgentRegistryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, cli, program, model, task, work_dir, team, last_seen, resume_token FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			slog.Warn("failed to close agents rows", "error", cerr)
		}
	}()

	var out []domain.AgentRegistryEntry
	for rows.Next() {
		entry, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row scannable) (*domain.AgentRegistryEntry, error) {
	var entry domain.AgentRegistryEntry
	var cli, program, model, task, workDir, team, resumeToken sql.NullString
	var lastSeen int64

	if err := row.Scan(&entry.Name, &cli, &program, &model, &task, &workDir, &team, &lastSeen, &resumeToken); err != nil {
		return nil, err
	}
	entry.CLI = cli.String
	entry.Program = program.String
	entry.Model = model.String
	entry.Task = task.String
	entry.WorkDir = workDir.String
	entry.Team = team.String
	entry.ResumeToken = resumeToken.String
	entry.LastSeen = time.UnixMilli(lastSeen)
	return &entry, nil
}

// RemoveAgent purges a registry entry with its sessions, stream sequences
// and channel memberships. Messages are not deleted.
func (s *SQLiteStore) RemoveAgent(ctx context.Context, name string) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE agent_name = ?`, name); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM stream_seqs WHERE agent_name = ?`, name); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM channel_members WHERE agent_name = ?`, name); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// RemoveMessagesForAgent deletes every message record referencing name.
func (s *SQLiteStore) RemoveMessagesForAgent(ctx context.Context, name string) (int64, error) {
	var affected int64
	err := withRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE from_name = ? OR to_name = ?`, name, name)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

// ChannelMembers returns the known members of a channel.
func (s *SQLiteStore) ChannelMembers(ctx context.Context, channel string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_name FROM channel_members WHERE channel = ? ORDER BY agent_name`, channel)
	if err != nil {
		return nil, fmt.Errorf("query channel members: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			slog.Warn("failed to close channel_members rows", "error", cerr)
		}
	}()

	var members []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan channel member: %w", err)
		}
		members = append(members, name)
	}
	return members, rows.Err()
}

// SetChannelMembers replaces the membership set for a channel.
func (s *SQLiteStore) SetChannelMembers(ctx context.Context, channel string, members []string) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM channel_members WHERE channel = ?`, channel); err != nil {
			return err
		}
		for _, m := range members {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO channel_members (channel, agent_name) VALUES (?, ?) ON CONFLICT DO NOTHING`,
				channel, m,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// UnackedSince returns unacked messages for resume replay.
func (s *SQLiteStore) UnackedSince(ctx context.Context, agentName string, key domain.StreamSeqKey, fromSeq int64) ([]domain.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_name, to_name, body, thread, channel, ts, status, is_broadcast, reply_count, seq
		FROM messages
		WHERE to_name = ? AND peer = ? AND status != 'ACKED' AND (seq IS NULL OR seq > ?)
		ORDER BY ts ASC`,
		agentName, key.Peer, fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query unacked messages: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			slog.Warn("failed to close unacked message rows", "error", cerr)
		}
	}()

	var out []domain.MessageRecord
	for rows.Next() {
		var m domain.MessageRecord
		var thread, channel sql.NullString
		var ts int64
		var isBroadcast int
		var seq sql.NullInt64

		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Body, &thread, &channel, &ts, &m.Status, &isBroadcast, &m.ReplyCount, &seq); err != nil {
			return nil, fmt.Errorf("scan unacked message row: %w", err)
		}
		m.Thread = thread.String
		m.Channel = channel.String
		m.Timestamp = time.UnixMilli(ts)
		m.IsBroadcast = isBroadcast != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// withRetry retries fn on SQLite contention with exponential back-off,
// matching the teacher's ttl.go / sqlite.go retry-on-SQLITE_BUSY idiom.
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
