package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent storage for sessions, events,
// memories, handoffs and pipeline bookkeeping.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process service. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			agent_mode TEXT NOT NULL DEFAULT '',
			workflow TEXT NOT NULL DEFAULT '',
			started_at_ms INTEGER NOT NULL,
			ended_at_ms INTEGER NOT NULL DEFAULT 0,
			last_active_at_ms INTEGER NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_idle_idx ON sessions(ended_at_ms, last_active_at_ms);`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			parts_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS session_events_seq_unique ON session_events(session_id, seq);`,
		`CREATE INDEX IF NOT EXISTS session_events_session_idx ON session_events(session_id, seq DESC);`,
		`CREATE TABLE IF NOT EXISTS session_state (
			session_id TEXT PRIMARY KEY,
			scratchpad_json TEXT NOT NULL DEFAULT '{}',
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			content TEXT NOT NULL,
			category TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			tags_json TEXT NOT NULL DEFAULT '[]',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			source TEXT NOT NULL DEFAULT 'implicit',
			confidence REAL NOT NULL DEFAULT 0,
			lineage_json TEXT NOT NULL DEFAULT '[]',
			last_used_at_ms INTEGER NOT NULL DEFAULT 0,
			use_count INTEGER NOT NULL DEFAULT 0,
			expires_at_ms INTEGER NOT NULL DEFAULT 0,
			expired_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memories_ns_idx ON memories(namespace, expired_at_ms, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS memories_importance_idx ON memories(namespace, expired_at_ms, importance DESC, created_at_ms DESC);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(memory_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(memory_id, content) VALUES (new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content ON memories BEGIN
			DELETE FROM memories_fts WHERE memory_id = old.id;
			INSERT INTO memories_fts(memory_id, content) VALUES(new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			DELETE FROM memories_fts WHERE memory_id = old.id;
		END;`,
		`CREATE TABLE IF NOT EXISTS handoff_packets (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			destination TEXT NOT NULL,
			workflow TEXT NOT NULL DEFAULT '',
			context_json TEXT NOT NULL DEFAULT '{}',
			summary TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			consumed_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS handoff_dest_idx ON handoff_packets(destination, workflow, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS pipeline_watermarks (
			session_id TEXT PRIMARY KEY,
			last_seq INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pipeline_jobs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			run_after_ms INTEGER NOT NULL,
			lease_until_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS pipeline_jobs_claim_idx ON pipeline_jobs(status, run_after_ms, lease_until_ms, created_at_ms);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(stmt string) string {
	line := strings.TrimSpace(stmt)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func timeToMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func encodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// isUniqueViolation detects SQLite unique-constraint failures without
// depending on driver error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("create session: empty id")
	}
	if strings.TrimSpace(sess.Owner) == "" {
		return fmt.Errorf("create session: empty owner")
	}
	started := timeToMS(sess.StartedAt)
	if started == 0 {
		started = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, owner, agent_mode, workflow, started_at_ms, ended_at_ms, last_active_at_ms, metadata_json)
VALUES(?, ?, ?, ?, ?, 0, ?, ?)`,
		sess.ID, sess.Owner, sess.AgentMode, sess.Workflow, started, started, encodeMap(sess.Metadata))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create session %s: %w", sess.ID, ErrConflictRetryable)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, owner, agent_mode, workflow, started_at_ms, ended_at_ms, metadata_json
FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (Session, error) {
	var out Session
	var startedMS, endedMS int64
	var metaRaw string
	if err := row.Scan(&out.ID, &out.Owner, &out.AgentMode, &out.Workflow, &startedMS, &endedMS, &metaRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("session: %w", ErrNotFound)
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	out.StartedAt = msToTime(startedMS)
	out.EndedAt = msToTime(endedMS)
	out.Metadata = decodeMap(metaRaw)
	return out, nil
}

// EndSession marks a session read-only. Ending an already-ended session
// is a no-op and returns the session unchanged.
func (s *SQLiteStore) EndSession(ctx context.Context, id string) (Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Ended() {
		return sess, nil
	}
	now := nowMS()
	if _, err := s.db.ExecContext(ctx, `
UPDATE sessions SET ended_at_ms = ? WHERE id = ? AND ended_at_ms = 0`, now, id); err != nil {
		return Session{}, fmt.Errorf("end session: %w", err)
	}
	sess.EndedAt = msToTime(now)
	return sess, nil
}

func (s *SQLiteStore) ListIdleSessions(ctx context.Context, idleSinceMS int64, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner, agent_mode, workflow, started_at_ms, ended_at_ms, metadata_json
FROM sessions
WHERE ended_at_ms = 0 AND last_active_at_ms < ?
ORDER BY last_active_at_ms ASC
LIMIT ?`, idleSinceMS, limit)
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		var sess Session
		var startedMS, endedMS int64
		var metaRaw string
		if err := rows.Scan(&sess.ID, &sess.Owner, &sess.AgentMode, &sess.Workflow, &startedMS, &endedMS, &metaRaw); err != nil {
			return nil, fmt.Errorf("scan idle session: %w", err)
		}
		sess.StartedAt = msToTime(startedMS)
		sess.EndedAt = msToTime(endedMS)
		sess.Metadata = decodeMap(metaRaw)
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	return out, nil
}

// AppendEvent assigns the next sequence number inside a transaction. The
// UNIQUE(session_id, seq) index is the arbiter under concurrency: a
// violation means another appender won the slot and surfaces as
// ErrConflictRetryable.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev SessionEvent) (SessionEvent, error) {
	if strings.TrimSpace(ev.SessionID) == "" {
		return SessionEvent{}, fmt.Errorf("append event: empty session_id")
	}
	if ev.Type == "" {
		return SessionEvent{}, fmt.Errorf("append event: empty type")
	}
	if ev.ID == "" {
		ev.ID = "evt-" + uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SessionEvent{}, fmt.Errorf("append event begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var endedMS int64
	row := tx.QueryRowContext(ctx, `SELECT ended_at_ms FROM sessions WHERE id = ?`, ev.SessionID)
	if err := row.Scan(&endedMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionEvent{}, fmt.Errorf("append event: session %s: %w", ev.SessionID, ErrNotFound)
		}
		return SessionEvent{}, fmt.Errorf("append event check session: %w", err)
	}
	if endedMS != 0 {
		return SessionEvent{}, fmt.Errorf("append event: session %s ended: %w", ev.SessionID, ErrNotFound)
	}

	var maxSeq int64
	row = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = ?`, ev.SessionID)
	if err := row.Scan(&maxSeq); err != nil {
		return SessionEvent{}, fmt.Errorf("append event next seq: %w", err)
	}
	ev.Seq = maxSeq + 1

	created := ev.CreatedAt.UnixMilli()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO session_events(id, session_id, seq, type, role, content, parts_json, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Seq, string(ev.Type), ev.Role, ev.Content, encodeMap(ev.Parts), created); err != nil {
		if isUniqueViolation(err) {
			return SessionEvent{}, fmt.Errorf("append event seq %d: %w", ev.Seq, ErrConflictRetryable)
		}
		return SessionEvent{}, fmt.Errorf("append event insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE sessions SET last_active_at_ms = ? WHERE id = ?`, created, ev.SessionID); err != nil {
		return SessionEvent{}, fmt.Errorf("append event touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return SessionEvent{}, fmt.Errorf("append event commit: %w", ErrConflictRetryable)
		}
		return SessionEvent{}, fmt.Errorf("append event commit: %w", err)
	}
	return ev, nil
}

func scanEvents(rows *sql.Rows) ([]SessionEvent, error) {
	out := []SessionEvent{}
	for rows.Next() {
		var ev SessionEvent
		var typ, partsRaw string
		var createdMS int64
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &typ, &ev.Role, &ev.Content, &partsRaw, &createdMS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = EventType(typ)
		ev.Parts = decodeMap(partsRaw)
		ev.CreatedAt = msToTime(createdMS)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// ListRecentEvents returns the newest events oldest-first, optionally
// restricted to the given types.
func (s *SQLiteStore) ListRecentEvents(ctx context.Context, sessionID string, limit int, types []EventType) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 1
	}
	query := `
SELECT id, session_id, seq, type, role, content, parts_json, created_at_ms
FROM session_events
WHERE session_id = ?`
	args := []interface{}{sessionID}
	if len(types) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(types)), ",")
		query += ` AND type IN (` + placeholders + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	out, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) ListEventsAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, seq, type, role, content, parts_json, created_at_ms
FROM session_events
WHERE session_id = ? AND seq > ?
ORDER BY seq ASC
LIMIT ?`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events after: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) MaxEventSeq(ctx context.Context, sessionID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = ?`, sessionID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("max event seq: %w", err)
	}
	return seq, nil
}

func (s *SQLiteStore) GetState(ctx context.Context, sessionID string) (SessionState, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, scratchpad_json, updated_at_ms FROM session_state WHERE session_id = ?`, sessionID)
	var out SessionState
	var padRaw string
	var updatedMS int64
	if err := row.Scan(&out.SessionID, &padRaw, &updatedMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Missing state row is an empty scratchpad, not an error.
			return SessionState{SessionID: sessionID}, nil
		}
		return SessionState{}, fmt.Errorf("get state: %w", err)
	}
	if err := json.Unmarshal([]byte(padRaw), &out.Scratchpad); err != nil {
		return SessionState{}, fmt.Errorf("decode scratchpad: %w", err)
	}
	out.UpdatedAt = msToTime(updatedMS)
	return out, nil
}

func (s *SQLiteStore) PutState(ctx context.Context, st SessionState) error {
	if strings.TrimSpace(st.SessionID) == "" {
		return fmt.Errorf("put state: empty session_id")
	}
	pad, err := json.Marshal(st.Scratchpad)
	if err != nil {
		return fmt.Errorf("encode scratchpad: %w", err)
	}
	now := timeToMS(st.UpdatedAt)
	if now == 0 {
		now = nowMS()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO session_state(session_id, scratchpad_json, updated_at_ms)
VALUES(?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	scratchpad_json = excluded.scratchpad_json,
	updated_at_ms = excluded.updated_at_ms`, st.SessionID, string(pad), now)
	if err != nil {
		return fmt.Errorf("put state: %w", err)
	}
	return nil
}

const memoryColumns = `id, namespace, content, category, importance, tags_json, metadata_json, created_at_ms,
	source, confidence, lineage_json, last_used_at_ms, use_count, expires_at_ms, expired_at_ms`

func (s *SQLiteStore) InsertMemory(ctx context.Context, m Memory) error {
	if m.ID == "" {
		m.ID = "mem-" + uuid.NewString()
	}
	created := timeToMS(m.CreatedAt)
	if created == 0 {
		created = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memories(`+memoryColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Namespace, m.Content, string(m.Category), m.Importance,
		encodeStrings(m.Tags), encodeMap(m.Metadata), created,
		string(m.Source), m.Confidence, encodeStrings(m.Lineage),
		timeToMS(m.LastUsedAt), m.UseCount, timeToMS(m.ExpiresAt), timeToMS(m.ExpiredAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert memory %s: %w", m.ID, ErrConflictRetryable)
		}
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateMemory(ctx context.Context, m Memory) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE memories
SET content = ?, category = ?, importance = ?, tags_json = ?, metadata_json = ?,
	source = ?, confidence = ?, lineage_json = ?, last_used_at_ms = ?, use_count = ?,
	expires_at_ms = ?, expired_at_ms = ?
WHERE id = ?`,
		m.Content, string(m.Category), m.Importance, encodeStrings(m.Tags), encodeMap(m.Metadata),
		string(m.Source), m.Confidence, encodeStrings(m.Lineage), timeToMS(m.LastUsedAt), m.UseCount,
		timeToMS(m.ExpiresAt), timeToMS(m.ExpiredAt), m.ID)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update memory %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

// ExpireMemory retires a memory while keeping its row for audit.
func (s *SQLiteStore) ExpireMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE memories SET expired_at_ms = ? WHERE id = ? AND expired_at_ms = 0`, nowMS(), id)
	if err != nil {
		return fmt.Errorf("expire memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already expired or absent; distinguish for the caller.
		var exists int
		row := s.db.QueryRowContext(ctx, `SELECT 1 FROM memories WHERE id = ?`, id)
		if err := row.Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("expire memory %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemoryRow(row)
	if err != nil {
		return Memory{}, err
	}
	return m, nil
}

func scanMemoryRow(row *sql.Row) (Memory, error) {
	var m Memory
	var category, tagsRaw, metaRaw, source, lineageRaw string
	var createdMS, lastUsedMS, expiresMS, expiredMS int64
	err := row.Scan(&m.ID, &m.Namespace, &m.Content, &category, &m.Importance, &tagsRaw, &metaRaw, &createdMS,
		&source, &m.Confidence, &lineageRaw, &lastUsedMS, &m.UseCount, &expiresMS, &expiredMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Memory{}, fmt.Errorf("memory: %w", ErrNotFound)
		}
		return Memory{}, fmt.Errorf("get memory: %w", err)
	}
	m.Category = Category(category)
	m.Tags = decodeStrings(tagsRaw)
	m.Metadata = decodeMap(metaRaw)
	m.CreatedAt = msToTime(createdMS)
	m.Source = Source(source)
	m.Lineage = decodeStrings(lineageRaw)
	m.LastUsedAt = msToTime(lastUsedMS)
	m.ExpiresAt = msToTime(expiresMS)
	m.ExpiredAt = msToTime(expiredMS)
	return m, nil
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	out := []Memory{}
	for rows.Next() {
		var m Memory
		var category, tagsRaw, metaRaw, source, lineageRaw string
		var createdMS, lastUsedMS, expiresMS, expiredMS int64
		if err := rows.Scan(&m.ID, &m.Namespace, &m.Content, &category, &m.Importance, &tagsRaw, &metaRaw, &createdMS,
			&source, &m.Confidence, &lineageRaw, &lastUsedMS, &m.UseCount, &expiresMS, &expiredMS); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Category = Category(category)
		m.Tags = decodeStrings(tagsRaw)
		m.Metadata = decodeMap(metaRaw)
		m.CreatedAt = msToTime(createdMS)
		m.Source = Source(source)
		m.Lineage = decodeStrings(lineageRaw)
		m.LastUsedAt = msToTime(lastUsedMS)
		m.ExpiresAt = msToTime(expiresMS)
		m.ExpiredAt = msToTime(expiredMS)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListMemories(ctx context.Context, namespace string, category Category, tags []string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	now := nowMS()
	rows, err := s.db.QueryContext(ctx, `
SELECT `+memoryColumns+`
FROM memories
WHERE namespace = ?
AND expired_at_ms = 0
AND (expires_at_ms = 0 OR expires_at_ms > ?)
AND (? = '' OR category = ?)
ORDER BY created_at_ms DESC
LIMIT ?`, namespace, now, string(category), string(category), limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	out, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	return filterByTags(out, tags), nil
}

// filterByTags keeps memories carrying every requested tag. Tag sets are
// small, so this stays in Go rather than in SQL over tags_json.
func filterByTags(items []Memory, tags []string) []Memory {
	if len(tags) == 0 {
		return items
	}
	out := make([]Memory, 0, len(items))
	for _, m := range items {
		have := map[string]struct{}{}
		for _, t := range m.Tags {
			have[strings.ToLower(t)] = struct{}{}
		}
		ok := true
		for _, t := range tags {
			if _, found := have[strings.ToLower(t)]; !found {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, m)
		}
	}
	return out
}

// SearchMemories runs FTS5 over active namespace memories. The returned
// ranks are raw bm25 values (lower is better); normalization is the
// retriever's job.
func (s *SQLiteStore) SearchMemories(ctx context.Context, namespace, ftsQuery string, limit int) ([]Memory, []float64, error) {
	if limit <= 0 {
		limit = 50
	}
	ftsQuery = strings.TrimSpace(ftsQuery)
	if ftsQuery == "" {
		return nil, nil, nil
	}
	now := nowMS()
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.namespace, m.content, m.category, m.importance, m.tags_json, m.metadata_json, m.created_at_ms,
	m.source, m.confidence, m.lineage_json, m.last_used_at_ms, m.use_count, m.expires_at_ms, m.expired_at_ms,
	bm25(memories_fts) AS rank
FROM memories_fts f
JOIN memories m ON m.id = f.memory_id
WHERE f.content MATCH ?
AND m.namespace = ?
AND m.expired_at_ms = 0
AND (m.expires_at_ms = 0 OR m.expires_at_ms > ?)
ORDER BY rank, m.created_at_ms DESC
LIMIT ?`, ftsQuery, namespace, now, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	items := []Memory{}
	ranks := []float64{}
	for rows.Next() {
		var m Memory
		var category, tagsRaw, metaRaw, source, lineageRaw string
		var createdMS, lastUsedMS, expiresMS, expiredMS int64
		var rank float64
		if err := rows.Scan(&m.ID, &m.Namespace, &m.Content, &category, &m.Importance, &tagsRaw, &metaRaw, &createdMS,
			&source, &m.Confidence, &lineageRaw, &lastUsedMS, &m.UseCount, &expiresMS, &expiredMS, &rank); err != nil {
			return nil, nil, fmt.Errorf("scan search hit: %w", err)
		}
		m.Category = Category(category)
		m.Tags = decodeStrings(tagsRaw)
		m.Metadata = decodeMap(metaRaw)
		m.CreatedAt = msToTime(createdMS)
		m.Source = Source(source)
		m.Lineage = decodeStrings(lineageRaw)
		m.LastUsedAt = msToTime(lastUsedMS)
		m.ExpiresAt = msToTime(expiresMS)
		m.ExpiredAt = msToTime(expiredMS)
		items = append(items, m)
		ranks = append(ranks, rank)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate search hits: %w", err)
	}
	return items, ranks, nil
}

func (s *SQLiteStore) ListHighImportance(ctx context.Context, namespace string, threshold float64, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	now := nowMS()
	rows, err := s.db.QueryContext(ctx, `
SELECT `+memoryColumns+`
FROM memories
WHERE namespace = ?
AND expired_at_ms = 0
AND (expires_at_ms = 0 OR expires_at_ms > ?)
AND importance >= ?
ORDER BY importance DESC, created_at_ms DESC
LIMIT ?`, namespace, now, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("list high importance: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// TouchMemories refreshes last-used and bumps use counts for retrieved
// memories.
func (s *SQLiteStore) TouchMemories(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, nowMS())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET last_used_at_ms = ?, use_count = use_count + 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("touch memories: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertHandoff(ctx context.Context, p HandoffPacket) error {
	if p.ID == "" {
		p.ID = "hof-" + uuid.NewString()
	}
	hctx, err := json.Marshal(p.Context)
	if err != nil {
		return fmt.Errorf("encode handoff context: %w", err)
	}
	created := timeToMS(p.CreatedAt)
	if created == 0 {
		created = nowMS()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO handoff_packets(id, source, destination, workflow, context_json, summary, created_at_ms, consumed_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, 0)`,
		p.ID, p.Source, p.Destination, p.Workflow, string(hctx), p.Summary, created)
	if err != nil {
		return fmt.Errorf("insert handoff: %w", err)
	}
	return nil
}

func scanHandoffs(rows *sql.Rows) ([]HandoffPacket, error) {
	out := []HandoffPacket{}
	for rows.Next() {
		var p HandoffPacket
		var ctxRaw string
		var createdMS, consumedMS int64
		if err := rows.Scan(&p.ID, &p.Source, &p.Destination, &p.Workflow, &ctxRaw, &p.Summary, &createdMS, &consumedMS); err != nil {
			return nil, fmt.Errorf("scan handoff: %w", err)
		}
		if err := json.Unmarshal([]byte(ctxRaw), &p.Context); err != nil {
			return nil, fmt.Errorf("decode handoff context: %w", err)
		}
		p.CreatedAt = msToTime(createdMS)
		p.ConsumedAt = msToTime(consumedMS)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate handoffs: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) LatestHandoff(ctx context.Context, destination, workflow string) (HandoffPacket, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, source, destination, workflow, context_json, summary, created_at_ms, consumed_at_ms
FROM handoff_packets
WHERE destination = ?
AND (? = '' OR workflow = ?)
ORDER BY created_at_ms DESC
LIMIT 1`, destination, workflow, workflow)
	if err != nil {
		return HandoffPacket{}, fmt.Errorf("latest handoff: %w", err)
	}
	defer rows.Close()

	packets, err := scanHandoffs(rows)
	if err != nil {
		return HandoffPacket{}, err
	}
	if len(packets) == 0 {
		return HandoffPacket{}, fmt.Errorf("handoff for %s: %w", destination, ErrNotFound)
	}
	return packets[0], nil
}

// MarkHandoffConsumed sets the first-consumed timestamp exactly once.
// Re-marking returns the packet with the original timestamp.
func (s *SQLiteStore) MarkHandoffConsumed(ctx context.Context, id string) (HandoffPacket, error) {
	if _, err := s.db.ExecContext(ctx, `
UPDATE handoff_packets SET consumed_at_ms = ? WHERE id = ? AND consumed_at_ms = 0`, nowMS(), id); err != nil {
		return HandoffPacket{}, fmt.Errorf("mark handoff consumed: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, source, destination, workflow, context_json, summary, created_at_ms, consumed_at_ms
FROM handoff_packets WHERE id = ?`, id)
	if err != nil {
		return HandoffPacket{}, fmt.Errorf("read handoff: %w", err)
	}
	defer rows.Close()
	packets, err := scanHandoffs(rows)
	if err != nil {
		return HandoffPacket{}, err
	}
	if len(packets) == 0 {
		return HandoffPacket{}, fmt.Errorf("handoff %s: %w", id, ErrNotFound)
	}
	return packets[0], nil
}

func (s *SQLiteStore) ListHandoffs(ctx context.Context, workflow string, limit int) ([]HandoffPacket, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, source, destination, workflow, context_json, summary, created_at_ms, consumed_at_ms
FROM handoff_packets
WHERE (? = '' OR workflow = ?)
ORDER BY created_at_ms DESC
LIMIT ?`, workflow, workflow, limit)
	if err != nil {
		return nil, fmt.Errorf("list handoffs: %w", err)
	}
	defer rows.Close()
	return scanHandoffs(rows)
}

func (s *SQLiteStore) GetWatermark(ctx context.Context, sessionID string) (Watermark, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, last_seq, updated_at_ms FROM pipeline_watermarks WHERE session_id = ?`, sessionID)
	var w Watermark
	var updatedMS int64
	if err := row.Scan(&w.SessionID, &w.LastSeq, &updatedMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// No watermark yet means nothing processed.
			return Watermark{SessionID: sessionID}, nil
		}
		return Watermark{}, fmt.Errorf("get watermark: %w", err)
	}
	w.UpdatedAt = msToTime(updatedMS)
	return w, nil
}

func (s *SQLiteStore) SetWatermark(ctx context.Context, w Watermark) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pipeline_watermarks(session_id, last_seq, updated_at_ms)
VALUES(?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	last_seq = excluded.last_seq,
	updated_at_ms = excluded.updated_at_ms`, w.SessionID, w.LastSeq, nowMS())
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListWatermarks(ctx context.Context, limit int) ([]Watermark, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, last_seq, updated_at_ms
FROM pipeline_watermarks
ORDER BY updated_at_ms DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	defer rows.Close()

	out := []Watermark{}
	for rows.Next() {
		var w Watermark
		var updatedMS int64
		if err := rows.Scan(&w.SessionID, &w.LastSeq, &updatedMS); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		w.UpdatedAt = msToTime(updatedMS)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watermarks: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job PipelineJob) error {
	now := nowMS()
	if job.ID == "" {
		job.ID = "job-" + uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.RunAfterMS == 0 {
		job.RunAfterMS = now
	}
	if job.CreatedAtMS == 0 {
		job.CreatedAtMS = now
	}
	if job.UpdatedAtMS == 0 {
		job.UpdatedAtMS = now
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO pipeline_jobs(id, session_id, namespace, status, attempts, error, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = CASE WHEN pipeline_jobs.status = 'running' THEN pipeline_jobs.status ELSE excluded.status END,
	run_after_ms = excluded.run_after_ms,
	updated_at_ms = excluded.updated_at_ms`,
		job.ID, job.SessionID, job.Namespace, job.Status, job.Attempts, job.Error,
		job.RunAfterMS, job.LeaseUntilMS, job.CreatedAtMS, job.UpdatedAtMS, job.CompletedAtMS)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (PipelineJob, bool, error) {
	if leaseForMS <= 0 {
		leaseForMS = 60_000
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PipelineJob{}, false, fmt.Errorf("claim next job begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, session_id, namespace, status, attempts, error, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms
FROM pipeline_jobs
WHERE run_after_ms <= ?
AND (status = ? OR (status = ? AND lease_until_ms <= ?))
ORDER BY created_at_ms ASC
LIMIT 1`, nowMS, JobPending, JobRunning, nowMS)

	var job PipelineJob
	if err := row.Scan(&job.ID, &job.SessionID, &job.Namespace, &job.Status, &job.Attempts, &job.Error,
		&job.RunAfterMS, &job.LeaseUntilMS, &job.CreatedAtMS, &job.UpdatedAtMS, &job.CompletedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PipelineJob{}, false, nil
		}
		return PipelineJob{}, false, fmt.Errorf("claim next job select: %w", err)
	}

	leaseUntil := nowMS + leaseForMS
	res, err := tx.ExecContext(ctx, `
UPDATE pipeline_jobs
SET status = ?, lease_until_ms = ?, attempts = attempts + 1, updated_at_ms = ?, error = ''
WHERE id = ? AND (status = ? OR (status = ? AND lease_until_ms <= ?))`,
		JobRunning, leaseUntil, nowMS, job.ID, JobPending, JobRunning, nowMS)
	if err != nil {
		return PipelineJob{}, false, fmt.Errorf("claim next job update: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return PipelineJob{}, false, nil
	}

	if err := tx.Commit(); err != nil {
		return PipelineJob{}, false, fmt.Errorf("claim next job commit: %w", err)
	}

	job.Status = JobRunning
	job.LeaseUntilMS = leaseUntil
	job.Attempts++
	job.UpdatedAtMS = nowMS
	return job, true, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE pipeline_jobs
SET status = ?, completed_at_ms = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobCompleted, now, now, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// RetryJob sends a claimed job back to the pending queue with a delayed
// run-after timestamp. Attempts are preserved; the next claim bumps them.
func (s *SQLiteStore) RetryJob(ctx context.Context, id string, runAfterMS int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE pipeline_jobs
SET status = ?, error = ?, run_after_ms = ?, lease_until_ms = 0, updated_at_ms = ?
WHERE id = ?`, JobPending, errMsg, runAfterMS, nowMS(), id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, errMsg string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE pipeline_jobs
SET status = ?, error = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobFailed, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueExpiredJobs(ctx context.Context, nowMS int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE pipeline_jobs
SET status = ?, updated_at_ms = ?, error = ''
WHERE status = ? AND lease_until_ms > 0 AND lease_until_ms <= ?`, JobPending, nowMS, JobRunning, nowMS)
	if err != nil {
		return fmt.Errorf("requeue expired jobs: %w", err)
	}
	return nil
}
