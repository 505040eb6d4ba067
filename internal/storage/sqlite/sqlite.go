// Package sqlite implements the storage.Store contract on top of SQLite,
// using WAL journaling and an FTS5 index over memory content, following
// the connection-opening pattern of the teacher's database/backends
// package (busy timeout, foreign keys on, DSN-driven pragmas).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starkcore/starkcore/internal/storage"
)

// Config controls how the SQLite backend opens its database file.
type Config struct {
	Path         string
	JournalMode  string // WAL by default
	BusyTimeout  time.Duration
	ForeignKeys  bool
}

// DefaultConfig mirrors the teacher's SQLiteConfig defaults.
func DefaultConfig() Config {
	return Config{
		Path:        "./data/starkcore.db",
		JournalMode: "WAL",
		BusyTimeout: 5000 * time.Millisecond,
		ForeignKeys: true,
	}
}

// Store is the SQLite-backed storage.Store implementation.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the database file if needed, applies pragmas, and runs the
// schema migration. It blank-imports the CGo sqlite3 driver, exactly as
// the teacher's sqlite.go does.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout.Milliseconds())
	if cfg.ForeignKeys {
		dsn += "&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	s := &Store{db: db, logger: logger.With("component", "storage.sqlite")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	channel_type TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	identity_id TEXT,
	created_at TEXT NOT NULL,
	last_active_at TEXT NOT NULL,
	state TEXT NOT NULL,
	pending_confirmation BLOB,
	turn_counter INTEGER NOT NULL DEFAULT 0,
	UNIQUE(channel_type, conversation_id)
);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_name TEXT,
	tool_args BLOB,
	tool_result BLOB,
	created_at TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS identities (
	id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS linked_accounts (
	identity_id TEXT NOT NULL,
	channel_type TEXT NOT NULL,
	platform_user_id TEXT NOT NULL,
	display_name TEXT,
	verified INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_type, platform_user_id)
);

CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	memory_type TEXT NOT NULL,
	content TEXT NOT NULL,
	importance INTEGER NOT NULL,
	identity_id TEXT,
	entity_type TEXT,
	entity_name TEXT,
	source_type TEXT NOT NULL,
	source_channel_type TEXT,
	created_at TEXT NOT NULL,
	valid_from TEXT NOT NULL,
	valid_until TEXT,
	superseded_by TEXT,
	embedding BLOB
);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	id UNINDEXED, content, content='memories', content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, id, content) VALUES (new.rowid, new.id, new.content);
END;
CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, id, content) VALUES('delete', old.rowid, old.id, old.content);
END;
CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, id, content) VALUES('delete', old.rowid, old.id, old.content);
	INSERT INTO memories_fts(rowid, id, content) VALUES (new.rowid, new.id, new.content);
END;

CREATE TABLE IF NOT EXISTS skill_records (
	name TEXT PRIMARY KEY,
	version TEXT NOT NULL,
	source TEXT NOT NULL,
	enabled INTEGER NOT NULL,
	resolvable INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_audit (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	args_hash TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	error_class TEXT,
	cost_units INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_audit_session ON tool_audit(session_id, created_at);

CREATE TABLE IF NOT EXISTS queued_tx (
	uuid TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	network TEXT NOT NULL,
	to_addr TEXT NOT NULL,
	value TEXT NOT NULL,
	data TEXT,
	gas_limit INTEGER NOT NULL,
	nonce INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	tx_hash TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queued_tx_status ON queued_tx(network, status, created_at);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

// Register installs the sqlite backend as an opener under
// storage.BackendSQLite, so cmd/starkcore can call storage.Open without
// importing this package's concrete type.
func Register() {
	storage.RegisterOpener(storage.BackendSQLite, func(dsn string, logger *slog.Logger) (storage.Store, error) {
		cfg := DefaultConfig()
		if dsn != "" {
			cfg.Path = dsn
		}
		return Open(cfg, logger)
	})
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func utc(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// --- Sessions ---

func (s *Store) GetOrCreateSession(ctx context.Context, channelType, conversationID string) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, channel_type, conversation_id, identity_id, created_at, last_active_at, state, pending_confirmation, turn_counter
		FROM sessions WHERE channel_type = ? AND conversation_id = ?`, channelType, conversationID)
	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: get session: %w", storage.ErrStorageUnavailable)
	}

	now := time.Now()
	id := newULID()
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (id, channel_type, conversation_id, identity_id, created_at, last_active_at, state, turn_counter)
		VALUES (?, ?, ?, '', ?, ?, ?, 0)`, id, channelType, conversationID, utc(now), utc(now), string(storage.SessionIdle))
	if err != nil {
		return nil, fmt.Errorf("sqlite: create session: %w", storage.ErrIntegrityViolation)
	}
	return &storage.Session{
		ID: id, ChannelType: channelType, ConversationID: conversationID,
		CreatedAt: now, LastActiveAt: now, State: storage.SessionIdle,
	}, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, channel_type, conversation_id, identity_id, created_at, last_active_at, state, pending_confirmation, turn_counter
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get session: %w", err)
	}
	return sess, nil
}

func scanSession(row *sql.Row) (*storage.Session, error) {
	var sess storage.Session
	var createdAt, lastActiveAt string
	var identityID sql.NullString
	var pending []byte
	if err := row.Scan(&sess.ID, &sess.ChannelType, &sess.ConversationID, &identityID,
		&createdAt, &lastActiveAt, &sess.State, &pending, &sess.TurnCounter); err != nil {
		return nil, err
	}
	sess.IdentityID = identityID.String
	sess.CreatedAt = parseTime(createdAt)
	sess.LastActiveAt = parseTime(lastActiveAt)
	sess.PendingConfirmation = pending
	return &sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *storage.Session) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET identity_id=?, last_active_at=?, state=?, pending_confirmation=?, turn_counter=? WHERE id=?`,
		sess.IdentityID, utc(time.Now()), string(sess.State), sess.PendingConfirmation, sess.TurnCounter, sess.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update session: %w", storage.ErrStorageUnavailable)
	}
	return nil
}

func (s *Store) ResetSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: reset session: %w", storage.ErrStorageUnavailable)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id=?`, id); err != nil {
		return fmt.Errorf("sqlite: reset session messages: %w", storage.ErrIntegrityViolation)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET state=?, pending_confirmation=NULL, turn_counter=0 WHERE id=?`,
		string(storage.SessionIdle), id); err != nil {
		return fmt.Errorf("sqlite: reset session: %w", storage.ErrIntegrityViolation)
	}
	return tx.Commit()
}

func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]*storage.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, channel_type, conversation_id, identity_id, created_at, last_active_at, state, pending_confirmation, turn_counter
		FROM sessions ORDER BY last_active_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", storage.ErrStorageUnavailable)
	}
	defer rows.Close()

	var out []*storage.Session
	for rows.Next() {
		var sess storage.Session
		var createdAt, lastActiveAt string
		var identityID sql.NullString
		var pending []byte
		if err := rows.Scan(&sess.ID, &sess.ChannelType, &sess.ConversationID, &identityID,
			&createdAt, &lastActiveAt, &sess.State, &pending, &sess.TurnCounter); err != nil {
			return nil, err
		}
		sess.IdentityID = identityID.String
		sess.CreatedAt = parseTime(createdAt)
		sess.LastActiveAt = parseTime(lastActiveAt)
		sess.PendingConfirmation = pending
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// --- Turn ---

type turn struct {
	tx        *sql.Tx
	sessionID string
	nextSeq   int64
	seqLoaded bool
}

func (s *Store) BeginTurn(ctx context.Context, sessionID string) (storage.Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin turn: %w", storage.ErrStorageUnavailable)
	}
	return &turn{tx: tx, sessionID: sessionID}, nil
}

func (t *turn) NextSeq(ctx context.Context) (int64, error) {
	if !t.seqLoaded {
		var max sql.NullInt64
		if err := t.tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE session_id=?`, t.sessionID).Scan(&max); err != nil {
			return 0, fmt.Errorf("sqlite: next seq: %w", storage.ErrStorageUnavailable)
		}
		t.nextSeq = max.Int64
		t.seqLoaded = true
	}
	t.nextSeq++
	return t.nextSeq, nil
}

func (t *turn) AppendMessage(ctx context.Context, m *storage.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO messages (session_id, seq, role, content, tool_name, tool_args, tool_result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.sessionID, m.Seq, string(m.Role), m.Content, nullStr(m.ToolName), m.ToolArgs, m.ToolResult, utc(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: append message: %w", storage.ErrIntegrityViolation)
	}
	return nil
}

// SetSessionState always writes pending_confirmation, translating a nil
// slice to SQL NULL rather than leaving the column untouched — every
// caller passes either an explicit descriptor or nil to mean "no
// confirmation is pending", never "keep whatever was there before".
func (t *turn) SetSessionState(ctx context.Context, state storage.SessionState, pending []byte) error {
	var pendingArg any
	if pending != nil {
		pendingArg = pending
	}
	_, err := t.tx.ExecContext(ctx, `UPDATE sessions SET state=?, pending_confirmation=?, last_active_at=?, turn_counter = turn_counter + 1 WHERE id=?`,
		string(state), pendingArg, utc(time.Now()), t.sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: set session state: %w", storage.ErrIntegrityViolation)
	}
	return nil
}

func (t *turn) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit turn: %w", storage.ErrIntegrityViolation)
	}
	return nil
}

func (t *turn) Rollback() error { return t.tx.Rollback() }

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- Memories ---

func clampImportance(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

func (s *Store) CreateMemory(ctx context.Context, m *storage.Memory) error {
	if m.ID == "" {
		m.ID = newULID()
	}
	m.Importance = clampImportance(m.Importance)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.ValidFrom.IsZero() {
		m.ValidFrom = m.CreatedAt
	}
	if m.ValidUntil != nil && m.ValidUntil.Before(m.ValidFrom) {
		return fmt.Errorf("sqlite: create memory: valid_until precedes valid_from: %w", storage.ErrIntegrityViolation)
	}

	var embBytes []byte
	if len(m.Embedding) > 0 {
		b, err := json.Marshal(m.Embedding)
		if err != nil {
			return fmt.Errorf("sqlite: encode embedding: %w", err)
		}
		embBytes = b
	}
	var validUntil any
	if m.ValidUntil != nil {
		validUntil = utc(*m.ValidUntil)
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO memories
		(id, memory_type, content, importance, identity_id, entity_type, entity_name, source_type, source_channel_type, created_at, valid_from, valid_until, superseded_by, embedding)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, string(m.MemoryType), m.Content, m.Importance, nullStr(m.IdentityID), nullStr(m.EntityType), nullStr(m.EntityName),
		string(m.SourceType), nullStr(m.SourceChannelType), utc(m.CreatedAt), utc(m.ValidFrom), validUntil, nullStr(m.SupersededBy), embBytes)
	if err != nil {
		return fmt.Errorf("sqlite: create memory: %w", storage.ErrIntegrityViolation)
	}
	return nil
}

func (s *Store) SupersedeMemory(ctx context.Context, oldID, newID string, validUntil time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET superseded_by=?, valid_until=? WHERE id=? AND superseded_by IS NULL`,
		newID, utc(validUntil), oldID)
	if err != nil {
		return fmt.Errorf("sqlite: supersede memory: %w", storage.ErrIntegrityViolation)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetMemory(ctx context.Context, id string) (*storage.Memory, error) {
	row := s.db.QueryRowContext(ctx, memorySelect+` WHERE id=?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return m, err
}

const memorySelect = `SELECT id, memory_type, content, importance, identity_id, entity_type, entity_name, source_type, source_channel_type, created_at, valid_from, valid_until, superseded_by, embedding FROM memories`

func scanMemory(row *sql.Row) (*storage.Memory, error) {
	var m storage.Memory
	var identityID, entityType, entityName, sourceChannel, supersededBy sql.NullString
	var createdAt, validFrom string
	var validUntil sql.NullString
	var emb []byte
	if err := row.Scan(&m.ID, &m.MemoryType, &m.Content, &m.Importance, &identityID, &entityType, &entityName,
		&m.SourceType, &sourceChannel, &createdAt, &validFrom, &validUntil, &supersededBy, &emb); err != nil {
		return nil, err
	}
	m.IdentityID = identityID.String
	m.EntityType = entityType.String
	m.EntityName = entityName.String
	m.SourceChannelType = sourceChannel.String
	m.SupersededBy = supersededBy.String
	m.CreatedAt = parseTime(createdAt)
	m.ValidFrom = parseTime(validFrom)
	if validUntil.Valid {
		t := parseTime(validUntil.String)
		m.ValidUntil = &t
	}
	if len(emb) > 0 {
		_ = json.Unmarshal(emb, &m.Embedding)
	}
	return &m, nil
}

func scanMemoryRows(rows *sql.Rows) (*storage.Memory, error) {
	var m storage.Memory
	var identityID, entityType, entityName, sourceChannel, supersededBy sql.NullString
	var createdAt, validFrom string
	var validUntil sql.NullString
	var emb []byte
	if err := rows.Scan(&m.ID, &m.MemoryType, &m.Content, &m.Importance, &identityID, &entityType, &entityName,
		&m.SourceType, &sourceChannel, &createdAt, &validFrom, &validUntil, &supersededBy, &emb); err != nil {
		return nil, err
	}
	m.IdentityID = identityID.String
	m.EntityType = entityType.String
	m.EntityName = entityName.String
	m.SourceChannelType = sourceChannel.String
	m.SupersededBy = supersededBy.String
	m.CreatedAt = parseTime(createdAt)
	m.ValidFrom = parseTime(validFrom)
	if validUntil.Valid {
		t := parseTime(validUntil.String)
		m.ValidUntil = &t
	}
	if len(emb) > 0 {
		_ = json.Unmarshal(emb, &m.Embedding)
	}
	return &m, nil
}

func filterClause(f storage.MemoryFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.MemoryType != "" {
		clauses = append(clauses, "memory_type = ?")
		args = append(args, string(f.MemoryType))
	}
	if f.MinImportance > 0 {
		clauses = append(clauses, "importance >= ?")
		args = append(args, f.MinImportance)
	}
	if f.IdentityID != "" {
		clauses = append(clauses, "identity_id = ?")
		args = append(args, f.IdentityID)
	}
	if f.AsOf != nil {
		clauses = append(clauses, "valid_from <= ? AND (valid_until IS NULL OR valid_until > ?)")
		args = append(args, utc(*f.AsOf), utc(*f.AsOf))
	} else if !f.IncludeSuperseded {
		clauses = append(clauses, "superseded_by IS NULL")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// SearchMemoriesFTS runs a ranked full-text query via FTS5, joined back to
// the memories table for filtering. This is the fallback keyword search
// path; the bleve-backed index in internal/memory layers the spec's
// weighted hybrid score on top of this and the vector similarity term.
func (s *Store) SearchMemoriesFTS(ctx context.Context, query string, filter storage.MemoryFilter, limit int) ([]*storage.Memory, error) {
	extra, args := filterClause(filter)
	sqlq := memorySelect + ` WHERE id IN (
		SELECT id FROM memories_fts WHERE memories_fts MATCH ? ORDER BY rank LIMIT ?
	)` + extra + ` ORDER BY created_at DESC`
	fullArgs := append([]any{query, limit * 4}, args...)
	rows, err := s.db.QueryContext(ctx, sqlq, fullArgs...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search memories fts: %w", err)
	}
	defer rows.Close()
	var out []*storage.Memory
	for rows.Next() {
		m, err := scanMemoryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *Store) ListMemories(ctx context.Context, filter storage.MemoryFilter, limit, offset int) ([]*storage.Memory, error) {
	extra, args := filterClause(filter)
	sqlq := memorySelect + ` WHERE 1=1` + extra + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list memories: %w", storage.ErrStorageUnavailable)
	}
	defer rows.Close()
	var out []*storage.Memory
	for rows.Next() {
		m, err := scanMemoryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Identities ---

func (s *Store) CreateIdentity(ctx context.Context) (*storage.Identity, error) {
	id := newULID()
	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO identities (id, created_at) VALUES (?, ?)`, id, utc(now)); err != nil {
		return nil, fmt.Errorf("sqlite: create identity: %w", storage.ErrIntegrityViolation)
	}
	return &storage.Identity{ID: id, CreatedAt: now}, nil
}

func (s *Store) FindIdentityByAccount(ctx context.Context, channelType, platformUserID string) (*storage.Identity, error) {
	var identityID string
	err := s.db.QueryRowContext(ctx, `SELECT identity_id FROM linked_accounts WHERE channel_type=? AND platform_user_id=?`,
		channelType, platformUserID).Scan(&identityID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find identity: %w", storage.ErrStorageUnavailable)
	}
	var createdAt string
	if err := s.db.QueryRowContext(ctx, `SELECT created_at FROM identities WHERE id=?`, identityID).Scan(&createdAt); err != nil {
		return nil, fmt.Errorf("sqlite: find identity: %w", err)
	}
	return &storage.Identity{ID: identityID, CreatedAt: parseTime(createdAt)}, nil
}

func (s *Store) LinkAccount(ctx context.Context, la storage.LinkedAccount) error {
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT identity_id FROM linked_accounts WHERE channel_type=? AND platform_user_id=?`,
		la.ChannelType, la.PlatformUserID).Scan(&existing)
	if err == nil && existing != la.IdentityID {
		return fmt.Errorf("sqlite: link account: %w", storage.ErrAlreadyLinked)
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("sqlite: link account: %w", storage.ErrStorageUnavailable)
	}
	verified := 0
	if la.Verified {
		verified = 1
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO linked_accounts (identity_id, channel_type, platform_user_id, display_name, verified)
		VALUES (?,?,?,?,?)
		ON CONFLICT(channel_type, platform_user_id) DO UPDATE SET display_name=excluded.display_name, verified=excluded.verified`,
		la.IdentityID, la.ChannelType, la.PlatformUserID, la.DisplayName, verified)
	if err != nil {
		return fmt.Errorf("sqlite: link account: %w", storage.ErrIntegrityViolation)
	}
	return nil
}

func (s *Store) UnlinkAccount(ctx context.Context, channelType, platformUserID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM linked_accounts WHERE channel_type=? AND platform_user_id=?`, channelType, platformUserID)
	if err != nil {
		return fmt.Errorf("sqlite: unlink account: %w", storage.ErrIntegrityViolation)
	}
	return nil
}

func (s *Store) MergeIdentities(ctx context.Context, winner, loser string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: merge identities: %w", storage.ErrStorageUnavailable)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE linked_accounts SET identity_id=? WHERE identity_id=?`, winner, loser); err != nil {
		return fmt.Errorf("sqlite: merge identities: reparent accounts: %w", storage.ErrIntegrityViolation)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE memories SET identity_id=? WHERE identity_id=?`, winner, loser); err != nil {
		return fmt.Errorf("sqlite: merge identities: reparent memories: %w", storage.ErrIntegrityViolation)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET identity_id=? WHERE identity_id=?`, winner, loser); err != nil {
		return fmt.Errorf("sqlite: merge identities: reparent sessions: %w", storage.ErrIntegrityViolation)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM identities WHERE id=?`, loser); err != nil {
		return fmt.Errorf("sqlite: merge identities: delete loser: %w", storage.ErrIntegrityViolation)
	}
	return tx.Commit()
}

// --- Skills ---

func (s *Store) UpsertSkillRecord(ctx context.Context, r *storage.SkillRecord) error {
	enabled, resolvable := 0, 0
	if r.Enabled {
		enabled = 1
	}
	if r.Resolvable {
		resolvable = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO skill_records (name, version, source, enabled, resolvable, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET version=excluded.version, source=excluded.source, enabled=excluded.enabled, resolvable=excluded.resolvable, updated_at=excluded.updated_at`,
		r.Name, r.Version, r.Source, enabled, resolvable, utc(time.Now()))
	if err != nil {
		return fmt.Errorf("sqlite: upsert skill record: %w", storage.ErrIntegrityViolation)
	}
	return nil
}

func (s *Store) ListSkillRecords(ctx context.Context) ([]*storage.SkillRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, version, source, enabled, resolvable, updated_at FROM skill_records ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list skill records: %w", storage.ErrStorageUnavailable)
	}
	defer rows.Close()
	var out []*storage.SkillRecord
	for rows.Next() {
		var r storage.SkillRecord
		var enabled, resolvable int
		var updatedAt string
		if err := rows.Scan(&r.Name, &r.Version, &r.Source, &enabled, &resolvable, &updatedAt); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		r.Resolvable = resolvable != 0
		r.UpdatedAt = parseTime(updatedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Tool audit ---

func (s *Store) AppendToolAudit(ctx context.Context, row *storage.ToolAuditRow) error {
	if row.ID == "" {
		row.ID = newULID()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tool_audit (id, session_id, tool_name, args_hash, duration_ms, outcome, error_class, cost_units, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		row.ID, row.SessionID, row.ToolName, row.ArgsHash, row.DurationMS, row.Outcome, nullStr(row.ErrorClass), row.CostUnits, utc(row.CreatedAt))
	if err != nil {
		// audit failures never fail the calling tool invocation; log and continue.
		s.logger.Warn("failed to write tool audit row", "err", err, "tool", row.ToolName)
	}
	return nil
}

func (s *Store) ListToolAudit(ctx context.Context, sessionID string, limit int) ([]*storage.ToolAuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, tool_name, args_hash, duration_ms, outcome, error_class, cost_units, created_at
		FROM tool_audit WHERE session_id=? ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tool audit: %w", storage.ErrStorageUnavailable)
	}
	defer rows.Close()
	var out []*storage.ToolAuditRow
	for rows.Next() {
		var r storage.ToolAuditRow
		var errClass sql.NullString
		var createdAt string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ToolName, &r.ArgsHash, &r.DurationMS, &r.Outcome, &errClass, &r.CostUnits, &createdAt); err != nil {
			return nil, err
		}
		r.ErrorClass = errClass.String
		r.CreatedAt = parseTime(createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Queued transactions ---

func (s *Store) EnqueueTx(ctx context.Context, tx *storage.QueuedTransaction) error {
	if tx.UUID == "" {
		tx.UUID = newULID()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	if tx.Status == "" {
		tx.Status = storage.TxPending
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO queued_tx (uuid, session_id, network, to_addr, value, data, gas_limit, nonce, status, tx_hash, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		tx.UUID, tx.SessionID, tx.Network, tx.To, tx.Value, tx.Data, tx.GasLimit, tx.Nonce, string(tx.Status), nullStr(tx.TxHash), utc(tx.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: enqueue tx: %w", storage.ErrIntegrityViolation)
	}
	return nil
}

func (s *Store) ClaimNextPendingTx(ctx context.Context, network string) (*storage.QueuedTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim tx: %w", storage.ErrStorageUnavailable)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT uuid, session_id, network, to_addr, value, data, gas_limit, nonce, status, tx_hash, created_at
		FROM queued_tx WHERE network=? AND status=? ORDER BY created_at ASC LIMIT 1`, network, string(storage.TxPending))
	q, err := scanTx(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE queued_tx SET status=? WHERE uuid=? AND status=?`,
		string(storage.TxBroadcast), q.UUID, string(storage.TxPending)); err != nil {
		return nil, fmt.Errorf("sqlite: claim tx: %w", storage.ErrIntegrityViolation)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: claim tx: %w", storage.ErrIntegrityViolation)
	}
	q.Status = storage.TxBroadcast
	return q, nil
}

func (s *Store) UpdateTxStatus(ctx context.Context, uuid string, status storage.TxStatus, txHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE queued_tx SET status=?, tx_hash=? WHERE uuid=?`, string(status), nullStr(txHash), uuid)
	if err != nil {
		return fmt.Errorf("sqlite: update tx status: %w", storage.ErrIntegrityViolation)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetTx(ctx context.Context, uuid string) (*storage.QueuedTransaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT uuid, session_id, network, to_addr, value, data, gas_limit, nonce, status, tx_hash, created_at
		FROM queued_tx WHERE uuid=?`, uuid)
	q, err := scanTx(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return q, err
}

// ListStaleBroadcasts returns transactions still in TxBroadcast status
// that were queued before olderThan. There is no separate
// broadcast-time column: a tx transitions pending -> broadcast almost
// immediately relative to the sweep's minutes-scale cadence, so queue
// time is a close enough proxy for broadcast time here.
func (s *Store) ListStaleBroadcasts(ctx context.Context, olderThan time.Time) ([]*storage.QueuedTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uuid, session_id, network, to_addr, value, data, gas_limit, nonce, status, tx_hash, created_at
		FROM queued_tx WHERE status=? AND created_at<? ORDER BY created_at ASC`, string(storage.TxBroadcast), utc(olderThan))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stale broadcasts: %w", storage.ErrStorageUnavailable)
	}
	defer rows.Close()

	var out []*storage.QueuedTransaction
	for rows.Next() {
		var q storage.QueuedTransaction
		var data, txHash sql.NullString
		var createdAt string
		if err := rows.Scan(&q.UUID, &q.SessionID, &q.Network, &q.To, &q.Value, &data, &q.GasLimit, &q.Nonce, &q.Status, &txHash, &createdAt); err != nil {
			return nil, err
		}
		q.Data = data.String
		q.TxHash = txHash.String
		q.CreatedAt = parseTime(createdAt)
		out = append(out, &q)
	}
	return out, rows.Err()
}

func scanTx(row *sql.Row) (*storage.QueuedTransaction, error) {
	var q storage.QueuedTransaction
	var data, txHash sql.NullString
	var createdAt string
	if err := row.Scan(&q.UUID, &q.SessionID, &q.Network, &q.To, &q.Value, &data, &q.GasLimit, &q.Nonce, &q.Status, &txHash, &createdAt); err != nil {
		return nil, err
	}
	q.Data = data.String
	q.TxHash = txHash.String
	q.CreatedAt = parseTime(createdAt)
	return &q, nil
}
