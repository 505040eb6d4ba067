// Package postgres implements storage.Store on PostgreSQL via pgx's
// database/sql driver, following the teacher's postgresql.go DSN-building
// and sql.Open("pgx", ...) pattern rather than pgx's native pool — this
// keeps the Store implementation symmetric with the sqlite backend, both
// built on database/sql.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/starkcore/starkcore/internal/storage"
)

// Store is the PostgreSQL-backed storage.Store implementation.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL using a postgres:// or postgresql:// DSN and
// applies the schema migration.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, logger: logger.With("component", "storage.postgres")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
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
	created_at TIMESTAMPTZ NOT NULL,
	last_active_at TIMESTAMPTZ NOT NULL,
	state TEXT NOT NULL,
	pending_confirmation BYTEA,
	turn_counter BIGINT NOT NULL DEFAULT 0,
	UNIQUE(channel_type, conversation_id)
);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_name TEXT,
	tool_args BYTEA,
	tool_result BYTEA,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS identities (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS linked_accounts (
	identity_id TEXT NOT NULL,
	channel_type TEXT NOT NULL,
	platform_user_id TEXT NOT NULL,
	display_name TEXT,
	verified BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (channel_type, platform_user_id)
);

CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	memory_type TEXT NOT NULL,
	content TEXT NOT NULL,
	importance INT NOT NULL,
	identity_id TEXT,
	entity_type TEXT,
	entity_name TEXT,
	source_type TEXT NOT NULL,
	source_channel_type TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	valid_from TIMESTAMPTZ NOT NULL,
	valid_until TIMESTAMPTZ,
	superseded_by TEXT,
	embedding JSONB,
	content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED
);
CREATE INDEX IF NOT EXISTS idx_memories_tsv ON memories USING GIN (content_tsv);

CREATE TABLE IF NOT EXISTS skill_records (
	name TEXT PRIMARY KEY,
	version TEXT NOT NULL,
	source TEXT NOT NULL,
	enabled BOOLEAN NOT NULL,
	resolvable BOOLEAN NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_audit (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	args_hash TEXT NOT NULL,
	duration_ms BIGINT NOT NULL,
	outcome TEXT NOT NULL,
	error_class TEXT,
	cost_units BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_audit_session ON tool_audit(session_id, created_at);

CREATE TABLE IF NOT EXISTS queued_tx (
	uuid TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	network TEXT NOT NULL,
	to_addr TEXT NOT NULL,
	value TEXT NOT NULL,
	data TEXT,
	gas_limit BIGINT NOT NULL,
	nonce BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	tx_hash TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queued_tx_status ON queued_tx(network, status, created_at);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// Register installs the postgres backend as an opener under
// storage.BackendPostgreSQL.
func Register() {
	storage.RegisterOpener(storage.BackendPostgreSQL, func(dsn string, logger *slog.Logger) (storage.Store, error) {
		return Open(dsn, logger)
	})
}

// --- Sessions ---

func (s *Store) GetOrCreateSession(ctx context.Context, channelType, conversationID string) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, channel_type, conversation_id, identity_id, created_at, last_active_at, state, pending_confirmation, turn_counter
		FROM sessions WHERE channel_type = $1 AND conversation_id = $2`, channelType, conversationID)
	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("postgres: get session: %w", storage.ErrStorageUnavailable)
	}
	now := time.Now().UTC()
	id := newID()
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (id, channel_type, conversation_id, identity_id, created_at, last_active_at, state, turn_counter)
		VALUES ($1,$2,$3,'',$4,$5,$6,0)`, id, channelType, conversationID, now, now, string(storage.SessionIdle))
	if err != nil {
		return nil, fmt.Errorf("postgres: create session: %w", storage.ErrIntegrityViolation)
	}
	return &storage.Session{ID: id, ChannelType: channelType, ConversationID: conversationID, CreatedAt: now, LastActiveAt: now, State: storage.SessionIdle}, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, channel_type, conversation_id, identity_id, created_at, last_active_at, state, pending_confirmation, turn_counter
		FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return sess, err
}

func scanSession(row *sql.Row) (*storage.Session, error) {
	var sess storage.Session
	var identityID sql.NullString
	var pending []byte
	if err := row.Scan(&sess.ID, &sess.ChannelType, &sess.ConversationID, &identityID,
		&sess.CreatedAt, &sess.LastActiveAt, &sess.State, &pending, &sess.TurnCounter); err != nil {
		return nil, err
	}
	sess.IdentityID = identityID.String
	sess.PendingConfirmation = pending
	return &sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *storage.Session) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET identity_id=$1, last_active_at=$2, state=$3, pending_confirmation=$4, turn_counter=$5 WHERE id=$6`,
		sess.IdentityID, time.Now().UTC(), string(sess.State), sess.PendingConfirmation, sess.TurnCounter, sess.ID)
	if err != nil {
		return fmt.Errorf("postgres: update session: %w", storage.ErrStorageUnavailable)
	}
	return nil
}

func (s *Store) ResetSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: reset session: %w", storage.ErrStorageUnavailable)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id=$1`, id); err != nil {
		return fmt.Errorf("postgres: reset session messages: %w", storage.ErrIntegrityViolation)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET state=$1, pending_confirmation=NULL, turn_counter=0 WHERE id=$2`, string(storage.SessionIdle), id); err != nil {
		return fmt.Errorf("postgres: reset session: %w", storage.ErrIntegrityViolation)
	}
	return tx.Commit()
}

func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]*storage.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, channel_type, conversation_id, identity_id, created_at, last_active_at, state, pending_confirmation, turn_counter
		FROM sessions ORDER BY last_active_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", storage.ErrStorageUnavailable)
	}
	defer rows.Close()
	var out []*storage.Session
	for rows.Next() {
		var sess storage.Session
		var identityID sql.NullString
		var pending []byte
		if err := rows.Scan(&sess.ID, &sess.ChannelType, &sess.ConversationID, &identityID,
			&sess.CreatedAt, &sess.LastActiveAt, &sess.State, &pending, &sess.TurnCounter); err != nil {
			return nil, err
		}
		sess.IdentityID = identityID.String
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
		return nil, fmt.Errorf("postgres: begin turn: %w", storage.ErrStorageUnavailable)
	}
	return &turn{tx: tx, sessionID: sessionID}, nil
}

func (t *turn) NextSeq(ctx context.Context) (int64, error) {
	if !t.seqLoaded {
		var max sql.NullInt64
		if err := t.tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE session_id=$1`, t.sessionID).Scan(&max); err != nil {
			return 0, fmt.Errorf("postgres: next seq: %w", storage.ErrStorageUnavailable)
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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.sessionID, m.Seq, string(m.Role), m.Content, nullStr(m.ToolName), m.ToolArgs, m.ToolResult, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", storage.ErrIntegrityViolation)
	}
	return nil
}

func (t *turn) SetSessionState(ctx context.Context, state storage.SessionState, pending []byte) error {
	var pendingArg any
	if pending != nil {
		pendingArg = pending
	}
	_, err := t.tx.ExecContext(ctx, `UPDATE sessions SET state=$1, pending_confirmation=$2, last_active_at=$3, turn_counter = turn_counter + 1 WHERE id=$4`,
		string(state), pendingArg, time.Now().UTC(), t.sessionID)
	if err != nil {
		return fmt.Errorf("postgres: set session state: %w", storage.ErrIntegrityViolation)
	}
	return nil
}

func (t *turn) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit turn: %w", storage.ErrIntegrityViolation)
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
		m.ID = newID()
	}
	m.Importance = clampImportance(m.Importance)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.ValidFrom.IsZero() {
		m.ValidFrom = m.CreatedAt
	}
	if m.ValidUntil != nil && m.ValidUntil.Before(m.ValidFrom) {
		return fmt.Errorf("postgres: create memory: valid_until precedes valid_from: %w", storage.ErrIntegrityViolation)
	}
	var embJSON []byte
	if len(m.Embedding) > 0 {
		b, err := json.Marshal(m.Embedding)
		if err != nil {
			return fmt.Errorf("postgres: encode embedding: %w", err)
		}
		embJSON = b
	}
	var validUntil any
	if m.ValidUntil != nil {
		validUntil = m.ValidUntil.UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO memories
		(id, memory_type, content, importance, identity_id, entity_type, entity_name, source_type, source_channel_type, created_at, valid_from, valid_until, superseded_by, embedding)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		m.ID, string(m.MemoryType), m.Content, m.Importance, nullStr(m.IdentityID), nullStr(m.EntityType), nullStr(m.EntityName),
		string(m.SourceType), nullStr(m.SourceChannelType), m.CreatedAt.UTC(), m.ValidFrom.UTC(), validUntil, nullStr(m.SupersededBy), embJSON)
	if err != nil {
		return fmt.Errorf("postgres: create memory: %w", storage.ErrIntegrityViolation)
	}
	return nil
}

func (s *Store) SupersedeMemory(ctx context.Context, oldID, newID string, validUntil time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET superseded_by=$1, valid_until=$2 WHERE id=$3 AND superseded_by IS NULL`,
		newID, validUntil.UTC(), oldID)
	if err != nil {
		return fmt.Errorf("postgres: supersede memory: %w", storage.ErrIntegrityViolation)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const memorySelect = `SELECT id, memory_type, content, importance, identity_id, entity_type, entity_name, source_type, source_channel_type, created_at, valid_from, valid_until, superseded_by, embedding FROM memories`

func (s *Store) GetMemory(ctx context.Context, id string) (*storage.Memory, error) {
	row := s.db.QueryRowContext(ctx, memorySelect+` WHERE id=$1`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return m, err
}

func scanMemory(row *sql.Row) (*storage.Memory, error) {
	var m storage.Memory
	var identityID, entityType, entityName, sourceChannel, supersededBy sql.NullString
	var validUntil sql.NullTime
	var emb []byte
	if err := row.Scan(&m.ID, &m.MemoryType, &m.Content, &m.Importance, &identityID, &entityType, &entityName,
		&m.SourceType, &sourceChannel, &m.CreatedAt, &m.ValidFrom, &validUntil, &supersededBy, &emb); err != nil {
		return nil, err
	}
	m.IdentityID = identityID.String
	m.EntityType = entityType.String
	m.EntityName = entityName.String
	m.SourceChannelType = sourceChannel.String
	m.SupersededBy = supersededBy.String
	if validUntil.Valid {
		m.ValidUntil = &validUntil.Time
	}
	if len(emb) > 0 {
		_ = json.Unmarshal(emb, &m.Embedding)
	}
	return &m, nil
}

func scanMemoryRows(rows *sql.Rows) (*storage.Memory, error) {
	var m storage.Memory
	var identityID, entityType, entityName, sourceChannel, supersededBy sql.NullString
	var validUntil sql.NullTime
	var emb []byte
	if err := rows.Scan(&m.ID, &m.MemoryType, &m.Content, &m.Importance, &identityID, &entityType, &entityName,
		&m.SourceType, &sourceChannel, &m.CreatedAt, &m.ValidFrom, &validUntil, &supersededBy, &emb); err != nil {
		return nil, err
	}
	m.IdentityID = identityID.String
	m.EntityType = entityType.String
	m.EntityName = entityName.String
	m.SourceChannelType = sourceChannel.String
	m.SupersededBy = supersededBy.String
	if validUntil.Valid {
		m.ValidUntil = &validUntil.Time
	}
	if len(emb) > 0 {
		_ = json.Unmarshal(emb, &m.Embedding)
	}
	return &m, nil
}

func filterClause(f storage.MemoryFilter, start int) (string, []any) {
	var clauses []string
	var args []any
	n := start
	if f.MemoryType != "" {
		clauses = append(clauses, fmt.Sprintf("memory_type = $%d", n))
		args = append(args, string(f.MemoryType))
		n++
	}
	if f.MinImportance > 0 {
		clauses = append(clauses, fmt.Sprintf("importance >= $%d", n))
		args = append(args, f.MinImportance)
		n++
	}
	if f.IdentityID != "" {
		clauses = append(clauses, fmt.Sprintf("identity_id = $%d", n))
		args = append(args, f.IdentityID)
		n++
	}
	if f.AsOf != nil {
		clauses = append(clauses, fmt.Sprintf("valid_from <= $%d AND (valid_until IS NULL OR valid_until > $%d)", n, n+1))
		args = append(args, f.AsOf.UTC(), f.AsOf.UTC())
		n += 2
	} else if !f.IncludeSuperseded {
		clauses = append(clauses, "superseded_by IS NULL")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

func (s *Store) SearchMemoriesFTS(ctx context.Context, query string, filter storage.MemoryFilter, limit int) ([]*storage.Memory, error) {
	extra, args := filterClause(filter, 3)
	sqlq := memorySelect + ` WHERE content_tsv @@ plainto_tsquery('english', $1)` + extra +
		` ORDER BY ts_rank(content_tsv, plainto_tsquery('english', $2)) DESC LIMIT $` + fmt.Sprint(len(args)+3)
	fullArgs := append([]any{query, query}, args...)
	fullArgs = append(fullArgs, limit)
	rows, err := s.db.QueryContext(ctx, sqlq, fullArgs...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search memories fts: %w", err)
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

func (s *Store) ListMemories(ctx context.Context, filter storage.MemoryFilter, limit, offset int) ([]*storage.Memory, error) {
	extra, args := filterClause(filter, 1)
	sqlq := memorySelect + ` WHERE true` + extra + fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list memories: %w", storage.ErrStorageUnavailable)
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
	id := newID()
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO identities (id, created_at) VALUES ($1,$2)`, id, now); err != nil {
		return nil, fmt.Errorf("postgres: create identity: %w", storage.ErrIntegrityViolation)
	}
	return &storage.Identity{ID: id, CreatedAt: now}, nil
}

func (s *Store) FindIdentityByAccount(ctx context.Context, channelType, platformUserID string) (*storage.Identity, error) {
	var identityID string
	err := s.db.QueryRowContext(ctx, `SELECT identity_id FROM linked_accounts WHERE channel_type=$1 AND platform_user_id=$2`,
		channelType, platformUserID).Scan(&identityID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find identity: %w", storage.ErrStorageUnavailable)
	}
	var createdAt time.Time
	if err := s.db.QueryRowContext(ctx, `SELECT created_at FROM identities WHERE id=$1`, identityID).Scan(&createdAt); err != nil {
		return nil, fmt.Errorf("postgres: find identity: %w", err)
	}
	return &storage.Identity{ID: identityID, CreatedAt: createdAt}, nil
}

func (s *Store) LinkAccount(ctx context.Context, la storage.LinkedAccount) error {
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT identity_id FROM linked_accounts WHERE channel_type=$1 AND platform_user_id=$2`,
		la.ChannelType, la.PlatformUserID).Scan(&existing)
	if err == nil && existing != la.IdentityID {
		return fmt.Errorf("postgres: link account: %w", storage.ErrAlreadyLinked)
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("postgres: link account: %w", storage.ErrStorageUnavailable)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO linked_accounts (identity_id, channel_type, platform_user_id, display_name, verified)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (channel_type, platform_user_id) DO UPDATE SET display_name=excluded.display_name, verified=excluded.verified`,
		la.IdentityID, la.ChannelType, la.PlatformUserID, la.DisplayName, la.Verified)
	if err != nil {
		return fmt.Errorf("postgres: link account: %w", storage.ErrIntegrityViolation)
	}
	return nil
}

func (s *Store) UnlinkAccount(ctx context.Context, channelType, platformUserID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM linked_accounts WHERE channel_type=$1 AND platform_user_id=$2`, channelType, platformUserID)
	if err != nil {
		return fmt.Errorf("postgres: unlink account: %w", storage.ErrIntegrityViolation)
	}
	return nil
}

func (s *Store) MergeIdentities(ctx context.Context, winner, loser string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: merge identities: %w", storage.ErrStorageUnavailable)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE linked_accounts SET identity_id=$1 WHERE identity_id=$2`, winner, loser); err != nil {
		return fmt.Errorf("postgres: merge identities: reparent accounts: %w", storage.ErrIntegrityViolation)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE memories SET identity_id=$1 WHERE identity_id=$2`, winner, loser); err != nil {
		return fmt.Errorf("postgres: merge identities: reparent memories: %w", storage.ErrIntegrityViolation)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET identity_id=$1 WHERE identity_id=$2`, winner, loser); err != nil {
		return fmt.Errorf("postgres: merge identities: reparent sessions: %w", storage.ErrIntegrityViolation)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM identities WHERE id=$1`, loser); err != nil {
		return fmt.Errorf("postgres: merge identities: delete loser: %w", storage.ErrIntegrityViolation)
	}
	return tx.Commit()
}

// --- Skills ---

func (s *Store) UpsertSkillRecord(ctx context.Context, r *storage.SkillRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO skill_records (name, version, source, enabled, resolvable, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (name) DO UPDATE SET version=excluded.version, source=excluded.source, enabled=excluded.enabled, resolvable=excluded.resolvable, updated_at=excluded.updated_at`,
		r.Name, r.Version, r.Source, r.Enabled, r.Resolvable, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: upsert skill record: %w", storage.ErrIntegrityViolation)
	}
	return nil
}

func (s *Store) ListSkillRecords(ctx context.Context) ([]*storage.SkillRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, version, source, enabled, resolvable, updated_at FROM skill_records ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list skill records: %w", storage.ErrStorageUnavailable)
	}
	defer rows.Close()
	var out []*storage.SkillRecord
	for rows.Next() {
		var r storage.SkillRecord
		if err := rows.Scan(&r.Name, &r.Version, &r.Source, &r.Enabled, &r.Resolvable, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Tool audit ---

func (s *Store) AppendToolAudit(ctx context.Context, row *storage.ToolAuditRow) error {
	if row.ID == "" {
		row.ID = newID()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tool_audit (id, session_id, tool_name, args_hash, duration_ms, outcome, error_class, cost_units, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		row.ID, row.SessionID, row.ToolName, row.ArgsHash, row.DurationMS, row.Outcome, nullStr(row.ErrorClass), row.CostUnits, row.CreatedAt.UTC())
	if err != nil {
		s.logger.Warn("failed to write tool audit row", "err", err, "tool", row.ToolName)
	}
	return nil
}

func (s *Store) ListToolAudit(ctx context.Context, sessionID string, limit int) ([]*storage.ToolAuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, tool_name, args_hash, duration_ms, outcome, error_class, cost_units, created_at
		FROM tool_audit WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tool audit: %w", storage.ErrStorageUnavailable)
	}
	defer rows.Close()
	var out []*storage.ToolAuditRow
	for rows.Next() {
		var r storage.ToolAuditRow
		var errClass sql.NullString
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ToolName, &r.ArgsHash, &r.DurationMS, &r.Outcome, &errClass, &r.CostUnits, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ErrorClass = errClass.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Queued transactions ---

func (s *Store) EnqueueTx(ctx context.Context, tx *storage.QueuedTransaction) error {
	if tx.UUID == "" {
		tx.UUID = newID()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	if tx.Status == "" {
		tx.Status = storage.TxPending
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO queued_tx (uuid, session_id, network, to_addr, value, data, gas_limit, nonce, status, tx_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		tx.UUID, tx.SessionID, tx.Network, tx.To, tx.Value, tx.Data, tx.GasLimit, tx.Nonce, string(tx.Status), nullStr(tx.TxHash), tx.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: enqueue tx: %w", storage.ErrIntegrityViolation)
	}
	return nil
}

func (s *Store) ClaimNextPendingTx(ctx context.Context, network string) (*storage.QueuedTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim tx: %w", storage.ErrStorageUnavailable)
	}
	defer tx.Rollback()
	row := tx.QueryRowContext(ctx, `SELECT uuid, session_id, network, to_addr, value, data, gas_limit, nonce, status, tx_hash, created_at
		FROM queued_tx WHERE network=$1 AND status=$2 ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`, network, string(storage.TxPending))
	q, err := scanTx(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE queued_tx SET status=$1 WHERE uuid=$2 AND status=$3`, string(storage.TxBroadcast), q.UUID, string(storage.TxPending)); err != nil {
		return nil, fmt.Errorf("postgres: claim tx: %w", storage.ErrIntegrityViolation)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: claim tx: %w", storage.ErrIntegrityViolation)
	}
	q.Status = storage.TxBroadcast
	return q, nil
}

func (s *Store) UpdateTxStatus(ctx context.Context, uuid string, status storage.TxStatus, txHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE queued_tx SET status=$1, tx_hash=$2 WHERE uuid=$3`, string(status), nullStr(txHash), uuid)
	if err != nil {
		return fmt.Errorf("postgres: update tx status: %w", storage.ErrIntegrityViolation)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetTx(ctx context.Context, uuid string) (*storage.QueuedTransaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT uuid, session_id, network, to_addr, value, data, gas_limit, nonce, status, tx_hash, created_at
		FROM queued_tx WHERE uuid=$1`, uuid)
	q, err := scanTx(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return q, err
}

func scanTx(row *sql.Row) (*storage.QueuedTransaction, error) {
	var q storage.QueuedTransaction
	var data, txHash sql.NullString
	if err := row.Scan(&q.UUID, &q.SessionID, &q.Network, &q.To, &q.Value, &data, &q.GasLimit, &q.Nonce, &q.Status, &txHash, &q.CreatedAt); err != nil {
		return nil, err
	}
	q.Data = data.String
	q.TxHash = txHash.String
	return &q, nil
}

// ListStaleBroadcasts mirrors the sqlite backend: queue time stands in
// for broadcast time since there is no dedicated column for it.
func (s *Store) ListStaleBroadcasts(ctx context.Context, olderThan time.Time) ([]*storage.QueuedTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uuid, session_id, network, to_addr, value, data, gas_limit, nonce, status, tx_hash, created_at
		FROM queued_tx WHERE status=$1 AND created_at<$2 ORDER BY created_at ASC`, string(storage.TxBroadcast), olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale broadcasts: %w", storage.ErrStorageUnavailable)
	}
	defer rows.Close()

	var out []*storage.QueuedTransaction
	for rows.Next() {
		var q storage.QueuedTransaction
		var data, txHash sql.NullString
		if err := rows.Scan(&q.UUID, &q.SessionID, &q.Network, &q.To, &q.Value, &data, &q.GasLimit, &q.Nonce, &q.Status, &txHash, &q.CreatedAt); err != nil {
			return nil, err
		}
		q.Data = data.String
		q.TxHash = txHash.String
		out = append(out, &q)
	}
	return out, rows.Err()
}
