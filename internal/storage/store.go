// Package storage provides the durable persistence contract for starkcore:
// sessions, messages, memories (with a full-text index), identities, skill
// metadata, tool-execution audit rows, and queued signed transactions.
//
// Consistency: writes within a single dialog turn (append user message,
// append assistant reply, append tool records, update session state) form
// one atomic unit. On failure the whole turn rolls back and the session
// state returns to idle. The session row and its messages are
// single-writer per session — only the dispatcher task that owns a
// session may write it; every other component reads through Store without
// restriction.
package storage

import (
	"context"
	"errors"
	"time"
)

// Kind errors surfaced by the store. StorageUnavailable marks a transient
// backend failure; the dispatcher does not retry a turn that fails with
// it. IntegrityViolation is fatal for the current turn but never for the
// process.
var (
	ErrStorageUnavailable = errors.New("storage: unavailable")
	ErrIntegrityViolation = errors.New("storage: integrity violation")
	ErrNotFound           = errors.New("storage: not found")
	ErrAlreadyLinked      = errors.New("storage: account already linked to a different identity")
)

// SessionState is the dispatcher-owned lifecycle state of a Session.
type SessionState string

const (
	SessionIdle                   SessionState = "idle"
	SessionAwaitingLLM            SessionState = "awaiting_llm"
	SessionRunningTool            SessionState = "running_tool"
	SessionAwaitingConfirmation   SessionState = "awaiting_user_confirmation"
	SessionCompleted              SessionState = "completed"
	SessionErrored                SessionState = "errored"
)

// Session identifies one conversation bound to (channel_type, platform_conversation_id).
type Session struct {
	ID                  string
	ChannelType         string
	ConversationID      string
	IdentityID          string
	CreatedAt           time.Time
	LastActiveAt        time.Time
	State               SessionState
	PendingConfirmation []byte // serialized descriptor, nil when none pending
	TurnCounter         int64
}

// MessageRole enumerates the roles a persisted Message may take.
type MessageRole string

const (
	RoleUser         MessageRole = "user"
	RoleAssistant    MessageRole = "assistant"
	RoleSystem       MessageRole = "system"
	RoleToolRequest  MessageRole = "tool_request"
	RoleToolResult   MessageRole = "tool_result"
)

// Message is one entry in a session's dense, strictly-increasing seq order.
type Message struct {
	SessionID  string
	Seq        int64
	Role       MessageRole
	Content    string
	ToolName   string
	ToolArgs   []byte // JSON, only for tool_request
	ToolResult []byte // JSON, only for tool_result
	CreatedAt  time.Time
}

// MemoryType enumerates the kinds of memory rows the subsystem tracks.
type MemoryType string

const (
	MemoryDailyLog        MemoryType = "daily_log"
	MemoryLongTerm        MemoryType = "long_term"
	MemorySessionSummary  MemoryType = "session_summary"
	MemoryCompaction      MemoryType = "compaction"
	MemoryPreference      MemoryType = "preference"
	MemoryFact            MemoryType = "fact"
	MemoryEntity          MemoryType = "entity"
	MemoryTask            MemoryType = "task"
)

// MemorySourceType records whether a memory was stated or derived.
type MemorySourceType string

const (
	SourceExplicit MemorySourceType = "explicit"
	SourceInferred MemorySourceType = "inferred"
)

// Memory is one row of the Memory Subsystem's durable store.
type Memory struct {
	ID                string
	MemoryType        MemoryType
	Content           string
	Importance        int // clamped to [1,10] on write
	IdentityID        string
	EntityType        string
	EntityName        string
	SourceType        MemorySourceType
	SourceChannelType string
	CreatedAt         time.Time
	ValidFrom         time.Time
	ValidUntil        *time.Time
	SupersededBy      string
	Embedding         []float32
}

// Identity is a stable resolved user across one or more linked accounts.
type Identity struct {
	ID        string
	CreatedAt time.Time
}

// LinkedAccount binds a platform account to an Identity.
type LinkedAccount struct {
	IdentityID     string
	ChannelType    string
	PlatformUserID string
	DisplayName    string
	Verified       bool
}

// SkillRecord is the persisted metadata row for a loaded skill (managed and
// workspace skills need durable bookkeeping across restarts; bundled skills
// are re-derived from the binary on every boot).
type SkillRecord struct {
	Name       string
	Version    string
	Source     string // bundled, managed, workspace
	Enabled    bool
	Resolvable bool
	UpdatedAt  time.Time
}

// ToolAuditRow is written for every tool invocation regardless of outcome.
type ToolAuditRow struct {
	ID         string
	SessionID  string
	ToolName   string
	ArgsHash   string
	DurationMS int64
	Outcome    string // ok, denied, error, timeout, confirmation_required
	ErrorClass string
	// CostUnits is the network-metering cost charged against the
	// session's budget for a network-side-effect tool call. Always 0
	// for non-network tools, and 0 for network tools too until a
	// payment provider is configured behind tools.NetworkBudget.
	CostUnits int64
	CreatedAt time.Time
}

// TxStatus enumerates the monotonic lifecycle of a QueuedTransaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxBroadcast TxStatus = "broadcast"
	TxConfirmed TxStatus = "confirmed"
	TxReverted  TxStatus = "reverted"
	TxTimeout   TxStatus = "timeout"
)

// QueuedTransaction is a signed-transaction descriptor awaiting or past
// broadcast. Status transitions are monotonic along
// pending -> broadcast -> {confirmed, reverted, timeout}.
type QueuedTransaction struct {
	UUID      string
	SessionID string
	Network   string
	To        string
	Value     string // decimal wei/raw-unit string
	Data      string // hex calldata
	GasLimit  uint64
	Nonce     uint64
	Status    TxStatus
	TxHash    string
	CreatedAt time.Time
}

// MemoryFilter narrows Memory retrieval and full-text queries.
type MemoryFilter struct {
	MemoryType        MemoryType // zero value = any
	MinImportance     int
	IncludeSuperseded bool
	AsOf              *time.Time
	IdentityID        string
}

// Store is the persistence contract every component in the core depends on.
// Read operations are unrestricted; write operations on Session/Message are
// expected to be issued only by the dispatcher task that owns the session
// (the store itself does not enforce single-writer — that discipline lives
// in the Dispatcher, per the concurrency model).
type Store interface {
	// Sessions.
	GetOrCreateSession(ctx context.Context, channelType, conversationID string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	ResetSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, limit, offset int) ([]*Session, error)

	// Messages — turn-scoped atomic append.
	// BeginTurn opens a transaction-scoped handle used for the duration of
	// one dialog turn; Commit/Rollback close it.
	BeginTurn(ctx context.Context, sessionID string) (Turn, error)

	// Memories.
	CreateMemory(ctx context.Context, m *Memory) error
	SupersedeMemory(ctx context.Context, oldID, newID string, validUntil time.Time) error
	GetMemory(ctx context.Context, id string) (*Memory, error)
	SearchMemoriesFTS(ctx context.Context, query string, filter MemoryFilter, limit int) ([]*Memory, error)
	ListMemories(ctx context.Context, filter MemoryFilter, limit, offset int) ([]*Memory, error)

	// Identities.
	CreateIdentity(ctx context.Context) (*Identity, error)
	FindIdentityByAccount(ctx context.Context, channelType, platformUserID string) (*Identity, error)
	LinkAccount(ctx context.Context, la LinkedAccount) error
	UnlinkAccount(ctx context.Context, channelType, platformUserID string) error
	MergeIdentities(ctx context.Context, winner, loser string) error

	// Skills metadata.
	UpsertSkillRecord(ctx context.Context, r *SkillRecord) error
	ListSkillRecords(ctx context.Context) ([]*SkillRecord, error)

	// Tool audit.
	AppendToolAudit(ctx context.Context, row *ToolAuditRow) error
	ListToolAudit(ctx context.Context, sessionID string, limit int) ([]*ToolAuditRow, error)

	// Queued transactions.
	EnqueueTx(ctx context.Context, tx *QueuedTransaction) error
	ClaimNextPendingTx(ctx context.Context, network string) (*QueuedTransaction, error)
	UpdateTxStatus(ctx context.Context, uuid string, status TxStatus, txHash string) error
	GetTx(ctx context.Context, uuid string) (*QueuedTransaction, error)
	ListStaleBroadcasts(ctx context.Context, olderThan time.Time) ([]*QueuedTransaction, error)

	Close() error
}

// Turn is the atomic unit of persistence for one dialog turn: append user
// message, append assistant reply, append tool records, update session
// state. Commit makes all writes durable together; Rollback discards them
// and the caller is responsible for returning session state to idle.
type Turn interface {
	AppendMessage(ctx context.Context, m *Message) error
	NextSeq(ctx context.Context) (int64, error)
	SetSessionState(ctx context.Context, state SessionState, pending []byte) error
	Commit(ctx context.Context) error
	Rollback() error
}
