// Package session implements the Session Manager: the in-memory view of
// each active session (state, transcript window, pending confirmation,
// mailbox), spec §4.7.
//
// Grounded on copilot/session.go's SessionStore (mutex-guarded map,
// double-checked GetOrCreate, TTL-based Prune/StartPruner) generalized
// from the teacher's flat conversation-entry history to the spec's
// windowed storage.Message transcript with compaction into a
// session_summary memory when the window overflows.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/starkcore/starkcore/internal/storage"
)

// DefaultWindowSize bounds the fully materialised transcript kept
// in-memory per session, per spec §4.7 ("The window size N is bounded").
const DefaultWindowSize = 40

// DefaultMailboxCapacity is the bounded per-session dispatcher mailbox
// capacity, spec §4.8.
const DefaultMailboxCapacity = 16

// ErrMailboxFull is returned when a session's mailbox has no room; the
// caller (Channel Façade) is expected to defer per spec §4.8's
// backpressure rule.
var ErrMailboxFull = fmt.Errorf("session: mailbox full")

// Managed is the in-memory view of one active session. Owned exclusively
// by the session's dispatcher task; no other component writes it (per
// the concurrency model, §5).
type Managed struct {
	ID             string
	ChannelType    string
	ConversationID string

	mu         sync.RWMutex
	state      storage.SessionState
	pending    []byte
	transcript []*storage.Message
	identityID string
	createdAt  time.Time
	lastActive time.Time

	Mailbox chan *storage.Message
}

// State returns the session's current dispatcher state.
func (m *Managed) State() storage.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transcript returns a copy of the currently materialised window.
func (m *Managed) Transcript() []*storage.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*storage.Message, len(m.transcript))
	copy(out, m.transcript)
	return out
}

// LastActiveAt returns the session's last-activity timestamp.
func (m *Managed) LastActiveAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActive
}

// IdentityID returns the resolved identity this session is bound to.
func (m *Managed) IdentityID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identityID
}

// Enqueue submits an inbound message to the session's mailbox without
// blocking; returns ErrMailboxFull when the bounded mailbox is at
// capacity.
func (m *Managed) Enqueue(msg *storage.Message) error {
	select {
	case m.Mailbox <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// summariser produces a session_summary memory body from dropped
// transcript entries. Injected so this package does not import
// internal/memory directly (that package already depends on
// internal/storage; keeping the dependency one-directional here avoids
// a cycle risk if memory ever needs session state).
type Summariser func(ctx context.Context, sessionID, identityID string, dropped []*storage.Message) error

// Manager holds every active session's in-memory view.
type Manager struct {
	store      storage.Store
	windowSize int
	summarise  Summariser
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Managed
}

func New(store storage.Store, windowSize int, summarise Summariser, logger *slog.Logger) *Manager {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      store,
		windowSize: windowSize,
		summarise:  summarise,
		logger:     logger.With("component", "session.manager"),
		sessions:   make(map[string]*Managed),
	}
}

// GetOrCreate returns the in-memory view for (channelType,
// conversationID), creating the persisted session row and its mailbox on
// first sight.
func (mgr *Manager) GetOrCreate(ctx context.Context, channelType, conversationID string) (*Managed, error) {
	key := sessionKey(channelType, conversationID)

	mgr.mu.RLock()
	if s, ok := mgr.sessions[key]; ok {
		mgr.mu.RUnlock()
		return s, nil
	}
	mgr.mu.RUnlock()

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if s, ok := mgr.sessions[key]; ok {
		return s, nil
	}

	row, err := mgr.store.GetOrCreateSession(ctx, channelType, conversationID)
	if err != nil {
		return nil, fmt.Errorf("session: get or create: %w", err)
	}

	managed := &Managed{
		ID:             row.ID,
		ChannelType:    channelType,
		ConversationID: conversationID,
		state:          row.State,
		pending:        row.PendingConfirmation,
		identityID:     row.IdentityID,
		createdAt:      row.CreatedAt,
		lastActive:     row.LastActiveAt,
		Mailbox:        make(chan *storage.Message, DefaultMailboxCapacity),
	}
	mgr.sessions[key] = managed
	mgr.logger.Info("session view created", "channel", channelType, "conversation", conversationID, "id", row.ID)
	return managed, nil
}

// Get returns the in-memory view by session id, if loaded.
func (mgr *Manager) Get(id string) (*Managed, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	for _, s := range mgr.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// AppendToWindow appends a message to the transcript, trimming and
// summarising overflow into a session_summary memory when the window is
// exceeded (spec §4.7).
func (mgr *Manager) AppendToWindow(ctx context.Context, s *Managed, msg *storage.Message) {
	s.mu.Lock()
	s.transcript = append(s.transcript, msg)
	s.lastActive = time.Now().UTC()
	var dropped []*storage.Message
	if len(s.transcript) > mgr.windowSize {
		overflow := len(s.transcript) - mgr.windowSize
		dropped = append(dropped, s.transcript[:overflow]...)
		s.transcript = s.transcript[overflow:]
	}
	identityID := s.identityID
	s.mu.Unlock()

	if len(dropped) > 0 && mgr.summarise != nil {
		if err := mgr.summarise(ctx, s.ID, identityID, dropped); err != nil {
			mgr.logger.Warn("session: window summarisation failed", "session", s.ID, "err", err)
		}
	}
}

// SetState transitions the session's dispatcher state, persisting it and
// the pending confirmation descriptor.
func (mgr *Manager) SetState(ctx context.Context, s *Managed, state storage.SessionState, pending []byte) error {
	s.mu.Lock()
	s.state = state
	s.pending = pending
	s.mu.Unlock()

	row, err := mgr.store.GetSession(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("session: load for state update: %w", err)
	}
	row.State = state
	row.PendingConfirmation = pending
	row.LastActiveAt = time.Now().UTC()
	if err := mgr.store.UpdateSession(ctx, row); err != nil {
		return fmt.Errorf("session: persist state: %w", err)
	}
	return nil
}

// BindIdentity attaches the resolved identity id to a session, called
// once by the Channel Façade after the Identity Resolver runs.
func (mgr *Manager) BindIdentity(ctx context.Context, s *Managed, identityID string) error {
	s.mu.Lock()
	s.identityID = identityID
	s.mu.Unlock()

	row, err := mgr.store.GetSession(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("session: load for identity bind: %w", err)
	}
	row.IdentityID = identityID
	if err := mgr.store.UpdateSession(ctx, row); err != nil {
		return fmt.Errorf("session: persist identity bind: %w", err)
	}
	return nil
}

// SyncState updates the in-memory view's state without touching
// storage, for callers (the Dispatcher) that persist state themselves as
// part of a larger transaction and only need the cached view to match
// afterwards.
func (mgr *Manager) SyncState(s *Managed, state storage.SessionState, pending []byte) {
	s.mu.Lock()
	s.state = state
	s.pending = pending
	s.lastActive = time.Now().UTC()
	s.mu.Unlock()
}

// PendingConfirmation returns the session's pending confirmation
// descriptor, if any.
func (s *Managed) PendingConfirmation() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

// Reset clears the transcript but preserves identity and memories, per
// spec §4.7.
func (mgr *Manager) Reset(ctx context.Context, sessionID string) error {
	if err := mgr.store.ResetSession(ctx, sessionID); err != nil {
		return fmt.Errorf("session: reset: %w", err)
	}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for _, s := range mgr.sessions {
		if s.ID == sessionID {
			s.mu.Lock()
			s.transcript = nil
			s.pending = nil
			s.state = storage.SessionIdle
			s.mu.Unlock()
			return nil
		}
	}
	return nil
}

// Evict drops the in-memory view for idle sessions older than ttl. The
// persisted session row is untouched — sessions are never destroyed,
// only their cached view (spec §3: "never destroyed").
func (mgr *Manager) Evict(ttl time.Duration) int {
	cutoff := time.Now().UTC().Add(-ttl)
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	evicted := 0
	for key, s := range mgr.sessions {
		if s.LastActiveAt().Before(cutoff) {
			delete(mgr.sessions, key)
			evicted++
		}
	}
	return evicted
}

// StartEvictor runs Evict periodically until ctx is cancelled.
func (mgr *Manager) StartEvictor(ctx context.Context, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := mgr.Evict(ttl); n > 0 {
					mgr.logger.Info("session views evicted", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func sessionKey(channelType, conversationID string) string {
	var b strings.Builder
	b.WriteString(channelType)
	b.WriteByte(':')
	b.WriteString(conversationID)
	return b.String()
}
