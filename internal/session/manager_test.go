package session

import (
	"context"
	"testing"
	"time"

	"github.com/starkcore/starkcore/internal/storage"
	"github.com/starkcore/starkcore/internal/storage/sqlite"
)

func newTestManager(t *testing.T, windowSize int, summarise Summariser) (*Manager, storage.Store) {
	t.Helper()
	store, err := sqlite.Open(sqlite.Config{Path: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, windowSize, summarise, nil), store
}

func TestGetOrCreateReturnsSameInstance(t *testing.T) {
	mgr, _ := newTestManager(t, 10, nil)
	ctx := context.Background()

	a, err := mgr.GetOrCreate(ctx, "telegram", "chat-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := mgr.GetOrCreate(ctx, "telegram", "chat-1")
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if a != b {
		t.Fatal("expected the same *Managed instance on second call")
	}
}

func TestEnqueueRespectsMailboxCapacity(t *testing.T) {
	mgr, _ := newTestManager(t, 10, nil)
	s, err := mgr.GetOrCreate(context.Background(), "telegram", "chat-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	for i := 0; i < DefaultMailboxCapacity; i++ {
		if err := s.Enqueue(&storage.Message{Content: "hi"}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if err := s.Enqueue(&storage.Message{Content: "overflow"}); err != ErrMailboxFull {
		t.Fatalf("expected ErrMailboxFull, got %v", err)
	}
}

func TestAppendToWindowTrimsAndSummarises(t *testing.T) {
	var summarisedCount int
	summarise := func(ctx context.Context, sessionID, identityID string, dropped []*storage.Message) error {
		summarisedCount += len(dropped)
		return nil
	}
	mgr, _ := newTestManager(t, 3, summarise)
	s, err := mgr.GetOrCreate(context.Background(), "telegram", "chat-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	for i := 0; i < 5; i++ {
		mgr.AppendToWindow(context.Background(), s, &storage.Message{Seq: int64(i), Content: "m"})
	}

	if got := len(s.Transcript()); got != 3 {
		t.Fatalf("Transcript length = %d, want 3", got)
	}
	if summarisedCount != 2 {
		t.Fatalf("summarisedCount = %d, want 2", summarisedCount)
	}
}

func TestResetClearsTranscriptPreservesID(t *testing.T) {
	mgr, _ := newTestManager(t, 10, nil)
	ctx := context.Background()
	s, err := mgr.GetOrCreate(ctx, "telegram", "chat-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	mgr.AppendToWindow(ctx, s, &storage.Message{Content: "hello"})
	if len(s.Transcript()) != 1 {
		t.Fatal("expected one message in transcript before reset")
	}

	if err := mgr.Reset(ctx, s.ID); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(s.Transcript()) != 0 {
		t.Fatal("expected empty transcript after reset")
	}

	again, err := mgr.GetOrCreate(ctx, "telegram", "chat-1")
	if err != nil {
		t.Fatalf("GetOrCreate after reset: %v", err)
	}
	if again.ID != s.ID {
		t.Fatal("expected session id preserved across reset")
	}
}

func TestEvictDropsIdleViewsOnly(t *testing.T) {
	mgr, store := newTestManager(t, 10, nil)
	ctx := context.Background()
	s, err := mgr.GetOrCreate(ctx, "telegram", "chat-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	s.mu.Lock()
	s.lastActive = time.Now().UTC().Add(-time.Hour)
	s.mu.Unlock()

	n := mgr.Evict(time.Minute)
	if n != 1 {
		t.Fatalf("Evict = %d, want 1", n)
	}
	if _, ok := mgr.Get(s.ID); ok {
		t.Fatal("expected in-memory view to be evicted")
	}

	row, err := store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession after evict: %v", err)
	}
	if row == nil {
		t.Fatal("expected persisted session row to survive eviction")
	}
}
