package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/starkcore/starkcore/internal/storage"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = ":memory:"
	s, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateSessionIsIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	a, err := s.GetOrCreateSession(ctx, "telegram", "conv1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := s.GetOrCreateSession(ctx, "telegram", "conv1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("expected same session id, got %s vs %s", a.ID, b.ID)
	}
	if a.State != storage.SessionIdle {
		t.Fatalf("expected idle state, got %s", a.State)
	}
}

func TestTurnAppendsMessagesInOrder(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	sess, err := s.GetOrCreateSession(ctx, "telegram", "conv1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	turn, err := s.BeginTurn(ctx, sess.ID)
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	seq1, err := turn.NextSeq(ctx)
	if err != nil {
		t.Fatalf("next seq: %v", err)
	}
	if err := turn.AppendMessage(ctx, &storage.Message{SessionID: sess.ID, Seq: seq1, Role: storage.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	seq2, err := turn.NextSeq(ctx)
	if err != nil {
		t.Fatalf("next seq: %v", err)
	}
	if seq2 != seq1+1 {
		t.Fatalf("expected dense increasing seq, got %d then %d", seq1, seq2)
	}
	if err := turn.AppendMessage(ctx, &storage.Message{SessionID: sess.ID, Seq: seq2, Role: storage.RoleAssistant, Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := turn.SetSessionState(ctx, storage.SessionIdle, nil); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := turn.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestMemorySupersessionExcludedFromDefaultRetrieval(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	old := &storage.Memory{MemoryType: storage.MemoryFact, Content: "X lives in A", Importance: 5, SourceType: storage.SourceExplicit}
	if err := s.CreateMemory(ctx, old); err != nil {
		t.Fatalf("create old: %v", err)
	}
	next := &storage.Memory{MemoryType: storage.MemoryFact, Content: "X lives in B", Importance: 5, SourceType: storage.SourceExplicit}
	if err := s.CreateMemory(ctx, next); err != nil {
		t.Fatalf("create next: %v", err)
	}
	if err := s.SupersedeMemory(ctx, old.ID, next.ID, time.Now()); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	results, err := s.ListMemories(ctx, storage.MemoryFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, m := range results {
		if m.ID == old.ID {
			t.Fatalf("superseded memory %s returned by default retrieval", old.ID)
		}
	}
}

func TestAsOfRetrievalReturnsOnlyValidRow(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	now := time.Now().UTC()
	twoHoursAgo := now.Add(-2 * time.Hour)
	oneHourAgo := now.Add(-1 * time.Hour)

	older := &storage.Memory{MemoryType: storage.MemoryFact, Content: "X lives in A", Importance: 5, SourceType: storage.SourceExplicit, ValidFrom: twoHoursAgo}
	if err := s.CreateMemory(ctx, older); err != nil {
		t.Fatalf("create older: %v", err)
	}
	newer := &storage.Memory{MemoryType: storage.MemoryFact, Content: "X lives in B", Importance: 5, SourceType: storage.SourceExplicit, ValidFrom: oneHourAgo}
	if err := s.CreateMemory(ctx, newer); err != nil {
		t.Fatalf("create newer: %v", err)
	}
	if err := s.SupersedeMemory(ctx, older.ID, newer.ID, oneHourAgo); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	before := twoHoursAgo.Add(30 * time.Minute)
	beforeResults, err := s.ListMemories(ctx, storage.MemoryFilter{AsOf: &before}, 10, 0)
	if err != nil {
		t.Fatalf("list as of before: %v", err)
	}
	if len(beforeResults) != 1 || beforeResults[0].ID != older.ID {
		t.Fatalf("as_of %s: expected only %s, got %+v", before, older.ID, beforeResults)
	}

	afterResults, err := s.ListMemories(ctx, storage.MemoryFilter{AsOf: &now}, 10, 0)
	if err != nil {
		t.Fatalf("list as of now: %v", err)
	}
	if len(afterResults) != 1 || afterResults[0].ID != newer.ID {
		t.Fatalf("as_of %s: expected only %s, got %+v", now, newer.ID, afterResults)
	}

	defaultResults, err := s.ListMemories(ctx, storage.MemoryFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("list default: %v", err)
	}
	if len(defaultResults) != 1 || defaultResults[0].ID != newer.ID {
		t.Fatalf("default filter: expected only current row %s, got %+v", newer.ID, defaultResults)
	}
}

func TestQueuedTxMonotonicClaim(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	tx := &storage.QueuedTransaction{SessionID: "s1", Network: "base", To: "0xabc", Value: "1", GasLimit: 21000}
	if err := s.EnqueueTx(ctx, tx); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.ClaimNextPendingTx(ctx, "base")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != storage.TxBroadcast {
		t.Fatalf("expected broadcast after claim, got %s", claimed.Status)
	}
	if _, err := s.ClaimNextPendingTx(ctx, "base"); err != storage.ErrNotFound {
		t.Fatalf("expected no more pending tx, got %v", err)
	}
}
