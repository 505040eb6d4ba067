package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/starkcore/starkcore/internal/memory"
	"github.com/starkcore/starkcore/internal/storage"
	"github.com/starkcore/starkcore/internal/storage/sqlite"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := sqlite.Open(sqlite.Config{Path: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunCompactionScansEveryIdentityOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sess, err := store.GetOrCreateSession(ctx, "repl", "conv-1")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	sess.IdentityID = "id-1"
	if err := store.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	mem, err := memory.New(store, memory.NullEmbedder{}, memory.DefaultWeights, nil)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer mem.Close()

	old := &storage.Memory{MemoryType: storage.MemoryDailyLog, Content: "stale entry", Importance: 3, IdentityID: "id-1"}
	if err := mem.Create(ctx, old); err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	sched := New(store, mem, Config{CompactionAge: time.Millisecond}, nil)
	if err := sched.runCompaction(ctx); err != nil {
		t.Fatalf("runCompaction: %v", err)
	}

	compacted, err := store.ListMemories(ctx, storage.MemoryFilter{IdentityID: "id-1", MemoryType: storage.MemoryCompaction}, 10, 0)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(compacted) != 1 {
		t.Fatalf("expected 1 compaction memory, got %d", len(compacted))
	}
}

func TestRunConfirmationSweepTimesOutStaleBroadcasts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	tx := &storage.QueuedTransaction{UUID: "tx-1", Network: "base", To: "0xabc", Status: storage.TxPending, CreatedAt: time.Now().Add(-time.Hour)}
	if err := store.EnqueueTx(ctx, tx); err != nil {
		t.Fatalf("EnqueueTx: %v", err)
	}
	if err := store.UpdateTxStatus(ctx, tx.UUID, storage.TxBroadcast, "0xdead"); err != nil {
		t.Fatalf("UpdateTxStatus: %v", err)
	}

	sched := New(store, nil, Config{ConfirmationTimeout: time.Minute}, nil)
	if err := sched.runConfirmationSweep(ctx); err != nil {
		t.Fatalf("runConfirmationSweep: %v", err)
	}

	got, err := store.GetTx(ctx, tx.UUID)
	if err != nil {
		t.Fatalf("GetTx: %v", err)
	}
	if got.Status != storage.TxTimeout {
		t.Fatalf("status = %s, want %s", got.Status, storage.TxTimeout)
	}
}

func TestRunConfirmationSweepLeavesFreshBroadcastsAlone(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	tx := &storage.QueuedTransaction{UUID: "tx-2", Network: "base", To: "0xabc", Status: storage.TxPending, CreatedAt: time.Now()}
	if err := store.EnqueueTx(ctx, tx); err != nil {
		t.Fatalf("EnqueueTx: %v", err)
	}
	if err := store.UpdateTxStatus(ctx, tx.UUID, storage.TxBroadcast, "0xdead"); err != nil {
		t.Fatalf("UpdateTxStatus: %v", err)
	}

	sched := New(store, nil, Config{ConfirmationTimeout: time.Hour}, nil)
	if err := sched.runConfirmationSweep(ctx); err != nil {
		t.Fatalf("runConfirmationSweep: %v", err)
	}

	got, err := store.GetTx(ctx, tx.UUID)
	if err != nil {
		t.Fatalf("GetTx: %v", err)
	}
	if got.Status != storage.TxBroadcast {
		t.Fatalf("status = %s, want unchanged %s", got.Status, storage.TxBroadcast)
	}
}
