package memory

import (
	"context"
	"testing"
	"time"

	"github.com/starkcore/starkcore/internal/storage"
)

func TestCompactGroupsStaleDailyLogs(t *testing.T) {
	sub := newTestSubsystem(t)
	ctx := context.Background()

	m1 := &storage.Memory{MemoryType: storage.MemoryDailyLog, Content: "did laundry", Importance: 2, IdentityID: "id-1"}
	m2 := &storage.Memory{MemoryType: storage.MemoryDailyLog, Content: "went for a run", Importance: 4, IdentityID: "id-1"}
	if err := sub.Create(ctx, m1); err != nil {
		t.Fatalf("Create m1: %v", err)
	}
	if err := sub.Create(ctx, m2); err != nil {
		t.Fatalf("Create m2: %v", err)
	}
	all, err := sub.store.ListMemories(ctx, storage.MemoryFilter{IdentityID: "id-1", MemoryType: storage.MemoryDailyLog}, 10, 0)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 daily logs, got %d", len(all))
	}

	// A negative olderThan puts the cutoff in the future, so both rows
	// (just written) count as stale.
	compacted, err := sub.Compact(ctx, "id-1", -time.Minute)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if compacted == nil || compacted.MemoryType != storage.MemoryCompaction {
		t.Fatalf("expected a compaction memory, got %+v", compacted)
	}
	if compacted.Importance != 4 {
		t.Fatalf("compacted.Importance = %d, want max(2,4)=4", compacted.Importance)
	}
	stored, err := sub.store.GetMemory(ctx, m1.ID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if stored.SupersededBy != compacted.ID {
		t.Fatalf("daily log m1 not superseded by the compaction memory")
	}
}

func TestCompactionKeyDeterministic(t *testing.T) {
	a := compactionKey("id-1", "2026-01-01", "2026-01-07")
	b := compactionKey("id-1", "2026-01-01", "2026-01-07")
	c := compactionKey("id-1", "2026-01-08", "2026-01-14")
	if a != b {
		t.Fatal("expected identical compaction key for the same identity/range")
	}
	if a == c {
		t.Fatal("expected different compaction key for a different range")
	}
}

func TestSuggestClustersRequiresEmbeddings(t *testing.T) {
	sub := newTestSubsystem(t)
	ctx := context.Background()

	m := &storage.Memory{MemoryType: storage.MemoryFact, Content: "no embedding here", Importance: 5, IdentityID: "id-1"}
	if err := sub.Create(ctx, m); err != nil {
		t.Fatalf("Create: %v", err)
	}

	clusters, err := sub.SuggestClusters(ctx, "id-1", storage.MemoryFact, 0.85, 2)
	if err != nil {
		t.Fatalf("SuggestClusters: %v", err)
	}
	if len(clusters) != 0 {
		t.Fatalf("expected no clusters without embeddings, got %d", len(clusters))
	}
}

func TestCentroidAveragesVectors(t *testing.T) {
	memories := []*storage.Memory{
		{Embedding: []float32{2, 4}},
		{Embedding: []float32{4, 8}},
	}
	c := centroid(memories)
	if len(c) != 2 || c[0] != 3 || c[1] != 6 {
		t.Fatalf("centroid = %v, want [3 6]", c)
	}
}
