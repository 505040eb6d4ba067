package memory

import (
	"context"
	"testing"
	"time"

	"github.com/starkcore/starkcore/internal/storage"
	"github.com/starkcore/starkcore/internal/storage/sqlite"
)

func newTestSubsystem(t *testing.T) *Subsystem {
	t.Helper()
	store, err := sqlite.Open(sqlite.Config{Path: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sub, err := New(store, NullEmbedder{}, DefaultWeights, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	return sub
}

func TestCreateClampsImportance(t *testing.T) {
	sub := newTestSubsystem(t)
	ctx := context.Background()

	high := &storage.Memory{MemoryType: storage.MemoryFact, Content: "the sky is blue", Importance: 99}
	if err := sub.Create(ctx, high); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if high.Importance != 10 {
		t.Fatalf("Importance = %d, want clamped to 10", high.Importance)
	}

	low := &storage.Memory{MemoryType: storage.MemoryFact, Content: "grass is green", Importance: -3}
	if err := sub.Create(ctx, low); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if low.Importance != 1 {
		t.Fatalf("Importance = %d, want clamped to 1", low.Importance)
	}
}

func TestCreateRejectsValidUntilBeforeValidFrom(t *testing.T) {
	sub := newTestSubsystem(t)
	now := time.Now().UTC()
	before := now.Add(-time.Hour)
	m := &storage.Memory{
		MemoryType: storage.MemoryFact,
		Content:    "bad range",
		Importance: 5,
		ValidFrom:  now,
		ValidUntil: &before,
	}
	if err := sub.Create(context.Background(), m); err == nil {
		t.Fatal("expected error for valid_until before valid_from")
	}
}

func TestRetrieveExcludesSuperseded(t *testing.T) {
	sub := newTestSubsystem(t)
	ctx := context.Background()

	old := &storage.Memory{MemoryType: storage.MemoryFact, Content: "user likes coffee", Importance: 5}
	if err := sub.Create(ctx, old); err != nil {
		t.Fatalf("Create: %v", err)
	}

	replacement := &storage.Memory{MemoryType: storage.MemoryFact, Content: "user likes tea now", Importance: 5}
	if err := sub.Replace(ctx, old.ID, replacement); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	results, err := sub.Retrieve(ctx, "user likes", storage.MemoryFilter{}, 10)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for _, r := range results {
		if r.ID == old.ID {
			t.Fatal("superseded memory returned by default retrieval")
		}
	}
}

func TestReplaceThenAsOfFiltersToCorrectVersion(t *testing.T) {
	sub := newTestSubsystem(t)
	ctx := context.Background()

	split := time.Now().UTC().Add(-time.Hour)
	old := &storage.Memory{MemoryType: storage.MemoryFact, Content: "X lives in A", Importance: 5, ValidFrom: split.Add(-time.Hour)}
	if err := sub.Create(ctx, old); err != nil {
		t.Fatalf("Create old: %v", err)
	}
	replacement := &storage.Memory{MemoryType: storage.MemoryFact, Content: "X lives in B", Importance: 5, ValidFrom: split}
	if err := sub.Create(ctx, replacement); err != nil {
		t.Fatalf("Create replacement: %v", err)
	}
	if err := sub.store.SupersedeMemory(ctx, old.ID, replacement.ID, split); err != nil {
		t.Fatalf("SupersedeMemory: %v", err)
	}

	before := split.Add(-30 * time.Minute)
	beforeResults, err := sub.store.ListMemories(ctx, storage.MemoryFilter{AsOf: &before}, 10, 0)
	if err != nil {
		t.Fatalf("ListMemories as_of before: %v", err)
	}
	if len(beforeResults) != 1 || beforeResults[0].ID != old.ID {
		t.Fatalf("as_of %s: expected only %s, got %+v", before, old.ID, beforeResults)
	}

	after := time.Now().UTC()
	afterResults, err := sub.store.ListMemories(ctx, storage.MemoryFilter{AsOf: &after}, 10, 0)
	if err != nil {
		t.Fatalf("ListMemories as_of after: %v", err)
	}
	if len(afterResults) != 1 || afterResults[0].ID != replacement.ID {
		t.Fatalf("as_of %s: expected only %s, got %+v", after, replacement.ID, afterResults)
	}
}

func TestMergeMarksInputsSuperseded(t *testing.T) {
	sub := newTestSubsystem(t)
	ctx := context.Background()

	a := &storage.Memory{MemoryType: storage.MemoryFact, Content: "likes pizza", Importance: 3}
	b := &storage.Memory{MemoryType: storage.MemoryFact, Content: "likes pasta", Importance: 7}
	if err := sub.Create(ctx, a); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if err := sub.Create(ctx, b); err != nil {
		t.Fatalf("Create b: %v", err)
	}

	merged, err := sub.Merge(ctx, []string{a.ID, b.ID}, "likes italian food")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if merged.Importance != 7 {
		t.Fatalf("merged.Importance = %d, want max(3,7)=7", merged.Importance)
	}

	stored, err := sub.store.GetMemory(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if stored.SupersededBy != merged.ID {
		t.Fatalf("input a not marked superseded by merge result")
	}
}

func TestClampImportanceBounds(t *testing.T) {
	cases := map[int]int{-5: 1, 0: 1, 1: 1, 5: 5, 10: 10, 11: 10, 999: 10}
	for in, want := range cases {
		if got := clampImportance(in); got != want {
			t.Errorf("clampImportance(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestCosineSimilarityIdentical(t *testing.T) {
	v := []float32{1, 2, 3}
	if sim := cosineSimilarity(v, v); sim < 0.999 || sim > 1.001 {
		t.Fatalf("cosineSimilarity(v,v) = %f, want ~1.0", sim)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	if sim := cosineSimilarity(a, b); sim > 0.001 {
		t.Fatalf("cosineSimilarity orthogonal = %f, want ~0", sim)
	}
}

func TestRecencyScoreDecaysWithAge(t *testing.T) {
	now := time.Now().UTC()
	fresh := recencyScore(now, now, defaultRecencyHalfLife)
	old := recencyScore(now.Add(-defaultRecencyHalfLife), now, defaultRecencyHalfLife)
	if fresh <= old {
		t.Fatalf("expected fresh memory to score higher: fresh=%f old=%f", fresh, old)
	}
	if old < 0.49 || old > 0.51 {
		t.Fatalf("recency at exactly one half-life = %f, want ~0.5", old)
	}
}
