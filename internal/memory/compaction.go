package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/starkcore/starkcore/internal/storage"
)

// Compact groups daily_log rows older than olderThan into a single
// compaction memory summarising them, per spec §4.5. Compaction is
// idempotent keyed on (identity_id, date_range): the compaction key is
// checked against existing compaction memories' content hash before a
// new one is written.
func (s *Subsystem) Compact(ctx context.Context, identityID string, olderThan time.Duration) (*storage.Memory, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	filter := storage.MemoryFilter{
		MemoryType: storage.MemoryDailyLog,
		IdentityID: identityID,
	}
	all, err := s.store.ListMemories(ctx, filter, 1000, 0)
	if err != nil {
		return nil, fmt.Errorf("memory: list daily logs for compaction: %w", err)
	}

	var stale []*storage.Memory
	for _, m := range all {
		if m.CreatedAt.Before(cutoff) {
			stale = append(stale, m)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })

	rangeStart := stale[0].CreatedAt.Format("2006-01-02")
	rangeEnd := stale[len(stale)-1].CreatedAt.Format("2006-01-02")
	key := compactionKey(identityID, rangeStart, rangeEnd)

	existing, err := s.store.ListMemories(ctx, storage.MemoryFilter{MemoryType: storage.MemoryCompaction, IdentityID: identityID}, 1000, 0)
	if err == nil {
		for _, m := range existing {
			if strings.Contains(m.Content, key) {
				return m, nil // already compacted for this identity/date range
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] Daily log summary %s to %s:\n", key, rangeStart, rangeEnd)
	maxImportance := 1
	for _, m := range stale {
		fmt.Fprintf(&b, "- %s\n", m.Content)
		if m.Importance > maxImportance {
			maxImportance = m.Importance
		}
	}

	compacted := &storage.Memory{
		MemoryType: storage.MemoryCompaction,
		Content:    b.String(),
		Importance: maxImportance,
		IdentityID: identityID,
		SourceType: storage.SourceInferred,
	}
	if err := s.Create(ctx, compacted); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, m := range stale {
		if err := s.store.SupersedeMemory(ctx, m.ID, compacted.ID, now); err != nil {
			s.logger.Warn("memory: supersede during compaction failed", "id", m.ID, "err", err)
		}
	}
	return compacted, nil
}

func compactionKey(identityID, rangeStart, rangeEnd string) string {
	h := sha256.Sum256([]byte(identityID + "|" + rangeStart + "|" + rangeEnd))
	return hex.EncodeToString(h[:])[:16]
}

// Cluster is a group of memories judged similar by embedding distance,
// a candidate for consolidation.
type Cluster struct {
	Memories []*storage.Memory
	Centroid []float32
}

// SuggestClusters groups memories above a cosine-similarity threshold,
// supplementing the spec's compaction cadence with the original
// implementation's clustering-based consolidation candidate detection
// (original_source/stark-backend/src/memory/consolidation.rs), which the
// distilled spec dropped. This never mutates storage; callers decide
// whether to Merge a suggested cluster.
func (s *Subsystem) SuggestClusters(ctx context.Context, identityID string, memType storage.MemoryType, similarityThreshold float64, minClusterSize int) ([]Cluster, error) {
	if minClusterSize < 2 {
		minClusterSize = 2
	}
	filter := storage.MemoryFilter{IdentityID: identityID}
	if memType != "" {
		filter.MemoryType = memType
	}
	candidates, err := s.store.ListMemories(ctx, filter, 500, 0)
	if err != nil {
		return nil, fmt.Errorf("memory: list for clustering: %w", err)
	}

	var withEmbeddings []*storage.Memory
	for _, m := range candidates {
		if len(m.Embedding) > 0 {
			withEmbeddings = append(withEmbeddings, m)
		}
	}
	if len(withEmbeddings) < minClusterSize {
		return nil, nil
	}

	assigned := make(map[string]bool)
	var clusters []Cluster
	for i, a := range withEmbeddings {
		if assigned[a.ID] {
			continue
		}
		cluster := Cluster{Memories: []*storage.Memory{a}}
		assigned[a.ID] = true
		for _, b := range withEmbeddings[i+1:] {
			if assigned[b.ID] {
				continue
			}
			if cosineSimilarity(a.Embedding, b.Embedding) >= similarityThreshold {
				cluster.Memories = append(cluster.Memories, b)
				assigned[b.ID] = true
			}
		}
		if len(cluster.Memories) >= minClusterSize {
			cluster.Centroid = centroid(cluster.Memories)
			clusters = append(clusters, cluster)
		}
	}
	return clusters, nil
}

func centroid(memories []*storage.Memory) []float32 {
	if len(memories) == 0 {
		return nil
	}
	dim := len(memories[0].Embedding)
	out := make([]float32, dim)
	for _, m := range memories {
		for i, v := range m.Embedding {
			if i < dim {
				out[i] += v
			}
		}
	}
	n := float32(len(memories))
	for i := range out {
		out[i] /= n
	}
	return out
}
