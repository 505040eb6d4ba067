package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/starkcore/starkcore/internal/storage"
)

// Weights configures the hybrid retrieval score, spec §4.5:
// score = alpha*bm25_norm + beta*vector_cosine + gamma*importance_norm + delta*recency_norm
type Weights struct {
	Alpha float64
	Beta  float64
	Gamma float64
	Delta float64
}

// DefaultWeights matches the spec's proposed defaults, exposed as
// overridable config per the Open Question 1 resolution (see DESIGN.md).
var DefaultWeights = Weights{Alpha: 0.45, Beta: 0.35, Gamma: 0.10, Delta: 0.10}

// defaultRecencyHalfLife controls how quickly recency_norm decays; a
// memory created one half-life ago scores 0.5.
const defaultRecencyHalfLife = 14 * 24 * time.Hour

// Subsystem implements the Memory Subsystem: write path (create with
// temporal validity, supersession), read path (hybrid retrieval), merge,
// and compaction. Grounded on sqlite_store.go's HybridSearch, replacing
// its Reciprocal-Rank-Fusion approach with the spec's exact weighted-sum
// formula.
type Subsystem struct {
	store    storage.Store
	embedder EmbeddingProvider
	index    *bm25Index
	weights  Weights
	logger   *slog.Logger
}

// New builds a Subsystem. A failure to build the in-process bm25 index
// is returned as an error; a later bm25 search failure in Retrieve only
// zeroes the bm25 term for that call.
func New(store storage.Store, embedder EmbeddingProvider, weights Weights, logger *slog.Logger) (*Subsystem, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if embedder == nil {
		embedder = NullEmbedder{}
	}
	idx, err := newBM25Index()
	if err != nil {
		return nil, fmt.Errorf("memory: build index: %w", err)
	}
	return &Subsystem{
		store:    store,
		embedder: embedder,
		index:    idx,
		weights:  weights,
		logger:   logger.With("component", "memory.subsystem"),
	}, nil
}

// Create writes a new memory with valid_from=now, clamping importance to
// [1,10] and syncing the bm25 index (spec §4.5 write path).
func (s *Subsystem) Create(ctx context.Context, m *storage.Memory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ValidFrom.IsZero() {
		m.ValidFrom = time.Now().UTC()
	}
	m.CreatedAt = time.Now().UTC()
	m.Importance = clampImportance(m.Importance)
	if m.ValidUntil != nil && m.ValidUntil.Before(m.ValidFrom) {
		return fmt.Errorf("memory: valid_until precedes valid_from")
	}

	if s.embedder.Dimensions() > 0 && len(m.Embedding) == 0 {
		vecs, err := s.embedder.Embed(ctx, []string{m.Content})
		if err != nil {
			s.logger.Warn("memory: embedding failed, continuing without vector", "err", err)
		} else if len(vecs) == 1 {
			m.Embedding = vecs[0]
		}
	}

	if err := s.store.CreateMemory(ctx, m); err != nil {
		return fmt.Errorf("memory: write failed: %w", storage.ErrIntegrityViolation)
	}
	if err := s.index.Put(m.ID, m.Content); err != nil {
		s.logger.Warn("memory: bm25 index put failed", "id", m.ID, "err", err)
	}
	return nil
}

// Replace supersedes oldID with a new memory sharing the same
// entity_type/entity_name, per spec §4.5's replaces=<old_id> write path.
func (s *Subsystem) Replace(ctx context.Context, oldID string, replacement *storage.Memory) error {
	if err := s.Create(ctx, replacement); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := s.store.SupersedeMemory(ctx, oldID, replacement.ID, now); err != nil {
		return fmt.Errorf("memory: supersede failed: %w", err)
	}
	return nil
}

// Retrieve is the primary read API: retrieve(query, filters, k) ->
// ranked[Memory], spec §4.5.
func (s *Subsystem) Retrieve(ctx context.Context, query string, filter storage.MemoryFilter, k int) ([]*storage.Memory, error) {
	candidates, err := s.store.SearchMemoriesFTS(ctx, query, filter, k*4)
	if err != nil {
		s.logger.Warn("memory: retrieval failed, returning empty ranked list", "err", err)
		return nil, nil
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	bm25Scores, err := s.index.Scores(query, k*4)
	if err != nil {
		s.logger.Warn("memory: bm25 index search failed, scoring without the bm25 term", "err", err)
		bm25Scores = map[string]float64{}
	}

	var queryVec []float32
	if s.embedder.Dimensions() > 0 {
		if vecs, err := s.embedder.Embed(ctx, []string{query}); err == nil && len(vecs) == 1 {
			queryVec = vecs[0]
		}
	}

	now := time.Now().UTC()
	type scored struct {
		m     *storage.Memory
		score float64
	}
	out := make([]scored, 0, len(candidates))
	for _, m := range candidates {
		bm25Norm := bm25Scores[m.ID]
		vectorCosine := 0.0
		if queryVec != nil && len(m.Embedding) == len(queryVec) && len(queryVec) > 0 {
			vectorCosine = cosineSimilarity(queryVec, m.Embedding)
		}
		importanceNorm := float64(m.Importance) / 10.0
		recencyNorm := recencyScore(m.CreatedAt, now, defaultRecencyHalfLife)

		score := s.weights.Alpha*bm25Norm + s.weights.Beta*vectorCosine + s.weights.Gamma*importanceNorm + s.weights.Delta*recencyNorm
		out = append(out, scored{m: m, score: score})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if !out[i].m.CreatedAt.Equal(out[j].m.CreatedAt) {
			return out[i].m.CreatedAt.After(out[j].m.CreatedAt)
		}
		if out[i].m.Importance != out[j].m.Importance {
			return out[i].m.Importance > out[j].m.Importance
		}
		return out[i].m.ID < out[j].m.ID
	})

	if k > 0 && len(out) > k {
		out = out[:k]
	}
	ranked := make([]*storage.Memory, len(out))
	for i, sc := range out {
		ranked[i] = sc.m
	}
	return ranked, nil
}

// Merge combines several memories into a new one, marking every input
// superseded, per spec §4.5's merge operation.
func (s *Subsystem) Merge(ctx context.Context, ids []string, newContent string) (*storage.Memory, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("memory: merge requires at least one input id")
	}
	var inputs []*storage.Memory
	maxImportance := 0
	sharedType := storage.MemoryType("")
	allShareType := true
	for _, id := range ids {
		m, err := s.store.GetMemory(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("memory: load merge input %s: %w", id, err)
		}
		inputs = append(inputs, m)
		if m.Importance > maxImportance {
			maxImportance = m.Importance
		}
		if sharedType == "" {
			sharedType = m.MemoryType
		} else if sharedType != m.MemoryType {
			allShareType = false
		}
	}

	memType := storage.MemoryLongTerm
	if allShareType && sharedType != storage.MemoryDailyLog {
		memType = sharedType
	}

	merged := &storage.Memory{
		MemoryType: memType,
		Content:    newContent,
		Importance: maxImportance,
		IdentityID: inputs[0].IdentityID,
		SourceType: storage.SourceInferred,
	}
	if err := s.Create(ctx, merged); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, id := range ids {
		if err := s.store.SupersedeMemory(ctx, id, merged.ID, now); err != nil {
			return nil, fmt.Errorf("memory: supersede merge input %s: %w", id, err)
		}
	}
	return merged, nil
}

func clampImportance(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

func cosineSimilarity(a, b []float32) float64 {
	af := make([]float64, len(a))
	bf := make([]float64, len(b))
	for i := range a {
		af[i] = float64(a[i])
		bf[i] = float64(b[i])
	}
	na := floats.Norm(af, 2)
	nb := floats.Norm(bf, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(af, bf) / (na * nb)
}

func recencyScore(created, now time.Time, halfLife time.Duration) float64 {
	age := now.Sub(created)
	if age < 0 {
		age = 0
	}
	return math.Exp(-math.Ln2 * age.Hours() / halfLife.Hours())
}

// Close releases the in-process bm25 index.
func (s *Subsystem) Close() error {
	return s.index.Close()
}
