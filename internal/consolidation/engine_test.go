package consolidation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/emmilco/claude-memory-server-sub004/internal/config"
	"github.com/emmilco/claude-memory-server-sub004/internal/embeddings"
	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
	"github.com/emmilco/claude-memory-server-sub004/internal/vectorstore"
)

func fixture(t *testing.T) (*Engine, *Detector, vectorstore.Store, embeddings.Generator) {
	t.Helper()
	embedder, err := embeddings.NewOfflineService(config.EmbeddingsConfig{
		Model: "all-MiniLM-L6-v2", BatchSize: 8, Workers: 1,
		CacheEnabled: true, CacheDir: t.TempDir(), CacheMaxEntries: 64,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	store, err := vectorstore.NewChromemStore(t.TempDir(), "consolidation_test", embedder.Dim(), zaptest.NewLogger(t))
	require.NoError(t, err)

	cfg := config.ConsolidationConfig{
		AutoMergeThreshold:  0.95,
		ReviewThreshold:     0.85,
		ContradictionMinSim: 0.7,
		PreferenceVerbs:     []string{"prefer", "prefers", "use"},
	}
	engine := NewEngine(store, embedder, filepath.Join(t.TempDir(), "merge_history.jsonl"), zaptest.NewLogger(t))
	detector := NewDetector(store, embedder, cfg, zaptest.NewLogger(t))
	return engine, detector, store, embedder
}

func storeMemory(t *testing.T, store vectorstore.Store, embedder embeddings.Generator, content string, createdAgo time.Duration, importance float64) *memory.Unit {
	t.Helper()
	ctx := context.Background()
	then := time.Now().UTC().Add(-createdAgo)
	unit := &memory.Unit{
		Content:      content,
		Category:     memory.CategoryPreference,
		ContextLevel: memory.ContextUserPreference,
		Scope:        memory.ScopeGlobal,
		Importance:   importance,
		Metadata:     map[string]any{},
		CreatedAt:    then,
		UpdatedAt:    then,
		LastAccessed: then,
		Provenance: memory.Provenance{
			Source: memory.SourceUserExplicit, CreatedBy: "user_statement", Confidence: 0.9,
		},
		EmbeddingModel: "all-MiniLM-L6-v2",
	}
	vector, err := embedder.Generate(ctx, content)
	require.NoError(t, err)
	id, err := store.Store(ctx, unit, vector)
	require.NoError(t, err)
	unit.ID = id
	return unit
}

func TestMergeKeepMostRecent(t *testing.T) {
	engine, _, store, embedder := fixture(t)
	ctx := context.Background()

	old := storeMemory(t, store, embedder, "Always use const over let", 30*24*time.Hour, 0.5)
	newer := storeMemory(t, store, embedder, "Prefer const to let", 0, 0.5)

	merged, err := engine.MergeMemories(ctx, newer.ID, []string{old.ID}, KeepMostRecent, false)
	require.NoError(t, err)
	assert.Equal(t, "Prefer const to let", merged.Content)

	gone, err := store.GetByID(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := store.GetByID(ctx, newer.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, "Prefer const to let", kept.Content)
}

func TestMergeDryRunDoesNotMutate(t *testing.T) {
	engine, _, store, embedder := fixture(t)
	ctx := context.Background()

	a := storeMemory(t, store, embedder, "memory a", time.Hour, 0.5)
	b := storeMemory(t, store, embedder, "memory b", 2*time.Hour, 0.5)

	merged, err := engine.MergeMemories(ctx, a.ID, []string{b.ID}, KeepMostRecent, true)
	require.NoError(t, err)
	require.NotNil(t, merged)

	// Idempotent and non-mutating: both records still exist.
	for i := 0; i < 2; i++ {
		_, err = engine.MergeMemories(ctx, a.ID, []string{b.ID}, KeepMostRecent, true)
		require.NoError(t, err)
	}
	for _, id := range []string{a.ID, b.ID} {
		got, err := store.GetByID(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, got)
	}
}

func TestMergeContentUnionsTagsAndImportance(t *testing.T) {
	engine, _, store, embedder := fixture(t)
	ctx := context.Background()

	a := storeMemory(t, store, embedder, "first unique content", time.Hour, 0.4)
	b := storeMemory(t, store, embedder, "second unique content", 2*time.Hour, 0.8)
	_, err := store.Update(ctx, a.ID, map[string]any{"tags": []string{"x"}})
	require.NoError(t, err)
	_, err = store.Update(ctx, b.ID, map[string]any{"tags": []string{"y"}})
	require.NoError(t, err)

	merged, err := engine.MergeMemories(ctx, a.ID, []string{b.ID}, MergeContent, false)
	require.NoError(t, err)

	assert.Equal(t, "[Merged from 2 memories]\n\nfirst unique content\n\n---\n\nsecond unique content", merged.Content)
	assert.ElementsMatch(t, []string{"x", "y"}, merged.Tags)
	assert.Equal(t, 0.8, merged.Importance)
}

func TestMergeMissingDuplicatesSkipped(t *testing.T) {
	engine, _, store, embedder := fixture(t)
	ctx := context.Background()

	a := storeMemory(t, store, embedder, "only real memory", time.Hour, 0.5)
	merged, err := engine.MergeMemories(ctx, a.ID, []string{"00000000-0000-0000-0000-000000000001"}, KeepMostRecent, false)
	require.NoError(t, err)
	assert.Equal(t, a.Content, merged.Content)
}

func TestMergeMissingCanonicalFails(t *testing.T) {
	engine, _, _, _ := fixture(t)
	_, err := engine.MergeMemories(context.Background(), "00000000-0000-0000-0000-000000000002", nil, KeepMostRecent, false)
	assert.ErrorIs(t, err, memory.ErrMemoryNotFound)
}

func TestMergeRejectsUnknownStrategy(t *testing.T) {
	engine, _, _, _ := fixture(t)
	_, err := engine.MergeMemories(context.Background(), "x", nil, Strategy("smash_together"), false)
	assert.ErrorIs(t, err, memory.ErrValidation)
}

func TestClustersIndependentOfInputOrder(t *testing.T) {
	units := map[string]*memory.Unit{
		"a": {ID: "a", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		"b": {ID: "b", CreatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		"c": {ID: "c", CreatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		"d": {ID: "d", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	pairs := []Pair{
		{A: "a", B: "b", Similarity: 0.97},
		{A: "b", B: "c", Similarity: 0.96},
	}
	reversed := []Pair{pairs[1], pairs[0]}

	c1 := Clusters(pairs, units)
	c2 := Clusters(reversed, units)
	require.Len(t, c1, 1)
	assert.Equal(t, c1, c2)
	assert.Equal(t, []string{"a", "b", "c"}, c1[0].Members)
	// Canonical is the newest member.
	assert.Equal(t, "c", c1[0].Canonical)
}

func TestAutoMergeCandidatesFindIdenticalContent(t *testing.T) {
	_, detector, store, embedder := fixture(t)
	ctx := context.Background()

	// Identical content embeds identically, similarity 1.0.
	first := storeMemory(t, store, embedder, "duplicate preference text", time.Hour, 0.5)
	second := storeMemory(t, store, embedder, "duplicate preference text", 2*time.Hour, 0.5)
	storeMemory(t, store, embedder, "a completely different idea", time.Hour, 0.5)

	clusters, units, err := detector.AutoMergeCandidates(ctx, memory.CategoryPreference)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, clusters[0].Members)
	assert.Contains(t, units, first.ID)
	assert.GreaterOrEqual(t, clusters[0].MaxSimilarity, 0.95)
}

func TestPreferredObjectHeuristic(t *testing.T) {
	verbs := []string{"prefer", "prefers", "use"}
	assert.Equal(t, "tabs", preferredObject("User prefers tabs for indentation", verbs))
	assert.Equal(t, "spaces", preferredObject("Always use spaces.", verbs))
	assert.Equal(t, "", preferredObject("no verb here at all", verbs))
}
