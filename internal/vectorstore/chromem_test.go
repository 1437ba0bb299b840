package vectorstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/emmilco/claude-memory-server-sub004/internal/config"
	"github.com/emmilco/claude-memory-server-sub004/internal/embeddings"
	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

const testDim = 384

func newTestStore(t *testing.T) (*ChromemStore, embeddings.Generator) {
	t.Helper()
	embedder, err := embeddings.NewOfflineService(config.EmbeddingsConfig{
		Model:     "all-MiniLM-L6-v2",
		BatchSize: 8,
		Workers:   1,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	store, err := NewChromemStore(t.TempDir(), "test_memories", testDim, zaptest.NewLogger(t))
	require.NoError(t, err)
	return store, embedder
}

func testUnit(content string, category memory.Category, level memory.ContextLevel) *memory.Unit {
	now := time.Now().UTC()
	return &memory.Unit{
		Content:      content,
		Category:     category,
		ContextLevel: level,
		Scope:        memory.ScopeGlobal,
		Importance:   0.5,
		Metadata:     map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
		LastAccessed: now,
		Provenance: memory.Provenance{
			Source:     memory.SourceUserExplicit,
			CreatedBy:  "user_statement",
			Confidence: 0.9,
		},
		EmbeddingModel: "all-MiniLM-L6-v2",
	}
}

func mustEmbed(t *testing.T, embedder embeddings.Generator, text string) []float32 {
	t.Helper()
	v, err := embedder.Generate(context.Background(), text)
	require.NoError(t, err)
	return v
}

func TestStoreAndGetByID(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()

	unit := testUnit("User prefers Python for backend development", memory.CategoryPreference, memory.ContextUserPreference)
	unit.Importance = 0.9
	unit.Tags = []string{"python", "backend"}

	id, err := store.Store(ctx, unit, mustEmbed(t, embedder, unit.Content))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, unit.Content, got.Content)
	assert.Equal(t, memory.CategoryPreference, got.Category)
	assert.Equal(t, memory.ContextUserPreference, got.ContextLevel)
	assert.Equal(t, memory.ScopeGlobal, got.Scope)
	assert.Equal(t, 0.9, got.Importance)
	assert.ElementsMatch(t, []string{"python", "backend"}, got.Tags)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestStoreDeleteGetYieldsNil(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()

	unit := testUnit("temporary fact", memory.CategoryFact, memory.ContextProjectContext)
	id, err := store.Store(ctx, unit, mustEmbed(t, embedder, unit.Content))
	require.NoError(t, err)

	ok, err := store.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err = store.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetrieveExactMatchScoresHighest(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()

	target := testUnit("User prefers Python for backend development", memory.CategoryPreference, memory.ContextUserPreference)
	_, err := store.Store(ctx, target, mustEmbed(t, embedder, target.Content))
	require.NoError(t, err)

	other := testUnit("completely unrelated note about lunch", memory.CategoryContext, memory.ContextProjectContext)
	_, err = store.Store(ctx, other, mustEmbed(t, embedder, other.Content))
	require.NoError(t, err)

	results, err := store.Retrieve(ctx, mustEmbed(t, embedder, target.Content), nil, 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, target.Content, results[0].Unit.Content)
	assert.GreaterOrEqual(t, results[0].Score, 0.99)
}

func TestFilteredSearchByContextLevel(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		u := testUnit(fmt.Sprintf("preference number %d", i), memory.CategoryPreference, memory.ContextUserPreference)
		_, err := store.Store(ctx, u, mustEmbed(t, embedder, u.Content))
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		u := testUnit(fmt.Sprintf("project note number %d", i), memory.CategoryContext, memory.ContextProjectContext)
		_, err := store.Store(ctx, u, mustEmbed(t, embedder, u.Content))
		require.NoError(t, err)
	}

	results, err := store.Retrieve(ctx, mustEmbed(t, embedder, "any query"), &memory.SearchFilters{
		ContextLevel: memory.ContextUserPreference,
	}, 10)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 2)
	for _, r := range results {
		assert.Equal(t, memory.ContextUserPreference, r.Unit.ContextLevel)
	}
}

func TestSearchWithFiltersRequiresFilters(t *testing.T) {
	store, embedder := newTestStore(t)
	_, err := store.SearchWithFilters(context.Background(), mustEmbed(t, embedder, "query"), &memory.SearchFilters{}, 5)
	assert.ErrorIs(t, err, memory.ErrValidation)
}

func TestTagFiltersAreConjunctive(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()

	both := testUnit("tagged with both", memory.CategoryFact, memory.ContextProjectContext)
	both.Tags = []string{"alpha", "beta"}
	_, err := store.Store(ctx, both, mustEmbed(t, embedder, both.Content))
	require.NoError(t, err)

	one := testUnit("tagged with one", memory.CategoryFact, memory.ContextProjectContext)
	one.Tags = []string{"alpha"}
	_, err = store.Store(ctx, one, mustEmbed(t, embedder, one.Content))
	require.NoError(t, err)

	results, err := store.Retrieve(ctx, mustEmbed(t, embedder, "tagged"), &memory.SearchFilters{
		Tags: []string{"alpha", "beta"},
	}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "tagged with both", results[0].Unit.Content)
}

func TestUpdateMergesPayload(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()

	unit := testUnit("fact to update", memory.CategoryFact, memory.ContextProjectContext)
	id, err := store.Store(ctx, unit, mustEmbed(t, embedder, unit.Content))
	require.NoError(t, err)

	ok, err := store.Update(ctx, id, map[string]any{"importance": 0.95, "note": "amended"})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.95, got.Importance)
	assert.Equal(t, "amended", got.Metadata["note"])
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))

	ok, err = store.Update(ctx, "00000000-0000-0000-0000-000000000000", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCountAndList(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		u := testUnit(fmt.Sprintf("list item %d", i), memory.CategoryFact, memory.ContextProjectContext)
		u.CreatedAt = u.CreatedAt.Add(time.Duration(i) * time.Minute)
		_, err := store.Store(ctx, u, mustEmbed(t, embedder, u.Content))
		require.NoError(t, err)
	}

	count, err := store.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	count, err = store.Count(ctx, &memory.SearchFilters{Category: memory.CategoryFact})
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	page, total, err := store.ListMemories(ctx, ListOptions{SortBy: "created_at", Order: "desc", Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "list item 4", page[0].Content)

	page2, _, err := store.ListMemories(ctx, ListOptions{SortBy: "created_at", Order: "desc", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "list item 2", page2[0].Content)
}

func TestRetrieveLimitCapped(t *testing.T) {
	assert.Equal(t, 100, capLimit(500))
	assert.Equal(t, 5, capLimit(0))
	assert.Equal(t, 7, capLimit(7))
}

func TestUpdateUsage(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()

	unit := testUnit("used memory", memory.CategoryFact, memory.ContextProjectContext)
	id, err := store.Store(ctx, unit, mustEmbed(t, embedder, unit.Content))
	require.NoError(t, err)

	now := time.Now().UTC()
	ok, err := store.UpdateUsage(ctx, id, memory.UsageRecord{
		FirstSeen: now, LastUsed: now, UseCount: 3, LastSearchScore: 0.77,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	rec, tracked := memory.UsageFromPayload(got.Metadata)
	assert.True(t, tracked)
	assert.Equal(t, 3, rec.UseCount)
	assert.Equal(t, 0.77, rec.LastSearchScore)
}

func TestVectorDimensionMismatchRejected(t *testing.T) {
	store, _ := newTestStore(t)
	unit := testUnit("bad vector", memory.CategoryFact, memory.ContextProjectContext)
	_, err := store.Store(context.Background(), unit, make([]float32, 7))
	assert.ErrorIs(t, err, memory.ErrValidation)
}
