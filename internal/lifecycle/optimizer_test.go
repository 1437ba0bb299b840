package lifecycle

import (
	"context"
	"strings"
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

func optimizerFixture(t *testing.T) (*Optimizer, vectorstore.Store, embeddings.Generator) {
	t.Helper()
	embedder, err := embeddings.NewOfflineService(config.EmbeddingsConfig{
		Model: "all-MiniLM-L6-v2", BatchSize: 8, Workers: 1,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	store, err := vectorstore.NewChromemStore(t.TempDir(), "optimizer_test", embedder.Dim(), zaptest.NewLogger(t))
	require.NoError(t, err)

	manager := NewManager(defaultConfig())
	opt := NewOptimizer(store, manager, config.OptimizerConfig{
		SessionExpiryHours:     48,
		CompressionThresholdKB: 10,
		StaleThresholdDays:     180,
	}, embedder.Dim(), zaptest.NewLogger(t))
	return opt, store, embedder
}

func storeAged(t *testing.T, store vectorstore.Store, embedder embeddings.Generator, content string, level memory.ContextLevel, age time.Duration) string {
	t.Helper()
	ctx := context.Background()
	then := time.Now().UTC().Add(-age)
	unit := &memory.Unit{
		Content:      content,
		Category:     memory.CategoryContext,
		ContextLevel: level,
		Scope:        memory.ScopeGlobal,
		Importance:   0.5,
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
	return id
}

func TestAnalyzeFindsSessionExpiryAsSafe(t *testing.T) {
	opt, store, embedder := optimizerFixture(t)
	storeAged(t, store, embedder, "stale session scratch", memory.ContextSessionState, 72*time.Hour)
	storeAged(t, store, embedder, "fresh session scratch", memory.ContextSessionState, time.Hour)

	analysis, err := opt.Analyze(context.Background())
	require.NoError(t, err)

	var sessionOpp *Opportunity
	for i := range analysis.Opportunities {
		if analysis.Opportunities[i].RiskLevel == "safe" {
			sessionOpp = &analysis.Opportunities[i]
		}
	}
	require.NotNil(t, sessionOpp, "expected a safe session-expiry opportunity")
	assert.Equal(t, "delete", sessionOpp.Type)
	assert.Equal(t, 1, sessionOpp.AffectedCount)
}

func TestAnalyzeFindsStaleDeleteAsLowRisk(t *testing.T) {
	opt, store, embedder := optimizerFixture(t)
	storeAged(t, store, embedder, "ancient unused memory", memory.ContextProjectContext, 200*24*time.Hour)

	analysis, err := opt.Analyze(context.Background())
	require.NoError(t, err)

	found := false
	for _, opp := range analysis.Opportunities {
		if opp.Type == "delete" && opp.RiskLevel == "low" {
			found = true
			assert.Contains(t, opp.Description, "STALE")
		}
	}
	assert.True(t, found)
	assert.Equal(t, 1, analysis.ByLifecycleState[memory.LifecycleStale])
}

func TestAnalyzeFindsCompressionForLargePayloads(t *testing.T) {
	opt, store, embedder := optimizerFixture(t)
	big := strings.Repeat("large payload content ", 600) // > 10KB
	storeAged(t, store, embedder, big, memory.ContextProjectContext, time.Hour)

	analysis, err := opt.Analyze(context.Background())
	require.NoError(t, err)

	found := false
	for _, opp := range analysis.Opportunities {
		if opp.Type == "compress" {
			found = true
			assert.Equal(t, "medium", opp.RiskLevel, "active records compress at medium risk")
		}
	}
	assert.True(t, found)
}

func TestAutoOptimizeAppliesOnlySafe(t *testing.T) {
	opt, store, embedder := optimizerFixture(t)
	expiredID := storeAged(t, store, embedder, "expired session data", memory.ContextSessionState, 72*time.Hour)
	staleID := storeAged(t, store, embedder, "stale but not session", memory.ContextProjectContext, 200*24*time.Hour)
	ctx := context.Background()

	// Dry run mutates nothing.
	result, err := opt.AutoOptimize(ctx, true)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	got, err := store.GetByID(ctx, expiredID)
	require.NoError(t, err)
	assert.NotNil(t, got)

	// Real run deletes the expired session record only.
	result, err = opt.AutoOptimize(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)

	got, err = store.GetByID(ctx, expiredID)
	require.NoError(t, err)
	assert.Nil(t, got, "expired session record should be deleted")

	got, err = store.GetByID(ctx, staleID)
	require.NoError(t, err)
	assert.NotNil(t, got, "low-risk stale record must survive auto-optimize")
}
