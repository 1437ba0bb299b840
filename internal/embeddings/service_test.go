package embeddings

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/emmilco/claude-memory-server-sub004/internal/config"
	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// countingBackend wraps the hash backend and counts invocations.
type countingBackend struct {
	mu    sync.Mutex
	calls int
	texts int
	inner inference
}

func (c *countingBackend) embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls++
	c.texts += len(texts)
	c.mu.Unlock()
	return c.inner.embed(ctx, texts)
}

func (c *countingBackend) close() error { return c.inner.close() }

func testConfig(t *testing.T, cacheEnabled bool) config.EmbeddingsConfig {
	return config.EmbeddingsConfig{
		Model:           "all-MiniLM-L6-v2",
		BatchSize:       4,
		Workers:         2,
		CacheEnabled:    cacheEnabled,
		CacheDir:        t.TempDir(),
		CacheMaxEntries: 64,
	}
}

func newTestService(t *testing.T, cacheEnabled bool) (*Service, *countingBackend) {
	t.Helper()
	backend := &countingBackend{inner: &hashInference{dim: 384}}
	svc, err := newService(testConfig(t, cacheEnabled), backend, 384, zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc, backend
}

func l2norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestGenerateDimensionAndNorm(t *testing.T) {
	svc, _ := newTestService(t, false)

	v, err := svc.Generate(context.Background(), "some text to embed")
	require.NoError(t, err)
	assert.Len(t, v, 384)
	assert.InDelta(t, 1.0, l2norm(v), 1e-5)
}

func TestGenerateRejectsEmptyText(t *testing.T) {
	svc, _ := newTestService(t, false)

	_, err := svc.Generate(context.Background(), "")
	assert.ErrorIs(t, err, memory.ErrEmbedding)

	_, err = svc.Generate(context.Background(), "   \n\t")
	assert.ErrorIs(t, err, memory.ErrEmbedding)
}

func TestBatchGenerateMatchesSingle(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()
	texts := []string{"first text", "second text", "third text", "fourth text", "fifth text"}

	batch, err := svc.BatchGenerate(ctx, texts)
	require.NoError(t, err)
	require.Len(t, batch, len(texts))

	for i, text := range texts {
		single, err := svc.Generate(ctx, text)
		require.NoError(t, err)
		for d := range single {
			assert.InDelta(t, single[d], batch[i][d], 1e-5, "text %d dimension %d", i, d)
		}
	}
}

func TestBatchGenerateEmptyInput(t *testing.T) {
	svc, _ := newTestService(t, false)
	out, err := svc.BatchGenerate(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestBatchGenerateAbortsOnEmptyElement(t *testing.T) {
	svc, backend := newTestService(t, false)
	_, err := svc.BatchGenerate(context.Background(), []string{"ok", "", "also ok"})
	assert.ErrorIs(t, err, memory.ErrEmbedding)
	assert.Zero(t, backend.calls)
}

func TestCacheAvoidsRegeneration(t *testing.T) {
	svc, backend := newTestService(t, true)
	ctx := context.Background()

	first, err := svc.Generate(ctx, "cached text")
	require.NoError(t, err)
	require.Equal(t, 1, backend.calls)

	second, err := svc.Generate(ctx, "cached text")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.calls, "second call should hit the cache")
	assert.Equal(t, first, second)
}

func TestBatchGenerateMixedCacheHits(t *testing.T) {
	svc, backend := newTestService(t, true)
	ctx := context.Background()

	_, err := svc.Generate(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 1, backend.texts)

	out, err := svc.BatchGenerate(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	// Only the two misses reach the backend.
	assert.Equal(t, 3, backend.texts)

	// Order is preserved: each slot equals its individual embedding.
	for i, text := range []string{"a", "b", "c"} {
		v, err := svc.Generate(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, v, out[i], "slot %d", i)
	}
}

func TestCacheSurvivesRestart(t *testing.T) {
	cfg := testConfig(t, true)
	backend1 := &countingBackend{inner: &hashInference{dim: 384}}
	svc1, err := newService(cfg, backend1, 384, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = svc1.Generate(context.Background(), "persisted")
	require.NoError(t, err)

	backend2 := &countingBackend{inner: &hashInference{dim: 384}}
	svc2, err := newService(cfg, backend2, 384, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = svc2.Generate(context.Background(), "persisted")
	require.NoError(t, err)
	assert.Zero(t, backend2.calls, "disk cache should satisfy the restarted service")
}

func TestUnsupportedModelRefused(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.Model = "totally-made-up-model"
	_, err := NewOfflineService(cfg, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, memory.ErrEmbedding)
}

func TestModelDimensions(t *testing.T) {
	dim, err := ModelDimension("all-mpnet-base-v2")
	require.NoError(t, err)
	assert.Equal(t, 768, dim)

	dim, err = ModelDimension("all-MiniLM-L12-v2")
	require.NoError(t, err)
	assert.Equal(t, 384, dim)
}

func TestDevicePolicyResolve(t *testing.T) {
	assert.Equal(t, DeviceCPU, DevicePolicy{ForceCPU: true, EnableGPU: true}.Resolve())

	t.Setenv("CUDA_VISIBLE_DEVICES", "")
	assert.Equal(t, DeviceCPU, DevicePolicy{EnableGPU: true}.Resolve())

	t.Setenv("CUDA_VISIBLE_DEVICES", "0")
	assert.Equal(t, DeviceGPU, DevicePolicy{EnableGPU: true}.Resolve())
	assert.Equal(t, DeviceCPU, DevicePolicy{}.Resolve())
}
