package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/emmilco/claude-memory-server-sub004/internal/config"
	"github.com/emmilco/claude-memory-server-sub004/internal/embeddings"
	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
	"github.com/emmilco/claude-memory-server-sub004/internal/parser"
	"github.com/emmilco/claude-memory-server-sub004/internal/vectorstore"
)

// stubParser emits one unit per top-level "func " line plus a module
// unit when none exist. The indexer tests exercise diffing and
// idempotency, not grammar handling.
type stubParser struct{}

func (stubParser) Parse(_ context.Context, path string, content []byte) ([]parser.SemanticUnit, bool, error) {
	if _, ok := parser.LanguageForPath(path); !ok {
		return nil, false, nil
	}
	lang, _ := parser.LanguageForPath(path)

	var units []parser.SemanticUnit
	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "func ") {
			name := strings.TrimPrefix(line, "func ")
			if idx := strings.IndexAny(name, "( "); idx > 0 {
				name = name[:idx]
			}
			units = append(units, parser.SemanticUnit{
				Name: name, Kind: memory.KindFunction, Language: lang,
				StartLine: i + 1, EndLine: i + 1, Body: line,
			})
		}
	}
	if len(units) == 0 {
		units = append(units, parser.SemanticUnit{
			Name: filepath.Base(path), Kind: memory.KindModule, Language: lang,
			StartLine: 1, EndLine: len(lines), Body: string(content),
		})
	}
	return units, true, nil
}

// countingEmbedder wraps a Generator and counts embedded texts.
type countingEmbedder struct {
	embeddings.Generator
	texts atomic.Int64
}

func (c *countingEmbedder) Generate(ctx context.Context, text string) ([]float32, error) {
	c.texts.Add(1)
	return c.Generator.Generate(ctx, text)
}

func (c *countingEmbedder) BatchGenerate(ctx context.Context, texts []string) ([][]float32, error) {
	c.texts.Add(int64(len(texts)))
	return c.Generator.BatchGenerate(ctx, texts)
}

func indexerFixture(t *testing.T) (*Incremental, *countingEmbedder, vectorstore.Store) {
	t.Helper()
	inner, err := embeddings.NewOfflineService(config.EmbeddingsConfig{
		Model: "all-MiniLM-L6-v2", BatchSize: 8, Workers: 1,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	embedder := &countingEmbedder{Generator: inner}

	store, err := vectorstore.NewChromemStore(t.TempDir(), "indexer_test", inner.Dim(), zaptest.NewLogger(t))
	require.NoError(t, err)

	cfg := config.IndexingConfig{
		MaxFileSize: 1024 * 1024,
		IgnoreFiles: []string{".gitignore"},
	}
	ix := NewIncremental(store, embedder, stubParser{}, cfg, "repo-1", "project-1", zaptest.NewLogger(t))
	return ix, embedder, store
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestIndexDirectoryAndIdempotency(t *testing.T) {
	ix, embedder, _ := indexerFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeFile(t, dir, "a.go", "func Alpha() {}\nfunc Beta() {}\n")
	writeFile(t, dir, "b.go", "func Gamma() {}\n")
	writeFile(t, dir, "c.go", "package only\n")

	result, err := ix.IndexDirectory(ctx, dir, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalFiles)
	assert.Equal(t, 3, result.IndexedFiles)
	assert.Equal(t, 4, result.TotalUnits) // Alpha, Beta, Gamma, module c.go
	assert.Empty(t, result.FailedFiles)
	firstPassEmbeds := embedder.texts.Load()
	assert.EqualValues(t, 4, firstPassEmbeds)

	// Second pass with no filesystem change: zero embeddings, zero
	// writes.
	result, err = ix.IndexDirectory(ctx, dir, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalFiles)
	assert.Equal(t, 0, result.IndexedFiles)
	assert.Equal(t, 3, result.SkippedFiles)
	assert.Equal(t, 0, result.TotalUnits)
	assert.Equal(t, firstPassEmbeds, embedder.texts.Load())
}

func TestChangedUnitReembedded(t *testing.T) {
	ix, embedder, _ := indexerFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeFile(t, dir, "a.go", "func Alpha() {}\nfunc Beta() {}\n")
	_, err := ix.IndexDirectory(ctx, dir, true, nil)
	require.NoError(t, err)
	before := embedder.texts.Load()

	// Change only Beta's body; Alpha keeps its content hash and is not
	// re-embedded.
	writeFile(t, dir, "a.go", "func Alpha() {}\nfunc Beta() { return }\n")
	result, err := ix.IndexDirectory(ctx, dir, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.IndexedFiles)
	assert.Equal(t, 1, result.TotalUnits)
	assert.Equal(t, before+1, embedder.texts.Load())
}

func TestRemovedUnitDeleted(t *testing.T) {
	ix, _, store := indexerFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeFile(t, dir, "a.go", "func Alpha() {}\nfunc Beta() {}\n")
	_, err := ix.IndexDirectory(ctx, dir, true, nil)
	require.NoError(t, err)

	count, err := store.Count(ctx, &memory.SearchFilters{Category: memory.CategoryCode})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	writeFile(t, dir, "a.go", "func Alpha() {}\n")
	_, err = ix.IndexDirectory(ctx, dir, true, nil)
	require.NoError(t, err)

	count, err = store.Count(ctx, &memory.SearchFilters{Category: memory.CategoryCode})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStatePersistsAcrossIndexerInstances(t *testing.T) {
	ix, embedder, store := indexerFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeFile(t, dir, "a.go", "func Alpha() {}\n")
	_, err := ix.IndexDirectory(ctx, dir, true, nil)
	require.NoError(t, err)
	before := embedder.texts.Load()

	// A fresh indexer over the same store rebuilds its hash state from
	// payloads and skips the unchanged file.
	fresh := NewIncremental(store, embedder, stubParser{}, config.IndexingConfig{
		MaxFileSize: 1024 * 1024, IgnoreFiles: []string{".gitignore"},
	}, "repo-1", "project-1", zaptest.NewLogger(t))

	result, err := fresh.IndexDirectory(ctx, dir, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.IndexedFiles)
	assert.Equal(t, before, embedder.texts.Load())
}

func TestIgnoredAndUnknownFilesSkipped(t *testing.T) {
	ix, _, _ := indexerFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeFile(t, dir, ".gitignore", "generated.go\n")
	writeFile(t, dir, "kept.go", "func Kept() {}\n")
	writeFile(t, dir, "generated.go", "func Generated() {}\n")
	writeFile(t, dir, "README.md", "# not code\n")
	writeFile(t, dir, "node_modules/dep.go", "func Dep() {}\n")

	result, err := ix.IndexDirectory(ctx, dir, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalFiles)
	assert.Equal(t, 1, result.IndexedFiles)
}

func TestProgressCallbackInvoked(t *testing.T) {
	ix, _, _ := indexerFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeFile(t, dir, "a.go", "func A() {}\n")
	writeFile(t, dir, "b.go", "func B() {}\n")

	var calls []string
	_, err := ix.IndexDirectory(ctx, dir, true, func(current, total int, file string, _ error) {
		calls = append(calls, fmt.Sprintf("%d/%d:%s", current, total, file))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1/2:a.go", "2/2:b.go"}, calls)
}

func TestDeterministicWalkOrder(t *testing.T) {
	ix, _, _ := indexerFixture(t)
	dir := t.TempDir()

	writeFile(t, dir, "z.go", "func Z() {}\n")
	writeFile(t, dir, "a.go", "func A() {}\n")
	writeFile(t, dir, "nested/m.go", "func M() {}\n")

	ignore, err := loadIgnoreSet(dir, nil)
	require.NoError(t, err)
	files, err := ix.collectFiles(context.Background(), dir, true, ignore)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", filepath.Join("nested", "m.go"), "z.go"}, files)
}
