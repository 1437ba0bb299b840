package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

func waitForCount(t *testing.T, check func() int, want int) bool {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if check() == want {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return check() == want
}

func TestWatcherIndexesNewFiles(t *testing.T) {
	ix, _, store := indexerFixture(t)
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(ix, dir, 50*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the root.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, dir, "new.go", "func Fresh() {}\n")

	codeCount := func() int {
		n, err := store.Count(context.Background(), &memory.SearchFilters{Category: memory.CategoryCode})
		require.NoError(t, err)
		return n
	}
	assert.True(t, waitForCount(t, codeCount, 1), "watcher should index the new file")

	// A removal deletes the stored units.
	require.NoError(t, os.Remove(filepath.Join(dir, "new.go")))
	assert.True(t, waitForCount(t, codeCount, 0), "watcher should remove deleted file units")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not shut down cooperatively")
	}
}
