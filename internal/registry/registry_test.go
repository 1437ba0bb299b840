package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "repositories.json")
	reg, err := New(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	return reg, path
}

func registerThree(t *testing.T, reg *Registry) (string, string, string) {
	t.Helper()
	base := t.TempDir()
	for _, name := range []string{"r1", "r2", "r3"} {
		require.NoError(t, os.MkdirAll(filepath.Join(base, name), 0o755))
	}
	id1, err := reg.Register(filepath.Join(base, "r1"), "r1", memory.RepoStandalone, "", nil)
	require.NoError(t, err)
	id2, err := reg.Register(filepath.Join(base, "r2"), "r2", memory.RepoStandalone, "", nil)
	require.NoError(t, err)
	id3, err := reg.Register(filepath.Join(base, "r3"), "r3", memory.RepoStandalone, "", nil)
	require.NoError(t, err)
	return id1, id2, id3
}

func TestRegisterAndLookup(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dir := t.TempDir()

	id, err := reg.Register(dir, "", memory.RepoMonorepo, "git@example.com:org/repo.git", []string{"backend"})
	require.NoError(t, err)

	repo, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), repo.Name)
	assert.Equal(t, memory.RepoMonorepo, repo.RepoType)
	assert.Equal(t, memory.StatusNotIndexed, repo.Status)
	assert.Equal(t, []string{"backend"}, repo.Tags)

	byPath := reg.GetByPath(dir)
	require.NotNil(t, byPath)
	assert.Equal(t, id, byPath.ID)

	byName := reg.GetByName(filepath.Base(dir))
	require.NotNil(t, byName)
	assert.Equal(t, id, byName.ID)
}

func TestDuplicatePathRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dir := t.TempDir()

	_, err := reg.Register(dir, "first", memory.RepoStandalone, "", nil)
	require.NoError(t, err)

	_, err = reg.Register(dir, "second", memory.RepoStandalone, "", nil)
	assert.ErrorIs(t, err, memory.ErrDuplicatePath)
}

func TestCyclePrevention(t *testing.T) {
	reg, path := newTestRegistry(t)
	r1, r2, r3 := registerThree(t, reg)

	require.NoError(t, reg.AddDependency(r1, r2))
	require.NoError(t, reg.AddDependency(r2, r3))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	err = reg.AddDependency(r3, r1)
	require.ErrorIs(t, err, memory.ErrDependencyCycle)

	// The failing call must leave the registry state unchanged.
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	var beforeDoc, afterDoc map[string]any
	require.NoError(t, json.Unmarshal(before, &beforeDoc))
	require.NoError(t, json.Unmarshal(after, &afterDoc))
	assert.Equal(t, beforeDoc["repositories"], afterDoc["repositories"])

	// Self-dependency is a degenerate cycle.
	assert.ErrorIs(t, reg.AddDependency(r1, r1), memory.ErrDependencyCycle)
}

func TestDependencyEdgesAreBidirectional(t *testing.T) {
	reg, _ := newTestRegistry(t)
	r1, r2, _ := registerThree(t, reg)

	require.NoError(t, reg.AddDependency(r1, r2))

	repo1, err := reg.Get(r1)
	require.NoError(t, err)
	repo2, err := reg.Get(r2)
	require.NoError(t, err)
	assert.Contains(t, repo1.DependsOn, r2)
	assert.Contains(t, repo2.DependedBy, r1)

	require.NoError(t, reg.RemoveDependency(r1, r2))
	repo1, _ = reg.Get(r1)
	repo2, _ = reg.Get(r2)
	assert.NotContains(t, repo1.DependsOn, r2)
	assert.NotContains(t, repo2.DependedBy, r1)
}

func TestUnregisterScrubsEdgesAndMemberships(t *testing.T) {
	reg, _ := newTestRegistry(t)
	r1, r2, r3 := registerThree(t, reg)

	require.NoError(t, reg.AddDependency(r1, r2))
	require.NoError(t, reg.AddDependency(r3, r2))
	require.NoError(t, reg.AddToWorkspace(r2, "ws-1"))

	require.NoError(t, reg.Unregister(r2))

	_, err := reg.Get(r2)
	assert.ErrorIs(t, err, memory.ErrRepositoryNotFound)

	repo1, err := reg.Get(r1)
	require.NoError(t, err)
	assert.NotContains(t, repo1.DependsOn, r2)
	repo3, err := reg.Get(r3)
	require.NoError(t, err)
	assert.NotContains(t, repo3.DependsOn, r2)
}

func TestDependenciesDepthMap(t *testing.T) {
	reg, _ := newTestRegistry(t)
	r1, r2, r3 := registerThree(t, reg)

	require.NoError(t, reg.AddDependency(r1, r2))
	require.NoError(t, reg.AddDependency(r2, r3))

	deps, err := reg.Dependencies(r1, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{r1}, deps[0])
	assert.Equal(t, []string{r2}, deps[1])
	assert.Equal(t, []string{r3}, deps[2])

	shallow, err := reg.Dependencies(r1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{r2}, shallow[1])
	assert.NotContains(t, shallow, 2)
}

func TestUpdateAndStatusTransitions(t *testing.T) {
	reg, _ := newTestRegistry(t)
	r1, _, _ := registerThree(t, reg)

	status := memory.StatusIndexing
	require.NoError(t, reg.Apply(r1, Update{Status: &status}))

	now := time.Now().UTC()
	statusDone := memory.StatusIndexed
	files, units := 12, 87
	require.NoError(t, reg.Apply(r1, Update{
		Status: &statusDone, IndexedAt: &now, FileCount: &files, UnitCount: &units,
	}))

	repo, err := reg.Get(r1)
	require.NoError(t, err)
	assert.Equal(t, memory.StatusIndexed, repo.Status)
	assert.Equal(t, 12, repo.FileCount)
	assert.Equal(t, 87, repo.UnitCount)
	require.NotNil(t, repo.IndexedAt)
	require.NotNil(t, repo.LastUpdated)
}

func TestListFilters(t *testing.T) {
	reg, _ := newTestRegistry(t)
	r1, r2, _ := registerThree(t, reg)

	require.NoError(t, reg.AddTag(r1, "go"))
	require.NoError(t, reg.AddToWorkspace(r2, "ws-a"))
	status := memory.StatusIndexed
	require.NoError(t, reg.Apply(r1, Update{Status: &status}))

	assert.Len(t, reg.List(ListFilter{}), 3)
	assert.Len(t, reg.List(ListFilter{Status: memory.StatusIndexed}), 1)
	assert.Len(t, reg.List(ListFilter{Tags: []string{"go", "rust"}}), 1)
	assert.Len(t, reg.List(ListFilter{WorkspaceID: "ws-a"}), 1)
}

func TestRegistryRoundTrip(t *testing.T) {
	reg, path := newTestRegistry(t)
	r1, r2, _ := registerThree(t, reg)
	require.NoError(t, reg.AddDependency(r1, r2))
	require.NoError(t, reg.AddTag(r1, "core"))

	reloaded, err := New(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	orig, err := reg.Get(r1)
	require.NoError(t, err)
	loaded, err := reloaded.Get(r1)
	require.NoError(t, err)

	assert.Equal(t, orig.ID, loaded.ID)
	assert.Equal(t, orig.Name, loaded.Name)
	assert.Equal(t, orig.Path, loaded.Path)
	assert.Equal(t, orig.RepoType, loaded.RepoType)
	assert.Equal(t, orig.Status, loaded.Status)
	assert.Equal(t, orig.Tags, loaded.Tags)
	assert.Equal(t, orig.DependsOn, loaded.DependsOn)
	assert.Equal(t, orig.DependedBy, loaded.DependedBy)
}

func TestStats(t *testing.T) {
	reg, _ := newTestRegistry(t)
	registerThree(t, reg)

	stats := reg.Stats()
	assert.Equal(t, 3, stats.TotalRepositories)
	assert.Equal(t, 3, stats.ByStatus[memory.StatusNotIndexed])
	assert.Equal(t, 3, stats.ByType[memory.RepoStandalone])
}
