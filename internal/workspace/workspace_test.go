package workspace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
	"github.com/emmilco/claude-memory-server-sub004/internal/registry"
)

func newTestManager(t *testing.T) (*Manager, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.New(filepath.Join(dir, "repositories.json"), zaptest.NewLogger(t))
	require.NoError(t, err)
	mgr, err := New(filepath.Join(dir, "workspaces.json"), reg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return mgr, reg, dir
}

func registerRepo(t *testing.T, reg *registry.Registry, name string) string {
	t.Helper()
	id, err := reg.Register(t.TempDir(), name, memory.RepoStandalone, "", nil)
	require.NoError(t, err)
	return id
}

func TestCreateValidatesRepositories(t *testing.T) {
	mgr, reg, _ := newTestManager(t)
	repoID := registerRepo(t, reg, "service-a")

	_, err := mgr.Create(CreateOptions{Name: "", RepositoryIDs: nil})
	assert.ErrorIs(t, err, memory.ErrValidation)

	_, err = mgr.Create(CreateOptions{Name: "backend", RepositoryIDs: []string{"missing-id"}})
	assert.ErrorIs(t, err, memory.ErrRepositoryNotFound)

	ws, err := mgr.Create(CreateOptions{
		Name:          "backend",
		RepositoryIDs: []string{repoID},
		AutoIndex:     true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ws.ID)
	assert.Equal(t, []string{repoID}, ws.RepositoryIDs)

	// Membership mirrors into the registry.
	repo, err := reg.Get(repoID)
	require.NoError(t, err)
	assert.Contains(t, repo.WorkspaceIDs, ws.ID)
}

func TestMembershipStaysConsistent(t *testing.T) {
	mgr, reg, _ := newTestManager(t)
	repoID := registerRepo(t, reg, "service-b")

	ws, err := mgr.Create(CreateOptions{Name: "platform"})
	require.NoError(t, err)

	require.NoError(t, mgr.AddRepository(ws.ID, repoID))
	repo, err := reg.Get(repoID)
	require.NoError(t, err)
	assert.Contains(t, repo.WorkspaceIDs, ws.ID)

	// Idempotent add.
	require.NoError(t, mgr.AddRepository(ws.ID, repoID))
	ids, err := mgr.Repositories(ws.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	require.NoError(t, mgr.RemoveRepository(ws.ID, repoID))
	repo, err = reg.Get(repoID)
	require.NoError(t, err)
	assert.NotContains(t, repo.WorkspaceIDs, ws.ID)
}

func TestDeleteScrubsMemberships(t *testing.T) {
	mgr, reg, _ := newTestManager(t)
	repoID := registerRepo(t, reg, "service-c")

	ws, err := mgr.Create(CreateOptions{Name: "doomed", RepositoryIDs: []string{repoID}})
	require.NoError(t, err)

	require.NoError(t, mgr.Delete(ws.ID))

	_, err = mgr.Get(ws.ID)
	assert.ErrorIs(t, err, memory.ErrWorkspaceNotFound)
	repo, err := reg.Get(repoID)
	require.NoError(t, err)
	assert.NotContains(t, repo.WorkspaceIDs, ws.ID)
}

func TestListFilters(t *testing.T) {
	mgr, reg, _ := newTestManager(t)
	repoID := registerRepo(t, reg, "service-d")

	a, err := mgr.Create(CreateOptions{Name: "a", Tags: []string{"team", "go"}, RepositoryIDs: []string{repoID}})
	require.NoError(t, err)
	_, err = mgr.Create(CreateOptions{Name: "b", Tags: []string{"team"}})
	require.NoError(t, err)

	// Tag filtering requires ALL tags.
	assert.Len(t, mgr.List([]string{"team"}, ""), 2)
	assert.Len(t, mgr.List([]string{"team", "go"}, ""), 1)

	withRepo := mgr.List(nil, repoID)
	require.Len(t, withRepo, 1)
	assert.Equal(t, a.ID, withRepo[0].ID)
}

func TestUpdateAndPersistence(t *testing.T) {
	mgr, reg, dir := newTestManager(t)
	_ = reg

	ws, err := mgr.Create(CreateOptions{Name: "before"})
	require.NoError(t, err)

	newName := "after"
	auto := true
	require.NoError(t, mgr.Apply(ws.ID, Update{Name: &newName, AutoIndex: &auto}))

	// Reload from disk and confirm the round trip.
	reloaded, err := New(filepath.Join(dir, "workspaces.json"), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	got, err := reloaded.Get(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Name)
	assert.True(t, got.AutoIndex)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestStats(t *testing.T) {
	mgr, reg, _ := newTestManager(t)
	repoID := registerRepo(t, reg, "service-e")

	_, err := mgr.Create(CreateOptions{Name: "x", RepositoryIDs: []string{repoID}, AutoIndex: true, Tags: []string{"t1"}})
	require.NoError(t, err)
	_, err = mgr.Create(CreateOptions{Name: "y", RepositoryIDs: []string{repoID}, CrossRepoSearchEnable: true})
	require.NoError(t, err)

	stats := mgr.Stats()
	assert.Equal(t, 2, stats.TotalWorkspaces)
	assert.Equal(t, 1, stats.TotalUniqueRepositories)
	assert.Equal(t, 1, stats.AutoIndexEnabled)
	assert.Equal(t, 1, stats.CrossRepoSearchEnabled)
	assert.Equal(t, 1.0, stats.AvgReposPerWorkspace)
}
