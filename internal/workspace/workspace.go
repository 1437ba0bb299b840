// Package workspace groups repositories into named workspaces for
// scoped search and batch indexing. The manager persists its own JSON
// document and keeps membership consistent with the repository registry
// on every add/remove.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
	"github.com/emmilco/claude-memory-server-sub004/internal/registry"
)

// Manager handles workspace CRUD and repository membership.
type Manager struct {
	mu         sync.RWMutex
	path       string
	workspaces map[string]*memory.Workspace
	registry   *registry.Registry // optional; validates ids and mirrors membership
	logger     *zap.Logger
}

// New loads (or initializes) the workspace document at path. The
// registry may be nil; membership then skips validation and mirroring.
func New(path string, reg *registry.Registry, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		path:       path,
		workspaces: make(map[string]*memory.Workspace),
		registry:   reg,
		logger:     logger.Named("workspace"),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating workspace directory: %w", err)
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	m.logger.Info("workspace manager initialized", zap.Int("workspaces", len(m.workspaces)))
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading workspace file: %w", err)
	}
	var workspaces map[string]*memory.Workspace
	if err := json.Unmarshal(data, &workspaces); err != nil {
		return fmt.Errorf("workspace file corrupted: %w", err)
	}
	if workspaces != nil {
		m.workspaces = workspaces
	}
	return nil
}

func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.workspaces, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling workspaces: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing workspaces: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming workspaces: %w", err)
	}
	return nil
}

// CreateOptions configures a new workspace.
type CreateOptions struct {
	Name                  string
	Description           string
	RepositoryIDs         []string
	AutoIndex             bool
	CrossRepoSearchEnable bool
	Tags                  []string
	Settings              map[string]any
}

// Create makes a new workspace. Each initial repository id is validated
// against the registry when one is attached; membership propagates to
// the registry's workspace_ids.
func (m *Manager) Create(opts CreateOptions) (*memory.Workspace, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("%w: workspace name cannot be empty", memory.ErrValidation)
	}

	if m.registry != nil {
		for _, repoID := range opts.RepositoryIDs {
			if _, err := m.registry.Get(repoID); err != nil {
				return nil, err
			}
		}
	}

	now := time.Now().UTC()
	ws := &memory.Workspace{
		ID:                    uuid.New().String(),
		Name:                  opts.Name,
		Description:           opts.Description,
		RepositoryIDs:         append([]string{}, opts.RepositoryIDs...),
		AutoIndex:             opts.AutoIndex,
		CrossRepoSearchEnable: opts.CrossRepoSearchEnable,
		CreatedAt:             now,
		UpdatedAt:             now,
		Tags:                  append([]string{}, opts.Tags...),
		Settings:              opts.Settings,
	}
	if ws.Settings == nil {
		ws.Settings = map[string]any{}
	}

	m.mu.Lock()
	m.workspaces[ws.ID] = ws
	err := m.save()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if m.registry != nil {
		for _, repoID := range ws.RepositoryIDs {
			if err := m.registry.AddToWorkspace(repoID, ws.ID); err != nil {
				m.logger.Warn("failed to mirror membership to registry",
					zap.String("repository", repoID), zap.Error(err))
			}
		}
	}

	m.logger.Info("created workspace", zap.String("id", ws.ID), zap.String("name", ws.Name),
		zap.Int("repositories", len(ws.RepositoryIDs)))
	return cloneWorkspace(ws), nil
}

// Delete removes a workspace and scrubs its membership from the registry.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", memory.ErrWorkspaceNotFound, id)
	}
	repoIDs := append([]string{}, ws.RepositoryIDs...)
	delete(m.workspaces, id)
	err := m.save()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if m.registry != nil {
		for _, repoID := range repoIDs {
			if err := m.registry.RemoveFromWorkspace(repoID, id); err != nil {
				m.logger.Warn("repository missing while removing workspace membership",
					zap.String("repository", repoID), zap.Error(err))
			}
		}
	}

	m.logger.Info("deleted workspace", zap.String("id", id), zap.String("name", ws.Name))
	return nil
}

// Get returns a workspace by id.
func (m *Manager) Get(id string) (*memory.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", memory.ErrWorkspaceNotFound, id)
	}
	return cloneWorkspace(ws), nil
}

// GetByName returns the first workspace with the given name, or nil.
func (m *Manager) GetByName(name string) *memory.Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id := range m.workspaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if m.workspaces[id].Name == name {
			return cloneWorkspace(m.workspaces[id])
		}
	}
	return nil
}

// List returns workspaces, optionally narrowed to those carrying ALL of
// tags and/or containing hasRepo.
func (m *Manager) List(tags []string, hasRepo string) []*memory.Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*memory.Workspace
	for _, ws := range m.workspaces {
		if len(tags) > 0 {
			all := true
			for _, t := range tags {
				if !containsString(ws.Tags, t) {
					all = false
					break
				}
			}
			if !all {
				continue
			}
		}
		if hasRepo != "" && !containsString(ws.RepositoryIDs, hasRepo) {
			continue
		}
		out = append(out, cloneWorkspace(ws))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Update applies metadata changes. Repository membership has its own
// operations and is not updatable here.
type Update struct {
	Name                  *string
	Description           *string
	AutoIndex             *bool
	CrossRepoSearchEnable *bool
	Settings              map[string]any
}

// Apply updates a workspace's metadata.
func (m *Manager) Apply(id string, update Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrWorkspaceNotFound, id)
	}

	if update.Name != nil {
		if strings.TrimSpace(*update.Name) == "" {
			return fmt.Errorf("%w: workspace name cannot be empty", memory.ErrValidation)
		}
		ws.Name = *update.Name
	}
	if update.Description != nil {
		ws.Description = *update.Description
	}
	if update.AutoIndex != nil {
		ws.AutoIndex = *update.AutoIndex
	}
	if update.CrossRepoSearchEnable != nil {
		ws.CrossRepoSearchEnable = *update.CrossRepoSearchEnable
	}
	if update.Settings != nil {
		ws.Settings = update.Settings
	}
	ws.UpdatedAt = time.Now().UTC()

	return m.save()
}

// AddRepository adds a repository to a workspace (idempotent) and
// mirrors the membership into the registry.
func (m *Manager) AddRepository(workspaceID, repoID string) error {
	if m.registry != nil {
		if _, err := m.registry.Get(repoID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", memory.ErrWorkspaceNotFound, workspaceID)
	}
	added := false
	if !containsString(ws.RepositoryIDs, repoID) {
		ws.RepositoryIDs = append(ws.RepositoryIDs, repoID)
		ws.UpdatedAt = time.Now().UTC()
		added = true
	}
	var err error
	if added {
		err = m.save()
	}
	m.mu.Unlock()
	if err != nil || !added {
		return err
	}

	if m.registry != nil {
		if err := m.registry.AddToWorkspace(repoID, workspaceID); err != nil {
			return err
		}
	}
	return nil
}

// RemoveRepository removes a repository from a workspace and mirrors
// the removal into the registry.
func (m *Manager) RemoveRepository(workspaceID, repoID string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", memory.ErrWorkspaceNotFound, workspaceID)
	}
	removed := containsString(ws.RepositoryIDs, repoID)
	if removed {
		ws.RepositoryIDs = removeString(ws.RepositoryIDs, repoID)
		ws.UpdatedAt = time.Now().UTC()
	}
	var err error
	if removed {
		err = m.save()
	}
	m.mu.Unlock()
	if err != nil || !removed {
		return err
	}

	if m.registry != nil {
		if err := m.registry.RemoveFromWorkspace(repoID, workspaceID); err != nil {
			m.logger.Warn("repository missing while removing membership",
				zap.String("repository", repoID), zap.Error(err))
		}
	}
	return nil
}

// Repositories returns the repository ids in a workspace.
func (m *Manager) Repositories(workspaceID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", memory.ErrWorkspaceNotFound, workspaceID)
	}
	return append([]string{}, ws.RepositoryIDs...), nil
}

// AddTag adds a tag to a workspace (idempotent).
func (m *Manager) AddTag(id, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrWorkspaceNotFound, id)
	}
	if !containsString(ws.Tags, tag) {
		ws.Tags = append(ws.Tags, tag)
		ws.UpdatedAt = time.Now().UTC()
		return m.save()
	}
	return nil
}

// RemoveTag removes a tag from a workspace.
func (m *Manager) RemoveTag(id, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrWorkspaceNotFound, id)
	}
	if containsString(ws.Tags, tag) {
		ws.Tags = removeString(ws.Tags, tag)
		ws.UpdatedAt = time.Now().UTC()
		return m.save()
	}
	return nil
}

// Statistics summarizes workspaces.
type Statistics struct {
	TotalWorkspaces         int     `json:"total_workspaces"`
	TotalUniqueRepositories int     `json:"total_unique_repositories"`
	AutoIndexEnabled        int     `json:"auto_index_enabled"`
	CrossRepoSearchEnabled  int     `json:"cross_repo_search_enabled"`
	TotalTags               int     `json:"total_tags"`
	AvgReposPerWorkspace    float64 `json:"average_repositories_per_workspace"`
}

// Stats returns workspace statistics.
func (m *Manager) Stats() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Statistics{TotalWorkspaces: len(m.workspaces)}
	uniqueRepos := map[string]bool{}
	uniqueTags := map[string]bool{}
	memberships := 0

	for _, ws := range m.workspaces {
		for _, id := range ws.RepositoryIDs {
			uniqueRepos[id] = true
		}
		for _, t := range ws.Tags {
			uniqueTags[t] = true
		}
		memberships += len(ws.RepositoryIDs)
		if ws.AutoIndex {
			stats.AutoIndexEnabled++
		}
		if ws.CrossRepoSearchEnable {
			stats.CrossRepoSearchEnabled++
		}
	}

	stats.TotalUniqueRepositories = len(uniqueRepos)
	stats.TotalTags = len(uniqueTags)
	if stats.TotalWorkspaces > 0 {
		stats.AvgReposPerWorkspace = float64(memberships) / float64(stats.TotalWorkspaces)
	}
	return stats
}

func cloneWorkspace(ws *memory.Workspace) *memory.Workspace {
	c := *ws
	c.RepositoryIDs = append([]string{}, ws.RepositoryIDs...)
	c.Tags = append([]string{}, ws.Tags...)
	c.Settings = make(map[string]any, len(ws.Settings))
	for k, v := range ws.Settings {
		c.Settings[k] = v
	}
	return &c
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, e := range list {
		if e != s {
			out = append(out, e)
		}
	}
	return out
}
