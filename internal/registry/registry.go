// Package registry is the durable catalog of known repositories: their
// identity, indexing status, tags, workspace memberships, and directed
// dependency edges. The registry file is the single source of truth for
// repository relationships; both halves of every dependency edge live
// here and are mutated together.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// registryFile is the persisted document shape: enum fields serialize as
// lowercase underscored strings, datetimes as ISO-8601.
type registryFile struct {
	Repositories map[string]*memory.Repository `json:"repositories"`
	LastUpdated  time.Time                     `json:"last_updated"`
}

// Registry manages the repository catalog with JSON persistence.
type Registry struct {
	mu           sync.RWMutex
	path         string
	repositories map[string]*memory.Repository
	logger       *zap.Logger
}

// New loads (or initializes) the registry at path.
func New(path string, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		path:         path,
		repositories: make(map[string]*memory.Repository),
		logger:       logger.Named("registry"),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	r.logger.Info("registry initialized", zap.Int("repositories", len(r.repositories)))
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading registry file: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("registry file corrupted: %w", err)
	}
	if file.Repositories != nil {
		r.repositories = file.Repositories
	}
	return nil
}

// save writes the registry atomically via tmp+rename so a crash never
// leaves a partial file.
func (r *Registry) save() error {
	file := registryFile{
		Repositories: r.repositories,
		LastUpdated:  time.Now().UTC(),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming registry: %w", err)
	}
	return nil
}

// Register adds a repository. Name defaults to the directory name; the
// path is normalized to absolute before the duplicate check.
func (r *Registry) Register(path, name string, repoType memory.RepositoryType, gitURL string, tags []string) (string, error) {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: resolving path %s: %v", memory.ErrValidation, path, err)
	}
	if repoType == "" {
		repoType = memory.RepoStandalone
	} else if _, err := memory.ParseRepositoryType(string(repoType)); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, repo := range r.repositories {
		if repo.Path == absPath {
			return "", fmt.Errorf("%w: %s (id: %s, name: %s); unregister it first to re-register",
				memory.ErrDuplicatePath, absPath, repo.ID, repo.Name)
		}
	}

	if name == "" {
		name = filepath.Base(absPath)
	}
	repo := &memory.Repository{
		ID:           uuid.New().String(),
		Name:         name,
		Path:         absPath,
		GitURL:       gitURL,
		RepoType:     repoType,
		Status:       memory.StatusNotIndexed,
		WorkspaceIDs: []string{},
		Tags:         append([]string{}, tags...),
		DependsOn:    []string{},
		DependedBy:   []string{},
	}
	r.repositories[repo.ID] = repo

	if err := r.save(); err != nil {
		delete(r.repositories, repo.ID)
		return "", err
	}

	r.logger.Info("registered repository", zap.String("id", repo.ID), zap.String("name", name), zap.String("path", absPath))
	return repo.ID, nil
}

// Unregister removes a repository and scrubs every depends_on/depended_by
// edge referencing it from the other repositories. Workspace documents
// that list the repository are not changed. Indexed records in the vector
// store are untouched.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, ok := r.repositories[id]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrRepositoryNotFound, id)
	}

	for _, other := range r.repositories {
		other.DependsOn = removeString(other.DependsOn, id)
		other.DependedBy = removeString(other.DependedBy, id)
	}
	delete(r.repositories, id)

	if err := r.save(); err != nil {
		return err
	}
	r.logger.Info("unregistered repository", zap.String("id", id), zap.String("name", repo.Name))
	return nil
}

// Get returns a copy of the repository by id.
func (r *Registry) Get(id string) (*memory.Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.repositories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", memory.ErrRepositoryNotFound, id)
	}
	return cloneRepo(repo), nil
}

// GetByPath returns the repository registered at path, or nil.
func (r *Registry) GetByPath(path string) *memory.Repository {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, repo := range r.repositories {
		if repo.Path == absPath {
			return cloneRepo(repo)
		}
	}
	return nil
}

// GetByName returns the first repository with the given name, or nil.
func (r *Registry) GetByName(name string) *memory.Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id := range r.repositories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if r.repositories[id].Name == name {
			return cloneRepo(r.repositories[id])
		}
	}
	return nil
}

// ListFilter narrows List results. Zero values mean "no constraint";
// tag filtering matches repositories with ANY of the given tags.
type ListFilter struct {
	Status      memory.RepositoryStatus
	WorkspaceID string
	Tags        []string
	RepoType    memory.RepositoryType
}

// List returns repositories matching the filter, sorted by name.
func (r *Registry) List(filter ListFilter) []*memory.Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*memory.Repository
	for _, repo := range r.repositories {
		if filter.Status != "" && repo.Status != filter.Status {
			continue
		}
		if filter.WorkspaceID != "" && !containsString(repo.WorkspaceIDs, filter.WorkspaceID) {
			continue
		}
		if filter.RepoType != "" && repo.RepoType != filter.RepoType {
			continue
		}
		if len(filter.Tags) > 0 {
			any := false
			for _, t := range filter.Tags {
				if containsString(repo.Tags, t) {
					any = true
					break
				}
			}
			if !any {
				continue
			}
		}
		out = append(out, cloneRepo(repo))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update applies metadata changes. Only a fixed field set is accepted;
// unknown fields fail validation. last_updated refreshes on success.
type Update struct {
	Name      *string
	GitURL    *string
	RepoType  *memory.RepositoryType
	Status    *memory.RepositoryStatus
	IndexedAt *time.Time
	FileCount *int
	UnitCount *int
	Tags      []string
}

// Apply updates a repository's metadata.
func (r *Registry) Apply(id string, update Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, ok := r.repositories[id]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrRepositoryNotFound, id)
	}

	if update.RepoType != nil {
		if _, err := memory.ParseRepositoryType(string(*update.RepoType)); err != nil {
			return err
		}
	}
	if update.Status != nil {
		if _, err := memory.ParseRepositoryStatus(string(*update.Status)); err != nil {
			return err
		}
	}

	if update.Name != nil {
		repo.Name = *update.Name
	}
	if update.GitURL != nil {
		repo.GitURL = *update.GitURL
	}
	if update.RepoType != nil {
		repo.RepoType = *update.RepoType
	}
	if update.Status != nil {
		repo.Status = *update.Status
	}
	if update.IndexedAt != nil {
		t := update.IndexedAt.UTC()
		repo.IndexedAt = &t
	}
	if update.FileCount != nil {
		repo.FileCount = *update.FileCount
	}
	if update.UnitCount != nil {
		repo.UnitCount = *update.UnitCount
	}
	if update.Tags != nil {
		repo.Tags = append([]string{}, update.Tags...)
	}

	now := time.Now().UTC()
	repo.LastUpdated = &now

	return r.save()
}

// AddTag adds a tag to a repository (idempotent).
func (r *Registry) AddTag(id, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	repo, ok := r.repositories[id]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrRepositoryNotFound, id)
	}
	if !containsString(repo.Tags, tag) {
		repo.Tags = append(repo.Tags, tag)
		return r.save()
	}
	return nil
}

// RemoveTag removes a tag from a repository.
func (r *Registry) RemoveTag(id, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	repo, ok := r.repositories[id]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrRepositoryNotFound, id)
	}
	if containsString(repo.Tags, tag) {
		repo.Tags = removeString(repo.Tags, tag)
		return r.save()
	}
	return nil
}

// AddToWorkspace records workspace membership on the repository side.
func (r *Registry) AddToWorkspace(id, workspaceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	repo, ok := r.repositories[id]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrRepositoryNotFound, id)
	}
	if !containsString(repo.WorkspaceIDs, workspaceID) {
		repo.WorkspaceIDs = append(repo.WorkspaceIDs, workspaceID)
		return r.save()
	}
	return nil
}

// RemoveFromWorkspace removes workspace membership on the repository side.
func (r *Registry) RemoveFromWorkspace(id, workspaceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	repo, ok := r.repositories[id]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrRepositoryNotFound, id)
	}
	if containsString(repo.WorkspaceIDs, workspaceID) {
		repo.WorkspaceIDs = removeString(repo.WorkspaceIDs, workspaceID)
		return r.save()
	}
	return nil
}

// AddDependency records that repo id depends on dependsOnID. Both sides
// of the edge mutate inside one critical section; the edge is rejected
// if it would close a cycle, leaving the registry unchanged.
func (r *Registry) AddDependency(id, dependsOnID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, ok := r.repositories[id]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrRepositoryNotFound, id)
	}
	dep, ok := r.repositories[dependsOnID]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrRepositoryNotFound, dependsOnID)
	}
	if id == dependsOnID {
		return fmt.Errorf("%w: repository cannot depend on itself", memory.ErrDependencyCycle)
	}

	// Transitive closure from the proposed dependency: if it already
	// reaches back to id, the new edge closes a cycle.
	if r.reachesLocked(dependsOnID, id) {
		return fmt.Errorf("%w: %s -> %s (remove the reverse path first)", memory.ErrDependencyCycle, id, dependsOnID)
	}

	if !containsString(repo.DependsOn, dependsOnID) {
		repo.DependsOn = append(repo.DependsOn, dependsOnID)
	}
	if !containsString(dep.DependedBy, id) {
		dep.DependedBy = append(dep.DependedBy, id)
	}

	return r.save()
}

// RemoveDependency deletes both halves of an edge.
func (r *Registry) RemoveDependency(id, dependsOnID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, ok := r.repositories[id]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrRepositoryNotFound, id)
	}
	dep, ok := r.repositories[dependsOnID]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrRepositoryNotFound, dependsOnID)
	}

	repo.DependsOn = removeString(repo.DependsOn, dependsOnID)
	dep.DependedBy = removeString(dep.DependedBy, id)

	return r.save()
}

// reachesLocked reports whether target is reachable from start along
// depends_on edges. Caller holds the lock.
func (r *Registry) reachesLocked(start, target string) bool {
	visited := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		if repo, ok := r.repositories[id]; ok {
			stack = append(stack, repo.DependsOn...)
		}
	}
	return false
}

// Dependencies returns the transitive dependency sets keyed by depth:
// depth 0 is the repository itself, depth 1 its direct dependencies, and
// so on up to maxDepth.
func (r *Registry) Dependencies(id string, maxDepth int) (map[int][]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.repositories[id]; !ok {
		return nil, fmt.Errorf("%w: %s", memory.ErrRepositoryNotFound, id)
	}

	result := map[int][]string{0: {id}}
	visited := map[string]bool{id: true}
	frontier := []string{id}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, fid := range frontier {
			repo := r.repositories[fid]
			if repo == nil {
				continue
			}
			for _, dep := range repo.DependsOn {
				if !visited[dep] {
					visited[dep] = true
					next = append(next, dep)
				}
			}
		}
		if len(next) > 0 {
			sort.Strings(next)
			result[depth] = next
		}
		frontier = next
	}

	return result, nil
}

// Statistics summarizes the registry contents.
type Statistics struct {
	TotalRepositories int                             `json:"total_repositories"`
	ByStatus          map[memory.RepositoryStatus]int `json:"by_status"`
	ByType            map[memory.RepositoryType]int   `json:"by_type"`
	TotalFiles        int                             `json:"total_files_indexed"`
	TotalUnits        int                             `json:"total_units_indexed"`
	StoragePath       string                          `json:"storage_path"`
}

// Stats returns registry statistics.
func (r *Registry) Stats() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{
		TotalRepositories: len(r.repositories),
		ByStatus:          make(map[memory.RepositoryStatus]int),
		ByType:            make(map[memory.RepositoryType]int),
		StoragePath:       r.path,
	}
	for _, repo := range r.repositories {
		stats.ByStatus[repo.Status]++
		stats.ByType[repo.RepoType]++
		stats.TotalFiles += repo.FileCount
		stats.TotalUnits += repo.UnitCount
	}
	return stats
}

func cloneRepo(repo *memory.Repository) *memory.Repository {
	c := *repo
	c.WorkspaceIDs = append([]string{}, repo.WorkspaceIDs...)
	c.Tags = append([]string{}, repo.Tags...)
	c.DependsOn = append([]string{}, repo.DependsOn...)
	c.DependedBy = append([]string{}, repo.DependedBy...)
	if repo.IndexedAt != nil {
		t := *repo.IndexedAt
		c.IndexedAt = &t
	}
	if repo.LastUpdated != nil {
		t := *repo.LastUpdated
		c.LastUpdated = &t
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
