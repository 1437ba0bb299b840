package indexer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/emmilco/claude-memory-server-sub004/internal/config"
	"github.com/emmilco/claude-memory-server-sub004/internal/embeddings"
	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
	"github.com/emmilco/claude-memory-server-sub004/internal/parser"
	"github.com/emmilco/claude-memory-server-sub004/internal/registry"
	"github.com/emmilco/claude-memory-server-sub004/internal/vectorstore"
	"github.com/emmilco/claude-memory-server-sub004/internal/workspace"
)

// RepositoryResult is the outcome of indexing one repository.
type RepositoryResult struct {
	RepositoryID string
	Success      bool
	FilesIndexed int
	UnitsIndexed int
	Failed       []FileError
	Duration     time.Duration
	Err          error
}

// BatchResult aggregates a multi-repository pass.
type BatchResult struct {
	TotalRepositories int
	Successful        int
	FailedCount       int
	Results           []RepositoryResult
	TotalFiles        int
	TotalUnits        int
	Duration          time.Duration
}

// Multi orchestrates parallel indexing across repositories and
// workspaces under a bounded-concurrency pool.
type Multi struct {
	registry   *registry.Registry
	workspaces *workspace.Manager
	store      vectorstore.Store
	embedder   embeddings.Generator
	parse      parser.Parser
	cfg        config.IndexingConfig
	logger     *zap.Logger

	mu       sync.Mutex
	indexers map[string]*Incremental
}

// NewMulti creates the multi-repository indexer. The workspace manager
// may be nil; workspace-scoped indexing then fails with validation.
func NewMulti(reg *registry.Registry, workspaces *workspace.Manager, store vectorstore.Store,
	embedder embeddings.Generator, parse parser.Parser, cfg config.IndexingConfig, logger *zap.Logger) *Multi {
	return &Multi{
		registry:   reg,
		workspaces: workspaces,
		store:      store,
		embedder:   embedder,
		parse:      parse,
		cfg:        cfg,
		logger:     logger.Named("multi-indexer"),
		indexers:   make(map[string]*Incremental),
	}
}

// indexerFor returns the cached per-repository indexer, creating it on
// first use so repeated passes keep their hash state.
func (m *Multi) indexerFor(repo *memory.Repository) *Incremental {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ix, ok := m.indexers[repo.ID]; ok {
		return ix
	}
	ix := NewIncremental(m.store, m.embedder, m.parse, m.cfg, repo.ID, repo.Name, m.logger)
	m.indexers[repo.ID] = ix
	return ix
}

// IndexRepository indexes a single registered repository, moving its
// registry status INDEXING -> (INDEXED | ERROR) with timestamps.
func (m *Multi) IndexRepository(ctx context.Context, repositoryID string, recursive bool, progress ProgressFunc) RepositoryResult {
	start := time.Now()
	result := RepositoryResult{RepositoryID: repositoryID}

	repo, err := m.registry.Get(repositoryID)
	if err != nil {
		result.Err = err
		return result
	}

	if _, err := os.Stat(repo.Path); err != nil {
		result.Err = fmt.Errorf("%w: repository path does not exist: %s", memory.ErrValidation, repo.Path)
		statusErr := memory.StatusError
		_ = m.registry.Apply(repositoryID, registry.Update{Status: &statusErr})
		result.Duration = time.Since(start)
		return result
	}

	statusIndexing := memory.StatusIndexing
	if err := m.registry.Apply(repositoryID, registry.Update{Status: &statusIndexing}); err != nil {
		result.Err = err
		return result
	}

	ix := m.indexerFor(repo)
	passResult, err := ix.IndexDirectory(ctx, repo.Path, recursive, progress)
	result.Duration = time.Since(start)

	if err != nil {
		statusErr := memory.StatusError
		_ = m.registry.Apply(repositoryID, registry.Update{Status: &statusErr})
		result.Err = err
		m.logger.Error("repository indexing failed",
			zap.String("repository", repositoryID), zap.Error(err))
		return result
	}

	now := time.Now().UTC()
	statusIndexed := memory.StatusIndexed
	files := passResult.TotalFiles
	units := passResult.TotalUnits
	if err := m.registry.Apply(repositoryID, registry.Update{
		Status:    &statusIndexed,
		IndexedAt: &now,
		FileCount: &files,
		UnitCount: &units,
	}); err != nil {
		result.Err = err
		return result
	}

	result.Success = true
	result.FilesIndexed = passResult.IndexedFiles
	result.UnitsIndexed = passResult.TotalUnits
	result.Failed = passResult.FailedFiles
	m.logger.Info("repository indexed",
		zap.String("repository", repositoryID),
		zap.Int("files", result.FilesIndexed),
		zap.Int("units", result.UnitsIndexed),
		zap.Duration("duration", result.Duration))
	return result
}

// IndexRepositories indexes the given repositories in parallel, bounded
// by the configured semaphore (default 3). Cancellation is honored at
// repository boundaries.
func (m *Multi) IndexRepositories(ctx context.Context, repositoryIDs []string, recursive bool, progress ProgressFunc) (*BatchResult, error) {
	start := time.Now()
	sem := semaphore.NewWeighted(int64(m.cfg.MaxConcurrentRepos))
	results := make([]RepositoryResult, len(repositoryIDs))

	var wg sync.WaitGroup
	for i, id := range repositoryIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Canceled between repository boundaries: report what ran.
			results[i] = RepositoryResult{RepositoryID: id, Err: err}
			break
		}
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = m.IndexRepository(ctx, id, recursive, progress)
		}(i, id)
	}
	wg.Wait()

	batch := &BatchResult{
		TotalRepositories: len(repositoryIDs),
		Results:           results,
		Duration:          time.Since(start),
	}
	for _, r := range results {
		if r.Success {
			batch.Successful++
			batch.TotalFiles += r.FilesIndexed
			batch.TotalUnits += r.UnitsIndexed
		} else {
			batch.FailedCount++
		}
	}

	m.logger.Info("batch indexing complete",
		zap.Int("total", batch.TotalRepositories),
		zap.Int("successful", batch.Successful),
		zap.Int("failed", batch.FailedCount),
		zap.Duration("duration", batch.Duration))
	return batch, ctx.Err()
}

// IndexWorkspace indexes every repository in a workspace.
func (m *Multi) IndexWorkspace(ctx context.Context, workspaceID string, recursive bool, progress ProgressFunc) (*BatchResult, error) {
	if m.workspaces == nil {
		return nil, fmt.Errorf("%w: workspace manager not configured", memory.ErrValidation)
	}
	repoIDs, err := m.workspaces.Repositories(workspaceID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("indexing workspace", zap.String("workspace", workspaceID), zap.Int("repositories", len(repoIDs)))
	return m.IndexRepositories(ctx, repoIDs, recursive, progress)
}

// ReindexStale re-indexes repositories flagged STALE or ERROR, plus
// INDEXED repositories whose last update is older than maxAge.
func (m *Multi) ReindexStale(ctx context.Context, maxAge time.Duration, recursive bool) (*BatchResult, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	ids := map[string]bool{}

	for _, repo := range m.registry.List(registry.ListFilter{Status: memory.StatusStale}) {
		ids[repo.ID] = true
	}
	for _, repo := range m.registry.List(registry.ListFilter{Status: memory.StatusError}) {
		ids[repo.ID] = true
	}
	for _, repo := range m.registry.List(registry.ListFilter{Status: memory.StatusIndexed}) {
		if repo.LastUpdated != nil && repo.LastUpdated.Before(cutoff) {
			ids[repo.ID] = true
		}
	}

	var repoIDs []string
	for id := range ids {
		repoIDs = append(repoIDs, id)
	}
	if len(repoIDs) == 0 {
		return &BatchResult{}, nil
	}

	m.logger.Info("re-indexing stale repositories", zap.Int("count", len(repoIDs)))
	return m.IndexRepositories(ctx, repoIDs, recursive, nil)
}

// Status summarizes indexing state across the registry.
func (m *Multi) Status() map[string]any {
	stats := m.registry.Stats()
	m.mu.Lock()
	cached := len(m.indexers)
	m.mu.Unlock()
	return map[string]any{
		"total_repositories":   stats.TotalRepositories,
		"status_counts":        stats.ByStatus,
		"total_files_indexed":  stats.TotalFiles,
		"total_units_indexed":  stats.TotalUnits,
		"indexer_cache_size":   cached,
	}
}
