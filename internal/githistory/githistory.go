// Package githistory turns a repository's commit log and diffs into
// embedded records stored alongside code units, enabling semantic
// search over code evolution.
package githistory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	fdiff "github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/config"
	"github.com/emmilco/claude-memory-server-sub004/internal/embeddings"
	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
	"github.com/emmilco/claude-memory-server-sub004/internal/vectorstore"
)

var errDone = errors.New("commit limit reached")

var gitNamespace = uuid.MustParse("6d0f2b9c-91a4-40cd-b2e4-53f3f0b7a919")

// Stats counts one indexing run.
type Stats struct {
	CommitsIndexed     int
	FileChangesIndexed int
	DiffsEmbedded      int
	Errors             int
}

// Indexer embeds git history into the vector store.
type Indexer struct {
	store    vectorstore.Store
	embedder embeddings.Generator
	cfg      config.GitConfig
	logger   *zap.Logger
}

// New creates a git history indexer.
func New(store vectorstore.Store, embedder embeddings.Generator, cfg config.GitConfig, logger *zap.Logger) *Indexer {
	return &Indexer{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.Named("githistory"),
	}
}

// IndexRepository walks the commit log from HEAD. includeDiffs nil
// auto-detects: diff embedding disables when the repository's on-disk
// size exceeds the configured threshold. Per-commit failures are
// counted and skipped; they never abort the run.
func (x *Indexer) IndexRepository(ctx context.Context, repoPath, projectName string, numCommits int, includeDiffs *bool) (*Stats, error) {
	if !x.cfg.Enabled {
		x.logger.Info("git indexing disabled in configuration")
		return &Stats{}, nil
	}
	if numCommits <= 0 {
		numCommits = x.cfg.MaxCommits
	}

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a git repository: %v", memory.ErrValidation, repoPath, err)
	}

	withDiffs := true
	if includeDiffs != nil {
		withDiffs = *includeDiffs
	} else {
		sizeMB := repoSizeMB(repoPath)
		withDiffs = sizeMB < float64(x.cfg.AutoSizeThresholdMB)
		if !withDiffs {
			x.logger.Info("repository exceeds size threshold, disabling diff indexing",
				zap.Float64("size_mb", sizeMB),
				zap.Int64("threshold_mb", x.cfg.AutoSizeThresholdMB))
		}
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("%w: resolving HEAD: %v", memory.ErrStorage, err)
	}
	branch := "unknown"
	if head.Name().IsBranch() {
		branch = head.Name().Short()
	}

	tags := tagsByCommit(repo)

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("%w: reading commit log: %v", memory.ErrStorage, err)
	}
	defer iter.Close()

	stats := &Stats{}
	seen := 0
	err = iter.ForEach(func(c *object.Commit) error {
		if seen >= numCommits {
			return errDone
		}
		seen++

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := x.indexCommit(ctx, c, repoPath, projectName, branch, tags[c.Hash.String()], withDiffs, stats); err != nil {
			stats.Errors++
			x.logger.Warn("failed to index commit", zap.String("hash", c.Hash.String()), zap.Error(err))
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDone) && ctx.Err() == nil {
		return stats, fmt.Errorf("%w: walking commits: %v", memory.ErrStorage, err)
	}
	if ctx.Err() != nil {
		return stats, ctx.Err()
	}

	x.logger.Info("git history indexed",
		zap.String("repository", repoPath),
		zap.Int("commits", stats.CommitsIndexed),
		zap.Int("file_changes", stats.FileChangesIndexed),
		zap.Int("diffs_embedded", stats.DiffsEmbedded),
		zap.Int("errors", stats.Errors))
	return stats, nil
}

func (x *Indexer) indexCommit(ctx context.Context, c *object.Commit, repoPath, projectName, branch string, commitTags []string, withDiffs bool, stats *Stats) error {
	message := strings.TrimSpace(c.Message)
	if message == "" {
		message = "(empty commit message)"
	}

	vector, err := x.embedder.Generate(ctx, message)
	if err != nil {
		return err
	}

	parents := make([]string, 0, c.NumParents())
	for _, h := range c.ParentHashes {
		parents = append(parents, h.String())
	}

	filesChanged, insertions, deletions := 0, 0, 0
	var patch *object.Patch
	if parent, perr := c.Parent(0); perr == nil {
		if patch, err = parent.PatchContext(ctx, c); err == nil {
			for _, stat := range patch.Stats() {
				filesChanged++
				insertions += stat.Addition
				deletions += stat.Deletion
			}
		}
	}

	commitUnit := &memory.Unit{
		ID:           uuid.NewSHA1(gitNamespace, []byte(c.Hash.String())).String(),
		Content:      message,
		Category:     memory.CategoryEvent,
		ContextLevel: memory.ContextProjectContext,
		Scope:        memory.ScopeProject,
		ProjectName:  projectName,
		Importance:   0.5,
		Tags:         append([]string{"git", "commit"}, commitTags...),
		Metadata: map[string]any{
			"kind":            "git_commit",
			"commit_hash":     c.Hash.String(),
			"repository_path": repoPath,
			"author_name":     c.Author.Name,
			"author_email":    c.Author.Email,
			"author_date":     c.Author.When.UTC().Format(time.RFC3339),
			"committer_name":  c.Committer.Name,
			"committer_date":  c.Committer.When.UTC().Format(time.RFC3339),
			"branch":          branch,
			"parent_hashes":   parents,
			"files_changed":   filesChanged,
			"insertions":      insertions,
			"deletions":       deletions,
		},
		CreatedAt:    clampTime(c.Committer.When.UTC()),
		UpdatedAt:    time.Now().UTC(),
		LastAccessed: time.Now().UTC(),
		Provenance: memory.Provenance{
			Source:     memory.SourceCodeIndexed,
			CreatedBy:  "git_indexer:v1",
			Confidence: 0.8,
		},
		EmbeddingModel: x.embedder.Model(),
	}

	if _, err := x.store.Store(ctx, commitUnit, vector); err != nil {
		return err
	}
	stats.CommitsIndexed++

	if patch == nil {
		return nil
	}
	return x.indexFileChanges(ctx, c, patch, projectName, withDiffs, stats)
}

// indexFileChanges stores one record per changed file. Diff text embeds
// only when diff indexing is on and the text fits the size limit;
// otherwise the record carries metadata only.
func (x *Indexer) indexFileChanges(ctx context.Context, c *object.Commit, patch *object.Patch, projectName string, withDiffs bool, stats *Stats) error {
	for _, fp := range patch.FilePatches() {
		from, to := fp.Files()
		changeType := "modified"
		path := ""
		switch {
		case from == nil && to != nil:
			changeType = "added"
			path = to.Path()
		case from != nil && to == nil:
			changeType = "deleted"
			path = from.Path()
		case from != nil && to != nil && from.Path() != to.Path():
			changeType = "renamed"
			path = to.Path()
		case to != nil:
			path = to.Path()
		}
		if path == "" {
			continue
		}

		var diffText strings.Builder
		added, deleted := 0, 0
		for _, chunk := range fp.Chunks() {
			switch chunk.Type() {
			case fdiff.Add:
				added += strings.Count(chunk.Content(), "\n")
				diffText.WriteString("+ " + chunk.Content())
			case fdiff.Delete:
				deleted += strings.Count(chunk.Content(), "\n")
				diffText.WriteString("- " + chunk.Content())
			}
		}

		content := fmt.Sprintf("%s %s in commit %s", changeType, path, c.Hash.String()[:8])
		embedDiff := withDiffs && diffText.Len() > 0 && diffText.Len() <= x.cfg.MaxDiffBytes
		if embedDiff {
			content = diffText.String()
		}

		vector, err := x.embedder.Generate(ctx, content)
		if err != nil {
			stats.Errors++
			x.logger.Debug("failed to embed file change", zap.String("path", path), zap.Error(err))
			continue
		}

		unit := &memory.Unit{
			ID:           uuid.NewSHA1(gitNamespace, []byte(c.Hash.String()+"\x00"+path)).String(),
			Content:      content,
			Category:     memory.CategoryEvent,
			ContextLevel: memory.ContextProjectContext,
			Scope:        memory.ScopeProject,
			ProjectName:  projectName,
			Importance:   0.4,
			Tags:         []string{"git", "file_change", changeType},
			Metadata: map[string]any{
				"kind":          "git_file_change",
				"commit_hash":   c.Hash.String(),
				"file_path":     path,
				"change_type":   changeType,
				"lines_added":   added,
				"lines_deleted": deleted,
				"diff_embedded": embedDiff,
			},
			CreatedAt:    clampTime(c.Committer.When.UTC()),
			UpdatedAt:    time.Now().UTC(),
			LastAccessed: time.Now().UTC(),
			Provenance: memory.Provenance{
				Source:     memory.SourceCodeIndexed,
				CreatedBy:  "git_indexer:v1",
				Confidence: 0.8,
			},
			EmbeddingModel: x.embedder.Model(),
		}

		if _, err := x.store.Store(ctx, unit, vector); err != nil {
			stats.Errors++
			continue
		}
		stats.FileChangesIndexed++
		if embedDiff {
			stats.DiffsEmbedded++
		}
	}
	return nil
}

// tagsByCommit maps commit hashes to their tag names.
func tagsByCommit(repo *git.Repository) map[string][]string {
	out := map[string][]string{}
	iter, err := repo.Tags()
	if err != nil {
		return out
	}
	defer iter.Close()
	_ = iter.ForEach(func(ref *plumbing.Reference) error {
		out[ref.Hash().String()] = append(out[ref.Hash().String()], ref.Name().Short())
		return nil
	})
	return out
}

// repoSizeMB measures the on-disk size of a repository tree.
func repoSizeMB(path string) float64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return float64(total) / (1024 * 1024)
}

// clampTime keeps historical commit dates inside the storable range.
func clampTime(t time.Time) time.Time {
	if err := memory.ValidateTimestamp(t); err != nil {
		return time.Date(1901, 12, 14, 0, 0, 0, 0, time.UTC)
	}
	return t
}
