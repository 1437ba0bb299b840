package consolidation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/embeddings"
	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
	"github.com/emmilco/claude-memory-server-sub004/internal/vectorstore"
)

// Strategy names how a duplicate cluster merges into its canonical.
type Strategy string

const (
	KeepMostRecent        Strategy = "keep_most_recent"
	KeepHighestImportance Strategy = "keep_highest_importance"
	KeepMostAccessed      Strategy = "keep_most_accessed"
	MergeContent          Strategy = "merge_content"
	UserSelected          Strategy = "user_selected"
)

// ParseStrategy validates a serialized strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case KeepMostRecent, KeepHighestImportance, KeepMostAccessed, MergeContent, UserSelected:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown merge strategy %q", memory.ErrValidation, s)
}

// mergedSeparator and the "[Merged from N memories]" header written by
// mergeContents are frozen by tests; changing them breaks previously
// merged content expectations.
const mergedSeparator = "\n\n---\n\n"

// HistoryEntry records one merge for audit.
type HistoryEntry struct {
	CanonicalID  string    `json:"canonical_id"`
	DuplicateIDs []string  `json:"duplicate_ids"`
	Strategy     Strategy  `json:"strategy"`
	MergedAt     time.Time `json:"merged_at"`
}

// Engine merges duplicate memories.
type Engine struct {
	store       vectorstore.Store
	embedder    embeddings.Generator
	historyPath string
	logger      *zap.Logger
}

// NewEngine creates a consolidation engine. historyPath receives one
// JSON line per merge; empty disables history.
func NewEngine(store vectorstore.Store, embedder embeddings.Generator, historyPath string, logger *zap.Logger) *Engine {
	return &Engine{
		store:       store,
		embedder:    embedder,
		historyPath: historyPath,
		logger:      logger.Named("consolidation"),
	}
}

// MergeMemories merges duplicates into the canonical record.
//
// Missing duplicates are warned and skipped. With dryRun the merged
// representation returns without mutating anything. Otherwise the
// merged content is re-embedded and upserted to the canonical id
// before the duplicates are deleted, so a crash mid-merge never loses
// the canonical.
func (e *Engine) MergeMemories(ctx context.Context, canonicalID string, duplicateIDs []string, strategy Strategy, dryRun bool) (*memory.Unit, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}

	canonical, err := e.store.GetByID(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	if canonical == nil {
		return nil, fmt.Errorf("%w: canonical %s", memory.ErrMemoryNotFound, canonicalID)
	}

	var duplicates []*memory.Unit
	for _, id := range duplicateIDs {
		dup, err := e.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if dup == nil {
			e.logger.Warn("duplicate memory not found, skipping", zap.String("id", id))
			continue
		}
		duplicates = append(duplicates, dup)
	}
	if len(duplicates) == 0 {
		e.logger.Info("no duplicates to merge", zap.String("canonical", canonicalID))
		return canonical, nil
	}

	merged := applyStrategy(canonical, duplicates, strategy)

	if dryRun {
		e.logger.Info("dry run: would merge",
			zap.String("canonical", canonicalID),
			zap.Int("duplicates", len(duplicates)),
			zap.String("strategy", string(strategy)))
		return merged, nil
	}

	// The merged representation keeps the canonical id regardless of
	// which member the strategy favored.
	merged.ID = canonicalID
	merged.UpdatedAt = time.Now().UTC()

	vector, err := e.embedder.Generate(ctx, merged.Content)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Store(ctx, merged, vector); err != nil {
		return nil, err
	}

	for _, dup := range duplicates {
		if dup.ID == canonicalID {
			continue
		}
		if _, err := e.store.Delete(ctx, dup.ID); err != nil {
			return nil, fmt.Errorf("deleting duplicate %s: %w", dup.ID, err)
		}
	}

	e.recordMerge(HistoryEntry{
		CanonicalID:  canonicalID,
		DuplicateIDs: idsOf(duplicates),
		Strategy:     strategy,
		MergedAt:     time.Now().UTC(),
	})

	e.logger.Info("merged memories",
		zap.String("canonical", canonicalID),
		zap.Int("duplicates", len(duplicates)),
		zap.String("strategy", string(strategy)))
	return merged, nil
}

// applyStrategy produces the merged representation without mutating
// its inputs.
func applyStrategy(canonical *memory.Unit, duplicates []*memory.Unit, strategy Strategy) *memory.Unit {
	all := append([]*memory.Unit{canonical}, duplicates...)

	switch strategy {
	case KeepMostRecent:
		best := all[0]
		for _, u := range all[1:] {
			if u.CreatedAt.After(best.CreatedAt) {
				best = u
			}
		}
		return cloneUnit(best)

	case KeepHighestImportance:
		best := all[0]
		for _, u := range all[1:] {
			if u.Importance > best.Importance {
				best = u
			}
		}
		return cloneUnit(best)

	case KeepMostAccessed:
		best := all[0]
		bestCount := accessCount(best)
		for _, u := range all[1:] {
			if c := accessCount(u); c > bestCount {
				best, bestCount = u, c
			}
		}
		return cloneUnit(best)

	case MergeContent:
		merged := cloneUnit(canonical)
		merged.Content = mergeContents(contentsOf(all))
		merged.Tags = unionTags(all)
		for _, u := range all {
			if u.Importance > merged.Importance {
				merged.Importance = u.Importance
			}
		}
		return merged

	default: // UserSelected: the caller designated the canonical as-is.
		return cloneUnit(canonical)
	}
}

// mergeContents deduplicates contents preserving order and joins them
// under a count header.
func mergeContents(contents []string) string {
	seen := map[string]bool{}
	var unique []string
	for _, c := range contents {
		if !seen[c] {
			seen[c] = true
			unique = append(unique, c)
		}
	}
	if len(unique) == 1 {
		return unique[0]
	}
	return fmt.Sprintf("[Merged from %d memories]\n\n%s", len(unique), strings.Join(unique, mergedSeparator))
}

func (e *Engine) recordMerge(entry HistoryEntry) {
	if e.historyPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(e.historyPath), 0o700); err != nil {
		e.logger.Warn("cannot create merge history directory", zap.Error(err))
		return
	}
	f, err := os.OpenFile(e.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		e.logger.Warn("cannot open merge history", zap.Error(err))
		return
	}
	defer f.Close()
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		e.logger.Warn("cannot append merge history", zap.Error(err))
	}
}

func contentsOf(units []*memory.Unit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Content
	}
	return out
}

func idsOf(units []*memory.Unit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.ID
	}
	return out
}

func unionTags(units []*memory.Unit) []string {
	seen := map[string]bool{}
	var out []string
	for _, u := range units {
		for _, t := range u.Tags {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

func accessCount(u *memory.Unit) int {
	switch v := u.Metadata["access_count"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func cloneUnit(u *memory.Unit) *memory.Unit {
	c := *u
	c.Tags = append([]string(nil), u.Tags...)
	c.Metadata = make(map[string]any, len(u.Metadata))
	for k, v := range u.Metadata {
		c.Metadata[k] = v
	}
	c.Provenance.FileContext = append([]string(nil), u.Provenance.FileContext...)
	if u.Provenance.LastConfirmed != nil {
		t := *u.Provenance.LastConfirmed
		c.Provenance.LastConfirmed = &t
	}
	return &c
}
