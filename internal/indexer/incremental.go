// Package indexer keeps the vector store's code-unit records in sync
// with repository source trees: incremental per-file re-indexing driven
// by content hashes, a reactive watch mode, and a bounded-concurrency
// multi-repository orchestrator.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/config"
	"github.com/emmilco/claude-memory-server-sub004/internal/embeddings"
	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
	"github.com/emmilco/claude-memory-server-sub004/internal/parser"
	"github.com/emmilco/claude-memory-server-sub004/internal/vectorstore"
)

// unitNamespace derives stable record ids from (repository, file, unit)
// identity, which makes re-indexing an upsert instead of a duplicate.
var unitNamespace = uuid.MustParse("4a7cfc0e-2b1f-45d7-8b30-d6de9f61a1c8")

// ProgressFunc reports indexing progress. It is never load-bearing for
// correctness; failures inside it are the callback's problem.
type ProgressFunc func(current, total int, currentFile string, err error)

// FileError records a per-file failure captured during a pass.
type FileError struct {
	Path string
	Err  error
}

// Result aggregates one indexing pass.
type Result struct {
	TotalFiles   int
	IndexedFiles int
	SkippedFiles int
	TotalUnits   int
	FailedFiles  []FileError
}

// storedUnit is the per-unit state loaded from the vector store.
type storedUnit struct {
	id          string
	contentHash string
}

// unitKey identifies a unit within its file.
type unitKey struct {
	name      string
	kind      memory.UnitKind
	startLine int
}

// Incremental synchronizes one repository's source tree with the store.
type Incremental struct {
	store        vectorstore.Store
	embedder     embeddings.Generator
	parse        parser.Parser
	cfg          config.IndexingConfig
	repositoryID string
	projectName  string
	logger       *zap.Logger

	// fileHashes and units mirror the store's view of this repository,
	// keyed by repository-relative path. Loaded lazily on first pass.
	fileHashes map[string]string
	units      map[string]map[unitKey]storedUnit
	loaded     bool
}

// NewIncremental creates an indexer for one repository.
func NewIncremental(store vectorstore.Store, embedder embeddings.Generator, parse parser.Parser,
	cfg config.IndexingConfig, repositoryID, projectName string, logger *zap.Logger) *Incremental {
	return &Incremental{
		store:        store,
		embedder:     embedder,
		parse:        parse,
		cfg:          cfg,
		repositoryID: repositoryID,
		projectName:  projectName,
		logger:       logger.Named("indexer").With(zap.String("repository", repositoryID)),
		fileHashes:   make(map[string]string),
		units:        make(map[string]map[unitKey]storedUnit),
	}
}

// loadState rebuilds the hash tables from the store, so a fresh process
// still skips unchanged files.
func (ix *Incremental) loadState(ctx context.Context) error {
	if ix.loaded {
		return nil
	}
	filters := &memory.SearchFilters{Category: memory.CategoryCode}
	err := ix.store.Scroll(ctx, filters, func(payload map[string]any) error {
		if repoID, _ := payload["repository_id"].(string); repoID != ix.repositoryID {
			return nil
		}
		filePath, _ := payload["file_path"].(string)
		id, _ := payload["id"].(string)
		name, _ := payload["name"].(string)
		kind, _ := payload["unit_kind"].(string)
		contentHash, _ := payload["content_hash"].(string)
		startLine := 0
		if v, ok := payload["start_line"].(int64); ok {
			startLine = int(v)
		} else if v, ok := payload["start_line"].(float64); ok {
			startLine = int(v)
		}
		if filePath == "" || id == "" {
			return nil
		}
		if fh, _ := payload["file_hash"].(string); fh != "" {
			ix.fileHashes[filePath] = fh
		}
		if ix.units[filePath] == nil {
			ix.units[filePath] = make(map[unitKey]storedUnit)
		}
		ix.units[filePath][unitKey{name: name, kind: memory.UnitKind(kind), startLine: startLine}] = storedUnit{
			id:          id,
			contentHash: contentHash,
		}
		return nil
	})
	if err != nil {
		return err
	}
	ix.loaded = true
	return nil
}

// IndexDirectory walks dir and brings the store in sync with it. The
// walk order is deterministic (lexicographic). Per-file failures are
// captured into the result and never abort the pass.
func (ix *Incremental) IndexDirectory(ctx context.Context, dir string, recursive bool, progress ProgressFunc) (*Result, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", memory.ErrValidation, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", memory.ErrValidation, dir)
	}

	if err := ix.loadState(ctx); err != nil {
		return nil, err
	}

	ignore, err := loadIgnoreSet(dir, ix.cfg.IgnoreFiles)
	if err != nil {
		return nil, fmt.Errorf("reading ignore files: %w", err)
	}

	files, err := ix.collectFiles(ctx, dir, recursive, ignore)
	if err != nil {
		return nil, err
	}

	result := &Result{TotalFiles: len(files)}
	for i, relPath := range files {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		units, indexed, err := ix.indexFile(ctx, dir, relPath)
		if err != nil {
			result.FailedFiles = append(result.FailedFiles, FileError{Path: relPath, Err: err})
			ix.logger.Warn("failed to index file", zap.String("file", relPath), zap.Error(err))
		} else if indexed {
			result.IndexedFiles++
			result.TotalUnits += units
		} else {
			result.SkippedFiles++
		}

		if progress != nil {
			progress(i+1, len(files), relPath, err)
		}
	}

	ix.logger.Info("indexing pass complete",
		zap.Int("total", result.TotalFiles),
		zap.Int("indexed", result.IndexedFiles),
		zap.Int("skipped", result.SkippedFiles),
		zap.Int("units", result.TotalUnits),
		zap.Int("failed", len(result.FailedFiles)))
	return result, nil
}

// collectFiles gathers candidate files in lexicographic order.
func (ix *Incremental) collectFiles(ctx context.Context, dir string, recursive bool, ignore *ignoreSet) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d.IsDir() {
			if path == dir {
				return nil
			}
			if defaultSkipDirs[d.Name()] || !recursive {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if ignore.Match(relPath) {
			return nil
		}
		if _, ok := parser.LanguageForPath(relPath); !ok {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > ix.cfg.MaxFileSize {
			return nil
		}
		files = append(files, relPath)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	return files, nil
}

// indexFile brings one file in sync. Returns the number of units
// upserted and whether the file was processed (its content hash
// differed from the stored one and it parsed as a supported language),
// even when no unit needed a store write.
func (ix *Incremental) indexFile(ctx context.Context, dir, relPath string) (int, bool, error) {
	content, err := os.ReadFile(filepath.Join(dir, relPath))
	if err != nil {
		return 0, false, fmt.Errorf("reading file: %w", err)
	}
	if !utf8.Valid(content) {
		return 0, false, nil // binary
	}

	fileHash := hashBytes(content)
	if stored, ok := ix.fileHashes[relPath]; ok && stored == fileHash {
		return 0, false, nil
	}

	parsed, supported, err := ix.parse.Parse(ctx, relPath, content)
	if err != nil {
		return 0, false, err
	}
	if !supported {
		return 0, false, nil
	}

	language, _ := parser.LanguageForPath(relPath)
	stored := ix.units[relPath]
	current := make(map[unitKey]parser.SemanticUnit, len(parsed))
	for _, u := range parsed {
		current[unitKey{name: u.Name, kind: u.Kind, startLine: u.StartLine}] = u
	}

	// Decide what to embed: new units and units whose body hash changed.
	var toEmbed []parser.SemanticUnit
	var toEmbedHash []string
	for key := range current {
		u := current[key]
		bodyHash := hashBytes([]byte(u.Body))
		if prev, ok := stored[key]; ok && prev.contentHash == bodyHash {
			continue
		}
		toEmbed = append(toEmbed, u)
		toEmbedHash = append(toEmbedHash, bodyHash)
	}
	// Deterministic embed order for reproducible batches.
	sortUnitsByPosition(toEmbed, toEmbedHash)

	upserted := 0
	if len(toEmbed) > 0 {
		texts := make([]string, len(toEmbed))
		for i, u := range toEmbed {
			texts[i] = u.Body
		}
		vectors, err := ix.embedder.BatchGenerate(ctx, texts)
		if err != nil {
			return 0, false, err
		}

		items := make([]vectorstore.BatchItem, len(toEmbed))
		for i, u := range toEmbed {
			items[i] = vectorstore.BatchItem{
				Unit:   ix.buildUnit(relPath, language, u, toEmbedHash[i], fileHash),
				Vector: vectors[i],
			}
		}
		if _, err := ix.store.BatchStore(ctx, items); err != nil {
			return 0, false, err
		}
		upserted = len(items)
	}

	// Deletes of units absent from the new parse happen after the
	// upserts: a crash mid-file leaves extra records, never missing
	// ones.
	newState := make(map[unitKey]storedUnit, len(current))
	for key, u := range current {
		newState[key] = storedUnit{
			id:          ix.unitID(relPath, key),
			contentHash: hashBytes([]byte(u.Body)),
		}
	}
	for key, prev := range stored {
		if _, ok := current[key]; !ok {
			if _, err := ix.store.Delete(ctx, prev.id); err != nil {
				return upserted, true, err
			}
		}
	}

	ix.units[relPath] = newState
	ix.fileHashes[relPath] = fileHash
	return upserted, true, nil
}

// buildUnit assembles the code-unit record for the vector store.
func (ix *Incremental) buildUnit(relPath, language string, u parser.SemanticUnit, bodyHash, fileHash string) *memory.Unit {
	now := time.Now().UTC()
	key := unitKey{name: u.Name, kind: u.Kind, startLine: u.StartLine}
	return &memory.Unit{
		ID:           ix.unitID(relPath, key),
		Content:      u.Body,
		Category:     memory.CategoryCode,
		ContextLevel: memory.ContextProjectContext,
		Scope:        memory.ScopeProject,
		ProjectName:  ix.projectName,
		Importance:   0.5,
		Tags:         []string{language, string(u.Kind)},
		Metadata: map[string]any{
			"file_path":     relPath,
			"language":      language,
			"unit_kind":     string(u.Kind),
			"name":          u.Name,
			"start_line":    u.StartLine,
			"end_line":      u.EndLine,
			"content_hash":  bodyHash,
			"file_hash":     fileHash,
			"repository_id": ix.repositoryID,
		},
		CreatedAt:    now,
		UpdatedAt:    now,
		LastAccessed: now,
		Provenance: memory.Provenance{
			Source:      memory.SourceCodeIndexed,
			CreatedBy:   "code_indexer:v1",
			Confidence:  0.8,
			FileContext: []string{relPath},
		},
		EmbeddingModel: ix.embedder.Model(),
	}
}

// unitID derives the stable record id for a unit.
func (ix *Incremental) unitID(relPath string, key unitKey) string {
	seed := strings.Join([]string{
		ix.repositoryID, relPath, key.name, string(key.kind), fmt.Sprintf("%d", key.startLine),
	}, "\x00")
	return uuid.NewSHA1(unitNamespace, []byte(seed)).String()
}

// RemoveFile deletes every stored unit for a file that no longer
// exists. Used by watch mode on remove/rename events.
func (ix *Incremental) RemoveFile(ctx context.Context, relPath string) error {
	if err := ix.loadState(ctx); err != nil {
		return err
	}
	for _, prev := range ix.units[relPath] {
		if _, err := ix.store.Delete(ctx, prev.id); err != nil {
			return err
		}
	}
	delete(ix.units, relPath)
	delete(ix.fileHashes, relPath)
	return nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// sortUnitsByPosition orders units (and their parallel hashes) by start
// line, then name.
func sortUnitsByPosition(units []parser.SemanticUnit, hashes []string) {
	for i := 1; i < len(units); i++ {
		for j := i; j > 0 && lessUnit(units[j], units[j-1]); j-- {
			units[j], units[j-1] = units[j-1], units[j]
			hashes[j], hashes[j-1] = hashes[j-1], hashes[j]
		}
	}
}

func lessUnit(a, b parser.SemanticUnit) bool {
	if a.StartLine != b.StartLine {
		return a.StartLine < b.StartLine
	}
	return a.Name < b.Name
}
