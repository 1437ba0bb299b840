// Package parser maps source files to ordered lists of semantic units
// (functions, methods, classes, module-level blocks). The tree-sitter
// implementation is the default; the interface keeps it pluggable.
package parser

import (
	"context"
	"path/filepath"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// SemanticUnit is the smallest named code element the parser emits.
type SemanticUnit struct {
	Name      string
	Kind      memory.UnitKind
	Language  string
	StartLine int // 1-based, inclusive
	EndLine   int // 1-based, inclusive
	Body      string
}

// Parser maps a source file to its semantic units, ordered by start
// line. The file path is used for language dispatch and naming only; the
// content is authoritative.
type Parser interface {
	// Parse returns the file's units. Unsupported languages return
	// (nil, false, nil): not an error, the file is skipped.
	Parse(ctx context.Context, path string, content []byte) (units []SemanticUnit, supported bool, err error)
}

// languageByExtension drives parser dispatch. Unknown extensions are
// skipped by the indexer.
var languageByExtension = map[string]string{
	".go":  "go",
	".py":  "python",
	".js":  "javascript",
	".jsx": "javascript",
	".ts":  "typescript",
	".tsx": "typescript",
}

// LanguageForPath returns the recognized language for a file path.
func LanguageForPath(path string) (string, bool) {
	lang, ok := languageByExtension[filepath.Ext(path)]
	return lang, ok
}

// SupportedExtensions lists the recognized file extensions.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(languageByExtension))
	for ext := range languageByExtension {
		exts = append(exts, ext)
	}
	return exts
}
