package indexer

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// defaultSkipDirs are always skipped during traversal: version control
// data, dependency trees, caches, and build output.
var defaultSkipDirs = map[string]bool{
	".git":         true,
	".svn":         true,
	".hg":          true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
	".cache":       true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"target":       true,
}

// ignoreSet holds exclude patterns parsed from gitignore-style files in
// the repository root.
type ignoreSet struct {
	patterns []string
}

// loadIgnoreSet reads each named ignore file from root and combines
// their patterns. Missing files are fine; negation patterns are not
// supported and are dropped.
func loadIgnoreSet(root string, ignoreFiles []string) (*ignoreSet, error) {
	var patterns []string
	seen := map[string]bool{}

	for _, name := range ignoreFiles {
		f, err := os.Open(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			pattern := parseIgnoreLine(scanner.Text())
			if pattern != "" && !seen[pattern] {
				seen[pattern] = true
				patterns = append(patterns, pattern)
			}
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, err
		}
	}

	return &ignoreSet{patterns: patterns}, nil
}

// parseIgnoreLine normalizes one gitignore line into a glob pattern.
// Comments, blanks, and negations return empty.
func parseIgnoreLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ""
	}
	pattern := strings.TrimPrefix(line, "/")
	pattern = strings.TrimSuffix(pattern, "/")
	return pattern
}

// Match reports whether relPath is excluded.
func (s *ignoreSet) Match(relPath string) bool {
	base := filepath.Base(relPath)
	for _, pattern := range s.patterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, relPath); ok {
			return true
		}
		// Directory patterns exclude everything beneath them.
		if strings.HasPrefix(relPath, pattern+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
