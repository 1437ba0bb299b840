// Package memory defines the data model shared by the indexing and
// retrieval core: memory units, code units, repositories, workspaces,
// provenance, and the error taxonomy.
package memory

import "errors"

// Sentinel errors for the core. Callers classify failures with errors.Is;
// messages attached via fmt.Errorf("%w: ...") carry next-step hints where
// one is known.
var (
	// ErrValidation indicates input that violates a documented invariant
	// (empty content, bad enum value, out-of-range timestamp). Never
	// retried internally.
	ErrValidation = errors.New("validation failed")

	// ErrEmbedding indicates embedding generation failed or was refused.
	ErrEmbedding = errors.New("embedding generation failed")

	// ErrStorage indicates the vector store is unreachable or returned an
	// error on a write path.
	ErrStorage = errors.New("storage operation failed")

	// ErrRetrieval indicates a search-time failure.
	ErrRetrieval = errors.New("retrieval failed")

	// ErrMemoryNotFound is returned when a lookup by id finds nothing for
	// an id the caller expected to exist.
	ErrMemoryNotFound = errors.New("memory not found")

	// ErrReadOnly is returned by every write attempted against the
	// read-only decorator.
	ErrReadOnly = errors.New("store is read-only")

	// ErrTimeout indicates a cooperative operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrDependencyCycle indicates adding an edge would close a cycle in
	// the repository dependency graph.
	ErrDependencyCycle = errors.New("dependency would create a cycle")

	// ErrDuplicatePath indicates a repository is already registered at
	// the given path.
	ErrDuplicatePath = errors.New("repository already registered at path")

	// ErrRepositoryNotFound is returned for unknown repository ids.
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrWorkspaceNotFound is returned for unknown workspace ids.
	ErrWorkspaceNotFound = errors.New("workspace not found")
)
