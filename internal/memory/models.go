package memory

import (
	"fmt"
	"strings"
	"time"
)

// Category classifies a memory unit. Closed set; serialized lowercase.
type Category string

const (
	CategoryPreference Category = "preference"
	CategoryFact       Category = "fact"
	CategoryEvent      Category = "event"
	CategoryWorkflow   Category = "workflow"
	CategoryContext    Category = "context"

	// CategoryCode marks records produced by the code indexer. Code units
	// share the vector index with memories and are filterable by this
	// category.
	CategoryCode Category = "code"
)

// ParseCategory validates a serialized category value.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryPreference, CategoryFact, CategoryEvent, CategoryWorkflow, CategoryContext, CategoryCode:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown category %q", ErrValidation, s)
}

// ContextLevel scopes a memory to a retention tier.
type ContextLevel string

const (
	ContextUserPreference ContextLevel = "USER_PREFERENCE"
	ContextProjectContext ContextLevel = "PROJECT_CONTEXT"
	ContextSessionState   ContextLevel = "SESSION_STATE"
)

// ParseContextLevel validates a serialized context level value.
func ParseContextLevel(s string) (ContextLevel, error) {
	switch l := ContextLevel(s); l {
	case ContextUserPreference, ContextProjectContext, ContextSessionState:
		return l, nil
	}
	return "", fmt.Errorf("%w: unknown context level %q", ErrValidation, s)
}

// Scope distinguishes global memories from project-bound ones.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeProject Scope = "project"
)

// ParseScope validates a serialized scope value.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(s); sc {
	case ScopeGlobal, ScopeProject:
		return sc, nil
	}
	return "", fmt.Errorf("%w: unknown scope %q", ErrValidation, s)
}

// LifecycleState is derived from a record's age and access recency.
type LifecycleState string

const (
	LifecycleActive   LifecycleState = "ACTIVE"
	LifecycleRecent   LifecycleState = "RECENT"
	LifecycleArchived LifecycleState = "ARCHIVED"
	LifecycleStale    LifecycleState = "STALE"
)

// ProvenanceSource identifies where a memory came from.
type ProvenanceSource string

const (
	SourceUserExplicit   ProvenanceSource = "user_explicit"
	SourceClaudeInferred ProvenanceSource = "claude_inferred"
	SourceDocumentation  ProvenanceSource = "documentation"
	SourceCodeIndexed    ProvenanceSource = "code_indexed"
	SourceAutoClassified ProvenanceSource = "auto_classified"
	SourceImported       ProvenanceSource = "imported"
	SourceLegacy         ProvenanceSource = "legacy"
)

// ParseProvenanceSource validates a serialized provenance source.
func ParseProvenanceSource(s string) (ProvenanceSource, error) {
	switch src := ProvenanceSource(s); src {
	case SourceUserExplicit, SourceClaudeInferred, SourceDocumentation,
		SourceCodeIndexed, SourceAutoClassified, SourceImported, SourceLegacy:
		return src, nil
	}
	return "", fmt.Errorf("%w: unknown provenance source %q", ErrValidation, s)
}

// Provenance carries source-origin and trust metadata for a memory.
type Provenance struct {
	Source         ProvenanceSource `json:"source"`
	CreatedBy      string           `json:"created_by"`
	Confidence     float64          `json:"confidence"`
	Verified       bool             `json:"verified"`
	LastConfirmed  *time.Time       `json:"last_confirmed,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	FileContext    []string         `json:"file_context,omitempty"`
	Notes          string           `json:"notes,omitempty"`
}

// Unit is the base record stored in the vector index. Code units are
// units with Category == CategoryCode plus the CodePayload fields.
type Unit struct {
	ID           string
	Content      string
	Category     Category
	ContextLevel ContextLevel
	Scope        Scope
	ProjectName  string
	Importance   float64
	Tags         []string
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastAccessed time.Time
	Lifecycle    LifecycleState
	Provenance   Provenance
	// EmbeddingModel records the model that produced the stored vector.
	// Mixing models in one index is disallowed without a reindex.
	EmbeddingModel string
}

// Validate checks the unit invariants documented for the data model.
func (u *Unit) Validate() error {
	if strings.TrimSpace(u.Content) == "" {
		return fmt.Errorf("%w: content must be non-empty", ErrValidation)
	}
	if _, err := ParseCategory(string(u.Category)); err != nil {
		return err
	}
	if u.ContextLevel != "" {
		if _, err := ParseContextLevel(string(u.ContextLevel)); err != nil {
			return err
		}
	}
	if u.Scope != "" {
		if _, err := ParseScope(string(u.Scope)); err != nil {
			return err
		}
	}
	if u.Scope == ScopeProject && u.ProjectName == "" {
		return fmt.Errorf("%w: project-scoped memory requires project_name", ErrValidation)
	}
	if u.Importance < 0 || u.Importance > 1 {
		return fmt.Errorf("%w: importance %.3f outside [0,1]", ErrValidation, u.Importance)
	}
	for _, ts := range []time.Time{u.CreatedAt, u.UpdatedAt, u.LastAccessed} {
		if err := ValidateTimestamp(ts); err != nil {
			return err
		}
	}
	return nil
}

// UnitKind classifies a semantic code unit.
type UnitKind string

const (
	KindFunction UnitKind = "function"
	KindMethod   UnitKind = "method"
	KindClass    UnitKind = "class"
	KindModule   UnitKind = "module"
	KindBlock    UnitKind = "block"
)

// CodePayload is the extra payload carried by code-indexed units.
type CodePayload struct {
	FilePath     string   `json:"file_path"`
	Language     string   `json:"language"`
	UnitKind     UnitKind `json:"unit_kind"`
	Name         string   `json:"name"`
	StartLine    int      `json:"start_line"`
	EndLine      int      `json:"end_line"`
	ContentHash  string   `json:"content_hash"`
	RepositoryID string   `json:"repository_id"`
}

// UsageRecord tracks per-memory retrieval usage, co-located with the
// record's vector store payload.
type UsageRecord struct {
	FirstSeen       time.Time
	LastUsed        time.Time
	UseCount        int
	LastSearchScore float64
}

// RepositoryType describes a repository's architecture.
type RepositoryType string

const (
	RepoMonorepo   RepositoryType = "monorepo"
	RepoMultiRepo  RepositoryType = "multi_repo"
	RepoStandalone RepositoryType = "standalone"
)

// ParseRepositoryType validates a serialized repository type.
func ParseRepositoryType(s string) (RepositoryType, error) {
	switch t := RepositoryType(s); t {
	case RepoMonorepo, RepoMultiRepo, RepoStandalone:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown repository type %q", ErrValidation, s)
}

// RepositoryStatus tracks a repository's indexing state.
type RepositoryStatus string

const (
	StatusIndexed    RepositoryStatus = "indexed"
	StatusIndexing   RepositoryStatus = "indexing"
	StatusStale      RepositoryStatus = "stale"
	StatusError      RepositoryStatus = "error"
	StatusNotIndexed RepositoryStatus = "not_indexed"
)

// ParseRepositoryStatus validates a serialized repository status.
func ParseRepositoryStatus(s string) (RepositoryStatus, error) {
	switch st := RepositoryStatus(s); st {
	case StatusIndexed, StatusIndexing, StatusStale, StatusError, StatusNotIndexed:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown repository status %q", ErrValidation, s)
}

// Repository is a registered source repository.
type Repository struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Path     string           `json:"path"`
	GitURL   string           `json:"git_url,omitempty"`
	RepoType RepositoryType   `json:"repo_type"`
	Status   RepositoryStatus `json:"status"`

	IndexedAt   *time.Time `json:"indexed_at,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
	FileCount   int        `json:"file_count"`
	UnitCount   int        `json:"unit_count"`

	WorkspaceIDs []string `json:"workspace_ids"`
	Tags         []string `json:"tags"`

	// DependsOn and DependedBy hold repository ids. The registry owns
	// both halves and keeps them consistent; together they form a DAG.
	DependsOn  []string `json:"depends_on"`
	DependedBy []string `json:"depended_by"`
}

// Workspace groups repositories for scoped search and batch indexing.
type Workspace struct {
	ID                    string         `json:"id"`
	Name                  string         `json:"name"`
	Description           string         `json:"description,omitempty"`
	RepositoryIDs         []string       `json:"repository_ids"`
	AutoIndex             bool           `json:"auto_index"`
	CrossRepoSearchEnable bool           `json:"cross_repo_search_enabled"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	Tags                  []string       `json:"tags"`
	Settings              map[string]any `json:"settings"`
}

// SearchFilters is the structured filter language: a conjunction of
// equality matches on categorical fields, a minimum-importance range
// match, and per-tag conjuncts (AND over tags).
type SearchFilters struct {
	ContextLevel  ContextLevel
	Scope         Scope
	Category      Category
	ProjectName   string
	MinImportance float64
	Tags          []string
}

// Empty reports whether no filter condition is set.
func (f *SearchFilters) Empty() bool {
	return f == nil || (f.ContextLevel == "" && f.Scope == "" && f.Category == "" &&
		f.ProjectName == "" && f.MinImportance <= 0 && len(f.Tags) == 0)
}

// ScoredUnit pairs a retrieved unit with its similarity score.
type ScoredUnit struct {
	Unit  *Unit
	Score float64
}
