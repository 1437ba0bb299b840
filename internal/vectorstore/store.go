// Package vectorstore provides the backend-agnostic contract between
// business logic and the underlying vector database, plus the Qdrant and
// embedded chromem implementations and the read-only decorator.
package vectorstore

import (
	"context"
	"sort"
	"strings"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// maxRetrieveLimit caps k-NN result counts to bound memory use.
const maxRetrieveLimit = 100

// BatchItem is one record of a bulk upsert.
type BatchItem struct {
	Unit   *memory.Unit
	Vector []float32
}

// ListOptions controls deterministic pagination of ListMemories.
type ListOptions struct {
	Filters *memory.SearchFilters
	// SortBy is one of "created_at", "updated_at", "importance".
	SortBy string
	// Order is "asc" or "desc" (default).
	Order  string
	Limit  int
	Offset int
}

// Store is the uniform contract over a vector database. Every method is
// safe for concurrent use and idempotent with respect to retried
// identical inputs.
//
// Write failures propagate to the caller. Retrieval is robust to schema
// drift: records whose payload fails to parse are logged and skipped,
// and the call returns a partial list.
type Store interface {
	// Store upserts a single unit with its vector and returns the id
	// (taken from the unit or generated).
	Store(ctx context.Context, unit *memory.Unit, vector []float32) (string, error)

	// BatchStore bulk-upserts items, order preserving.
	BatchStore(ctx context.Context, items []BatchItem) ([]string, error)

	// Retrieve performs filtered k-NN search, sorted by descending
	// cosine similarity. Limit is capped at 100.
	Retrieve(ctx context.Context, queryVector []float32, filters *memory.SearchFilters, limit int) ([]memory.ScoredUnit, error)

	// SearchWithFilters is Retrieve with filters required.
	SearchWithFilters(ctx context.Context, queryVector []float32, filters *memory.SearchFilters, limit int) ([]memory.ScoredUnit, error)

	// GetByID fetches a unit directly, without search. Returns
	// (nil, nil) when the id does not exist.
	GetByID(ctx context.Context, id string) (*memory.Unit, error)

	// Update merges fields into the record's payload and refreshes
	// updated_at. Returns false when the record does not exist.
	Update(ctx context.Context, id string, updates map[string]any) (bool, error)

	// Delete removes a record. Returns false when it did not exist.
	Delete(ctx context.Context, id string) (bool, error)

	// Count returns the number of records, optionally filtered.
	Count(ctx context.Context, filters *memory.SearchFilters) (int, error)

	// ListMemories returns a deterministic page of units plus the total
	// matching count.
	ListMemories(ctx context.Context, opts ListOptions) ([]*memory.Unit, int, error)

	// Scroll visits the payload of every record matching filters. The
	// callback returning an error stops the scroll.
	Scroll(ctx context.Context, filters *memory.SearchFilters, fn func(payload map[string]any) error) error

	// UpdateUsage writes the usage-tracking payload fields for a record.
	// Returns false when the record does not exist.
	UpdateUsage(ctx context.Context, id string, rec memory.UsageRecord) (bool, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// capLimit bounds a requested result count.
func capLimit(limit int) int {
	if limit <= 0 {
		return 5
	}
	if limit > maxRetrieveLimit {
		return maxRetrieveLimit
	}
	return limit
}

// matchesFilters applies the structured filter language to a parsed
// unit. Backends without native filter pushdown use it post-query.
func matchesFilters(u *memory.Unit, f *memory.SearchFilters) bool {
	if f.Empty() {
		return true
	}
	if f.ContextLevel != "" && u.ContextLevel != f.ContextLevel {
		return false
	}
	if f.Scope != "" && u.Scope != f.Scope {
		return false
	}
	if f.Category != "" && u.Category != f.Category {
		return false
	}
	if f.ProjectName != "" && u.ProjectName != f.ProjectName {
		return false
	}
	if f.MinImportance > 0 && u.Importance < f.MinImportance {
		return false
	}
	for _, tag := range f.Tags {
		found := false
		for _, t := range u.Tags {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// sortUnits orders units for deterministic pagination.
func sortUnits(units []*memory.Unit, sortBy, order string) {
	desc := !strings.EqualFold(order, "asc")
	less := func(a, b *memory.Unit) bool {
		switch sortBy {
		case "updated_at":
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
		case "importance":
			if a.Importance != b.Importance {
				return a.Importance < b.Importance
			}
		default: // created_at
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		}
		// Tie-break on id so pagination is stable.
		return a.ID < b.ID
	}
	sort.SliceStable(units, func(i, j int) bool {
		if desc {
			return less(units[j], units[i])
		}
		return less(units[i], units[j])
	})
}

// pageUnits slices a sorted result set.
func pageUnits(units []*memory.Unit, limit, offset int) []*memory.Unit {
	if offset >= len(units) {
		return nil
	}
	units = units[offset:]
	if limit > 0 && limit < len(units) {
		units = units[:limit]
	}
	return units
}

// sortScored orders search results by descending score, ties broken by
// created_at descending. Lifecycle re-weighting re-sorts with the same
// rule after multiplying weights.
func sortScored(results []memory.ScoredUnit) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Unit.CreatedAt.After(results[j].Unit.CreatedAt)
	})
}
