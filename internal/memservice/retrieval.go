package memservice

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// RetrievePreferences searches records at the USER_PREFERENCE context
// level, optionally narrowed by scope and project.
func (s *Service) RetrievePreferences(ctx context.Context, query string, limit int, scope memory.Scope, project string) ([]Result, error) {
	return s.Search(ctx, query, &memory.SearchFilters{
		ContextLevel: memory.ContextUserPreference,
		Scope:        scope,
		ProjectName:  project,
	}, limit)
}

// RetrieveProjectContext searches records at the PROJECT_CONTEXT level.
func (s *Service) RetrieveProjectContext(ctx context.Context, query string, limit int, project string) ([]Result, error) {
	return s.Search(ctx, query, &memory.SearchFilters{
		ContextLevel: memory.ContextProjectContext,
		ProjectName:  project,
	}, limit)
}

// RetrieveSessionState searches records at the SESSION_STATE level.
func (s *Service) RetrieveSessionState(ctx context.Context, query string, limit int) ([]Result, error) {
	return s.Search(ctx, query, &memory.SearchFilters{
		ContextLevel: memory.ContextSessionState,
	}, limit)
}

// RetrieveByCategory searches records of one category.
func (s *Service) RetrieveByCategory(ctx context.Context, query string, category memory.Category, limit int) ([]Result, error) {
	if _, err := memory.ParseCategory(string(category)); err != nil {
		return nil, err
	}
	return s.Search(ctx, query, &memory.SearchFilters{Category: category}, limit)
}

// RetrieveMultiLevel runs one embedding and N filtered k-NN queries,
// returning a map keyed by context level.
func (s *Service) RetrieveMultiLevel(ctx context.Context, query string, levels []memory.ContextLevel, limit int) (map[memory.ContextLevel][]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query cannot be empty", memory.ErrValidation)
	}
	for _, level := range levels {
		if _, err := memory.ParseContextLevel(string(level)); err != nil {
			return nil, err
		}
	}

	vector, err := s.embedder.Generate(ctx, query)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make(map[memory.ContextLevel][]Result, len(levels))
	for _, level := range levels {
		scored, err := s.store.SearchWithFilters(ctx, vector, &memory.SearchFilters{ContextLevel: level}, limit)
		if err != nil {
			return nil, err
		}
		scored = s.lifecycle.Reweight(scored, now)

		results := make([]Result, len(scored))
		for i, su := range scored {
			results[i] = Result{Unit: su.Unit, Score: su.Score}
		}
		out[level] = results
		s.trackUsage(scored, now)
	}
	return out, nil
}

// ProjectNames lists the distinct project names present in the store.
func (s *Service) ProjectNames(ctx context.Context) ([]string, error) {
	names := map[string]bool{}
	err := s.store.Scroll(ctx, nil, func(payload map[string]any) error {
		if name, _ := payload["project_name"].(string); name != "" {
			names[name] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// ProjectStats summarizes one project's records.
type ProjectStats struct {
	ProjectName   string                      `json:"project_name"`
	TotalMemories int                         `json:"total_memories"`
	NumFiles      int                         `json:"num_files"`
	Categories    map[memory.Category]int     `json:"categories"`
	ContextLevels map[memory.ContextLevel]int `json:"context_levels"`
	LastIndexed   *time.Time                  `json:"last_indexed,omitempty"`
}

// StatsForProject aggregates counts for one project.
func (s *Service) StatsForProject(ctx context.Context, project string) (*ProjectStats, error) {
	stats := &ProjectStats{
		ProjectName:   project,
		Categories:    make(map[memory.Category]int),
		ContextLevels: make(map[memory.ContextLevel]int),
	}
	files := map[string]bool{}

	err := s.store.Scroll(ctx, &memory.SearchFilters{ProjectName: project}, func(payload map[string]any) error {
		unit, err := memory.UnitFromPayload(payload)
		if err != nil {
			return nil
		}
		stats.TotalMemories++
		stats.Categories[unit.Category]++
		stats.ContextLevels[unit.ContextLevel]++
		if stats.LastIndexed == nil || unit.UpdatedAt.After(*stats.LastIndexed) {
			t := unit.UpdatedAt
			stats.LastIndexed = &t
		}
		if unit.Category == memory.CategoryCode {
			if fp, _ := unit.Metadata["file_path"].(string); fp != "" {
				files[fp] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stats.NumFiles = len(files)
	return stats, nil
}

func sortByCreated(units []*memory.Unit) {
	sort.SliceStable(units, func(i, j int) bool {
		return units[i].CreatedAt.Before(units[j].CreatedAt)
	})
}
