// Package lifecycle derives record lifecycle states from age and access
// recency, re-weights search results by state, and identifies storage
// optimization opportunities.
package lifecycle

import (
	"time"

	"github.com/emmilco/claude-memory-server-sub004/internal/config"
	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// Manager derives lifecycle states and search weights from config. The
// state at time t is a deterministic function of (t, last_accessed,
// created_at, config); identical inputs always produce the same state.
type Manager struct {
	cfg config.LifecycleConfig
}

// NewManager creates a lifecycle manager.
func NewManager(cfg config.LifecycleConfig) *Manager {
	return &Manager{cfg: cfg}
}

// StateAt classifies a record at time now. A record with no recorded
// access falls back to its creation time.
func (m *Manager) StateAt(now, lastAccessed, createdAt time.Time) memory.LifecycleState {
	ref := lastAccessed
	if ref.IsZero() {
		ref = createdAt
	}
	if ref.IsZero() {
		return memory.LifecycleActive
	}

	age := now.Sub(ref)
	switch {
	case age <= daysDur(m.cfg.ActiveDays):
		return memory.LifecycleActive
	case age <= daysDur(m.cfg.RecentDays):
		return memory.LifecycleRecent
	case age <= daysDur(m.cfg.ArchivedDays):
		return memory.LifecycleArchived
	default:
		return memory.LifecycleStale
	}
}

// Weight returns the search multiplier for a state. The multipliers are
// policy and come from configuration, not the engine.
func (m *Manager) Weight(state memory.LifecycleState) float64 {
	switch state {
	case memory.LifecycleActive:
		return m.cfg.ActiveWeight
	case memory.LifecycleRecent:
		return m.cfg.RecentWeight
	case memory.LifecycleArchived:
		return m.cfg.ArchivedWeight
	default:
		return m.cfg.StaleWeight
	}
}

// Reweight multiplies each result's score by its lifecycle weight and
// re-sorts descending, ties broken by created_at descending. Scores stay
// in [0, 1]; the weights never push a result past zero. Each unit's
// Lifecycle field is refreshed as a side effect.
func (m *Manager) Reweight(results []memory.ScoredUnit, now time.Time) []memory.ScoredUnit {
	for i := range results {
		state := m.StateAt(now, results[i].Unit.LastAccessed, results[i].Unit.CreatedAt)
		results[i].Unit.Lifecycle = state
		results[i].Score *= m.Weight(state)
		if results[i].Score < 0 {
			results[i].Score = 0
		}
		if results[i].Score > 1 {
			results[i].Score = 1
		}
	}

	// Stable insertion keeps equal-score ordering by recency.
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && scoredLess(results[j-1], results[j]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
	return results
}

func scoredLess(a, b memory.ScoredUnit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Unit.CreatedAt.Before(b.Unit.CreatedAt)
}

func daysDur(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
