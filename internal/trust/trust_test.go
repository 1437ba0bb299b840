package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func baseUnit() *memory.Unit {
	return &memory.Unit{
		ID:        "m-1",
		Content:   "User prefers Python for backend development",
		Category:  memory.CategoryPreference,
		Scope:     memory.ScopeGlobal,
		CreatedAt: now.AddDate(0, 0, -10),
		Metadata:  map[string]any{},
		Provenance: memory.Provenance{
			Source:     memory.SourceUserExplicit,
			CreatedBy:  "user_statement",
			Confidence: 0.9,
		},
	}
}

func TestScoreWeights(t *testing.T) {
	u := baseUnit()
	// source 0.9*0.3=0.27, unverified 0.10, access<5 0.05, age<30d
	// 0.15, no contradiction 0.10 => 0.67.
	assert.InDelta(t, 0.67, Score(u, now), 1e-9)

	u.Provenance.Verified = true
	// verification bumps from 0.10 to 0.25.
	assert.InDelta(t, 0.82, Score(u, now), 1e-9)
}

func TestScoreAccessBuckets(t *testing.T) {
	u := baseUnit()
	u.Metadata["access_count"] = 25
	withMany := Score(u, now)

	u.Metadata["access_count"] = 0
	withNone := Score(u, now)
	assert.InDelta(t, 0.15, withMany-withNone, 1e-9)
}

func TestScoreContradictionPenalty(t *testing.T) {
	u := baseUnit()
	clean := Score(u, now)

	u.Metadata["relationships"] = []any{
		map[string]any{"relationship_type": "contradicts", "target_id": "m-2"},
	}
	assert.InDelta(t, 0.10, clean-Score(u, now), 1e-9)
}

func TestScoreClamped(t *testing.T) {
	u := baseUnit()
	u.Provenance.Verified = true
	u.Provenance.Confidence = 1.0
	confirmed := now.AddDate(0, 0, -1)
	u.Provenance.LastConfirmed = &confirmed
	u.Metadata["access_count"] = 100

	score := Score(u, now)
	assert.LessOrEqual(t, score, 1.0)
	assert.GreaterOrEqual(t, score, 0.0)
}

func TestLevels(t *testing.T) {
	assert.Equal(t, "excellent", Level(0.85))
	assert.Equal(t, "good", Level(0.7))
	assert.Equal(t, "fair", Level(0.55))
	assert.Equal(t, "poor", Level(0.3))
}

func TestExplainReasonsAreDeterministic(t *testing.T) {
	u := baseUnit()
	u.ProjectName = "memoryd"
	u.Scope = memory.ScopeProject
	confirmed := now.AddDate(0, 0, -3)
	u.Provenance.Verified = true
	u.Provenance.LastConfirmed = &confirmed
	u.Metadata["relationships"] = []any{
		map[string]any{"relationship_type": "related", "target_id": "m-2"},
		map[string]any{"relationship_type": "related", "target_id": "m-3"},
	}

	s1 := Explain(u, 0.92, now)
	s2 := Explain(u, 0.92, now)
	assert.Equal(t, s1, s2)

	assert.Contains(t, s1.WhyShown, "Exact semantic match to your query (0.92)")
	assert.Contains(t, s1.WhyShown, "From current project: memoryd")
	assert.Contains(t, s1.WhyShown, "You verified this 3 days ago")
	assert.Contains(t, s1.WhyShown, "This is a personal preference")
	assert.Contains(t, s1.WhyShown, "Related to 2 other memories")
	assert.Contains(t, s1.WhyShown, "Source: you stated this directly")
	assert.Equal(t, 2, s1.RelatedCount)
	assert.False(t, s1.ContradictionDetected)
	assert.Equal(t, "3 days ago", s1.LastVerified)
}

func TestRelativeTimePhrases(t *testing.T) {
	phrase := func(daysAgo int) string {
		t := now.AddDate(0, 0, -daysAgo)
		return relativeTime(&t, now)
	}
	assert.Equal(t, "today", phrase(0))
	assert.Equal(t, "yesterday", phrase(1))
	assert.Equal(t, "3 days ago", phrase(3))
	assert.Equal(t, "2 weeks ago", phrase(14))
	assert.Equal(t, "4 months ago", phrase(120))
	assert.Equal(t, "", relativeTime(nil, now))
}

func TestMatchBandPhrases(t *testing.T) {
	u := baseUnit()
	assert.Contains(t, Explain(u, 0.85, now).WhyShown[0], "Strong semantic match")
	assert.Contains(t, Explain(u, 0.72, now).WhyShown[0], "Good semantic match")
	assert.Contains(t, Explain(u, 0.5, now).WhyShown[0], "Related to your query")
}
