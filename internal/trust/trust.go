// Package trust computes explanation-bearing annotations for search
// results: a weighted trust score, a confidence band, and deterministic
// human-readable reasons assembled from record state.
package trust

import (
	"fmt"
	"time"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// Signals annotates one search result.
type Signals struct {
	WhyShown              []string       `json:"why_shown"`
	TrustScore            float64        `json:"trust_score"`
	ConfidenceLevel       string         `json:"confidence_level"` // excellent | good | fair | poor
	LastVerified          string         `json:"last_verified,omitempty"`
	ProvenanceSummary     map[string]any `json:"provenance_summary"`
	RelatedCount          int            `json:"related_count"`
	ContradictionDetected bool           `json:"contradiction_detected"`
}

// relationship entries live in unit metadata under this key, each a map
// with "relationship_type" and "target_id".
const relationshipsKey = "relationships"

// Score computes the trust score for a unit at time now.
//
// Weighted sum: source confidence x0.3; verification 0.25 (verified) or
// 0.10; access bucket up to 0.20; age bucket up to 0.15 with a bonus for
// a recent last_confirmed; contradiction 0.0 when any contradicts edge
// exists, 0.10 otherwise. Clamped to [0, 1].
func Score(u *memory.Unit, now time.Time) float64 {
	score := u.Provenance.Confidence * 0.3

	if u.Provenance.Verified {
		score += 0.25
	} else {
		score += 0.10
	}

	access := accessCount(u)
	switch {
	case access >= 20:
		score += 0.20
	case access >= 10:
		score += 0.15
	case access >= 5:
		score += 0.10
	default:
		score += 0.05
	}

	ageDays := int(now.Sub(u.CreatedAt).Hours() / 24)
	var ageScore float64
	switch {
	case ageDays < 30:
		ageScore = 0.15
	case ageDays < 90:
		ageScore = 0.12
	case ageDays < 180:
		ageScore = 0.08
	default:
		ageScore = 0.05
	}
	if u.Provenance.LastConfirmed != nil && now.Sub(*u.Provenance.LastConfirmed) < 30*24*time.Hour {
		ageScore += 0.05
		if ageScore > 0.15 {
			ageScore = 0.15
		}
	}
	score += ageScore

	if hasContradiction(u) {
		score += 0.0
	} else {
		score += 0.10
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Level maps a score to its confidence band.
func Level(score float64) string {
	switch {
	case score >= 0.8:
		return "excellent"
	case score >= 0.65:
		return "good"
	case score >= 0.5:
		return "fair"
	default:
		return "poor"
	}
}

// Explain assembles the full annotation for a result with the given
// similarity score. The reasons are deterministic functions of state.
func Explain(u *memory.Unit, similarity float64, now time.Time) Signals {
	trustScore := Score(u, now)
	var why []string

	switch {
	case similarity >= 0.9:
		why = append(why, fmt.Sprintf("Exact semantic match to your query (%.2f)", similarity))
	case similarity >= 0.8:
		why = append(why, fmt.Sprintf("Strong semantic match (%.2f)", similarity))
	case similarity >= 0.7:
		why = append(why, fmt.Sprintf("Good semantic match (%.2f)", similarity))
	default:
		why = append(why, fmt.Sprintf("Related to your query (%.2f)", similarity))
	}

	if u.ProjectName != "" {
		why = append(why, "From current project: "+u.ProjectName)
	} else if u.Scope == memory.ScopeGlobal {
		why = append(why, "Global memory (applies everywhere)")
	}

	access := accessCount(u)
	switch {
	case access > 20:
		why = append(why, fmt.Sprintf("Frequently accessed (%d times)", access))
	case access > 10:
		why = append(why, fmt.Sprintf("Well-used memory (%d accesses)", access))
	case access > 5:
		why = append(why, fmt.Sprintf("Accessed %d times previously", access))
	}

	if u.Provenance.Verified {
		if u.Provenance.LastConfirmed != nil {
			days := int(now.Sub(*u.Provenance.LastConfirmed).Hours() / 24)
			switch {
			case days == 0:
				why = append(why, "You verified this today")
			case days < 30:
				why = append(why, fmt.Sprintf("You verified this %d days ago", days))
			default:
				why = append(why, "You verified this (some time ago)")
			}
		} else {
			why = append(why, "You verified this (some time ago)")
		}
	}

	switch u.Category {
	case memory.CategoryPreference:
		why = append(why, "This is a personal preference")
	case memory.CategoryFact:
		why = append(why, "Factual information")
	}

	related := relatedCount(u)
	if related > 0 {
		why = append(why, fmt.Sprintf("Related to %d other memories", related))
	}

	why = append(why, "Source: "+sourceLabel(u.Provenance.Source))

	return Signals{
		WhyShown:        why,
		TrustScore:      trustScore,
		ConfidenceLevel: Level(trustScore),
		LastVerified:    relativeTime(u.Provenance.LastConfirmed, now),
		ProvenanceSummary: map[string]any{
			"source":     string(u.Provenance.Source),
			"created_by": u.Provenance.CreatedBy,
			"confidence": u.Provenance.Confidence,
			"verified":   u.Provenance.Verified,
			"age_days":   int(now.Sub(u.CreatedAt).Hours() / 24),
		},
		RelatedCount:          relatedCount(u),
		ContradictionDetected: hasContradiction(u),
	}
}

// relativeTime renders an instant as a relative phrase: "today",
// "yesterday", "3 days ago", "2 weeks ago", "4 months ago".
func relativeTime(t *time.Time, now time.Time) string {
	if t == nil {
		return ""
	}
	days := int(now.Sub(*t).Hours() / 24)
	switch {
	case days <= 0:
		return "today"
	case days == 1:
		return "yesterday"
	case days < 7:
		return fmt.Sprintf("%d days ago", days)
	case days < 30:
		weeks := days / 7
		if weeks == 1 {
			return "1 week ago"
		}
		return fmt.Sprintf("%d weeks ago", weeks)
	default:
		months := days / 30
		if months == 1 {
			return "1 month ago"
		}
		return fmt.Sprintf("%d months ago", months)
	}
}

func sourceLabel(source memory.ProvenanceSource) string {
	switch source {
	case memory.SourceUserExplicit:
		return "you stated this directly"
	case memory.SourceClaudeInferred:
		return "inferred from conversation"
	case memory.SourceDocumentation:
		return "from code documentation"
	case memory.SourceCodeIndexed:
		return "from code analysis"
	case memory.SourceAutoClassified:
		return "automatically classified"
	case memory.SourceImported:
		return "imported data"
	default:
		return "legacy data"
	}
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

func relationships(u *memory.Unit) []map[string]any {
	raw, ok := u.Metadata[relationshipsKey].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func relatedCount(u *memory.Unit) int {
	return len(relationships(u))
}

func hasContradiction(u *memory.Unit) bool {
	for _, rel := range relationships(u) {
		if t, _ := rel["relationship_type"].(string); t == "contradicts" {
			return true
		}
	}
	return false
}
