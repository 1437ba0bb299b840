package consolidation

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// Contradiction pairs two memories that likely cannot both hold.
type Contradiction struct {
	A, B       *memory.Unit
	Similarity float64
}

// minContradictionAge separates genuine preference drift from
// restatements made in the same conversation window.
const minContradictionAge = 30 * 24 * time.Hour

// DetectContradictions scans a category for pairs with similarity above
// the configured minimum, created more than 30 days apart, whose
// contents carry a mutual-exclusivity signal. Results surface for
// review; nothing resolves automatically.
//
// The lexical heuristic is deterministic and configurable: each content
// is scanned for the first configured preference verb, and the token
// following it is the "preferred object". Two similar memories with
// different preferred objects contradict.
func (d *Detector) DetectContradictions(ctx context.Context, category memory.Category) ([]Contradiction, error) {
	pairs, units, err := d.findPairs(ctx, category, d.cfg.ContradictionMinSim)
	if err != nil {
		return nil, err
	}

	var out []Contradiction
	for _, p := range pairs {
		a, b := units[p.A], units[p.B]
		if a == nil || b == nil {
			continue
		}
		gap := a.CreatedAt.Sub(b.CreatedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap < minContradictionAge {
			continue
		}

		objA := preferredObject(a.Content, d.cfg.PreferenceVerbs)
		objB := preferredObject(b.Content, d.cfg.PreferenceVerbs)
		if objA == "" || objB == "" || objA == objB {
			continue
		}

		out = append(out, Contradiction{A: a, B: b, Similarity: p.Similarity})
		d.logger.Debug("contradiction candidate",
			zap.String("a", a.ID), zap.String("b", b.ID),
			zap.String("object_a", objA), zap.String("object_b", objB))
	}
	return out, nil
}

// preferredObject extracts the token following the first preference
// verb in content, lowercased and stripped of punctuation. Returns
// empty when no verb matches.
func preferredObject(content string, verbs []string) string {
	words := strings.Fields(strings.ToLower(content))
	for i, w := range words {
		w = strings.Trim(w, ".,;:!?\"'")
		for _, verb := range verbs {
			if w == verb && i+1 < len(words) {
				return strings.Trim(words[i+1], ".,;:!?\"'")
			}
		}
	}
	return ""
}
