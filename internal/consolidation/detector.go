// Package consolidation finds near-duplicate memories via vector
// similarity, merges clusters under a named strategy, and detects
// contradictory preferences. The daily/weekly/monthly passes are
// exposed as explicit run-once operations guarded by a file lock.
package consolidation

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/config"
	"github.com/emmilco/claude-memory-server-sub004/internal/embeddings"
	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
	"github.com/emmilco/claude-memory-server-sub004/internal/vectorstore"
)

// Pair is one near-duplicate relation above a threshold.
type Pair struct {
	A, B       string
	Similarity float64
}

// Cluster is a group of mutually-near memories. Canonical is nominated
// by policy (newest by created_at).
type Cluster struct {
	Canonical string
	Members   []string
	// MaxSimilarity is the strongest pairwise similarity in the cluster.
	MaxSimilarity float64
}

// Detector finds duplicate candidates.
type Detector struct {
	store    vectorstore.Store
	embedder embeddings.Generator
	cfg      config.ConsolidationConfig
	logger   *zap.Logger
}

// NewDetector creates a duplicate detector.
func NewDetector(store vectorstore.Store, embedder embeddings.Generator, cfg config.ConsolidationConfig, logger *zap.Logger) *Detector {
	return &Detector{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.Named("duplicates"),
	}
}

// findPairs retrieves each candidate's nearest neighbors of the same
// category (and, for preferences, the same scope and project) and
// records pairs at or above minSimilarity.
func (d *Detector) findPairs(ctx context.Context, category memory.Category, minSimilarity float64) ([]Pair, map[string]*memory.Unit, error) {
	var candidates []*memory.Unit
	err := d.store.Scroll(ctx, &memory.SearchFilters{Category: category}, func(payload map[string]any) error {
		unit, err := memory.UnitFromPayload(payload)
		if err != nil {
			return nil
		}
		candidates = append(candidates, unit)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	units := make(map[string]*memory.Unit, len(candidates))
	for _, u := range candidates {
		units[u.ID] = u
	}

	seen := map[[2]string]bool{}
	var pairs []Pair
	for _, u := range candidates {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		vector, err := d.embedder.Generate(ctx, u.Content)
		if err != nil {
			d.logger.Warn("skipping candidate, embedding failed", zap.String("id", u.ID), zap.Error(err))
			continue
		}

		filters := &memory.SearchFilters{Category: category}
		if category == memory.CategoryPreference {
			filters.Scope = u.Scope
			filters.ProjectName = u.ProjectName
		}

		neighbors, err := d.store.Retrieve(ctx, vector, filters, 10)
		if err != nil {
			return nil, nil, err
		}
		for _, n := range neighbors {
			if n.Unit.ID == u.ID || n.Score < minSimilarity {
				continue
			}
			key := pairKey(u.ID, n.Unit.ID)
			if seen[key] {
				continue
			}
			seen[key] = true
			pairs = append(pairs, Pair{A: key[0], B: key[1], Similarity: n.Score})
		}
	}

	return pairs, units, nil
}

func pairKey(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

// Clusters groups pairs with a union-find pass: any two memories over
// the threshold join one cluster, so the assignment is independent of
// input ordering. Clusters of size >= 2 are candidates.
func Clusters(pairs []Pair, units map[string]*memory.Unit) []Cluster {
	parent := map[string]string{}
	var find func(string) string
	find = func(x string) string {
		if parent[x] == x {
			return x
		}
		root := find(parent[x])
		parent[x] = root
		return root
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			// Deterministic root selection keeps clusters stable.
			if ra < rb {
				parent[rb] = ra
			} else {
				parent[ra] = rb
			}
		}
	}

	for _, p := range pairs {
		if _, ok := parent[p.A]; !ok {
			parent[p.A] = p.A
		}
		if _, ok := parent[p.B]; !ok {
			parent[p.B] = p.B
		}
		union(p.A, p.B)
	}

	members := map[string][]string{}
	for id := range parent {
		root := find(id)
		members[root] = append(members[root], id)
	}
	maxSim := map[string]float64{}
	for _, p := range pairs {
		root := find(p.A)
		if p.Similarity > maxSim[root] {
			maxSim[root] = p.Similarity
		}
	}

	var clusters []Cluster
	for root, ids := range members {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		clusters = append(clusters, Cluster{
			Canonical:     nominateCanonical(ids, units),
			Members:       ids,
			MaxSimilarity: maxSim[root],
		})
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Canonical < clusters[j].Canonical })
	return clusters
}

// nominateCanonical picks the newest member by created_at, ties broken
// by id.
func nominateCanonical(ids []string, units map[string]*memory.Unit) string {
	best := ids[0]
	for _, id := range ids[1:] {
		bu, iu := units[best], units[id]
		if bu == nil || (iu != nil && iu.CreatedAt.After(bu.CreatedAt)) {
			best = id
		}
	}
	return best
}

// AutoMergeCandidates returns clusters safe to merge without review
// (similarity >= the auto-merge threshold, default 0.95).
func (d *Detector) AutoMergeCandidates(ctx context.Context, category memory.Category) ([]Cluster, map[string]*memory.Unit, error) {
	pairs, units, err := d.findPairs(ctx, category, d.cfg.AutoMergeThreshold)
	if err != nil {
		return nil, nil, err
	}
	return Clusters(pairs, units), units, nil
}

// ReviewCandidates returns clusters in the review band
// [review_threshold, auto_merge_threshold), default [0.85, 0.95).
func (d *Detector) ReviewCandidates(ctx context.Context, category memory.Category) ([]Cluster, map[string]*memory.Unit, error) {
	pairs, units, err := d.findPairs(ctx, category, d.cfg.ReviewThreshold)
	if err != nil {
		return nil, nil, err
	}
	var review []Pair
	for _, p := range pairs {
		if p.Similarity < d.cfg.AutoMergeThreshold {
			review = append(review, p)
		}
	}
	return Clusters(review, units), units, nil
}

// Suggestion is one consolidation recommendation.
type Suggestion struct {
	Type       string   `json:"type"` // auto_merge | needs_review
	Canonical  string   `json:"canonical"`
	Duplicates []string `json:"duplicates"`
	Confidence string   `json:"confidence"` // high | medium
	Action     string   `json:"action"`     // merge | review
}

// Suggestions combines auto-merge and review candidates, auto-merge
// first, capped at limit.
func (d *Detector) Suggestions(ctx context.Context, category memory.Category, limit int) ([]Suggestion, error) {
	var out []Suggestion

	auto, _, err := d.AutoMergeCandidates(ctx, category)
	if err != nil {
		return nil, err
	}
	for _, c := range auto {
		out = append(out, Suggestion{
			Type:       "auto_merge",
			Canonical:  c.Canonical,
			Duplicates: withoutID(c.Members, c.Canonical),
			Confidence: "high",
			Action:     "merge",
		})
		if len(out) == limit {
			return out, nil
		}
	}

	review, _, err := d.ReviewCandidates(ctx, category)
	if err != nil {
		return nil, err
	}
	for _, c := range review {
		out = append(out, Suggestion{
			Type:       "needs_review",
			Canonical:  c.Canonical,
			Duplicates: withoutID(c.Members, c.Canonical),
			Confidence: "medium",
			Action:     "review",
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func withoutID(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
