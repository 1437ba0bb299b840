package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/config"
	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
	"github.com/emmilco/claude-memory-server-sub004/internal/vectorstore"
)

// Opportunity is one storage optimization the analyzer identified.
type Opportunity struct {
	Type             string         `json:"type"` // compress | deduplicate | delete
	Description      string         `json:"description"`
	AffectedCount    int            `json:"affected_count"`
	StorageSavingsMB float64        `json:"storage_savings_mb"`
	RiskLevel        string         `json:"risk_level"` // safe | low | medium | high
	Details          map[string]any `json:"details"`
}

// AnalysisResult is the outcome of one storage analysis pass.
type AnalysisResult struct {
	TotalMemories      int
	TotalSizeMB        float64
	ByLifecycleState   map[memory.LifecycleState]int
	ByLifecycleSizeMB  map[memory.LifecycleState]float64
	Opportunities      []Opportunity
	PotentialSavingsMB float64
	AnalyzedAt         time.Time
}

// Optimizer analyzes the store for optimization opportunities and
// applies the safe ones.
type Optimizer struct {
	store    vectorstore.Store
	manager  *Manager
	cfg      config.OptimizerConfig
	embedDim int
	logger   *zap.Logger
}

// NewOptimizer creates a storage optimizer. embedDim feeds the per-record
// size estimate (dim float32s per vector).
func NewOptimizer(store vectorstore.Store, manager *Manager, cfg config.OptimizerConfig, embedDim int, logger *zap.Logger) *Optimizer {
	return &Optimizer{
		store:    store,
		manager:  manager,
		cfg:      cfg,
		embedDim: embedDim,
		logger:   logger.Named("optimizer"),
	}
}

// Analyze scans all memories and identifies opportunities, sorted by
// savings descending then by ascending risk.
func (o *Optimizer) Analyze(ctx context.Context) (*AnalysisResult, error) {
	now := time.Now().UTC()
	var units []*memory.Unit
	err := o.store.Scroll(ctx, nil, func(payload map[string]any) error {
		unit, err := memory.UnitFromPayload(payload)
		if err != nil {
			return nil // skip unparseable records; analysis is best-effort
		}
		units = append(units, unit)
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &AnalysisResult{
		TotalMemories:     len(units),
		ByLifecycleState:  make(map[memory.LifecycleState]int),
		ByLifecycleSizeMB: make(map[memory.LifecycleState]float64),
		AnalyzedAt:        now,
	}
	for _, u := range units {
		u.Lifecycle = o.manager.StateAt(now, u.LastAccessed, u.CreatedAt)
		size := o.estimateSizeMB(u)
		result.TotalSizeMB += size
		result.ByLifecycleState[u.Lifecycle]++
		result.ByLifecycleSizeMB[u.Lifecycle] += size
	}

	result.Opportunities = append(result.Opportunities, o.compressOpportunities(units)...)
	result.Opportunities = append(result.Opportunities, o.deduplicateOpportunities(units)...)
	result.Opportunities = append(result.Opportunities, o.staleOpportunities(units, now)...)
	result.Opportunities = append(result.Opportunities, o.sessionExpiryOpportunities(units, now)...)

	sort.SliceStable(result.Opportunities, func(i, j int) bool {
		a, b := result.Opportunities[i], result.Opportunities[j]
		if a.StorageSavingsMB != b.StorageSavingsMB {
			return a.StorageSavingsMB > b.StorageSavingsMB
		}
		return riskOrder(a.RiskLevel) < riskOrder(b.RiskLevel)
	})
	for _, opp := range result.Opportunities {
		result.PotentialSavingsMB += opp.StorageSavingsMB
	}

	o.logger.Info("storage analysis complete",
		zap.Int("memories", result.TotalMemories),
		zap.Int("opportunities", len(result.Opportunities)),
		zap.Float64("potential_savings_mb", result.PotentialSavingsMB))
	return result, nil
}

func riskOrder(risk string) int {
	switch risk {
	case "safe":
		return 0
	case "low":
		return 1
	case "medium":
		return 2
	default:
		return 3
	}
}

// estimateSizeMB approximates a record's footprint: content bytes plus
// the vector plus a rough metadata estimate.
func (o *Optimizer) estimateSizeMB(u *memory.Unit) float64 {
	size := len(u.Content) + o.embedDim*4
	size += len(fmt.Sprint(u.Metadata))
	return float64(size) / (1024 * 1024)
}

func (o *Optimizer) compressOpportunities(units []*memory.Unit) []Opportunity {
	threshold := o.cfg.CompressionThresholdKB * 1024
	byState := map[memory.LifecycleState][]*memory.Unit{}
	for _, u := range units {
		if len(u.Content) > threshold {
			byState[u.Lifecycle] = append(byState[u.Lifecycle], u)
		}
	}

	var out []Opportunity
	for _, state := range []memory.LifecycleState{memory.LifecycleActive, memory.LifecycleRecent, memory.LifecycleArchived, memory.LifecycleStale} {
		group := byState[state]
		if len(group) == 0 {
			continue
		}
		var total float64
		for _, u := range group {
			total += o.estimateSizeMB(u)
		}
		risk := "medium"
		if state == memory.LifecycleArchived || state == memory.LifecycleStale {
			risk = "low"
		}
		out = append(out, Opportunity{
			Type: "compress",
			Description: fmt.Sprintf("Compress %d large %s memories (>%dKB each)",
				len(group), state, o.cfg.CompressionThresholdKB),
			AffectedCount:    len(group),
			StorageSavingsMB: total * 0.4, // assumed compression ratio
			RiskLevel:        risk,
			Details: map[string]any{
				"state":      string(state),
				"memory_ids": sampleIDs(group, 10),
			},
		})
	}
	return out
}

func (o *Optimizer) deduplicateOpportunities(units []*memory.Unit) []Opportunity {
	// Coarse signature grouping; semantic near-duplicates belong to the
	// consolidation engine.
	bySignature := map[string][]*memory.Unit{}
	for _, u := range units {
		bucket := (len(u.Content) / 100) * 100
		sig := fmt.Sprintf("%s_%s_%d", u.Category, u.ContextLevel, bucket)
		bySignature[sig] = append(bySignature[sig], u)
	}

	count := 0
	groups := 0
	var savings float64
	var signatures []string
	for sig, group := range bySignature {
		if len(group) < 2 {
			continue
		}
		groups++
		count += len(group) - 1
		for _, u := range group[1:] {
			savings += o.estimateSizeMB(u)
		}
		signatures = append(signatures, sig)
	}
	if groups == 0 {
		return nil
	}
	sort.Strings(signatures)
	if len(signatures) > 5 {
		signatures = signatures[:5]
	}

	return []Opportunity{{
		Type:             "deduplicate",
		Description:      fmt.Sprintf("Review %d potential duplicate memories across %d groups", count, groups),
		AffectedCount:    count,
		StorageSavingsMB: savings,
		RiskLevel:        "medium",
		Details: map[string]any{
			"groups":            groups,
			"sample_signatures": signatures,
		},
	}}
}

func (o *Optimizer) staleOpportunities(units []*memory.Unit, now time.Time) []Opportunity {
	threshold := time.Duration(o.cfg.StaleThresholdDays) * 24 * time.Hour
	var stale []*memory.Unit
	for _, u := range units {
		ref := u.LastAccessed
		if ref.IsZero() {
			ref = u.CreatedAt
		}
		if u.Lifecycle == memory.LifecycleStale && now.Sub(ref) > threshold {
			stale = append(stale, u)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	var total float64
	for _, u := range stale {
		total += o.estimateSizeMB(u)
	}
	return []Opportunity{{
		Type:             "delete",
		Description:      fmt.Sprintf("Delete %d STALE memories unused for %d+ days", len(stale), o.cfg.StaleThresholdDays),
		AffectedCount:    len(stale),
		StorageSavingsMB: total,
		RiskLevel:        "low",
		Details:          map[string]any{"memory_ids": sampleIDs(stale, len(stale))},
	}}
}

func (o *Optimizer) sessionExpiryOpportunities(units []*memory.Unit, now time.Time) []Opportunity {
	threshold := time.Duration(o.cfg.SessionExpiryHours) * time.Hour
	var expired []*memory.Unit
	for _, u := range units {
		ref := u.LastAccessed
		if ref.IsZero() {
			ref = u.CreatedAt
		}
		if u.ContextLevel == memory.ContextSessionState && now.Sub(ref) > threshold {
			expired = append(expired, u)
		}
	}
	if len(expired) == 0 {
		return nil
	}

	var total float64
	for _, u := range expired {
		total += o.estimateSizeMB(u)
	}
	return []Opportunity{{
		Type: "delete",
		Description: fmt.Sprintf("Delete %d expired SESSION_STATE memories (>%dh old)",
			len(expired), o.cfg.SessionExpiryHours),
		AffectedCount:    len(expired),
		StorageSavingsMB: total,
		RiskLevel:        "safe", // session state is temporary by definition
		Details:          map[string]any{"memory_ids": sampleIDs(expired, len(expired))},
	}}
}

// Apply executes one opportunity. Only delete opportunities mutate;
// compress and deduplicate surface for other engines. Returns the
// number of affected records.
func (o *Optimizer) Apply(ctx context.Context, opp Opportunity, dryRun bool) (int, error) {
	if dryRun {
		o.logger.Info("dry run: would apply optimization", zap.String("description", opp.Description))
		return opp.AffectedCount, nil
	}

	switch opp.Type {
	case "delete":
		ids, _ := opp.Details["memory_ids"].([]string)
		deleted := 0
		for _, id := range ids {
			ok, err := o.store.Delete(ctx, id)
			if err != nil {
				o.logger.Error("failed to delete memory", zap.String("id", id), zap.Error(err))
				continue
			}
			if ok {
				deleted++
			}
		}
		return deleted, nil
	case "compress", "deduplicate":
		o.logger.Warn("optimization type requires manual action", zap.String("type", opp.Type))
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: unknown optimization type %q", memory.ErrValidation, opp.Type)
	}
}

// AutoOptimizeResult summarizes an auto-optimization pass.
type AutoOptimizeResult struct {
	TotalMemories      int     `json:"total_memories"`
	OpportunitiesFound int     `json:"opportunities_found"`
	SafeOpportunities  int     `json:"safe_opportunities"`
	Applied            int     `json:"applied"`
	SavingsMB          float64 `json:"savings_mb"`
	DryRun             bool    `json:"dry_run"`
}

// AutoOptimize runs analysis and applies only risk_level=safe
// opportunities.
func (o *Optimizer) AutoOptimize(ctx context.Context, dryRun bool) (*AutoOptimizeResult, error) {
	analysis, err := o.Analyze(ctx)
	if err != nil {
		return nil, err
	}

	result := &AutoOptimizeResult{
		TotalMemories:      analysis.TotalMemories,
		OpportunitiesFound: len(analysis.Opportunities),
		DryRun:             dryRun,
	}
	for _, opp := range analysis.Opportunities {
		if opp.RiskLevel != "safe" {
			continue
		}
		result.SafeOpportunities++
		applied, err := o.Apply(ctx, opp, dryRun)
		if err != nil {
			return result, err
		}
		result.Applied += applied
		result.SavingsMB += opp.StorageSavingsMB
	}

	o.logger.Info("auto-optimization complete",
		zap.Int("applied", result.Applied),
		zap.Float64("savings_mb", result.SavingsMB),
		zap.Bool("dry_run", dryRun))
	return result, nil
}

func sampleIDs(units []*memory.Unit, n int) []string {
	ids := make([]string, 0, n)
	for _, u := range units {
		ids = append(ids, u.ID)
		if len(ids) == n {
			break
		}
	}
	sort.Strings(ids)
	return ids
}
