// Package memservice is the higher-level write/read surface for memory
// units: storing user and inferred facts with provenance, filtered
// semantic search with lifecycle re-weighting and trust annotation,
// verification, and specialized retrieval wrappers.
package memservice

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/embeddings"
	"github.com/emmilco/claude-memory-server-sub004/internal/lifecycle"
	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
	"github.com/emmilco/claude-memory-server-sub004/internal/trust"
	"github.com/emmilco/claude-memory-server-sub004/internal/vectorstore"
)

// ProvenanceContext is the caller-supplied context block captured into
// a new memory's provenance.
type ProvenanceContext struct {
	Source         memory.ProvenanceSource
	UserID         string
	DocType        string
	IndexerVersion string
	ImportSource   string
	ConversationID string
	FileContext    []string
	Notes          string
}

// sourceProfile encodes the per-source created_by template and base
// confidence in one table instead of scattered conditionals.
type sourceProfile struct {
	confidence float64
	createdBy  func(ProvenanceContext) string
}

var sourceProfiles = map[memory.ProvenanceSource]sourceProfile{
	memory.SourceUserExplicit: {0.9, func(c ProvenanceContext) string {
		if c.UserID != "" {
			return c.UserID
		}
		return "user_statement"
	}},
	memory.SourceDocumentation: {0.85, func(c ProvenanceContext) string {
		doc := c.DocType
		if doc == "" {
			doc = "unknown"
		}
		return "documentation:" + doc
	}},
	memory.SourceCodeIndexed: {0.8, func(c ProvenanceContext) string {
		v := c.IndexerVersion
		if v == "" {
			v = "v1"
		}
		return "code_indexer:" + v
	}},
	memory.SourceClaudeInferred: {0.7, func(ProvenanceContext) string { return "claude_inference" }},
	memory.SourceAutoClassified: {0.6, func(ProvenanceContext) string { return "auto_classifier" }},
	memory.SourceImported: {0.5, func(c ProvenanceContext) string {
		src := c.ImportSource
		if src == "" {
			src = "unknown"
		}
		return "import:" + src
	}},
	memory.SourceLegacy: {0.5, func(ProvenanceContext) string { return "legacy_migration" }},
}

// CaptureProvenance builds provenance metadata for a new memory.
func CaptureProvenance(pctx ProvenanceContext) memory.Provenance {
	profile, ok := sourceProfiles[pctx.Source]
	if !ok {
		profile = sourceProfiles[memory.SourceLegacy]
		pctx.Source = memory.SourceLegacy
	}
	return memory.Provenance{
		Source:         pctx.Source,
		CreatedBy:      profile.createdBy(pctx),
		Confidence:     profile.confidence,
		Verified:       false,
		ConversationID: pctx.ConversationID,
		FileContext:    append([]string(nil), pctx.FileContext...),
		Notes:          pctx.Notes,
	}
}

// StoreOptions describes one memory to store.
type StoreOptions struct {
	Content      string
	Category     memory.Category
	ContextLevel memory.ContextLevel
	Scope        memory.Scope
	ProjectName  string
	Importance   float64
	Tags         []string
	Metadata     map[string]any
	Provenance   ProvenanceContext
}

// Result is one annotated search hit.
type Result struct {
	Unit    *memory.Unit
	Score   float64
	Signals trust.Signals
}

// Service is the memory store API.
type Service struct {
	store     vectorstore.Store
	embedder  embeddings.Generator
	lifecycle *lifecycle.Manager
	logger    *zap.Logger

	// usage updates run async and best-effort; Close waits for them.
	usageWG sync.WaitGroup
}

// New creates the memory service.
func New(store vectorstore.Store, embedder embeddings.Generator, lm *lifecycle.Manager, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		embedder:  embedder,
		lifecycle: lm,
		logger:    logger.Named("memservice"),
	}
}

// buildUnit assembles and validates a unit from store options.
func (s *Service) buildUnit(opts StoreOptions) (*memory.Unit, error) {
	now := time.Now().UTC()
	unit := &memory.Unit{
		ID:           uuid.New().String(),
		Content:      opts.Content,
		Category:     opts.Category,
		ContextLevel: opts.ContextLevel,
		Scope:        opts.Scope,
		ProjectName:  opts.ProjectName,
		Importance:   opts.Importance,
		Tags:         append([]string(nil), opts.Tags...),
		Metadata:     opts.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastAccessed: now,
		Provenance:   CaptureProvenance(opts.Provenance),

		EmbeddingModel: s.embedder.Model(),
	}
	if unit.ContextLevel == "" {
		unit.ContextLevel = memory.ContextProjectContext
	}
	if unit.Scope == "" {
		unit.Scope = memory.ScopeGlobal
	}
	if unit.Metadata == nil {
		unit.Metadata = map[string]any{}
	}
	if err := unit.Validate(); err != nil {
		return nil, err
	}
	return unit, nil
}

// StoreMemory captures provenance, generates the embedding, and upserts
// through the vector store.
func (s *Service) StoreMemory(ctx context.Context, opts StoreOptions) (*memory.Unit, error) {
	unit, err := s.buildUnit(opts)
	if err != nil {
		return nil, err
	}

	vector, err := s.embedder.Generate(ctx, unit.Content)
	if err != nil {
		return nil, err
	}

	id, err := s.store.Store(ctx, unit, vector)
	if err != nil {
		return nil, err
	}
	unit.ID = id
	s.logger.Debug("stored memory", zap.String("id", id), zap.String("category", string(unit.Category)))
	return unit, nil
}

// BatchStoreMemories stores multiple memories with one batched
// embedding request, preserving input order.
func (s *Service) BatchStoreMemories(ctx context.Context, optsList []StoreOptions) ([]*memory.Unit, error) {
	if len(optsList) == 0 {
		return nil, nil
	}

	units := make([]*memory.Unit, len(optsList))
	texts := make([]string, len(optsList))
	for i, opts := range optsList {
		unit, err := s.buildUnit(opts)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		units[i] = unit
		texts[i] = unit.Content
	}

	vectors, err := s.embedder.BatchGenerate(ctx, texts)
	if err != nil {
		return nil, err
	}

	items := make([]vectorstore.BatchItem, len(units))
	for i := range units {
		items[i] = vectorstore.BatchItem{Unit: units[i], Vector: vectors[i]}
	}
	if _, err := s.store.BatchStore(ctx, items); err != nil {
		return nil, err
	}
	return units, nil
}

// Search embeds the query, retrieves filtered neighbors, applies
// lifecycle re-weighting, annotates trust signals, and fires async
// best-effort usage updates for the returned records.
func (s *Service) Search(ctx context.Context, query string, filters *memory.SearchFilters, limit int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query cannot be empty", memory.ErrValidation)
	}

	vector, err := s.embedder.Generate(ctx, query)
	if err != nil {
		return nil, err
	}

	scored, err := s.store.Retrieve(ctx, vector, filters, limit)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	scored = s.lifecycle.Reweight(scored, now)

	results := make([]Result, len(scored))
	for i, su := range scored {
		results[i] = Result{
			Unit:    su.Unit,
			Score:   su.Score,
			Signals: trust.Explain(su.Unit, su.Score, now),
		}
	}

	s.trackUsage(scored, now)
	return results, nil
}

// trackUsage asynchronously bumps last_accessed/use_count/score on the
// returned records. Failures never fail the search.
func (s *Service) trackUsage(scored []memory.ScoredUnit, now time.Time) {
	if len(scored) == 0 {
		return
	}
	updates := make([]memory.ScoredUnit, len(scored))
	copy(updates, scored)

	s.usageWG.Add(1)
	go func() {
		defer s.usageWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		for _, su := range updates {
			rec, tracked := memory.UsageFromPayload(su.Unit.Metadata)
			if !tracked {
				rec.FirstSeen = now
			}
			rec.LastUsed = now
			rec.UseCount++
			rec.LastSearchScore = su.Score

			payload := memory.UsageToPayload(rec)
			payload["last_accessed"] = now.Format(time.RFC3339Nano)
			payload["access_count"] = accessCountFromMetadata(su.Unit.Metadata) + 1

			if _, err := s.store.Update(ctx, su.Unit.ID, payload); err != nil {
				s.logger.Debug("usage update failed", zap.String("id", su.Unit.ID), zap.Error(err))
			}
		}
	}()
}

func accessCountFromMetadata(metadata map[string]any) int {
	switch v := metadata["access_count"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Get fetches a memory by id. Missing ids return ErrMemoryNotFound.
func (s *Service) Get(ctx context.Context, id string) (*memory.Unit, error) {
	unit, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, fmt.Errorf("%w: %s", memory.ErrMemoryNotFound, id)
	}
	return unit, nil
}

// UpdateOptions carries memory field updates. Nil fields are left
// untouched. Content changes re-embed the record.
type UpdateOptions struct {
	Content      *string
	ContextLevel *memory.ContextLevel
	Scope        *memory.Scope
	ProjectName  *string
	Importance   *float64
	Tags         []string
	Metadata     map[string]any
}

// UpdateMemory applies field updates to a record.
func (s *Service) UpdateMemory(ctx context.Context, id string, opts UpdateOptions) (*memory.Unit, error) {
	unit, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if opts.Content != nil {
		if strings.TrimSpace(*opts.Content) == "" {
			return nil, fmt.Errorf("%w: content must be non-empty", memory.ErrValidation)
		}
		unit.Content = *opts.Content
	}
	if opts.ContextLevel != nil {
		if _, err := memory.ParseContextLevel(string(*opts.ContextLevel)); err != nil {
			return nil, err
		}
		unit.ContextLevel = *opts.ContextLevel
	}
	if opts.Scope != nil {
		if _, err := memory.ParseScope(string(*opts.Scope)); err != nil {
			return nil, err
		}
		unit.Scope = *opts.Scope
	}
	if opts.ProjectName != nil {
		unit.ProjectName = *opts.ProjectName
	}
	if opts.Importance != nil {
		if *opts.Importance < 0 || *opts.Importance > 1 {
			return nil, fmt.Errorf("%w: importance %.3f outside [0,1]", memory.ErrValidation, *opts.Importance)
		}
		unit.Importance = *opts.Importance
	}
	if opts.Tags != nil {
		unit.Tags = append([]string(nil), opts.Tags...)
	}
	for k, v := range opts.Metadata {
		unit.Metadata[k] = v
	}
	unit.UpdatedAt = time.Now().UTC()

	if err := unit.Validate(); err != nil {
		return nil, err
	}

	// Content changes invalidate the stored vector; re-embed and
	// upsert. Metadata-only changes merge in place.
	if opts.Content != nil {
		vector, err := s.embedder.Generate(ctx, unit.Content)
		if err != nil {
			return nil, err
		}
		if _, err := s.store.Store(ctx, unit, vector); err != nil {
			return nil, err
		}
		return unit, nil
	}

	payload, err := unit.ToPayload()
	if err != nil {
		return nil, err
	}
	ok, err := s.store.Update(ctx, id, payload)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", memory.ErrMemoryNotFound, id)
	}
	return unit, nil
}

// DeleteMemory removes a record.
func (s *Service) DeleteMemory(ctx context.Context, id string) error {
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrMemoryNotFound, id)
	}
	return nil
}

// List returns a deterministic page of memories.
func (s *Service) List(ctx context.Context, opts vectorstore.ListOptions) ([]*memory.Unit, int, error) {
	return s.store.ListMemories(ctx, opts)
}

// Close waits for in-flight usage updates.
func (s *Service) Close() {
	s.usageWG.Wait()
}

// sortByConfidence orders units ascending by stored confidence.
func sortByConfidence(units []*memory.Unit) {
	sort.SliceStable(units, func(i, j int) bool {
		return units[i].Provenance.Confidence < units[j].Provenance.Confidence
	})
}
