package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// ChromemStore is an embedded Store implementation on chromem-go. It
// serves local mode and the store contract tests without an external
// server. The full payload serializes as JSON into a single metadata
// key; the structured filter language is applied post-query in Go.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	dim        int
	logger     *zap.Logger

	// chromem query requires nResults <= count and filters are applied
	// after the fact, so writes and queries synchronize here.
	mu sync.RWMutex
}

const chromemPayloadKey = "payload"

// NewChromemStore opens (or creates) a persistent embedded store.
func NewChromemStore(path, collectionName string, dim int, logger *zap.Logger) (*ChromemStore, error) {
	db, err := chromem.NewPersistentDB(path, true)
	if err != nil {
		return nil, fmt.Errorf("%w: opening embedded store at %s: %v", memory.ErrStorage, path, err)
	}

	// Embeddings always arrive precomputed; the embedding func is only
	// a guard against accidental text queries.
	collection, err := db.GetOrCreateCollection(collectionName, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("%w: embedded store requires precomputed vectors", memory.ErrEmbedding)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating collection %s: %v", memory.ErrStorage, collectionName, err)
	}

	return &ChromemStore{
		db:         db,
		collection: collection,
		dim:        dim,
		logger:     logger.Named("chromem"),
	}, nil
}

// Store upserts a single unit.
func (s *ChromemStore) Store(ctx context.Context, unit *memory.Unit, vector []float32) (string, error) {
	ids, err := s.BatchStore(ctx, []BatchItem{{Unit: unit, Vector: vector}})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// BatchStore bulk-upserts items in order.
func (s *ChromemStore) BatchStore(ctx context.Context, items []BatchItem) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	docs := make([]chromem.Document, len(items))
	ids := make([]string, len(items))
	for i, item := range items {
		unit := item.Unit
		if unit.ID == "" {
			unit.ID = uuid.New().String()
		}
		ids[i] = unit.ID

		payload, err := unit.ToPayload()
		if err != nil {
			return nil, err
		}
		if len(item.Vector) != s.dim {
			return nil, fmt.Errorf("%w: vector dimension %d does not match collection size %d",
				memory.ErrValidation, len(item.Vector), s.dim)
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding payload: %v", memory.ErrValidation, err)
		}

		docs[i] = chromem.Document{
			ID:        unit.ID,
			Content:   unit.Content,
			Embedding: item.Vector,
			Metadata:  map[string]string{chromemPayloadKey: string(encoded)},
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Upsert semantics: replace any existing document with the same id.
	for _, id := range ids {
		_ = s.collection.Delete(ctx, nil, nil, id)
	}
	if err := s.collection.AddDocuments(ctx, docs, 1); err != nil {
		return nil, fmt.Errorf("%w: adding documents: %v", memory.ErrStorage, err)
	}
	return ids, nil
}

// Retrieve performs filtered k-NN search. Filters apply post-query, so
// the query over-fetches and trims to the capped limit.
func (s *ChromemStore) Retrieve(ctx context.Context, queryVector []float32, filters *memory.SearchFilters, limit int) ([]memory.ScoredUnit, error) {
	limit = capLimit(limit)

	s.mu.RLock()
	count := s.collection.Count()
	if count == 0 {
		s.mu.RUnlock()
		return nil, nil
	}
	n := count // fetch everything; filters trim afterward
	results, err := s.collection.QueryEmbedding(ctx, queryVector, n, nil, nil)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrRetrieval, err)
	}

	scored := make([]memory.ScoredUnit, 0, limit)
	for _, r := range results {
		unit, err := s.parseDocument(r.Metadata)
		if err != nil {
			s.logger.Warn("skipping unparseable search result", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		if filters != nil && !matchesFilters(unit, filters) {
			continue
		}
		scored = append(scored, memory.ScoredUnit{Unit: unit, Score: float64(r.Similarity)})
		if len(scored) == limit {
			break
		}
	}

	sortScored(scored)
	return scored, nil
}

// SearchWithFilters is Retrieve with filters required.
func (s *ChromemStore) SearchWithFilters(ctx context.Context, queryVector []float32, filters *memory.SearchFilters, limit int) ([]memory.ScoredUnit, error) {
	if filters.Empty() {
		return nil, fmt.Errorf("%w: search_with_filters requires at least one filter", memory.ErrValidation)
	}
	return s.Retrieve(ctx, queryVector, filters, limit)
}

func (s *ChromemStore) parseDocument(metadata map[string]string) (*memory.Unit, error) {
	raw, ok := metadata[chromemPayloadKey]
	if !ok {
		return nil, fmt.Errorf("%w: document has no payload", memory.ErrValidation)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %v", memory.ErrValidation, err)
	}
	return memory.UnitFromPayload(payload)
}

// GetByID fetches a unit directly.
func (s *ChromemStore) GetByID(ctx context.Context, id string) (*memory.Unit, error) {
	s.mu.RLock()
	doc, err := s.collection.GetByID(ctx, id)
	s.mu.RUnlock()
	if err != nil {
		// chromem reports missing ids as errors; absent is not a
		// failure for the store contract.
		return nil, nil
	}
	unit, err := s.parseDocument(doc.Metadata)
	if err != nil {
		s.logger.Warn("stored payload failed to parse", zap.String("id", id), zap.Error(err))
		return nil, nil
	}
	return unit, nil
}

func (s *ChromemStore) getPayload(ctx context.Context, id string) (map[string]any, []float32, error) {
	s.mu.RLock()
	doc, err := s.collection.GetByID(ctx, id)
	s.mu.RUnlock()
	if err != nil {
		return nil, nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(doc.Metadata[chromemPayloadKey]), &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding payload: %v", memory.ErrValidation, err)
	}
	return payload, doc.Embedding, nil
}

// Update merges fields into the record's payload.
func (s *ChromemStore) Update(ctx context.Context, id string, updates map[string]any) (bool, error) {
	payload, vector, err := s.getPayload(ctx, id)
	if err != nil {
		return false, err
	}
	if payload == nil {
		return false, nil
	}

	for k, v := range updates {
		payload[k] = v
	}
	payload["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	encoded, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("%w: encoding payload: %v", memory.ErrValidation, err)
	}
	content, _ := payload["content"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.collection.Delete(ctx, nil, nil, id)
	err = s.collection.AddDocuments(ctx, []chromem.Document{{
		ID:        id,
		Content:   content,
		Embedding: vector,
		Metadata:  map[string]string{chromemPayloadKey: string(encoded)},
	}}, 1)
	if err != nil {
		return false, fmt.Errorf("%w: rewriting document: %v", memory.ErrStorage, err)
	}
	return true, nil
}

// Delete removes a record.
func (s *ChromemStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.collection.GetByID(ctx, id); err != nil {
		return false, nil
	}
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		return false, fmt.Errorf("%w: deleting %s: %v", memory.ErrStorage, id, err)
	}
	return true, nil
}

// Count returns the number of records matching filters.
func (s *ChromemStore) Count(ctx context.Context, filters *memory.SearchFilters) (int, error) {
	if filters.Empty() {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.collection.Count(), nil
	}
	count := 0
	err := s.Scroll(ctx, filters, func(map[string]any) error {
		count++
		return nil
	})
	return count, err
}

// ListMemories returns a deterministic page of units.
func (s *ChromemStore) ListMemories(ctx context.Context, opts ListOptions) ([]*memory.Unit, int, error) {
	var units []*memory.Unit
	err := s.Scroll(ctx, opts.Filters, func(payload map[string]any) error {
		unit, err := memory.UnitFromPayload(payload)
		if err != nil {
			s.logger.Warn("skipping unparseable record during list", zap.Error(err))
			return nil
		}
		units = append(units, unit)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	total := len(units)
	sortUnits(units, opts.SortBy, opts.Order)
	return pageUnits(units, opts.Limit, opts.Offset), total, nil
}

// Scroll visits the payload of every record matching filters. chromem
// has no native enumeration, so the scroll queries every document with a
// uniform probe vector; the similarity scores are discarded.
func (s *ChromemStore) Scroll(ctx context.Context, filters *memory.SearchFilters, fn func(payload map[string]any) error) error {
	s.mu.RLock()
	count := s.collection.Count()
	if count == 0 {
		s.mu.RUnlock()
		return nil
	}
	probe := make([]float32, s.dim)
	for i := range probe {
		probe[i] = 1
	}
	docs, err := s.collection.QueryEmbedding(ctx, probe, count, nil, nil)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("%w: %v", memory.ErrRetrieval, err)
	}

	for _, doc := range docs {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", memory.ErrRetrieval, ctx.Err())
		default:
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(doc.Metadata[chromemPayloadKey]), &payload); err != nil {
			s.logger.Warn("skipping unparseable record during scroll", zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		if filters != nil && !filters.Empty() {
			unit, err := memory.UnitFromPayload(payload)
			if err != nil || !matchesFilters(unit, filters) {
				continue
			}
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
	return nil
}

// UpdateUsage writes the usage-tracking payload fields for a record.
func (s *ChromemStore) UpdateUsage(ctx context.Context, id string, rec memory.UsageRecord) (bool, error) {
	return s.Update(ctx, id, memory.UsageToPayload(rec))
}

// HealthCheck always succeeds for the embedded store.
func (s *ChromemStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op; chromem persists on write.
func (s *ChromemStore) Close() error { return nil }

var _ Store = (*ChromemStore)(nil)
