package embeddings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/emmilco/claude-memory-server-sub004/internal/config"
	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// Service is the Generator implementation used by the core: an inference
// backend behind a worker pool, guarded by the content-addressed cache.
type Service struct {
	model     string
	dim       int
	batchSize int
	backend   inference
	cache     *Cache
	workers   *semaphore.Weighted
	metrics   *metrics
	logger    *zap.Logger
}

// NewService builds the embedding service from configuration. The model
// must be supported; cache construction failure is fatal because silent
// cache loss would turn every re-index into a full regeneration.
func NewService(cfg config.EmbeddingsConfig, logger *zap.Logger) (*Service, error) {
	dim, err := ModelDimension(cfg.Model)
	if err != nil {
		return nil, err
	}

	policy := DevicePolicy{
		ForceCPU:          cfg.ForceCPU,
		EnableGPU:         cfg.EnableGPU,
		GPUMemoryFraction: cfg.GPUMemoryFraction,
	}
	backend := newHTTPInference(cfg.BaseURL, cfg.Model, policy, logger)

	return newService(cfg, backend, dim, logger)
}

// newService wires an explicit inference backend; tests use it with a
// deterministic backend.
func newService(cfg config.EmbeddingsConfig, backend inference, dim int, logger *zap.Logger) (*Service, error) {
	var cache *Cache
	if cfg.CacheEnabled {
		var err error
		cache, err = NewCache(cfg.CacheDir, cfg.CacheMaxEntries, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing embedding cache: %w", err)
		}
	}

	workers := int64(cfg.Workers)
	if workers <= 0 {
		workers = 1
	}

	return &Service{
		model:     cfg.Model,
		dim:       dim,
		batchSize: cfg.BatchSize,
		backend:   backend,
		cache:     cache,
		workers:   semaphore.NewWeighted(workers),
		metrics:   newMetrics(logger),
		logger:    logger.Named("embeddings"),
	}, nil
}

// Model returns the model identifier.
func (s *Service) Model() string { return s.model }

// Dim returns the embedding dimension.
func (s *Service) Dim() int { return s.dim }

// Generate embeds a single text, consulting the cache first.
func (s *Service) Generate(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		s.metrics.recordGeneration(ctx, s.model, "generate", time.Since(start), 1, genErr)
	}()

	if strings.TrimSpace(text) == "" {
		genErr = fmt.Errorf("%w: cannot embed empty text", memory.ErrEmbedding)
		return nil, genErr
	}

	if s.cache != nil {
		if v := s.cache.Get(s.model, text); v != nil {
			s.metrics.recordCacheHits(ctx, s.model, 1)
			return v, nil
		}
	}

	vectors, err := s.runBackend(ctx, []string{text})
	if err != nil {
		genErr = err
		return nil, err
	}
	v := vectors[0]

	if s.cache != nil {
		s.cache.Put(s.model, text, v)
	}
	return v, nil
}

// BatchGenerate embeds texts preserving input order. The input is split
// into cache hits and misses; only misses reach the backend, and results
// are reassembled in the original positions.
func (s *Service) BatchGenerate(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		s.metrics.recordGeneration(ctx, s.model, "batch_generate", time.Since(start), len(texts), genErr)
	}()

	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			genErr = fmt.Errorf("%w: empty text at index %d aborts batch", memory.ErrEmbedding, i)
			return nil, genErr
		}
	}

	results := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	if s.cache != nil {
		for i, t := range texts {
			if v := s.cache.Get(s.model, t); v != nil {
				results[i] = v
			} else {
				missTexts = append(missTexts, t)
				missIdx = append(missIdx, i)
			}
		}
		s.metrics.recordCacheHits(ctx, s.model, len(texts)-len(missTexts))
		if len(missTexts) == 0 {
			return results, nil
		}
	} else {
		missTexts = texts
		missIdx = make([]int, len(texts))
		for i := range texts {
			missIdx[i] = i
		}
	}

	// Generate misses in backend-sized sub-batches, in order.
	for off := 0; off < len(missTexts); off += s.batchSize {
		end := off + s.batchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}
		vectors, err := s.runBackend(ctx, missTexts[off:end])
		if err != nil {
			genErr = err
			return nil, err
		}
		for j, v := range vectors {
			idx := missIdx[off+j]
			results[idx] = v
			if s.cache != nil {
				s.cache.Put(s.model, missTexts[off+j], v)
			}
		}
	}

	return results, nil
}

// runBackend invokes the inference backend under the worker pool and
// normalizes the output.
func (s *Service) runBackend(ctx context.Context, texts []string) ([][]float32, error) {
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrEmbedding, err)
	}
	defer s.workers.Release(1)

	vectors, err := s.backend.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i, v := range vectors {
		if len(v) != s.dim {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, want %d", memory.ErrEmbedding, i, len(v), s.dim)
		}
	}
	return normalizeBatch(vectors, s.dim), nil
}

// Close releases backend resources.
func (s *Service) Close() error {
	return s.backend.close()
}

var _ Generator = (*Service)(nil)
