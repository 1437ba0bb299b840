package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/config"
)

// hashInference is a deterministic offline backend: each text maps to a
// pseudo-random but stable vector derived from its digest. It carries no
// semantic signal and exists for development without an inference server
// and for tests that only need the vector contract (dimension, norm,
// determinism, ordering).
type hashInference struct {
	dim int
}

func (h *hashInference) embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t, h.dim)
	}
	return out, nil
}

func (h *hashInference) close() error { return nil }

func hashVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	seed := sha256.Sum256([]byte(text))
	block := seed[:]
	for i := 0; i < dim; i++ {
		if i%8 == 0 && i > 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		bits := binary.LittleEndian.Uint32(block[(i%8)*4:])
		// Map to [-1, 1).
		v[i] = float32(int32(bits)) / (1 << 31)
	}
	return v
}

// NewOfflineService builds a Service on the deterministic hash backend.
func NewOfflineService(cfg config.EmbeddingsConfig, logger *zap.Logger) (*Service, error) {
	dim, err := ModelDimension(cfg.Model)
	if err != nil {
		return nil, err
	}
	return newService(cfg, &hashInference{dim: dim}, dim, logger)
}
