package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// ReadOnlyStore is a transparent decorator that forwards all read
// operations and fails every write with an error explaining how to
// re-enable writes. It is swapped in at initialization under the
// read-only flag or MEMORYD_READ_ONLY=1.
type ReadOnlyStore struct {
	inner Store
}

// NewReadOnlyStore wraps a store in the read-only decorator.
func NewReadOnlyStore(inner Store, logger *zap.Logger) *ReadOnlyStore {
	logger.Info("read-only mode enabled: all write operations will be rejected")
	return &ReadOnlyStore{inner: inner}
}

func readOnlyErr(op string) error {
	return fmt.Errorf("%w: cannot %s in read-only mode; restart without --read-only (or unset MEMORYD_READ_ONLY) to enable writes",
		memory.ErrReadOnly, op)
}

func (r *ReadOnlyStore) Store(context.Context, *memory.Unit, []float32) (string, error) {
	return "", readOnlyErr("store memory")
}

func (r *ReadOnlyStore) BatchStore(context.Context, []BatchItem) ([]string, error) {
	return nil, readOnlyErr("batch store memories")
}

func (r *ReadOnlyStore) Update(context.Context, string, map[string]any) (bool, error) {
	return false, readOnlyErr("update memory")
}

func (r *ReadOnlyStore) Delete(context.Context, string) (bool, error) {
	return false, readOnlyErr("delete memory")
}

func (r *ReadOnlyStore) UpdateUsage(context.Context, string, memory.UsageRecord) (bool, error) {
	return false, readOnlyErr("update usage tracking")
}

func (r *ReadOnlyStore) Retrieve(ctx context.Context, queryVector []float32, filters *memory.SearchFilters, limit int) ([]memory.ScoredUnit, error) {
	return r.inner.Retrieve(ctx, queryVector, filters, limit)
}

func (r *ReadOnlyStore) SearchWithFilters(ctx context.Context, queryVector []float32, filters *memory.SearchFilters, limit int) ([]memory.ScoredUnit, error) {
	return r.inner.SearchWithFilters(ctx, queryVector, filters, limit)
}

func (r *ReadOnlyStore) GetByID(ctx context.Context, id string) (*memory.Unit, error) {
	return r.inner.GetByID(ctx, id)
}

func (r *ReadOnlyStore) Count(ctx context.Context, filters *memory.SearchFilters) (int, error) {
	return r.inner.Count(ctx, filters)
}

func (r *ReadOnlyStore) ListMemories(ctx context.Context, opts ListOptions) ([]*memory.Unit, int, error) {
	return r.inner.ListMemories(ctx, opts)
}

func (r *ReadOnlyStore) Scroll(ctx context.Context, filters *memory.SearchFilters, fn func(payload map[string]any) error) error {
	return r.inner.Scroll(ctx, filters, fn)
}

func (r *ReadOnlyStore) HealthCheck(ctx context.Context) error {
	return r.inner.HealthCheck(ctx)
}

func (r *ReadOnlyStore) Close() error {
	return r.inner.Close()
}

var _ Store = (*ReadOnlyStore)(nil)
