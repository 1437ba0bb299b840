package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/emmilco/claude-memory-server-sub004/internal/embeddings"

// metrics holds embedding generation instruments.
type metrics struct {
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	cacheHits metric.Int64Counter
	errors    metric.Int64Counter
}

func newMetrics(logger *zap.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error

	m.duration, err = meter.Float64Histogram(
		"memoryd.embedding.generation_duration_seconds",
		metric.WithDescription("Duration of embedding generation, labeled by model and operation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = meter.Int64Histogram(
		"memoryd.embedding.batch_size",
		metric.WithDescription("Number of texts per embedding batch"),
		metric.WithUnit("{text}"),
	)
	if err != nil {
		logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.cacheHits, err = meter.Int64Counter(
		"memoryd.embedding.cache_hits_total",
		metric.WithDescription("Content-addressed cache hits"),
	)
	if err != nil {
		logger.Warn("failed to create cache hit counter", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"memoryd.embedding.errors_total",
		metric.WithDescription("Embedding generation errors by model and operation"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}

	return m
}

func (m *metrics) recordGeneration(ctx context.Context, model, operation string, elapsed time.Duration, batch int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	)
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if batch > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batch), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

func (m *metrics) recordCacheHits(ctx context.Context, model string, hits int) {
	if hits > 0 && m.cacheHits != nil {
		m.cacheHits.Add(ctx, int64(hits), metric.WithAttributes(attribute.String("model", model)))
	}
}
