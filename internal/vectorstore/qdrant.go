package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/emmilco/claude-memory-server-sub004/internal/config"
	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

var tracer = otel.Tracer("memoryd.vectorstore.qdrant")

// pointNamespace derives deterministic point UUIDs from non-UUID record
// ids so get-by-id stays a direct fetch.
var pointNamespace = uuid.MustParse("9f2c1a34-7e5b-4f06-9b1d-2f8a6c03e571")

const scrollPageSize = 100

// QdrantStore is a Store implementation on Qdrant's native gRPC client.
type QdrantStore struct {
	client     *qdrant.Client
	cfg        config.QdrantConfig
	collection string
	logger     *zap.Logger
}

// NewQdrantStore connects to Qdrant, ensures the collection exists with
// cosine distance, and verifies the recorded embedding model matches the
// configured one (mixing models in one index fails closed).
func NewQdrantStore(ctx context.Context, cfg config.QdrantConfig, embeddingModel string, logger *zap.Logger) (*QdrantStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrValidation, err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(50 * 1024 * 1024),
				grpc.MaxCallSendMsgSize(50 * 1024 * 1024),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to Qdrant at %s:%d: %v (start the vector store, e.g. `docker run -p 6334:6334 qdrant/qdrant`)",
			memory.ErrStorage, cfg.Host, cfg.Port, err)
	}

	s := &QdrantStore{
		client:     client,
		cfg:        cfg,
		collection: cfg.CollectionName,
		logger:     logger.Named("qdrant"),
	}

	if err := s.ensureCollection(ctx, embeddingModel); err != nil {
		_ = client.Close()
		return nil, err
	}

	return s, nil
}

// ensureCollection creates the collection on first use. For an existing
// collection it reads the first stored record and fails closed when that
// record's embedding_model differs from the configured one. No model
// identifier is written to the collection itself, so an empty collection
// accepts any model.
func (s *QdrantStore) ensureCollection(ctx context.Context, embeddingModel string) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("%w: checking collection %s: %v", memory.ErrStorage, s.collection, err)
	}
	if !exists {
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.cfg.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("%w: creating collection %s: %v", memory.ErrStorage, s.collection, err)
		}
		return nil
	}

	// Existing collection: a single record with a different
	// embedding_model means the index was built with another model.
	var mismatch string
	err = s.Scroll(ctx, nil, func(payload map[string]any) error {
		if m, _ := payload["embedding_model"].(string); m != "" && m != embeddingModel {
			mismatch = m
		}
		return errStopScroll
	})
	if err != nil && !errors.Is(err, errStopScroll) {
		return err
	}
	if mismatch != "" {
		return fmt.Errorf("%w: collection %s holds vectors from model %q but config requests %q; reindex before switching models",
			memory.ErrValidation, s.collection, mismatch, embeddingModel)
	}
	return nil
}

var errStopScroll = errors.New("stop scroll")

// pointID maps a record id to its Qdrant point id. UUID ids map
// directly; anything else maps through a deterministic UUIDv5 so
// repeated stores of the same id hit the same point.
func pointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(id)).String())
}

// transientError reports whether a gRPC failure is worth retrying.
func transientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// retry runs op with exponential backoff for transient failures.
func (s *QdrantStore) retry(ctx context.Context, name string, op func() error) error {
	backoff := s.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !transientError(err) || attempt == s.cfg.MaxRetries {
			return fmt.Errorf("%w: %s: %v", memory.ErrStorage, name, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s canceled: %v", memory.ErrStorage, name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// Store upserts a single unit.
func (s *QdrantStore) Store(ctx context.Context, unit *memory.Unit, vector []float32) (string, error) {
	ids, err := s.BatchStore(ctx, []BatchItem{{Unit: unit, Vector: vector}})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// BatchStore bulk-upserts items in order.
func (s *QdrantStore) BatchStore(ctx context.Context, items []BatchItem) ([]string, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.BatchStore")
	defer span.End()
	span.SetAttributes(
		attribute.Int("item_count", len(items)),
		attribute.String("collection", s.collection),
	)

	if len(items) == 0 {
		return nil, nil
	}

	points := make([]*qdrant.PointStruct, len(items))
	ids := make([]string, len(items))
	for i, item := range items {
		unit := item.Unit
		if unit.ID == "" {
			unit.ID = uuid.New().String()
		}
		ids[i] = unit.ID

		payload, err := unit.ToPayload()
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		qpayload, err := payloadToQdrant(payload)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if len(item.Vector) != int(s.cfg.VectorSize) {
			err := fmt.Errorf("%w: vector dimension %d does not match collection size %d",
				memory.ErrValidation, len(item.Vector), s.cfg.VectorSize)
			span.RecordError(err)
			return nil, err
		}
		points[i] = &qdrant.PointStruct{
			Id:      pointID(unit.ID),
			Vectors: qdrant.NewVectors(item.Vector...),
			Payload: qpayload,
		}
	}

	err := s.retry(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "success")
	return ids, nil
}

// Retrieve performs filtered k-NN search.
func (s *QdrantStore) Retrieve(ctx context.Context, queryVector []float32, filters *memory.SearchFilters, limit int) ([]memory.ScoredUnit, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Retrieve")
	defer span.End()

	limit = capLimit(limit)
	span.SetAttributes(attribute.Int("limit", limit))

	var filter *qdrant.Filter
	if filters != nil {
		filter = buildQdrantFilter(filters)
	}

	var points []*qdrant.ScoredPoint
	err := s.retry(ctx, "query", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.collection,
			Query:          qdrant.NewQuery(queryVector...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         filter,
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", memory.ErrRetrieval, err)
	}

	results := make([]memory.ScoredUnit, 0, len(points))
	for _, point := range points {
		unit, err := memory.UnitFromPayload(payloadFromQdrant(point.Payload))
		if err != nil {
			// Retrieval must be robust to schema drift: skip and log.
			s.logger.Warn("skipping unparseable search result", zap.Error(err))
			continue
		}
		results = append(results, memory.ScoredUnit{Unit: unit, Score: float64(point.Score)})
	}

	sortScored(results)
	span.SetAttributes(attribute.Int("results", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// SearchWithFilters is Retrieve with filters required.
func (s *QdrantStore) SearchWithFilters(ctx context.Context, queryVector []float32, filters *memory.SearchFilters, limit int) ([]memory.ScoredUnit, error) {
	if filters.Empty() {
		return nil, fmt.Errorf("%w: search_with_filters requires at least one filter", memory.ErrValidation)
	}
	return s.Retrieve(ctx, queryVector, filters, limit)
}

// GetByID fetches a unit directly.
func (s *QdrantStore) GetByID(ctx context.Context, id string) (*memory.Unit, error) {
	payload, _, err := s.getPoint(ctx, id, false)
	if err != nil || payload == nil {
		return nil, err
	}
	unit, err := memory.UnitFromPayload(payload)
	if err != nil {
		s.logger.Warn("stored payload failed to parse", zap.String("id", id), zap.Error(err))
		return nil, nil
	}
	return unit, nil
}

// getPoint fetches one point's payload (and optionally vector).
func (s *QdrantStore) getPoint(ctx context.Context, id string, withVector bool) (map[string]any, []float32, error) {
	var points []*qdrant.RetrievedPoint
	err := s.retry(ctx, "get", func() error {
		res, err := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.collection,
			Ids:            []*qdrant.PointId{pointID(id)},
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(withVector),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if len(points) == 0 {
		return nil, nil, nil
	}
	var vector []float32
	if withVector {
		vector = points[0].GetVectors().GetVector().GetData()
	}
	return payloadFromQdrant(points[0].Payload), vector, nil
}

// Update merges fields into the record's payload.
func (s *QdrantStore) Update(ctx context.Context, id string, updates map[string]any) (bool, error) {
	existing, _, err := s.getPoint(ctx, id, false)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}

	merged := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		merged[k] = v
	}
	merged["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	qpayload, err := payloadToQdrant(merged)
	if err != nil {
		return false, err
	}

	err = s.retry(ctx, "set_payload", func() error {
		_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: s.collection,
			Payload:        qpayload,
			PointsSelector: qdrant.NewPointsSelector(pointID(id)),
		})
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a record.
func (s *QdrantStore) Delete(ctx context.Context, id string) (bool, error) {
	existing, _, err := s.getPoint(ctx, id, false)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}

	err = s.retry(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.collection,
			Points:         qdrant.NewPointsSelector(pointID(id)),
		})
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Count returns the number of records matching filters.
func (s *QdrantStore) Count(ctx context.Context, filters *memory.SearchFilters) (int, error) {
	var filter *qdrant.Filter
	if filters != nil {
		filter = buildQdrantFilter(filters)
	}
	var count uint64
	err := s.retry(ctx, "count", func() error {
		res, err := s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.collection,
			Filter:         filter,
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return err
		}
		count = res
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// ListMemories returns a deterministic page of units.
func (s *QdrantStore) ListMemories(ctx context.Context, opts ListOptions) ([]*memory.Unit, int, error) {
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

// Scroll visits every payload matching filters, page by page.
func (s *QdrantStore) Scroll(ctx context.Context, filters *memory.SearchFilters, fn func(payload map[string]any) error) error {
	var filter *qdrant.Filter
	if filters != nil {
		filter = buildQdrantFilter(filters)
	}

	var offset *qdrant.PointId
	var lastID string
	for {
		var points []*qdrant.RetrievedPoint
		err := s.retry(ctx, "scroll", func() error {
			res, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
				CollectionName: s.collection,
				Filter:         filter,
				Limit:          qdrant.PtrOf(uint32(scrollPageSize)),
				Offset:         offset,
				WithPayload:    qdrant.NewWithPayload(true),
			})
			if err != nil {
				return err
			}
			points = res
			return nil
		})
		if err != nil {
			return err
		}
		if len(points) == 0 {
			return nil
		}

		for _, point := range points {
			// Offset-based continuation may re-deliver the boundary
			// point; skip it.
			if id := point.GetId().GetUuid(); id != "" && id == lastID {
				continue
			}
			if err := fn(payloadFromQdrant(point.Payload)); err != nil {
				return err
			}
		}

		if len(points) < scrollPageSize {
			return nil
		}
		last := points[len(points)-1].GetId()
		lastID = last.GetUuid()
		offset = last
	}
}

// UpdateUsage writes the usage-tracking payload fields for a record.
func (s *QdrantStore) UpdateUsage(ctx context.Context, id string, rec memory.UsageRecord) (bool, error) {
	return s.Update(ctx, id, memory.UsageToPayload(rec))
}

// HealthCheck verifies the backend is reachable.
func (s *QdrantStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("%w: Qdrant health check failed: %v (start the vector store or check qdrant.host/port)", memory.ErrStorage, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

var _ Store = (*QdrantStore)(nil)
