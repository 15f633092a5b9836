package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

var qdrantTracer = otel.Tracer("github.com/fyrsmithlabs/dialogd/internal/vectorstore.qdrant")

// Payload keys owned by the adapter. Entry metadata rides alongside them.
const (
	payloadProjectID = "project_id"
	payloadChunkID   = "chunk_id"
	payloadText      = "text"
)

// QdrantStore keeps all projects in a single Qdrant collection and scopes
// every operation with a mandatory project_id payload filter. Point IDs are
// UUIDv5 of (project, chunk), so re-ingesting a chunk overwrites its point.
type QdrantStore struct {
	client *qdrant.Client
	cfg    config.QdrantConfig
	logger *zap.Logger
}

var _ Store = (*QdrantStore)(nil)

// NewQdrantStore connects to Qdrant over gRPC and ensures the collection
// exists with the configured vector size and cosine distance.
func NewQdrantStore(ctx context.Context, cfg config.QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: qdrant collection required", ErrInvalidConfig)
	}
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("%w: qdrant vector size must be positive", ErrInvalidConfig)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey.Value(),
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	s := &QdrantStore{client: client, cfg: cfg, logger: logger}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant store initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
		zap.Int("vector_size", cfg.VectorSize),
		zap.Bool("tls", cfg.UseTLS),
	)
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	return s.retryOperation(ctx, "ensure_collection", func() error {
		exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
		if err != nil {
			return fmt.Errorf("checking collection: %w", err)
		}
		if exists {
			return nil
		}
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.cfg.VectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("creating collection: %w", err)
		}
		s.logger.Info("created qdrant collection",
			zap.String("collection", s.cfg.Collection),
			zap.Int("vector_size", s.cfg.VectorSize),
		)
		return nil
	})
}

// pointUUID derives the stable point ID for a chunk within its project.
func pointUUID(projectID, chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("dialogd://"+projectID+"/"+chunkID)).String()
}

func matchKeyword(field, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: field,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func matchAnyKeyword(field string, values []string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: field,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keywords{
						Keywords: &qdrant.RepeatedStrings{Strings: values},
					},
				},
			},
		},
	}
}

// scopedFilter builds the mandatory project filter plus extra conditions.
// Every query and delete goes through here; there is no unfiltered path.
func scopedFilter(scope Scope, extra ...*qdrant.Condition) *qdrant.Filter {
	must := make([]*qdrant.Condition, 0, 1+len(extra))
	must = append(must, matchKeyword(payloadProjectID, scope.ProjectID))
	must = append(must, extra...)
	return &qdrant.Filter{Must: must}
}

func (s *QdrantStore) Upsert(ctx context.Context, scope Scope, entries []Entry) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("project_id", scope.ProjectID),
		attribute.Int("entry_count", len(entries)),
	)

	if err := scope.Validate(); err != nil {
		return spanErr(span, err)
	}
	if len(entries) == 0 {
		return spanErr(span, ErrEmptyEntries)
	}

	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		if err := e.Validate(); err != nil {
			return spanErr(span, err)
		}
		payload := make(map[string]*qdrant.Value, len(e.Metadata)+3)
		for k, v := range e.Metadata {
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
		}
		payload[payloadProjectID] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: scope.ProjectID}}
		payload[payloadChunkID] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: e.ID}}
		payload[payloadText] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: e.Text}}

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointUUID(scope.ProjectID, e.ID)),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: payload,
		}
	}

	err := s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.cfg.Collection,
			Points:         points,
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		return spanErr(span, err)
	}

	span.SetStatus(otelcodes.Ok, "")
	s.logger.Debug("upserted points",
		zap.String("project_id", scope.ProjectID),
		zap.Int("count", len(points)),
	)
	return nil
}

func (s *QdrantStore) Delete(ctx context.Context, scope Scope, ids []string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Delete")
	defer span.End()
	span.SetAttributes(
		attribute.String("project_id", scope.ProjectID),
		attribute.Int("id_count", len(ids)),
	)

	if err := scope.Validate(); err != nil {
		return spanErr(span, err)
	}
	if len(ids) == 0 {
		span.SetStatus(otelcodes.Ok, "")
		return nil
	}
	if err := s.deleteByFilter(ctx, scopedFilter(scope, matchAnyKeyword(payloadChunkID, ids))); err != nil {
		return spanErr(span, err)
	}
	span.SetStatus(otelcodes.Ok, "")
	return nil
}

func (s *QdrantStore) DeleteByDocument(ctx context.Context, scope Scope, documentID string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.DeleteByDocument")
	defer span.End()
	span.SetAttributes(
		attribute.String("project_id", scope.ProjectID),
		attribute.String("document_id", documentID),
	)

	if err := scope.Validate(); err != nil {
		return spanErr(span, err)
	}
	if documentID == "" {
		return spanErr(span, fmt.Errorf("%w: document id required", ErrInvalidConfig))
	}
	if err := s.deleteByFilter(ctx, scopedFilter(scope, matchKeyword(MetaDocumentID, documentID))); err != nil {
		return spanErr(span, err)
	}
	span.SetStatus(otelcodes.Ok, "")
	return nil
}

func (s *QdrantStore) Purge(ctx context.Context, scope Scope) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Purge")
	defer span.End()
	span.SetAttributes(attribute.String("project_id", scope.ProjectID))

	if err := scope.Validate(); err != nil {
		return spanErr(span, err)
	}
	if err := s.deleteByFilter(ctx, scopedFilter(scope)); err != nil {
		return spanErr(span, err)
	}
	span.SetStatus(otelcodes.Ok, "")
	s.logger.Info("purged project points", zap.String("project_id", scope.ProjectID))
	return nil
}

func (s *QdrantStore) deleteByFilter(ctx context.Context, filter *qdrant.Filter) error {
	return s.retryOperation(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.cfg.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
			},
			Wait: qdrant.PtrOf(true),
		})
		return err
	})
}

func (s *QdrantStore) Query(ctx context.Context, scope Scope, vector []float32, limit int) ([]Result, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("project_id", scope.ProjectID),
		attribute.Int("limit", limit),
	)

	if err := scope.Validate(); err != nil {
		return nil, spanErr(span, err)
	}
	if limit <= 0 {
		return nil, spanErr(span, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfig, limit))
	}
	if len(vector) == 0 {
		return nil, spanErr(span, fmt.Errorf("%w: query vector required", ErrInvalidConfig))
	}

	var hits []*qdrant.ScoredPoint
	err := s.retryOperation(ctx, "query", func() error {
		var qerr error
		hits, qerr = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.cfg.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			Filter:         scopedFilter(scope),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return qerr
	})
	if err != nil {
		return nil, spanErr(span, err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, resultFromPayload(h.GetPayload(), h.GetScore()))
	}
	span.SetAttributes(attribute.Int("result_count", len(results)))
	span.SetStatus(otelcodes.Ok, "")
	return results, nil
}

func resultFromPayload(payload map[string]*qdrant.Value, score float32) Result {
	r := Result{Score: score, Metadata: make(map[string]string)}
	for k, v := range payload {
		sv := v.GetStringValue()
		switch k {
		case payloadChunkID:
			r.ID = sv
		case payloadText:
			r.Text = sv
		case payloadProjectID:
			// Scope key, not caller metadata.
		default:
			r.Metadata[k] = sv
		}
	}
	return r
}

func (s *QdrantStore) Has(ctx context.Context, scope Scope, ids []string) (map[string]bool, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Has")
	defer span.End()
	span.SetAttributes(
		attribute.String("project_id", scope.ProjectID),
		attribute.Int("id_count", len(ids)),
	)

	if err := scope.Validate(); err != nil {
		return nil, spanErr(span, err)
	}

	found := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		span.SetStatus(otelcodes.Ok, "")
		return found, nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	byUUID := make(map[string]string, len(ids))
	for i, id := range ids {
		pid := pointUUID(scope.ProjectID, id)
		pointIDs[i] = qdrant.NewIDUUID(pid)
		byUUID[pid] = id
	}

	var points []*qdrant.RetrievedPoint
	err := s.retryOperation(ctx, "get", func() error {
		var gerr error
		points, gerr = s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.cfg.Collection,
			Ids:            pointIDs,
		})
		return gerr
	})
	if err != nil {
		return nil, spanErr(span, err)
	}

	for _, p := range points {
		if chunkID, ok := byUUID[p.GetId().GetUuid()]; ok {
			found[chunkID] = true
		}
	}
	span.SetStatus(otelcodes.Ok, "")
	return found, nil
}

func (s *QdrantStore) Ping(ctx context.Context) error {
	_, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// retryOperation retries transient gRPC failures with exponential backoff.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.cfg.RetryBackoff.Duration()
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				s.logger.Info("qdrant operation recovered after retries",
					zap.String("operation", operationName),
					zap.Int("attempts", attempt+1),
				)
			}
			return nil
		}
		lastErr = err

		if !isTransientGRPCError(err) {
			return err
		}
		if attempt == s.cfg.MaxRetries {
			break
		}

		s.logger.Debug("retrying qdrant operation",
			zap.String("operation", operationName),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return fmt.Errorf("%s failed after %d retries: %w", operationName, s.cfg.MaxRetries, lastErr)
}

func isTransientGRPCError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
