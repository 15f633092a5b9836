package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

var chromemTracer = otel.Tracer("github.com/fyrsmithlabs/dialogd/internal/vectorstore.chromem")

// ChromemStore keeps one chromem-go collection per project. With an empty
// path the index lives in memory, which is what tests use; with a path it
// persists to gob files under that directory.
type ChromemStore struct {
	db     *chromem.DB
	logger *zap.Logger
}

var _ Store = (*ChromemStore)(nil)

// NewChromemStore creates an embedded chromem-go store.
func NewChromemStore(cfg config.ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandHome(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	logger.Info("chromem store initialized",
		zap.String("path", cfg.Path),
		zap.Bool("persistent", cfg.Path != ""),
		zap.Bool("compress", cfg.Compress),
	)
	return &ChromemStore{db: db, logger: logger}, nil
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// collectionName maps a project to its chromem collection. Project IDs are
// already restricted to [a-z0-9_-], so the name is filesystem safe.
func collectionName(projectID string) string {
	return "proj_" + projectID
}

// noEmbedFunc refuses to embed. All entries carry precomputed vectors, so
// chromem must never fall back to its default OpenAI embedder.
func noEmbedFunc(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem store only accepts precomputed embeddings")
}

func (s *ChromemStore) collection(projectID string) *chromem.Collection {
	// Passing nil here would silently install chromem's OpenAI default.
	return s.db.GetCollection(collectionName(projectID), noEmbedFunc)
}

func (s *ChromemStore) Upsert(ctx context.Context, scope Scope, entries []Entry) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
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

	docs := make([]chromem.Document, len(entries))
	for i, e := range entries {
		if err := e.Validate(); err != nil {
			return spanErr(span, err)
		}
		meta := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		docs[i] = chromem.Document{
			ID:        e.ID,
			Content:   e.Text,
			Metadata:  meta,
			Embedding: e.Vector,
		}
	}

	col, err := s.db.GetOrCreateCollection(collectionName(scope.ProjectID), nil, noEmbedFunc)
	if err != nil {
		return spanErr(span, fmt.Errorf("getting collection: %w", err))
	}
	// Concurrency 1: embeddings are precomputed, nothing to parallelize.
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return spanErr(span, fmt.Errorf("adding documents: %w", err))
	}

	span.SetStatus(codes.Ok, "")
	s.logger.Debug("upserted entries",
		zap.String("project_id", scope.ProjectID),
		zap.Int("count", len(entries)),
	)
	return nil
}

func (s *ChromemStore) Delete(ctx context.Context, scope Scope, ids []string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Delete")
	defer span.End()
	span.SetAttributes(
		attribute.String("project_id", scope.ProjectID),
		attribute.Int("id_count", len(ids)),
	)

	if err := scope.Validate(); err != nil {
		return spanErr(span, err)
	}
	if len(ids) == 0 {
		span.SetStatus(codes.Ok, "")
		return nil
	}

	col := s.collection(scope.ProjectID)
	if col == nil {
		span.SetStatus(codes.Ok, "no collection")
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		// chromem errors on unknown IDs; absent entries are fine for us.
		if strings.Contains(err.Error(), "not found") {
			span.SetStatus(codes.Ok, "")
			return nil
		}
		return spanErr(span, fmt.Errorf("deleting entries: %w", err))
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *ChromemStore) DeleteByDocument(ctx context.Context, scope Scope, documentID string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteByDocument")
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

	col := s.collection(scope.ProjectID)
	if col == nil {
		span.SetStatus(codes.Ok, "no collection")
		return nil
	}
	if err := col.Delete(ctx, map[string]string{MetaDocumentID: documentID}, nil); err != nil {
		return spanErr(span, fmt.Errorf("deleting document chunks: %w", err))
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *ChromemStore) Purge(ctx context.Context, scope Scope) error {
	_, span := chromemTracer.Start(ctx, "ChromemStore.Purge")
	defer span.End()
	span.SetAttributes(attribute.String("project_id", scope.ProjectID))

	if err := scope.Validate(); err != nil {
		return spanErr(span, err)
	}
	if s.collection(scope.ProjectID) == nil {
		span.SetStatus(codes.Ok, "no collection")
		return nil
	}
	if err := s.db.DeleteCollection(collectionName(scope.ProjectID)); err != nil {
		return spanErr(span, fmt.Errorf("purging project: %w", err))
	}
	span.SetStatus(codes.Ok, "")
	s.logger.Info("purged project index", zap.String("project_id", scope.ProjectID))
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, scope Scope, vector []float32, limit int) ([]Result, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
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

	col := s.collection(scope.ProjectID)
	if col == nil {
		span.SetStatus(codes.Ok, "no collection")
		return []Result{}, nil
	}

	// chromem requires limit <= document count.
	count := col.Count()
	if count == 0 {
		span.SetStatus(codes.Ok, "empty collection")
		return []Result{}, nil
	}
	if limit > count {
		limit = count
	}

	hits, err := col.QueryEmbedding(ctx, vector, limit, nil, nil)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("querying collection: %w", err))
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{
			ID:       h.ID,
			Text:     h.Content,
			Score:    h.Similarity,
			Metadata: h.Metadata,
		}
	}
	span.SetAttributes(attribute.Int("result_count", len(results)))
	span.SetStatus(codes.Ok, "")
	return results, nil
}

func (s *ChromemStore) Has(ctx context.Context, scope Scope, ids []string) (map[string]bool, error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.Has")
	defer span.End()
	span.SetAttributes(
		attribute.String("project_id", scope.ProjectID),
		attribute.Int("id_count", len(ids)),
	)

	if err := scope.Validate(); err != nil {
		return nil, spanErr(span, err)
	}

	found := make(map[string]bool, len(ids))
	col := s.collection(scope.ProjectID)
	if col == nil {
		span.SetStatus(codes.Ok, "no collection")
		return found, nil
	}
	for _, id := range ids {
		if _, err := col.GetByID(ctx, id); err == nil {
			found[id] = true
		}
	}
	span.SetStatus(codes.Ok, "")
	return found, nil
}

func (s *ChromemStore) Ping(context.Context) error {
	// Embedded store, always reachable.
	return nil
}

func (s *ChromemStore) Close() error {
	s.logger.Info("chromem store closed")
	return nil
}

// spanErr records err on the span and passes it through.
func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
