// Package retrieval answers "what does this project's knowledge base say
// about X": it embeds a query, runs a project-scoped nearest-neighbor
// search, and ranks and truncates the hits. Query rewriting and lexical
// reranking are optional stages controlled by configuration.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
	"github.com/fyrsmithlabs/dialogd/internal/inference"
	"github.com/fyrsmithlabs/dialogd/internal/registry"
	"github.com/fyrsmithlabs/dialogd/internal/reranker"
	"github.com/fyrsmithlabs/dialogd/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/dialogd/internal/retrieval"

// ErrEmptyQuery indicates a retrieval request without query text.
var ErrEmptyQuery = errors.New("empty query")

// Passage is one retrieved knowledge-base entry.
type Passage struct {
	// ID is the chunk fingerprint.
	ID string `json:"id"`

	// Text is the chunk content.
	Text string `json:"text"`

	// Score is the final similarity, after reranking when enabled.
	Score float32 `json:"score"`

	// Metadata is the chunk metadata as stored.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Exchange is one prior utterance/response pair, used by query rewriting.
type Exchange struct {
	User      string
	Assistant string
}

// Request describes one retrieval.
type Request struct {
	// Query is the search text.
	Query string

	// TopK caps the number of passages. Zero uses the project default,
	// and the configured maximum applies regardless.
	TopK int

	// History is recent conversation context for query rewriting. Ignored
	// when rewriting is disabled.
	History []Exchange
}

// Embedder is the slice of the inference gateway the engine needs for
// query embedding.
type Embedder interface {
	EmbedQuery(ctx context.Context, binding inference.Binding, text string) ([]float32, error)
}

// Generator is the slice of the inference gateway used for query
// rewriting. Optional.
type Generator interface {
	Generate(ctx context.Context, binding inference.Binding, messages []inference.Message, params inference.Params) (string, error)
}

// Engine retrieves passages for any project. Safe for concurrent use.
type Engine struct {
	cfg       config.RetrievalConfig
	store     vectorstore.Store
	embedder  Embedder
	generator Generator
	reranker  reranker.Reranker
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewEngine wires a retrieval engine. generator may be nil when query
// rewriting is disabled.
func NewEngine(cfg config.RetrievalConfig, store vectorstore.Store, embedder Embedder, generator Generator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	var rr reranker.Reranker
	if cfg.Rerank {
		rr = reranker.NewLexical()
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		embedder:  embedder,
		generator: generator,
		reranker:  rr,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
	}
}

// Retrieve returns the highest-similarity passages for the query, scoped
// to the project. Results come back in strictly non-increasing score
// order; equal scores preserve ingestion order.
func (e *Engine) Retrieve(ctx context.Context, project *registry.Project, req Request) ([]Passage, error) {
	ctx, span := e.tracer.Start(ctx, "retrieval.retrieve", trace.WithAttributes(
		attribute.String("project.id", project.ID),
	))
	defer span.End()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, spanErr(span, ErrEmptyQuery)
	}
	if runes := []rune(query); len(runes) > e.cfg.MaxQueryChars {
		query = string(runes[:e.cfg.MaxQueryChars])
	}

	topK := e.effectiveTopK(project, req.TopK)
	span.SetAttributes(attribute.Int("retrieval.top_k", topK))

	if e.cfg.Rewrite && e.generator != nil && len(req.History) > 0 {
		query = e.rewrite(ctx, project, req.History, query)
	}

	vector, err := e.embedder.EmbedQuery(ctx, embedBinding(project), query)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("embedding query: %w", err))
	}

	limit := topK
	if e.reranker != nil {
		limit = e.candidateLimit(project, topK)
	}
	results, err := e.store.Query(ctx, vectorstore.Scope{ProjectID: project.ID}, vector, limit)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("querying index: %w", err))
	}

	if e.cfg.MinScore > 0 {
		kept := results[:0]
		for _, r := range results {
			if float64(r.Score) >= e.cfg.MinScore {
				kept = append(kept, r)
			}
		}
		results = kept
	}

	// Fix the base order before any stable rerank: descending score,
	// earlier-ingested first on ties.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return seqOf(results[i]) < seqOf(results[j])
	})

	if e.reranker != nil {
		results, err = e.rerank(ctx, query, results, topK)
		if err != nil {
			return nil, spanErr(span, fmt.Errorf("reranking: %w", err))
		}
	}
	if len(results) > topK {
		results = results[:topK]
	}

	passages := make([]Passage, len(results))
	for i, r := range results {
		passages[i] = Passage{ID: r.ID, Text: r.Text, Score: r.Score, Metadata: r.Metadata}
	}

	span.SetAttributes(attribute.Int("retrieval.passages", len(passages)))
	span.SetStatus(codes.Ok, "")
	e.logger.Debug("passages retrieved",
		zap.String("project_id", project.ID),
		zap.Int("count", len(passages)),
		zap.Int("top_k", topK),
	)
	return passages, nil
}

// effectiveTopK resolves the caller's request against the project default
// and the service-wide ceiling.
func (e *Engine) effectiveTopK(project *registry.Project, requested int) int {
	topK := requested
	if topK <= 0 {
		topK = project.Limits.TopK
	}
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	if topK > e.cfg.MaxTopK {
		topK = e.cfg.MaxTopK
	}
	return topK
}

// candidateLimit sizes the pre-rerank pool.
func (e *Engine) candidateLimit(project *registry.Project, topK int) int {
	limit := project.Limits.NumCandidates
	if limit <= 0 {
		limit = e.cfg.NumCandidates
	}
	if limit < topK {
		limit = topK
	}
	return limit
}

// rerank maps results through the lexical reranker and back.
func (e *Engine) rerank(ctx context.Context, query string, results []vectorstore.Result, topK int) ([]vectorstore.Result, error) {
	candidates := make([]reranker.Candidate, len(results))
	byID := make(map[string]vectorstore.Result, len(results))
	for i, r := range results {
		candidates[i] = reranker.Candidate{ID: r.ID, Text: r.Text, Score: r.Score}
		byID[r.ID] = r
	}
	ranked, err := e.reranker.Rerank(ctx, query, candidates, topK)
	if err != nil {
		return nil, err
	}
	out := make([]vectorstore.Result, len(ranked))
	for i, c := range ranked {
		r := byID[c.ID]
		r.Score = c.Score
		out[i] = r
	}
	return out, nil
}

// seqOf reads the ingestion ordinal from result metadata. Entries without
// one sort last among equal scores.
func seqOf(r vectorstore.Result) int64 {
	raw, ok := r.Metadata[vectorstore.MetaSeq]
	if !ok {
		return math.MaxInt64
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return math.MaxInt64
	}
	return seq
}

func embedBinding(project *registry.Project) inference.Binding {
	return inference.Binding{
		Provider: project.Retrieval.Provider,
		Model:    project.Retrieval.Model,
		BaseURL:  project.Retrieval.BaseURL,
		APIKey:   project.Retrieval.APIKey.Value(),
	}
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
