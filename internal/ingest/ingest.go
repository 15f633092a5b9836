// Package ingest turns raw documents into embedded, deduplicated chunks in
// the vector store. Chunk identity is the fingerprint of the normalized
// chunk text, so re-ingesting unchanged content is a no-op and shared
// passages are stored once per project.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
	"github.com/fyrsmithlabs/dialogd/internal/events"
	"github.com/fyrsmithlabs/dialogd/internal/inference"
	"github.com/fyrsmithlabs/dialogd/internal/registry"
	"github.com/fyrsmithlabs/dialogd/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/dialogd/internal/ingest"

var (
	// ErrEmptyDocument is returned for documents with no usable text.
	ErrEmptyDocument = errors.New("document has no text")

	// ErrDocumentTooLarge is returned when a document exceeds the
	// configured size limit.
	ErrDocumentTooLarge = errors.New("document exceeds size limit")

	// ErrNoDocuments is returned for a bulk request with an empty body.
	ErrNoDocuments = errors.New("no documents to ingest")
)

// Document is one unit of content submitted for indexing.
type Document struct {
	// ID identifies the document within its project. Assigned when empty.
	ID string

	// Source is an optional origin label (URL, filename, import batch).
	Source string

	// Text is the raw document content.
	Text string

	// Metadata is carried onto every chunk. Reserved keys (document_id,
	// fingerprint, seq, source) are overwritten by the pipeline.
	Metadata map[string]string
}

// Report summarizes what one document's ingestion did.
type Report struct {
	DocumentID string `json:"document_id"`

	// Chunks is the number of non-empty chunks the splitter produced.
	Chunks int `json:"chunks"`

	// Created is the number of chunks embedded and stored.
	Created int `json:"created"`

	// Skipped is the number of chunks whose fingerprint was already
	// indexed, either in the store or earlier in the same document.
	Skipped int `json:"skipped"`

	// Redacted is the number of secret findings masked before chunking.
	Redacted int `json:"redacted,omitempty"`
}

// DocumentResult pairs a per-document report with its error, if any.
type DocumentResult struct {
	Report
	Err error `json:"-"`

	// Error carries the failure message in API responses.
	Error string `json:"error,omitempty"`
}

// BulkReport is the outcome of a multi-document ingestion job.
type BulkReport struct {
	JobID   string           `json:"job_id"`
	Results []DocumentResult `json:"results"`
}

// Succeeded counts documents that ingested without error.
func (b BulkReport) Succeeded() int {
	n := 0
	for _, r := range b.Results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

// Failed counts documents that ended in an error.
func (b BulkReport) Failed() int {
	return len(b.Results) - b.Succeeded()
}

// Embedder is the slice of the inference gateway the pipeline needs.
type Embedder interface {
	Embed(ctx context.Context, binding inference.Binding, texts []string) ([][]float32, error)
}

// Redactor masks secrets in document text. A nil Redactor disables
// redaction.
type Redactor interface {
	Redact(text string) (string, int)
}

// Pipeline ingests documents for any project. It is safe for concurrent
// use.
type Pipeline struct {
	cfg      config.IngestConfig
	store    vectorstore.Store
	embedder Embedder
	redactor Redactor
	events   *events.Publisher
	splitter textsplitter.RecursiveCharacter
	logger   *zap.Logger
	tracer   trace.Tracer

	// seq issues a strictly increasing ordinal per stored chunk, seeded
	// from the wall clock so ordering survives restarts.
	seq atomic.Int64
}

// NewPipeline wires an ingestion pipeline. redactor and publisher may be
// nil.
func NewPipeline(cfg config.IngestConfig, store vectorstore.Store, embedder Embedder, redactor Redactor, publisher *events.Publisher, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		redactor: redactor,
		events:   publisher,
		splitter: newSplitter(cfg),
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
}

// Ingest chunks, embeds, and stores a single document. The returned report
// is valid even on error and reflects the work completed before the
// failure.
func (p *Pipeline) Ingest(ctx context.Context, project *registry.Project, doc Document) (Report, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.document", trace.WithAttributes(
		attribute.String("project.id", project.ID),
	))
	defer span.End()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	report := Report{DocumentID: doc.ID}

	if strings.TrimSpace(doc.Text) == "" {
		return report, p.fail(span, project.ID, ErrEmptyDocument)
	}
	if limit := p.cfg.MaxDocumentBytes; limit > 0 && int64(len(doc.Text)) > limit {
		return report, p.fail(span, project.ID,
			fmt.Errorf("%w: %d bytes over limit %d", ErrDocumentTooLarge, int64(len(doc.Text)), limit))
	}

	text := doc.Text
	if p.redactor != nil {
		text, report.Redacted = p.redactor.Redact(text)
	}

	pending, err := p.chunk(text)
	if err != nil {
		return report, p.fail(span, project.ID, fmt.Errorf("splitting document: %w", err))
	}
	report.Chunks = len(pending)

	// Drop in-document duplicates before consulting the store.
	fresh := pending[:0]
	seen := make(map[string]struct{}, len(pending))
	for _, c := range pending {
		if _, dup := seen[c.fingerprint]; dup {
			report.Skipped++
			continue
		}
		seen[c.fingerprint] = struct{}{}
		fresh = append(fresh, c)
	}

	scope := vectorstore.Scope{ProjectID: project.ID}
	fresh, skippedKnown, err := p.dropIndexed(ctx, scope, fresh)
	if err != nil {
		return report, p.fail(span, project.ID, fmt.Errorf("checking fingerprints: %w", err))
	}
	report.Skipped += skippedKnown

	binding := embedBinding(project)
	batchSize := p.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(fresh)
	}
	for start := 0; start < len(fresh); start += batchSize {
		end := start + batchSize
		if end > len(fresh) {
			end = len(fresh)
		}
		if err := p.storeBatch(ctx, scope, binding, doc, fresh[start:end]); err != nil {
			return report, p.fail(span, project.ID, err)
		}
		report.Created += end - start
	}

	chunksCreated.WithLabelValues(project.ID).Add(float64(report.Created))
	chunksSkipped.WithLabelValues(project.ID).Add(float64(report.Skipped))
	span.SetAttributes(
		attribute.Int("ingest.chunks_created", report.Created),
		attribute.Int("ingest.chunks_skipped", report.Skipped),
	)
	p.logger.Info("document ingested",
		zap.String("project_id", project.ID),
		zap.String("document_id", doc.ID),
		zap.Int("chunks", report.Chunks),
		zap.Int("created", report.Created),
		zap.Int("skipped", report.Skipped),
		zap.Int("redacted", report.Redacted),
	)
	return report, nil
}

// IngestBulk runs a multi-document job across the worker pool. Documents
// fail independently; the job itself only errors on an empty batch.
func (p *Pipeline) IngestBulk(ctx context.Context, project *registry.Project, docs []Document) (BulkReport, error) {
	if len(docs) == 0 {
		return BulkReport{}, ErrNoDocuments
	}

	ctx, span := p.tracer.Start(ctx, "ingest.bulk", trace.WithAttributes(
		attribute.String("project.id", project.ID),
		attribute.Int("ingest.documents", len(docs)),
	))
	defer span.End()

	job := uuid.NewString()
	report := BulkReport{JobID: job, Results: make([]DocumentResult, len(docs))}
	p.events.IngestStarted(project.ID, job, len(docs))

	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(docs) {
		workers = len(docs)
	}

	var (
		wg        sync.WaitGroup
		processed atomic.Int64
	)
	indexes := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				rep, err := p.Ingest(ctx, project, docs[i])
				report.Results[i] = DocumentResult{Report: rep, Err: err}
				if err != nil {
					report.Results[i].Error = err.Error()
				}
				p.events.IngestProgress(project.ID, job, int(processed.Add(1)), len(docs))
			}
		}()
	}
	for i := range docs {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	succeeded, failed := report.Succeeded(), report.Failed()
	if failed == len(docs) {
		p.events.IngestFailed(project.ID, job, fmt.Errorf("all %d documents failed", len(docs)))
	} else {
		p.events.IngestCompleted(project.ID, job, succeeded, failed)
	}
	p.logger.Info("bulk ingestion finished",
		zap.String("project_id", project.ID),
		zap.String("job_id", job),
		zap.Int("documents", len(docs)),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
	)
	return report, nil
}

// DeleteDocument removes every chunk belonging to a document.
func (p *Pipeline) DeleteDocument(ctx context.Context, projectID, documentID string) error {
	return p.store.DeleteByDocument(ctx, vectorstore.Scope{ProjectID: projectID}, documentID)
}

// Purge removes all indexed content for a project. Wired as a registry
// delete cascade.
func (p *Pipeline) Purge(ctx context.Context, projectID string) error {
	return p.store.Purge(ctx, vectorstore.Scope{ProjectID: projectID})
}

type pendingChunk struct {
	fingerprint string
	text        string
}

func (p *Pipeline) chunk(text string) ([]pendingChunk, error) {
	parts, err := p.splitter.SplitText(text)
	if err != nil {
		return nil, err
	}
	chunks := make([]pendingChunk, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		chunks = append(chunks, pendingChunk{fingerprint: fingerprint(part), text: part})
	}
	return chunks, nil
}

// dropIndexed filters out chunks whose fingerprint the store already
// holds for this project.
func (p *Pipeline) dropIndexed(ctx context.Context, scope vectorstore.Scope, chunks []pendingChunk) ([]pendingChunk, int, error) {
	if len(chunks) == 0 {
		return chunks, 0, nil
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.fingerprint
	}
	known, err := p.store.Has(ctx, scope, ids)
	if err != nil {
		return nil, 0, err
	}
	fresh := chunks[:0]
	skipped := 0
	for _, c := range chunks {
		if known[c.fingerprint] {
			skipped++
			continue
		}
		fresh = append(fresh, c)
	}
	return fresh, skipped, nil
}

func (p *Pipeline) storeBatch(ctx context.Context, scope vectorstore.Scope, binding inference.Binding, doc Document, batch []pendingChunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.text
	}
	vectors, err := p.embedder.Embed(ctx, binding, texts)
	if err != nil {
		return fmt.Errorf("embedding batch: %w", err)
	}

	entries := make([]vectorstore.Entry, len(batch))
	for i, c := range batch {
		meta := make(map[string]string, len(doc.Metadata)+4)
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		meta[vectorstore.MetaDocumentID] = doc.ID
		meta[vectorstore.MetaFingerprint] = c.fingerprint
		meta[vectorstore.MetaSeq] = strconv.FormatInt(p.nextSeq(), 10)
		if doc.Source != "" {
			meta[vectorstore.MetaSource] = doc.Source
		}
		entries[i] = vectorstore.Entry{
			ID:       c.fingerprint,
			Text:     c.text,
			Vector:   vectors[i],
			Metadata: meta,
		}
	}
	if err := p.store.Upsert(ctx, scope, entries); err != nil {
		return fmt.Errorf("storing batch: %w", err)
	}
	return nil
}

// nextSeq returns a chunk ordinal strictly greater than any issued
// before, even when the clock stalls or steps backwards.
func (p *Pipeline) nextSeq() int64 {
	for {
		prev := p.seq.Load()
		next := time.Now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if p.seq.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func (p *Pipeline) fail(span trace.Span, projectID string, err error) error {
	documentsFailed.WithLabelValues(projectID).Inc()
	span.RecordError(err)
	return err
}

func embedBinding(project *registry.Project) inference.Binding {
	return inference.Binding{
		Provider: project.Retrieval.Provider,
		Model:    project.Retrieval.Model,
		BaseURL:  project.Retrieval.BaseURL,
		APIKey:   project.Retrieval.APIKey.Value(),
	}
}
