// Package vectorstore stores and searches embedded chunks with mandatory
// per-project scoping. Two backends are provided: embedded chromem-go and
// remote Qdrant over gRPC.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMissingProject indicates an operation without a project scope.
	// Every store method fails closed on this rather than touching data
	// outside a project boundary.
	ErrMissingProject = errors.New("vector store scope requires a project id")

	// ErrInvalidConfig indicates invalid backend configuration.
	ErrInvalidConfig = errors.New("invalid vector store configuration")

	// ErrEmptyEntries indicates an upsert with no entries.
	ErrEmptyEntries = errors.New("no entries to upsert")

	// ErrUnavailable indicates the backend could not be reached.
	ErrUnavailable = errors.New("vector store unavailable")
)

// Metadata keys the ingestion pipeline writes and retrieval reads back.
const (
	MetaDocumentID  = "document_id"
	MetaFingerprint = "fingerprint"
	MetaSeq         = "seq"
	MetaSource      = "source"
)

// Scope binds an operation to a single project. The zero value is invalid.
type Scope struct {
	ProjectID string
}

// Validate fails closed on scopes without a project.
func (s Scope) Validate() error {
	if s.ProjectID == "" {
		return ErrMissingProject
	}
	return nil
}

// Entry is one embedded chunk to store. The vector is precomputed by the
// caller; stores never embed.
type Entry struct {
	// ID identifies the chunk within its project scope.
	ID string

	// Text is the chunk content returned by queries.
	Text string

	// Vector is the chunk embedding.
	Vector []float32

	// Metadata is round-tripped with the entry.
	Metadata map[string]string
}

// Validate checks an entry can be stored.
func (e Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: entry id required", ErrInvalidConfig)
	}
	if len(e.Vector) == 0 {
		return fmt.Errorf("%w: entry %s has no vector", ErrInvalidConfig, e.ID)
	}
	return nil
}

// Result is one query hit.
type Result struct {
	ID       string
	Text     string
	Score    float32
	Metadata map[string]string
}

// Store is the project-scoped index store contract. Implementations must
// reject any call whose scope fails Validate, so isolation never depends
// on caller discipline.
type Store interface {
	// Upsert stores entries, replacing any with the same ID. Atomic at
	// single-entry granularity only.
	Upsert(ctx context.Context, scope Scope, entries []Entry) error

	// Delete removes entries by chunk ID. Missing IDs are not an error.
	Delete(ctx context.Context, scope Scope, ids []string) error

	// DeleteByDocument removes every chunk of a source document.
	DeleteByDocument(ctx context.Context, scope Scope, documentID string) error

	// Purge removes all data belonging to the project.
	Purge(ctx context.Context, scope Scope) error

	// Query returns up to limit hits sorted by descending similarity.
	Query(ctx context.Context, scope Scope, vector []float32, limit int) ([]Result, error)

	// Has reports which of the given chunk IDs already exist in scope.
	Has(ctx context.Context, scope Scope, ids []string) (map[string]bool, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
